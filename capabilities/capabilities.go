// Package capabilities declares the contracts the coordination kernel
// consumes from its host environment (spec §6, "External Interfaces"):
// a file store, an agent worker, an id source, a clock, and a log
// sink. None of these are part of the core; kernel.New takes each of
// them as its own argument at startup (Capabilities bundles them for
// callers that want to carry them together), and the kernel never
// reaches for a package-level singleton.
package capabilities

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// FileStore is the on-disk I/O primitive the File Manager (4.B) is
// built on top of. The kernel never touches a filesystem directly.
type FileStore interface {
	Read(path string) ([]byte, error)
	Write(path string, content []byte) error
	Stat(path string) (FileInfo, error)
	Delete(path string) error
	Watch(path string, handler func(event string, path string)) (cancel func(), err error)
}

// FileInfo is the minimal stat result the File Manager needs.
type FileInfo struct {
	Size    int64
	ModTime time.Time
	Exists  bool
}

// AgentStatus is the subset of agent liveness an AgentWorker reports
// about itself, independent of the kernel's own Agent bookkeeping (§3).
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusWorking AgentStatus = "working"
	AgentStatusError   AgentStatus = "error"
	AgentStatusOffline AgentStatus = "offline"
)

// WorkItem is the payload handed to an AgentWorker for execution. It is
// intentionally narrow (id, type, requirement text, file paths) so that
// callers outside the kernel never need to import taskmgr's concrete
// Task type.
type WorkItem struct {
	TaskID       string
	Type         string
	Requirements []string
	Files        []string
	Context      map[string]any
}

// WorkResult is what an AgentWorker returns from Execute.
type WorkResult struct {
	Success bool
	Output  string
	Quality float64 // 0-1, used by the Assignment Engine's historical score
	Err     error
}

// AgentWorker is the capability contract for the thing that actually
// performs a task's domain work (spec §1: "the actual agent 'worker'
// implementation... is out of scope"). The kernel only ever calls
// Status/Workload/Execute/Shutdown on it.
type AgentWorker interface {
	ID() string
	Name() string
	Status() AgentStatus
	Workload() int // 0-100
	Execute(ctx context.Context, item WorkItem) WorkResult
	Shutdown() error
}

// IDSource generates collision-free ids for tasks, agents, sessions,
// messages, executions and alerts.
type IDSource interface {
	NewID() string
}

// Clock supplies monotonic durations and wall-clock timestamps so
// components never call time.Now()/time.Since() directly, keeping them
// testable and centralizing the one place that would otherwise be
// process-global mutable state.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// LogSink is the structured event emission capability (spec §6). The
// kernel's own log package satisfies this for the reference binary;
// tests typically use a recording sink.
type LogSink interface {
	Log(level string, message string, context map[string]any)
}

// Capabilities bundles every external dependency the kernel needs at
// construction time.
type Capabilities struct {
	Files FileStore
	IDs   IDSource
	Clock Clock
	Log   LogSink
}

// DefaultCapabilities returns a Capabilities value with the reference
// IDSource/Clock implementations and the supplied file store and log
// sink (both required: there is no sane in-memory default for a real
// deployment's log sink, and defaulting the file store would hide a
// wiring mistake).
func DefaultCapabilities(files FileStore, logSink LogSink) Capabilities {
	return Capabilities{
		Files: files,
		IDs:   UUIDSource{},
		Clock: SystemClock{},
		Log:   logSink,
	}
}

// UUIDSource is the reference IDSource, backed by google/uuid.
type UUIDSource struct{}

func (UUIDSource) NewID() string { return uuid.NewString() }

// SystemClock is the reference Clock, backed by the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time                  { return time.Now() }
func (SystemClock) Since(t time.Time) time.Duration { return time.Since(t) }
