package main

import (
	"context"
	"fmt"

	"github.com/qmlh/agentmesh/capabilities"
	"github.com/qmlh/agentmesh/config"
	"github.com/qmlh/agentmesh/filemgr"
	"github.com/qmlh/agentmesh/kernel"
	applog "github.com/qmlh/agentmesh/log"
)

// dataDirFlag lets every subcommand point at the same on-disk git
// workspace; left empty it falls back to an in-memory store so a
// throwaway demo run never touches disk.
var dataDirFlag string

// newKernel boots a Kernel with the reference capabilities (uuid ids,
// the system clock, the std-log-backed LogSink, and either a
// git-backed or in-memory file store depending on dataDirFlag). Each
// subcommand invocation is its own process, so it constructs its own
// Kernel — there is no persistent daemon/transport to submit against
// (the teacher's MCP server and session daemon play that role for the
// editor integration and are explicitly out of scope here, per
// SPEC_FULL.md's DOMAIN STACK). `start` is the long-lived process;
// `submit`/`status`/`watch` bootstrap a fresh kernel seeded with demo
// agents so they have something concrete to operate on, the same way
// the teacher's `exampleCmd` runs self-contained example workflows
// with no server behind them.
func newKernel() (*kernel.Kernel, error) {
	applog.Initialize(false)

	cfg := config.LoadConfig()

	var store capabilities.FileStore
	if dataDirFlag != "" {
		gitStore, err := filemgr.NewGitFileStore(dataDirFlag)
		if err != nil {
			return nil, fmt.Errorf("opening git workspace at %s: %w", dataDirFlag, err)
		}
		store = gitStore
	} else {
		store = capabilities.NewMemFileStore()
	}

	k := kernel.New(cfg, store, capabilities.UUIDSource{}, capabilities.SystemClock{}, capabilities.StdLogSink{})
	return k, nil
}

// demoWorker is a minimal AgentWorker used to seed example agents for
// the submit/status/watch demonstrations; it reports idle/healthy and
// succeeds every work item handed to it.
type demoWorker struct {
	id   string
	name string
}

func (w *demoWorker) ID() string                      { return w.id }
func (w *demoWorker) Name() string                    { return w.name }
func (w *demoWorker) Status() capabilities.AgentStatus { return capabilities.AgentStatusIdle }
func (w *demoWorker) Workload() int { return 10 }
func (w *demoWorker) Execute(ctx context.Context, item capabilities.WorkItem) capabilities.WorkResult {
	return capabilities.WorkResult{Success: true, Output: "ok", Quality: 0.9}
}
func (w *demoWorker) Shutdown() error { return nil }

// seedDemoAgents registers one agent per archetype taskmgr.Decompose
// produces for a "feature" request, so submit/status/watch always have
// a matching specialization to assign against.
func seedDemoAgents(k *kernel.Kernel) {
	for _, t := range []string{"frontend", "backend", "documentation", "testing"} {
		w := &demoWorker{id: t + "-demo", name: t + " demo agent"}
		_, _ = k.CreateAgent(t, []string{t}, w)
	}
}
