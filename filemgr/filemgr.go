// Package filemgr implements the File Manager (spec §4.B): lock
// arbitration, change history, content snapshots, and conflict
// detection/resolution over a capabilities.FileStore. It is grounded
// on the teacher's concurrency.ResourceManager (acquire/release
// arbitration, sentinel error taxonomy) and concurrency.GitPipeline's
// ConflictResolver (named resolution strategies), generalized from
// token-bucket resource quotas to per-path read/write lock semantics.
package filemgr

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/qmlh/agentmesh/capabilities"
)

// LockType is the kind of lock an agent holds on a path.
type LockType string

const (
	LockRead  LockType = "read"
	LockWrite LockType = "write"
)

// ChangeType classifies an entry in a path's change history.
type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
	ChangeMoved    ChangeType = "moved"
)

// ConflictType names a detection rule, each with a fixed priority
// (higher wins when multiple conflicts are active on the same path).
type ConflictType string

const (
	ConflictLockTimeout            ConflictType = "lock_timeout"
	ConflictMergeConflict          ConflictType = "merge_conflict"
	ConflictConcurrentModification ConflictType = "concurrent_modification"
)

var conflictPriority = map[ConflictType]int{
	ConflictLockTimeout:             100,
	ConflictMergeConflict:           90,
	ConflictConcurrentModification:  70,
}

// FileLock describes one agent's hold on a path, for external reporting.
type FileLock struct {
	AgentID   string
	Path      string
	Type      LockType
	ExpiresAt time.Time
}

type lockState struct {
	Type    LockType
	Holders map[string]time.Time // agentID -> expiry
}

// ChangeRecord is one entry in a path's change history.
type ChangeRecord struct {
	ID           string
	Path         string
	FromPath     string // set for ChangeMoved
	AgentID      string
	Type         ChangeType
	Timestamp    time.Time
	ContentHash  string
	LinesAdded   int
	LinesRemoved int

	// Similarity is the Jaccard line-set overlap against the version
	// this change replaced, in [0,1]. 0 for a create/delete with
	// nothing on the other side to compare against.
	Similarity float64
	// ModifiedLines is the total line count covered by Regions.
	ModifiedLines int
	// Regions are the contiguous changed line spans within the new
	// content, coarse positional detail for conflict review.
	Regions []LineSpan
}

// Snapshot is a content-addressed backup of a path at a point in time.
type Snapshot struct {
	Hash      string
	Content   []byte
	Timestamp time.Time
}

// Conflict is a detected condition requiring resolution.
type Conflict struct {
	ID          string
	Path        string
	Type        ConflictType
	Priority    int
	Description string
	Agents      []string
	DetectedAt  time.Time
	Resolved    bool
	Resolution  string
}

// Config bounds the File Manager's lock, history, and detection behavior.
type Config struct {
	LockTimeout         time.Duration
	MaxLocksPerAgent    int
	HistoryCap          int
	SnapshotCap         int
	SweepInterval       time.Duration
	MergeConflictWindow time.Duration
	ConcurrentModWindow time.Duration
}

// DefaultConfig returns the spec's documented defaults (§6).
func DefaultConfig() Config {
	return Config{
		LockTimeout:         5 * time.Minute,
		MaxLocksPerAgent:    5,
		HistoryCap:          100,
		SnapshotCap:         10,
		SweepInterval:       30 * time.Second,
		MergeConflictWindow: 2 * time.Second,
		ConcurrentModWindow: 10 * time.Second,
	}
}

// FileManager is the File Manager (4.B). It owns lock state, change
// history, snapshots, and conflict records; it never touches the
// filesystem directly, delegating all I/O to a capabilities.FileStore.
type FileManager struct {
	mu sync.RWMutex

	store capabilities.FileStore
	ids   capabilities.IDSource
	clock capabilities.Clock
	log   capabilities.LogSink

	config Config

	locks        map[string]*lockState
	locksByAgent map[string]map[string]bool // agentID -> path -> true
	history      map[string][]ChangeRecord
	snapshots    map[string][]Snapshot
	conflicts    map[string]*Conflict

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a FileManager over store using the given capabilities.
func New(store capabilities.FileStore, config Config, ids capabilities.IDSource, clock capabilities.Clock, logSink capabilities.LogSink) *FileManager {
	if config.MaxLocksPerAgent <= 0 {
		config.MaxLocksPerAgent = 5
	}
	if config.HistoryCap <= 0 {
		config.HistoryCap = 100
	}
	if config.SnapshotCap <= 0 {
		config.SnapshotCap = 10
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 30 * time.Second
	}
	if config.LockTimeout <= 0 {
		config.LockTimeout = 5 * time.Minute
	}
	return &FileManager{
		store:        store,
		ids:          ids,
		clock:        clock,
		log:          logSink,
		config:       config,
		locks:        make(map[string]*lockState),
		locksByAgent: make(map[string]map[string]bool),
		history:      make(map[string][]ChangeRecord),
		snapshots:    make(map[string][]Snapshot),
		conflicts:    make(map[string]*Conflict),
		stopCh:       make(chan struct{}),
	}
}

// Start launches the lock-expiry sweeper.
func (m *FileManager) Start() {
	m.wg.Add(1)
	go m.sweepLoop()
}

// Stop halts the sweeper and waits for it to exit.
func (m *FileManager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// RequestLock acquires a read or write lock on path for agentID. Write
// locks are exclusive; read locks may be shared by any number of
// agents, but never alongside a write lock held by someone else.
func (m *FileManager) RequestLock(agentID, path string, lockType LockType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.locks[path]
	holdsAlready := state != nil && !state.Holders[agentID].IsZero()

	if !holdsAlready && m.lockCountLocked(agentID) >= m.config.MaxLocksPerAgent {
		return fmt.Errorf("%w: agent %s already holds %d locks", ErrLockLimit, agentID, m.config.MaxLocksPerAgent)
	}

	if state == nil {
		state = &lockState{Type: lockType, Holders: map[string]time.Time{}}
		m.locks[path] = state
	}

	soleHolderIsSelf := len(state.Holders) == 1 && !state.Holders[agentID].IsZero()
	switch {
	case len(state.Holders) == 0:
		state.Type = lockType
	case state.Type == LockRead && lockType == LockRead:
		// joins as an additional reader
	case soleHolderIsSelf:
		state.Type = lockType // agent changing the type of its own lock
	default:
		return fmt.Errorf("%w: %s held as %s by %d agent(s)", ErrLockConflict, path, state.Type, len(state.Holders))
	}

	state.Holders[agentID] = m.clock.Now().Add(m.config.LockTimeout)
	m.trackAgentLockLocked(agentID, path)
	return nil
}

// ReleaseLock releases agentID's lock on path.
func (m *FileManager) ReleaseLock(agentID, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.locks[path]
	if state == nil || state.Holders[agentID].IsZero() {
		return fmt.Errorf("%w: %s", ErrNotLocked, path)
	}
	delete(state.Holders, agentID)
	m.untrackAgentLockLocked(agentID, path)
	if len(state.Holders) == 0 {
		delete(m.locks, path)
	}
	return nil
}

// IsLocked reports whether path is currently locked and by whom.
func (m *FileManager) IsLocked(path string) (bool, LockType, []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state := m.locks[path]
	if state == nil || len(state.Holders) == 0 {
		return false, "", nil
	}
	holders := make([]string, 0, len(state.Holders))
	for id := range state.Holders {
		holders = append(holders, id)
	}
	sort.Strings(holders)
	return true, state.Type, holders
}

func (m *FileManager) lockCountLocked(agentID string) int {
	return len(m.locksByAgent[agentID])
}

func (m *FileManager) trackAgentLockLocked(agentID, path string) {
	paths := m.locksByAgent[agentID]
	if paths == nil {
		paths = make(map[string]bool)
		m.locksByAgent[agentID] = paths
	}
	paths[path] = true
}

func (m *FileManager) untrackAgentLockLocked(agentID, path string) {
	if paths, ok := m.locksByAgent[agentID]; ok {
		delete(paths, path)
		if len(paths) == 0 {
			delete(m.locksByAgent, agentID)
		}
	}
}

// Read returns path's current content.
func (m *FileManager) Read(path string) ([]byte, error) {
	return m.store.Read(path)
}

// Write writes content to path on behalf of agentID. If path is locked
// by a different agent, the write is rejected.
func (m *FileManager) Write(agentID, path string, content []byte) error {
	if err := m.checkWriteAllowed(agentID, path); err != nil {
		return err
	}

	prev, _ := m.store.Read(path)
	info, _ := m.store.Stat(path)
	if err := m.store.Write(path, content); err != nil {
		return err
	}

	changeType := ChangeModified
	if !info.Exists {
		changeType = ChangeCreated
		prev = nil
	}
	added, removed := LineDiff(prev, content)
	m.snapshot(path, content)
	m.recordChange(path, agentID, changeType, "", prev, content, added, removed)
	m.detectConflictsAfterWrite(path)
	return nil
}

// Delete removes path on behalf of agentID.
func (m *FileManager) Delete(agentID, path string) error {
	if err := m.checkWriteAllowed(agentID, path); err != nil {
		return err
	}
	prev, _ := m.store.Read(path)
	if err := m.store.Delete(path); err != nil {
		return err
	}
	m.recordChange(path, agentID, ChangeDeleted, "", prev, nil, 0, 0)
	return nil
}

// Move relocates content from oldPath to newPath on behalf of agentID.
func (m *FileManager) Move(agentID, oldPath, newPath string) error {
	content, err := m.store.Read(oldPath)
	if err != nil {
		return fmt.Errorf("filemgr: move read %s: %w", oldPath, err)
	}
	if err := m.checkWriteAllowed(agentID, newPath); err != nil {
		return err
	}
	prev, _ := m.store.Read(newPath)
	if err := m.store.Write(newPath, content); err != nil {
		return err
	}
	if err := m.store.Delete(oldPath); err != nil {
		return err
	}
	m.snapshot(newPath, content)
	m.recordChange(newPath, agentID, ChangeMoved, oldPath, prev, content, 0, 0)
	return nil
}

// Mkdir creates an (otherwise empty) directory by writing a marker
// file, since capabilities.FileStore has no native directory concept.
func (m *FileManager) Mkdir(agentID, path string) error {
	return m.Write(agentID, path+"/.keep", []byte{})
}

// Watch subscribes to filesystem change notifications for path.
func (m *FileManager) Watch(path string, handler func(event, path string)) (func(), error) {
	return m.store.Watch(path, handler)
}

func (m *FileManager) checkWriteAllowed(agentID, path string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state := m.locks[path]
	if state == nil {
		return nil
	}
	if state.Holders[agentID].IsZero() {
		return fmt.Errorf("%w: %s", ErrLockConflict, path)
	}
	return nil
}

func (m *FileManager) recordChange(path, agentID string, ctype ChangeType, fromPath string, prevContent, content []byte, added, removed int) {
	regions := ChangedRegions(prevContent, content)
	modified := 0
	for _, r := range regions {
		modified += r.End - r.Start + 1
	}
	rec := ChangeRecord{
		ID:            m.ids.NewID(),
		Path:          path,
		FromPath:      fromPath,
		AgentID:       agentID,
		Type:          ctype,
		Timestamp:     m.clock.Now(),
		ContentHash:   BlobHash(content),
		LinesAdded:    added,
		LinesRemoved:  removed,
		Similarity:    JaccardSimilarity(prevContent, content),
		ModifiedLines: modified,
		Regions:       regions,
	}
	m.mu.Lock()
	h := append(m.history[path], rec)
	if len(h) > m.config.HistoryCap {
		h = h[len(h)-m.config.HistoryCap:]
	}
	m.history[path] = h
	m.mu.Unlock()
}

// snapshot records content as path's latest backup without re-reading
// it from the store — every successful Write/Move already has the
// bytes in hand (spec §4.B(c): a content-hash snapshot on every write).
func (m *FileManager) snapshot(path string, content []byte) string {
	hash := BlobHash(content)
	m.mu.Lock()
	snaps := append(m.snapshots[path], Snapshot{Hash: hash, Content: content, Timestamp: m.clock.Now()})
	if len(snaps) > m.config.SnapshotCap {
		snaps = snaps[len(snaps)-m.config.SnapshotCap:]
	}
	m.snapshots[path] = snaps
	m.mu.Unlock()
	return hash
}

// History returns path's change records, oldest first, capped at limit
// (0 = unbounded).
func (m *FileManager) History(path string, limit int) []ChangeRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := m.history[path]
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]ChangeRecord, len(h))
	copy(out, h)
	return out
}

// Backup snapshots path's current content and returns its content hash.
// Write and Move already snapshot on every successful call; Backup is
// for an explicit, out-of-band checkpoint (e.g. before a risky manual
// edit outside the File Manager).
func (m *FileManager) Backup(path string) (string, error) {
	content, err := m.store.Read(path)
	if err != nil {
		return "", err
	}
	return m.snapshot(path, content), nil
}

// Restore rewrites path to the content recorded under hash.
func (m *FileManager) Restore(agentID, path, hash string) error {
	m.mu.RLock()
	var content []byte
	found := false
	for _, s := range m.snapshots[path] {
		if s.Hash == hash {
			content = s.Content
			found = true
			break
		}
	}
	m.mu.RUnlock()
	if !found {
		return fmt.Errorf("filemgr: snapshot %s not found for %s", hash, path)
	}
	return m.Write(agentID, path, content)
}

func (m *FileManager) detectConflictsAfterWrite(path string) {
	m.mu.RLock()
	hist := append([]ChangeRecord{}, m.history[path]...)
	m.mu.RUnlock()
	if len(hist) < 2 {
		return
	}

	last := hist[len(hist)-1]
	prev := hist[len(hist)-2]
	if prev.AgentID != last.AgentID && last.Timestamp.Sub(prev.Timestamp) < m.config.MergeConflictWindow {
		m.recordConflict(path, ConflictMergeConflict,
			fmt.Sprintf("%s and %s both modified %s within %s", prev.AgentID, last.AgentID, path, m.config.MergeConflictWindow),
			[]string{prev.AgentID, last.AgentID})
		return
	}

	cutoff := last.Timestamp.Add(-m.config.ConcurrentModWindow)
	agents := map[string]bool{}
	for i := len(hist) - 1; i >= 0 && hist[i].Timestamp.After(cutoff); i-- {
		agents[hist[i].AgentID] = true
	}
	if len(agents) > 1 {
		ids := make([]string, 0, len(agents))
		for a := range agents {
			ids = append(ids, a)
		}
		sort.Strings(ids)
		m.recordConflict(path, ConflictConcurrentModification,
			fmt.Sprintf("%d agents modified %s within %s", len(ids), path, m.config.ConcurrentModWindow), ids)
	}
}

func (m *FileManager) recordConflict(path string, ctype ConflictType, desc string, agents []string) *Conflict {
	c := &Conflict{
		ID:          m.ids.NewID(),
		Path:        path,
		Type:        ctype,
		Priority:    conflictPriority[ctype],
		Description: desc,
		Agents:      agents,
		DetectedAt:  m.clock.Now(),
	}
	m.mu.Lock()
	m.conflicts[c.ID] = c
	m.mu.Unlock()
	if m.log != nil {
		m.log.Log("warning", "file conflict detected", map[string]any{"conflict_id": c.ID, "path": path, "type": string(ctype)})
	}
	return c
}

// DetectConflicts returns path's unresolved conflicts, highest priority first.
func (m *FileManager) DetectConflicts(path string) []Conflict {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Conflict
	for _, c := range m.conflicts {
		if c.Path == path && !c.Resolved {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out
}

// ResolveConflict applies a resolution strategy to a conflict.
// auto_merge and overwrite resolve it immediately; manual flags it for
// human follow-up without clearing it from DetectConflicts.
func (m *FileManager) ResolveConflict(conflictID, strategy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conflicts[conflictID]
	if !ok {
		return ErrConflictNotFound
	}
	switch strategy {
	case "auto_merge", "overwrite":
		c.Resolved = true
		c.Resolution = strategy
	case "manual":
		c.Resolution = "manual"
	default:
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, strategy)
	}
	return nil
}

func (m *FileManager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepExpiredLocks()
		}
	}
}

func (m *FileManager) sweepExpiredLocks() {
	type expiry struct{ agentID, path string }
	now := m.clock.Now()

	m.mu.Lock()
	var expired []expiry
	for path, state := range m.locks {
		for agentID, exp := range state.Holders {
			if now.After(exp) {
				expired = append(expired, expiry{agentID, path})
			}
		}
	}
	for _, e := range expired {
		state := m.locks[e.path]
		delete(state.Holders, e.agentID)
		m.untrackAgentLockLocked(e.agentID, e.path)
		if len(state.Holders) == 0 {
			delete(m.locks, e.path)
		}
	}
	m.mu.Unlock()

	for _, e := range expired {
		m.recordConflict(e.path, ConflictLockTimeout,
			fmt.Sprintf("lock held by %s on %s expired", e.agentID, e.path), []string{e.agentID})
	}
}
