// Package realtimesync implements Realtime Sync (spec §4.H): a
// derived mirror over the Message Bus, Task Manager, and Coordination
// Manager that fans out change notifications and, on ForceSync,
// full-state snapshots of agents and tasks, and independently tracks
// agent liveness via heartbeats. File and collaboration-session state
// is not mirrored and is not part of a snapshot. It is grounded on the teacher's
// concurrency.EventBus (single-threaded delivery loop draining a
// queue) and brain.EventBus's sequence-numbered broadcast model.
package realtimesync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/qmlh/agentmesh/bus"
	"github.com/qmlh/agentmesh/capabilities"
	"github.com/qmlh/agentmesh/coordination"
	"github.com/qmlh/agentmesh/taskmgr"
)

// SyncEvent is one queued change destined for broadcast.
type SyncEvent struct {
	ID        string
	Kind      string
	Payload   map[string]any
	Timestamp time.Time
}

// Snapshot is the full state Realtime Sync can broadcast on demand.
type Snapshot struct {
	Agents    []coordination.Agent
	Tasks     []taskmgr.Task
	Timestamp time.Time
}

// Config bounds heartbeat liveness tracking.
type Config struct {
	HeartbeatInterval time.Duration
	MaxMissed         int
	QueueCap          int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		MaxMissed:         3,
		QueueCap:          1000,
	}
}

// Sync is Realtime Sync (4.H).
type Sync struct {
	mu    sync.Mutex
	queue []SyncEvent
	wake  chan struct{}

	bus   *bus.Bus
	tasks *taskmgr.TaskManager
	coord *coordination.Manager

	config Config
	ids    capabilities.IDSource
	clock  capabilities.Clock
	log    capabilities.LogSink

	heartbeats   map[string]time.Time
	missed       map[string]int
	disconnected map[string]bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Sync mirroring messageBus/tasks/coord.
func New(messageBus *bus.Bus, tasks *taskmgr.TaskManager, coord *coordination.Manager, config Config, ids capabilities.IDSource, clock capabilities.Clock, logSink capabilities.LogSink) *Sync {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.MaxMissed <= 0 {
		config.MaxMissed = 3
	}
	if config.QueueCap <= 0 {
		config.QueueCap = 1000
	}
	return &Sync{
		wake:         make(chan struct{}, 1),
		bus:          messageBus,
		tasks:        tasks,
		coord:        coord,
		config:       config,
		ids:          ids,
		clock:        clock,
		log:          logSink,
		heartbeats:   make(map[string]time.Time),
		missed:       make(map[string]int),
		disconnected: make(map[string]bool),
		stopCh:       make(chan struct{}),
	}
}

// Enqueue queues a change for the drainer to broadcast, dropping the
// oldest entry if the queue is at capacity.
func (s *Sync) Enqueue(kind string, payload map[string]any) {
	ev := SyncEvent{ID: s.ids.NewID(), Kind: kind, Payload: payload, Timestamp: s.clock.Now()}
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	if len(s.queue) > s.config.QueueCap {
		s.queue = s.queue[1:]
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start launches the single-threaded drain loop and the heartbeat checker.
func (s *Sync) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.drainLoop(ctx)
	go s.heartbeatLoop(ctx)
}

// Stop halts both background loops.
func (s *Sync) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Sync) drainLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.wake:
			s.drainOnce()
		}
	}
}

func (s *Sync) drainOnce() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if s.bus != nil {
			_ = s.bus.Broadcast(bus.Message{
				Sender:  "realtimesync",
				Type:    bus.TypeSystem,
				Content: map[string]any{"kind": ev.Kind, "payload": ev.Payload, "event_id": ev.ID},
			})
		}
	}
}

// ForceSync assembles a full snapshot across the mirrored components
// and broadcasts it as a single message.
func (s *Sync) ForceSync() Snapshot {
	snap := Snapshot{Timestamp: s.clock.Now()}
	if s.coord != nil {
		snap.Agents = s.coord.ListAgents()
	}
	if s.tasks != nil {
		for _, t := range s.tasks.All() {
			snap.Tasks = append(snap.Tasks, *t)
		}
	}

	if s.bus != nil {
		_ = s.bus.Broadcast(bus.Message{
			Sender: "realtimesync",
			Type:   bus.TypeSystem,
			Content: map[string]any{
				"kind":   "full_sync",
				"agents": snap.Agents,
				"tasks":  snap.Tasks,
			},
		})
	}
	return snap
}

// RecordHeartbeat marks agentID as live as of now, clearing any missed count.
func (s *Sync) RecordHeartbeat(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats[agentID] = s.clock.Now()
	s.missed[agentID] = 0
	delete(s.disconnected, agentID)
}

func (s *Sync) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.CheckHeartbeats()
		}
	}
}

// CheckHeartbeats probes every agent the Coordination Manager knows
// about once, disconnecting and re-broadcasting any agent that has
// missed MaxMissed consecutive heartbeat windows.
func (s *Sync) CheckHeartbeats() {
	if s.coord == nil {
		return
	}
	now := s.clock.Now()
	var newlyDisconnected []string

	s.mu.Lock()
	for _, a := range s.coord.ListAgents() {
		if s.disconnected[a.ID] {
			continue
		}
		last, known := s.heartbeats[a.ID]
		if !known {
			s.heartbeats[a.ID] = now
			continue
		}
		if now.Sub(last) > s.config.HeartbeatInterval {
			s.missed[a.ID]++
			if s.missed[a.ID] >= s.config.MaxMissed {
				s.disconnected[a.ID] = true
				newlyDisconnected = append(newlyDisconnected, a.ID)
			}
		}
	}
	s.mu.Unlock()

	sort.Strings(newlyDisconnected)
	for _, id := range newlyDisconnected {
		if s.bus != nil {
			s.bus.Disconnect(id)
			s.bus.Publish(bus.EventAgentStatusChanged, map[string]any{"agent_id": id, "status": "disconnected"}, "realtimesync")
		}
		s.Enqueue("agent_disconnected", map[string]any{"agent_id": id})
	}
}
