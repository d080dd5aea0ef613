package realtimesync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qmlh/agentmesh/bus"
	"github.com/qmlh/agentmesh/capabilities"
	"github.com/qmlh/agentmesh/coordination"
	"github.com/qmlh/agentmesh/health"
	"github.com/qmlh/agentmesh/taskmgr"
	"github.com/qmlh/agentmesh/workflow"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0)} }
func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}
func (c *fakeClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return "sync-" + string(rune('a'+s.n))
}

type nopLog struct{}

func (nopLog) Log(level, message string, context map[string]any) {}

type fakeWorker struct {
	id     string
	status capabilities.AgentStatus
}

func (w *fakeWorker) ID() string                      { return w.id }
func (w *fakeWorker) Name() string                    { return w.id }
func (w *fakeWorker) Status() capabilities.AgentStatus { return w.status }
func (w *fakeWorker) Workload() int                   { return 0 }
func (w *fakeWorker) Execute(ctx context.Context, item capabilities.WorkItem) capabilities.WorkResult {
	return capabilities.WorkResult{Success: true}
}
func (w *fakeWorker) Shutdown() error { return nil }

type testHarness struct {
	bus   *bus.Bus
	tasks *taskmgr.TaskManager
	coord *coordination.Manager
	sync  *Sync
	clock *fakeClock
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	clock := newFakeClock()
	ids := &seqIDs{}
	b := bus.New(bus.DefaultConfig(), ids, clock, nopLog{})
	tasks := taskmgr.New(ids, clock, nopLog{})
	h := health.New(nil, health.DefaultConfig(), ids, clock, nopLog{})
	wf := workflow.New(nil, nil, workflow.DefaultConfig(), ids, clock, nopLog{})
	coord := coordination.New(b, h, wf, coordination.DefaultConfig(), ids, clock, nopLog{})

	cfg := DefaultConfig()
	cfg.HeartbeatInterval = time.Minute
	cfg.MaxMissed = 2
	s := New(b, tasks, coord, cfg, ids, clock, nopLog{})
	return &testHarness{bus: b, tasks: tasks, coord: coord, sync: s, clock: clock}
}

func TestEnqueueDrainsAndBroadcasts(t *testing.T) {
	hs := newHarness(t)
	received := make(chan bus.Message, 1)
	hs.bus.Connect("watcher", func(m bus.Message) { received <- m })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hs.sync.Start(ctx)
	defer hs.sync.Stop()

	hs.sync.Enqueue("task_created", map[string]any{"task_id": "t1"})

	select {
	case m := <-received:
		assert.Equal(t, bus.TypeSystem, m.Type)
		assert.Equal(t, "task_created", m.Content["kind"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestForceSyncBroadcastsFullSnapshot(t *testing.T) {
	hs := newHarness(t)
	_, err := hs.tasks.Create("build api", "", "backend", 3, 0, nil)
	require.NoError(t, err)
	_, err = hs.coord.CreateAgent("backend", nil, &fakeWorker{id: "w1", status: capabilities.AgentStatusIdle})
	require.NoError(t, err)

	received := make(chan bus.Message, 1)
	hs.bus.Connect("watcher", func(m bus.Message) { received <- m })

	snap := hs.sync.ForceSync()
	assert.Len(t, snap.Tasks, 1)
	assert.Len(t, snap.Agents, 1)

	select {
	case m := <-received:
		assert.Equal(t, "full_sync", m.Content["kind"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for full sync broadcast")
	}
}

func TestCheckHeartbeatsDisconnectsAfterMaxMissed(t *testing.T) {
	hs := newHarness(t)
	agent, err := hs.coord.CreateAgent("backend", nil, &fakeWorker{id: "w1", status: capabilities.AgentStatusIdle})
	require.NoError(t, err)

	hs.bus.Connect(agent.ID, func(bus.Message) {})
	hs.sync.RecordHeartbeat(agent.ID)

	events := make(chan bus.Message, 4)
	hs.bus.Connect("watcher", func(m bus.Message) { events <- m })
	hs.bus.Subscribe(bus.EventAgentStatusChanged, "watcher-sub", func(m bus.Message) { events <- m })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hs.sync.Start(ctx)
	defer hs.sync.Stop()

	// First missed window: not yet disconnected.
	hs.clock.Advance(2 * time.Minute)
	hs.sync.CheckHeartbeats()
	assert.True(t, hs.bus.IsConnected(agent.ID))

	// Second missed window crosses MaxMissed=2: disconnected and rebroadcast.
	hs.clock.Advance(2 * time.Minute)
	hs.sync.CheckHeartbeats()
	assert.False(t, hs.bus.IsConnected(agent.ID))

	var sawStatusChange, sawDisconnectedEvent bool
	for i := 0; i < 2; i++ {
		select {
		case m := <-events:
			if kind, _ := m.Content["kind"].(string); kind == "agent_disconnected" {
				sawDisconnectedEvent = true
			}
			if payload, ok := m.Content["payload"].(map[string]any); ok && payload["status"] == "disconnected" {
				sawStatusChange = true
			}
		case <-time.After(time.Second):
		}
	}
	assert.True(t, sawDisconnectedEvent || sawStatusChange, "expected a disconnect notification to be broadcast")
}

func TestRecordHeartbeatResetsMissedCount(t *testing.T) {
	hs := newHarness(t)
	agent, err := hs.coord.CreateAgent("backend", nil, &fakeWorker{id: "w1", status: capabilities.AgentStatusIdle})
	require.NoError(t, err)
	hs.bus.Connect(agent.ID, func(bus.Message) {})

	hs.sync.RecordHeartbeat(agent.ID)
	hs.clock.Advance(2 * time.Minute)
	hs.sync.CheckHeartbeats()
	assert.True(t, hs.bus.IsConnected(agent.ID), "still within one missed window")

	hs.sync.RecordHeartbeat(agent.ID)
	hs.clock.Advance(2 * time.Minute)
	hs.sync.CheckHeartbeats()
	assert.True(t, hs.bus.IsConnected(agent.ID), "heartbeat reset the missed counter")
}
