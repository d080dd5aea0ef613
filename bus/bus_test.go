package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests control heartbeat-expiry boundaries deterministically.
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

func (c *fakeClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

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
	return "id-" + string(rune('a'+s.n))
}

type nopLog struct{}

func (nopLog) Log(level, message string, context map[string]any) {}

func newTestBus() *Bus {
	return New(DefaultConfig(), &seqIDs{}, newFakeClock(), nopLog{})
}

func TestSendDirectedDeliveryWhileConnected(t *testing.T) {
	b := newTestBus()
	received := make(chan Message, 1)
	b.Connect("agent-b", func(m Message) { received <- m })

	err := b.Send(Message{Sender: "agent-a", Recipients: []string{"agent-b"}, Type: TypeRequest})
	require.NoError(t, err)

	select {
	case m := <-received:
		assert.Equal(t, "agent-a", m.Sender)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	history := b.History("agent-a", "agent-b", 0)
	require.Len(t, history, 1)
}

func TestSendQueuesWhenRecipientDisconnected(t *testing.T) {
	b := newTestBus()
	require.NoError(t, b.Send(Message{Sender: "agent-a", Recipients: []string{"agent-b"}, Type: TypeRequest}))
	assert.Equal(t, 1, b.QueueSize("agent-b"))

	received := make(chan Message, 1)
	b.Connect("agent-b", func(m Message) { received <- m })

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("queued message not flushed on connect")
	}
}

func TestOfflineQueueDropsOldestOnOverflow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueSize = 2
	b := New(cfg, &seqIDs{}, newFakeClock(), nopLog{})

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Send(Message{Sender: "a", Recipients: []string{"b"}, Type: TypeInfo, Content: map[string]any{"n": i}}))
	}
	assert.Equal(t, 2, b.QueueSize("b"))
}

func TestSendValidationFailsFast(t *testing.T) {
	b := newTestBus()
	err := b.Send(Message{Sender: "a", Type: TypeRequest})
	assert.ErrorIs(t, err, ErrValidation)

	err = b.Send(Message{Recipients: []string{"b"}, Type: TypeRequest})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestBroadcastReachesAllConnectedAgentsWithSameID(t *testing.T) {
	b := newTestBus()
	var mu sync.Mutex
	got := make(map[string]Message)
	for _, id := range []string{"x", "y", "z"} {
		agent := id
		b.Connect(agent, func(m Message) {
			mu.Lock()
			got[agent] = m
			mu.Unlock()
		})
	}

	require.NoError(t, b.Broadcast(Message{Sender: "system", Type: TypeSystem}))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	id := got["x"].ID
	assert.Equal(t, id, got["y"].ID)
	assert.Equal(t, id, got["z"].ID)
}

func TestPublishIsolatesSubscriberPanics(t *testing.T) {
	b := newTestBus()
	var calledSecond bool
	b.Subscribe(EventTaskCompleted, "bad", func(m Message) { panic("boom") })
	b.Subscribe(EventTaskCompleted, "good", func(m Message) { calledSecond = true })

	assert.NotPanics(t, func() {
		b.Publish(EventTaskCompleted, map[string]any{"task_id": "t1"}, "taskmgr")
	})
	assert.True(t, calledSecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus()
	calls := 0
	b.Subscribe(EventAgentCreated, "a", func(m Message) { calls++ })
	b.Unsubscribe(EventAgentCreated, "a")
	b.Publish(EventAgentCreated, nil, "coordination")
	assert.Equal(t, 0, calls)
}

func TestPublishWithNoSubscribersIsNoOp(t *testing.T) {
	b := newTestBus()
	assert.NotPanics(t, func() {
		b.Publish("nothing:listens", nil, "system")
	})
}

func TestHistoryDedupesByMessageID(t *testing.T) {
	b := newTestBus()
	b.Connect("b", func(Message) {})
	require.NoError(t, b.Send(Message{ID: "fixed-id", Sender: "a", Recipients: []string{"b"}, Type: TypeRequest}))
	// Re-send with same id: history should not grow for either party.
	require.NoError(t, b.Send(Message{ID: "fixed-id", Sender: "a", Recipients: []string{"b"}, Type: TypeRequest}))

	assert.Len(t, b.History("a", "b", 0), 1)
}

func TestMarkNotificationReadTracksPerAgent(t *testing.T) {
	b := newTestBus()
	require.NoError(t, b.Send(Message{ID: "note-1", Sender: "a", Recipients: []string{"b", "c"}, Type: TypeNotification, IsNotification: true}))

	require.NoError(t, b.MarkNotificationRead("note-1", "b"))
	assert.True(t, b.IsNotificationRead("note-1", "b"))
	assert.False(t, b.IsNotificationRead("note-1", "c"))

	err := b.MarkNotificationRead("missing", "b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHeartbeatExpiryAtTimeoutBoundary(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatTimeout = time.Minute
	clock := newFakeClock()
	b := New(cfg, &seqIDs{}, clock, nopLog{})
	b.Connect("a", func(Message) {})

	clock.Advance(cfg.HeartbeatTimeout)
	b.expireStaleConnections()
	assert.True(t, b.IsConnected("a"), "strictly-greater-than boundary: at exactly the timeout the agent is still live")

	clock.Advance(time.Nanosecond)
	b.expireStaleConnections()
	assert.False(t, b.IsConnected("a"))
}

func TestHeartbeatExpiryEmitsAgentDestroyedAndUnsubscribes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatTimeout = time.Minute
	clock := newFakeClock()
	b := New(cfg, &seqIDs{}, clock, nopLog{})
	b.Connect("a", func(Message) {})

	var destroyed map[string]any
	b.Subscribe(EventAgentDestroyed, "watcher", func(m Message) {
		destroyed = m.Content["payload"].(map[string]any)
	})

	aCalls := 0
	b.Subscribe(EventTaskCompleted, "a", func(Message) { aCalls++ })

	clock.Advance(2 * cfg.HeartbeatTimeout)
	b.expireStaleConnections()

	require.NotNil(t, destroyed)
	assert.Equal(t, "a", destroyed["agent_id"])

	b.Publish(EventTaskCompleted, nil, "test")
	assert.Equal(t, 0, aCalls, "expiry unsubscribed a from every event type")

	b.Subscribe(EventTaskCompleted, "a", func(Message) {})
	b.Unsubscribe("", "a")
}

func TestSearchMatchesContentAndSender(t *testing.T) {
	b := newTestBus()
	b.Connect("b", func(Message) {})
	require.NoError(t, b.Send(Message{Sender: "alpha", Recipients: []string{"b"}, Type: TypeInfo, Content: map[string]any{"note": "deploy staging"}}))
	require.NoError(t, b.Send(Message{Sender: "alpha", Recipients: []string{"b"}, Type: TypeInfo, Content: map[string]any{"note": "rollback prod"}}))

	results := b.Search("staging", "")
	require.Len(t, results, 1)
	assert.Equal(t, "deploy staging", results[0].Content["note"])
}

func TestStartStopSweepersAreIdempotentAndClean(t *testing.T) {
	b := newTestBus()
	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)
	b.Start(ctx) // second call is a no-op
	cancel()
	b.Stop()
}
