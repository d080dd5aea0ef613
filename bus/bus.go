// Package bus implements the Message Bus (spec §4.A): directed and
// broadcast delivery between agents, an event pub/sub layer, offline
// queueing, and heartbeat-driven liveness tracking. It is grounded on
// the teacher's concurrency.EventBus (circular history, per-subscriber
// delivery, dead-subscriber detection) and brain.EventBus (sequence
// numbers, filterable subscriptions), generalized to the directed
// messaging and offline-queue semantics spec.md requires.
package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/qmlh/agentmesh/capabilities"
	"github.com/qmlh/agentmesh/log"
)

// MessageType enumerates the kinds of messages the bus carries (spec §3).
type MessageType string

const (
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeNotification MessageType = "notification"
	TypeEvent        MessageType = "event"
	TypeSystem       MessageType = "system"
	TypeInfo         MessageType = "info"
)

// Published event names (spec §6, "Published events").
const (
	EventAgentCreated         = "agent:created"
	EventAgentDestroyed       = "agent:destroyed"
	EventAgentStatusChanged   = "agent:status_changed"
	EventAgentError           = "agent:error"
	EventTaskCreated          = "task:created"
	EventTaskAssigned         = "task:assigned"
	EventTaskStarted          = "task:started"
	EventTaskCompleted        = "task:completed"
	EventTaskFailed           = "task:failed"
	EventFileLocked           = "file:locked"
	EventFileUnlocked         = "file:unlocked"
	EventFileModified         = "file:modified"
	EventFileConflict         = "file:conflict"
	EventCollaborationStart   = "collaboration:started"
	EventCollaborationEnd     = "collaboration:ended"
	EventCollaborationJoined  = "collaboration:joined"
	EventCollaborationLeft    = "collaboration:left"
	EventSystemStartup        = "system:startup"
	EventSystemShutdown       = "system:shutdown"
	EventSystemError          = "system:error"
	EventSystemHealthCheck    = "system:health_check"
)

// Message is a unit of communication on the bus (spec §3 "Message").
type Message struct {
	ID               string         `json:"id"`
	Sender           string         `json:"sender"`
	Recipients       []string       `json:"recipients"`
	Type             MessageType    `json:"type"`
	Content          map[string]any `json:"content"`
	Timestamp        time.Time      `json:"timestamp"`
	RequiresResponse bool           `json:"requires_response"`
	CorrelationID    string         `json:"correlation_id,omitempty"`
	IsNotification   bool           `json:"is_notification"`
}

// Handler receives a delivered message. Event subscribers and connected
// agents' inboxes share this signature.
type Handler func(Message)

// Config configures the bus' bounds and cadences (spec §6 defaults).
type Config struct {
	QueueSize        int
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration // offline-queue sweep cadence, 5s by default
	HeartbeatSweep   time.Duration
	HistoryPerAgent  int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:        1000,
		HeartbeatTimeout: 5 * time.Minute,
		SweepInterval:    5 * time.Second,
		HeartbeatSweep:   10 * time.Second,
		HistoryPerAgent:  1000,
	}
}

type connection struct {
	handler       Handler
	lastHeartbeat time.Time
	connected     bool
}

type subscription struct {
	agentID string
	handler Handler
}

// Bus is the Message Bus (4.A). Ownership per spec §3: it exclusively
// owns queues, subscriptions, and connection entries.
type Bus struct {
	mu sync.RWMutex

	connections    map[string]*connection
	offlineQueues  map[string][]Message
	history        map[string][]Message
	historySeen    map[string]map[string]bool
	subscribers    map[string][]subscription
	notifications  map[string]map[string]bool // msgID -> agentID -> read
	notificationOf map[string]Message         // msgID -> message, for search/read-state lookups

	config Config
	ids    capabilities.IDSource
	clock  capabilities.Clock
	log    capabilities.LogSink

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New constructs a Bus. ids/clock/logSink must not be nil.
func New(config Config, ids capabilities.IDSource, clock capabilities.Clock, logSink capabilities.LogSink) *Bus {
	if config.QueueSize <= 0 {
		config.QueueSize = 1000
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 5 * time.Second
	}
	if config.HeartbeatSweep <= 0 {
		config.HeartbeatSweep = 10 * time.Second
	}
	if config.HistoryPerAgent <= 0 {
		config.HistoryPerAgent = 1000
	}
	return &Bus{
		connections:    make(map[string]*connection),
		offlineQueues:  make(map[string][]Message),
		history:        make(map[string][]Message),
		historySeen:    make(map[string]map[string]bool),
		subscribers:    make(map[string][]subscription),
		notifications:  make(map[string]map[string]bool),
		notificationOf: make(map[string]Message),
		config:         config,
		ids:            ids,
		clock:          clock,
		log:            logSink,
		stopCh:         make(chan struct{}),
	}
}

// Start begins the offline-queue sweeper and the heartbeat sweeper.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	b.wg.Add(2)
	go b.sweepOfflineQueues(ctx)
	go b.sweepHeartbeats(ctx)
}

// Stop halts the background sweepers and waits for them to exit.
func (b *Bus) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}

// Connect registers an agent as connected and attaches the handler that
// receives directed/offline-queued messages addressed to it.
func (b *Bus) Connect(agentID string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.connections[agentID] = &connection{
		handler:       handler,
		lastHeartbeat: b.clock.Now(),
		connected:     true,
	}
	b.flushOfflineLocked(agentID)
}

// Disconnect marks an agent disconnected. Its offline queue is retained.
func (b *Bus) Disconnect(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.connections[agentID]; ok {
		c.connected = false
	}
}

// UpdateHeartbeat refreshes an agent's liveness timestamp.
func (b *Bus) UpdateHeartbeat(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.connections[agentID]; ok {
		c.lastHeartbeat = b.clock.Now()
	}
}

// IsConnected reports whether the agent is currently connected.
func (b *Bus) IsConnected(agentID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.connections[agentID]
	return ok && c.connected
}

// Send delivers a directed message to one or more recipients. Connected
// recipients receive it synchronously; disconnected recipients have it
// queued offline (bounded, oldest dropped on overflow).
func (b *Bus) Send(msg Message) error {
	if err := b.validate(msg); err != nil {
		return err
	}

	b.mu.Lock()
	if msg.ID == "" {
		msg.ID = b.ids.NewID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.clock.Now()
	}
	recipients := append([]string{}, msg.Recipients...)
	b.appendHistoryLocked(msg.Sender, msg)
	if msg.IsNotification {
		b.notificationOf[msg.ID] = msg
	}
	b.mu.Unlock()

	for _, r := range recipients {
		b.deliverOne(r, msg)
	}
	return nil
}

// Broadcast delivers msg to every currently connected agent. A single
// id is assigned and every recipient sees it (spec §4.A).
func (b *Bus) Broadcast(msg Message) error {
	msg.Recipients = nil
	if msg.Sender == "" {
		return fmt.Errorf("%w: missing sender", ErrValidation)
	}
	if msg.Type == "" {
		return fmt.Errorf("%w: missing type", ErrValidation)
	}

	b.mu.Lock()
	if msg.ID == "" {
		msg.ID = b.ids.NewID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.clock.Now()
	}
	recipients := make([]string, 0, len(b.connections))
	for id, c := range b.connections {
		if c.connected {
			recipients = append(recipients, id)
		}
	}
	sort.Strings(recipients)
	msg.Recipients = recipients
	b.appendHistoryLocked(msg.Sender, msg)
	b.mu.Unlock()

	for _, r := range recipients {
		b.deliverOne(r, msg)
	}
	return nil
}

// deliverOne delivers a single already-validated, already-ID'd message
// to one recipient: synchronously if connected, else queued offline.
func (b *Bus) deliverOne(recipient string, msg Message) {
	b.mu.Lock()
	c, connected := b.connections[recipient]
	if connected && c.connected && c.handler != nil {
		handler := c.handler
		b.appendHistoryLocked(recipient, msg)
		b.mu.Unlock()
		b.invoke(handler, msg)
		return
	}
	b.enqueueOfflineLocked(recipient, msg)
	b.mu.Unlock()
}

// invoke calls a handler, isolating panics the way event subscriber
// invocation does (spec §9: "Handlers must be treated as untrusted").
func (b *Bus) invoke(h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			if b.log != nil {
				b.log.Log("error", "message handler panicked", map[string]any{"recover": r, "message_id": msg.ID})
			}
		}
	}()
	h(msg)
}

func (b *Bus) enqueueOfflineLocked(agentID string, msg Message) {
	q := b.offlineQueues[agentID]
	if len(q) >= b.config.QueueSize {
		q = q[1:] // drop oldest on overflow
	}
	b.offlineQueues[agentID] = append(q, msg)
}

// flushOfflineLocked attempts redelivery of an agent's queued messages.
// Must be called with b.mu held.
func (b *Bus) flushOfflineLocked(agentID string) {
	c, ok := b.connections[agentID]
	if !ok || !c.connected || c.handler == nil {
		return
	}
	queue := b.offlineQueues[agentID]
	if len(queue) == 0 {
		return
	}
	delete(b.offlineQueues, agentID)
	handler := c.handler
	for _, msg := range queue {
		b.appendHistoryLocked(agentID, msg)
	}
	go func() {
		for _, msg := range queue {
			b.invoke(handler, msg)
		}
	}()
}

func (b *Bus) appendHistoryLocked(agentID string, msg Message) {
	if agentID == "" {
		return
	}
	seen := b.historySeen[agentID]
	if seen == nil {
		seen = make(map[string]bool)
		b.historySeen[agentID] = seen
	}
	if seen[msg.ID] {
		return
	}
	seen[msg.ID] = true

	h := append(b.history[agentID], msg)
	if len(h) > b.config.HistoryPerAgent {
		h = h[len(h)-b.config.HistoryPerAgent:]
	}
	b.history[agentID] = h
}

func (b *Bus) validate(msg Message) error {
	if msg.Sender == "" {
		return fmt.Errorf("%w: missing sender", ErrValidation)
	}
	if len(msg.Recipients) == 0 {
		return fmt.Errorf("%w: missing recipient", ErrValidation)
	}
	if msg.Type == "" {
		return fmt.Errorf("%w: missing type", ErrValidation)
	}
	return nil
}

// Subscribe registers handler to receive events of eventType, in
// registration order alongside any existing subscribers.
func (b *Bus) Subscribe(eventType string, agentID string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{agentID: agentID, handler: handler})
}

// Unsubscribe removes agentID's subscription to eventType. Passing an
// empty eventType unsubscribes the agent from every event type.
func (b *Bus) Unsubscribe(eventType string, agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if eventType == "" {
		for et := range b.subscribers {
			b.removeSubscriberLocked(et, agentID)
		}
		return
	}
	b.removeSubscriberLocked(eventType, agentID)
}

func (b *Bus) removeSubscriberLocked(eventType, agentID string) {
	subs := b.subscribers[eventType]
	out := subs[:0]
	for _, s := range subs {
		if s.agentID != agentID {
			out = append(out, s)
		}
	}
	b.subscribers[eventType] = out
}

// Publish fans payload out to every subscriber of eventType in
// registration order, isolating handler panics, and additionally
// produces a derived system-type message addressed to the subscriber
// set for durability (spec §4.A).
func (b *Bus) Publish(eventType string, payload map[string]any, source string) {
	b.mu.RLock()
	subs := append([]subscription{}, b.subscribers[eventType]...)
	b.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	ts := b.clock.Now()
	for _, s := range subs {
		b.invoke(s.handler, Message{
			ID:        b.ids.NewID(),
			Sender:    source,
			Type:      TypeEvent,
			Content:   map[string]any{"event_type": eventType, "payload": payload},
			Timestamp: ts,
		})
	}

	recipients := make([]string, 0, len(subs))
	for _, s := range subs {
		recipients = append(recipients, s.agentID)
	}
	derived := Message{
		ID:        b.ids.NewID(),
		Sender:    source,
		Recipients: recipients,
		Type:      TypeSystem,
		Content:   map[string]any{"event_type": eventType, "payload": payload},
		Timestamp: ts,
	}
	b.mu.Lock()
	b.appendHistoryLocked(source, derived)
	for _, r := range recipients {
		b.appendHistoryLocked(r, derived)
	}
	b.mu.Unlock()
}

// QueueSize returns the offline-queue depth for agentID, or the total
// across all agents when agentID is empty.
func (b *Bus) QueueSize(agentID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if agentID != "" {
		return len(b.offlineQueues[agentID])
	}
	total := 0
	for _, q := range b.offlineQueues {
		total += len(q)
	}
	return total
}

// MarkNotificationRead records that agentID has read notification id.
func (b *Bus) MarkNotificationRead(id string, agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.notificationOf[id]; !ok {
		return fmt.Errorf("%w: notification %s", ErrNotFound, id)
	}
	read := b.notifications[id]
	if read == nil {
		read = make(map[string]bool)
		b.notifications[id] = read
	}
	read[agentID] = true
	return nil
}

// IsNotificationRead reports whether agentID has read notification id.
func (b *Bus) IsNotificationRead(id string, agentID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.notifications[id][agentID]
}

// Search returns messages in agentID's history whose content matches
// query as a naive substring check over sender/type/content values. If
// agentID is empty, searches across every agent's history.
func (b *Bus) Search(query string, agentID string) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Message
	seen := make(map[string]bool)
	search := func(msgs []Message) {
		for _, m := range msgs {
			if seen[m.ID] {
				continue
			}
			if messageMatches(m, query) {
				seen[m.ID] = true
				out = append(out, m)
			}
		}
	}
	if agentID != "" {
		search(b.history[agentID])
		return out
	}
	for _, msgs := range b.history {
		search(msgs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func messageMatches(m Message, query string) bool {
	if query == "" {
		return true
	}
	if containsFold(m.Sender, query) || containsFold(string(m.Type), query) {
		return true
	}
	for _, v := range m.Content {
		if s, ok := v.(string); ok && containsFold(s, query) {
			return true
		}
	}
	return false
}

// History returns messages exchanged between a and b (sent by either
// to the other), ordered oldest-first, capped at limit (0 = unbounded).
func (b *Bus) History(a, bAgent string, limit int) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Message
	seen := make(map[string]bool)
	collect := func(msgs []Message) {
		for _, m := range msgs {
			if seen[m.ID] {
				continue
			}
			if involves(m, a) && involves(m, bAgent) {
				seen[m.ID] = true
				out = append(out, m)
			}
		}
	}
	collect(b.history[a])
	collect(b.history[bAgent])

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func involves(m Message, agentID string) bool {
	if m.Sender == agentID {
		return true
	}
	for _, r := range m.Recipients {
		if r == agentID {
			return true
		}
	}
	return false
}

func (b *Bus) sweepOfflineQueues(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.mu.Lock()
			agents := make([]string, 0, len(b.offlineQueues))
			for id := range b.offlineQueues {
				agents = append(agents, id)
			}
			for _, id := range agents {
				b.flushOfflineLocked(id)
			}
			b.mu.Unlock()
		}
	}
}

func (b *Bus) sweepHeartbeats(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.config.HeartbeatSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.expireStaleConnections()
		}
	}
}

func (b *Bus) expireStaleConnections() {
	now := b.clock.Now()
	var expired []string

	b.mu.Lock()
	for id, c := range b.connections {
		if c.connected && now.Sub(c.lastHeartbeat) > b.config.HeartbeatTimeout {
			c.connected = false
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		for et := range b.subscribers {
			b.removeSubscriberLocked(et, id)
		}
	}
	b.mu.Unlock()

	for _, id := range expired {
		if log.InfoLog != nil {
			log.InfoLog.Printf("bus: agent %s heartbeat expired, disconnecting", id)
		}
		b.Publish(EventAgentDestroyed, map[string]any{"agent_id": id, "reason": "heartbeat_timeout"}, "bus")
	}
}

func containsFold(s, substr string) bool {
	if substr == "" {
		return true
	}
	return len(s) >= len(substr) && indexFold(s, substr) >= 0
}

func indexFold(s, substr string) int {
	sl, subl := toLower(s), toLower(substr)
	for i := 0; i+len(subl) <= len(sl); i++ {
		if sl[i:i+len(subl)] == subl {
			return i
		}
	}
	return -1
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
