// Package coordination implements the Coordination Manager (spec
// §4.G): the agent registry, collaboration sessions, resource
// allocations, and the action-validation rules engine, assembled
// around an embedded Health Monitor and Workflow Orchestrator. It is
// grounded on the teacher's concurrency.AgentOrchestrator (AddAgent/
// RemoveAgent/selectAgent family, least-loaded selection) and
// agent.AgentCoordinator's lifecycle bookkeeping.
package coordination

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/qmlh/agentmesh/bus"
	"github.com/qmlh/agentmesh/capabilities"
	"github.com/qmlh/agentmesh/health"
	"github.com/qmlh/agentmesh/workflow"
)

// Agent is the Coordination Manager's registry entry for a live agent.
type Agent struct {
	ID           string
	Type         string
	Capabilities []string
	Worker       capabilities.AgentWorker
	CreatedAt    time.Time
}

// CollaborationSession groups agents working together on shared scope.
type CollaborationSession struct {
	ID        string
	Name      string
	Members   map[string]bool
	CreatedAt time.Time
}

// RuleEffect is what a matched rule does to an action.
type RuleEffect string

const (
	EffectAllow RuleEffect = "allow"
	EffectDeny  RuleEffect = "deny"
)

// Rule is one entry in the action-validation rules engine. Rules are
// evaluated in registration order; the first matching deny blocks the
// action, and an action with no matching deny is allowed.
type Rule struct {
	ID          string
	Description string
	Effect      RuleEffect
	Match       func(agentID, action string) bool
}

// Factory constructs a new AgentWorker of the given type, used when a
// recovery ladder rung needs to replace a dead agent.
type Factory func(agentType string) (capabilities.AgentWorker, error)

// Config bounds registry and session limits.
type Config struct {
	MaxAgents                int
	MaxCollaborationSessions int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{MaxAgents: 10, MaxCollaborationSessions: 5}
}

// Manager is the Coordination Manager (4.G).
type Manager struct {
	mu sync.RWMutex

	agents    map[string]*Agent
	sessions  map[string]*CollaborationSession
	resources map[string]map[string]bool // resourceID -> holder agentIDs
	rules     []Rule
	factories map[string]Factory

	Health    *health.Monitor
	Workflows *workflow.Orchestrator

	bus    *bus.Bus
	config Config
	ids    capabilities.IDSource
	clock  capabilities.Clock
	log    capabilities.LogSink
}

// New constructs a Manager. healthMonitor and workflows are embedded
// subsystems the Manager assembles and also feeds (as their
// Recoverer/AgentSelector/AgentResolver respectively).
func New(messageBus *bus.Bus, healthMonitor *health.Monitor, workflows *workflow.Orchestrator, config Config, ids capabilities.IDSource, clock capabilities.Clock, logSink capabilities.LogSink) *Manager {
	if config.MaxAgents <= 0 {
		config.MaxAgents = 10
	}
	if config.MaxCollaborationSessions <= 0 {
		config.MaxCollaborationSessions = 5
	}
	return &Manager{
		agents:    make(map[string]*Agent),
		sessions:  make(map[string]*CollaborationSession),
		resources: make(map[string]map[string]bool),
		factories: make(map[string]Factory),
		Health:    healthMonitor,
		Workflows: workflows,
		bus:       messageBus,
		config:    config,
		ids:       ids,
		clock:     clock,
		log:       logSink,
	}
}

// RegisterFactory wires a constructor the recovery ladder's "replace"
// rung can call when an agent of agentType needs to be recreated.
func (m *Manager) RegisterFactory(agentType string, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[agentType] = f
}

// RegisterRule appends a rule to the validation engine.
func (m *Manager) RegisterRule(r Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, r)
}

// CreateAgent registers worker under a new agent id, subject to the
// fleet size cap, and begins health monitoring.
func (m *Manager) CreateAgent(agentType string, caps []string, worker capabilities.AgentWorker) (*Agent, error) {
	m.mu.Lock()
	if len(m.agents) >= m.config.MaxAgents {
		m.mu.Unlock()
		return nil, ErrAgentLimit
	}
	a := &Agent{
		ID:           m.ids.NewID(),
		Type:         agentType,
		Capabilities: caps,
		Worker:       worker,
		CreatedAt:    m.clock.Now(),
	}
	m.agents[a.ID] = a
	m.mu.Unlock()

	if m.Health != nil {
		m.Health.RegisterAgent(a.ID, worker)
	}
	m.publish(bus.EventAgentCreated, map[string]any{"agent_id": a.ID, "type": agentType})
	return a, nil
}

// DestroyAgent tears an agent down: it leaves every collaboration
// session, releases every resource it held, stops health monitoring,
// shuts down its worker, and removes it from the registry.
func (m *Manager) DestroyAgent(agentID string) error {
	m.mu.Lock()
	a, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	var emptiedSessions []string
	for id, s := range m.sessions {
		if s.Members[agentID] {
			delete(s.Members, agentID)
			if len(s.Members) == 0 {
				emptiedSessions = append(emptiedSessions, id)
			}
		}
	}
	for _, id := range emptiedSessions {
		delete(m.sessions, id)
	}
	for _, holders := range m.resources {
		delete(holders, agentID)
	}
	delete(m.agents, agentID)
	m.mu.Unlock()

	if m.Health != nil {
		m.Health.RemoveAgent(agentID)
	}
	if err := a.Worker.Shutdown(); err != nil {
		m.logWarn("agent shutdown returned an error", map[string]any{"agent_id": agentID, "error": err.Error()})
	}
	m.publish(bus.EventAgentDestroyed, map[string]any{"agent_id": agentID, "reason": "destroyed"})
	return nil
}

// GetAgent returns a snapshot of agentID's registry entry.
func (m *Manager) GetAgent(agentID string) (Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[agentID]
	if !ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return *a, nil
}

// ListAgents returns every registered agent, sorted by id.
func (m *Manager) ListAgents() []Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SelectAgent implements workflow.AgentSelector: the least-loaded
// registered agent of agentType.
func (m *Manager) SelectAgent(agentType string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *Agent
	bestLoad := -1
	for _, a := range m.agents {
		if a.Type != agentType {
			continue
		}
		load := a.Worker.Workload()
		if best == nil || load < bestLoad || (load == bestLoad && a.ID < best.ID) {
			best = a
			bestLoad = load
		}
	}
	if best == nil {
		return "", fmt.Errorf("%w: no agent of type %s", ErrAgentNotFound, agentType)
	}
	return best.ID, nil
}

// ResolveAgent implements workflow.AgentResolver.
func (m *Manager) ResolveAgent(agentID string) (capabilities.AgentWorker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return a.Worker, nil
}

// Recover implements health.Recoverer, driving the recovery ladder
// (spec §4.E) against the agent registry.
func (m *Manager) Recover(agentID string, action health.RecoveryAction) error {
	switch action {
	case health.ActionRestart, health.ActionReset:
		// Best-effort: ask the worker to shut down so a supervising
		// process can bring a fresh instance back under the same id.
		// There is no in-process "restart" without an external
		// supervisor; this at least stops a wedged worker from holding
		// resources.
		a, err := m.GetAgent(agentID)
		if err != nil {
			return err
		}
		return a.Worker.Shutdown()
	case health.ActionReplace:
		a, err := m.GetAgent(agentID)
		if err != nil {
			return err
		}
		m.mu.RLock()
		factory, ok := m.factories[a.Type]
		m.mu.RUnlock()
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoFactoryForType, a.Type)
		}
		if err := m.DestroyAgent(agentID); err != nil {
			return err
		}
		worker, err := factory(a.Type)
		if err != nil {
			return err
		}
		_, err = m.CreateAgent(a.Type, a.Capabilities, worker)
		return err
	case health.ActionEscalate:
		m.publish(bus.EventAgentError, map[string]any{"agent_id": agentID, "reason": "escalated"})
		return nil
	default:
		return fmt.Errorf("coordination: unknown recovery action %s", action)
	}
}

// StartSession creates a collaboration session with the given initial members.
func (m *Manager) StartSession(name string, memberIDs []string) (*CollaborationSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) >= m.config.MaxCollaborationSessions {
		return nil, ErrSessionLimit
	}
	s := &CollaborationSession{
		ID:        m.ids.NewID(),
		Name:      name,
		Members:   make(map[string]bool),
		CreatedAt: m.clock.Now(),
	}
	for _, id := range memberIDs {
		s.Members[id] = true
	}
	m.sessions[s.ID] = s
	return s, nil
}

// JoinSession adds agentID to an existing session.
func (m *Manager) JoinSession(sessionID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	s.Members[agentID] = true
	return nil
}

// LeaveSession removes agentID from a session, ending the session if
// it becomes empty.
func (m *Manager) LeaveSession(sessionID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	delete(s.Members, agentID)
	if len(s.Members) == 0 {
		delete(m.sessions, sessionID)
	}
	return nil
}

// EndSession removes a session outright.
func (m *Manager) EndSession(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	delete(m.sessions, sessionID)
	return nil
}

// GetSession returns a snapshot of a session.
func (m *Manager) GetSession(sessionID string) (CollaborationSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return CollaborationSession{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	members := make(map[string]bool, len(s.Members))
	for k, v := range s.Members {
		members[k] = v
	}
	return CollaborationSession{ID: s.ID, Name: s.Name, Members: members, CreatedAt: s.CreatedAt}, nil
}

// AllocateResource grants agentID a hold on resourceID.
func (m *Manager) AllocateResource(resourceID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	holders, ok := m.resources[resourceID]
	if !ok {
		holders = make(map[string]bool)
		m.resources[resourceID] = holders
	}
	holders[agentID] = true
	return nil
}

// ReleaseResource releases agentID's hold on resourceID.
func (m *Manager) ReleaseResource(resourceID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resources[resourceID], agentID)
	return nil
}

// ResourceHolders lists the agents currently holding resourceID.
func (m *Manager) ResourceHolders(resourceID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	holders := m.resources[resourceID]
	out := make([]string, 0, len(holders))
	for id := range holders {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ValidateAgentAction runs the rules engine: the first matching deny
// blocks the action, and an action matching no deny rule is allowed.
func (m *Manager) ValidateAgentAction(agentID, action string) (bool, error) {
	m.mu.RLock()
	rules := append([]Rule{}, m.rules...)
	m.mu.RUnlock()

	for _, r := range rules {
		if r.Effect == EffectDeny && r.Match(agentID, action) {
			m.publish(bus.EventSystemError, map[string]any{"agent_id": agentID, "action": action, "rule_id": r.ID, "decision": "denied"})
			return false, fmt.Errorf("%w: %s (rule %s)", ErrActionDenied, action, r.ID)
		}
	}
	return true, nil
}

// Start launches the embedded Health Monitor.
func (m *Manager) Start(ctx context.Context) {
	if m.Health != nil {
		m.Health.Start(ctx)
	}
}

// Stop halts the embedded Health Monitor.
func (m *Manager) Stop() {
	if m.Health != nil {
		m.Health.Stop()
	}
}

func (m *Manager) publish(eventType string, payload map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventType, payload, "coordination")
}

func (m *Manager) logWarn(message string, context map[string]any) {
	if m.log != nil {
		m.log.Log("warning", message, context)
	}
}
