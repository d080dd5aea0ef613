// Package assignment implements the Assignment Engine (spec §4.D):
// weighted candidate scoring, execution tracking, and
// timeout/heartbeat-driven reassignment. It is grounded on the
// teacher's orchestrator.AgentPool (active-slot accounting, a running
// map keyed by execution, heartbeat-aware polling) and
// concurrency.AgentOrchestrator's selectAgent family, generalized from
// round-robin/least-loaded selection to the spec's six-factor weighted
// score.
package assignment

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/qmlh/agentmesh/capabilities"
)

// Candidate is the minimal task shape the engine scores against. It is
// deliberately independent of taskmgr.Task so this package never needs
// to import it.
type Candidate struct {
	TaskID            string
	Type              string
	Priority          int // 1-4
	EstimatedDuration time.Duration
	Requirements      []string
}

// AgentInfo is what the engine knows about an agent for scoring.
type AgentInfo struct {
	ID            string
	Type          string // specialization: frontend, backend, testing, documentation, code_review, devops, ...
	Capabilities  []string
	Load          int // 0-100
	Performance   float64 // historical success rate, 0-1
	LastHeartbeat time.Time
}

// ExecutionStatus is the lifecycle of a task execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Execution tracks one in-flight (or finished) task/agent pairing.
type Execution struct {
	ID                string
	TaskID            string
	AgentID           string
	Type              string
	Status            ExecutionStatus
	Progress          int // 0-100, set by UpdateProgress
	StartedAt         time.Time
	UpdatedAt         time.Time
	EstimatedDuration time.Duration
	LastHeartbeat     time.Time
}

// Weights are the scoring coefficients (spec §4.D), summing to 1.0.
type Weights struct {
	Specialization   float64
	Load             float64
	CapabilityMatch  float64
	Priority         float64
	Time             float64
	Historical       float64
}

// DefaultWeights returns the spec's documented weighting.
func DefaultWeights() Weights {
	return Weights{
		Specialization:  0.30,
		Load:            0.25,
		CapabilityMatch: 0.20,
		Priority:        0.10,
		Time:            0.10,
		Historical:      0.05,
	}
}

// Config bounds reassignment triggers.
type Config struct {
	Weights            Weights
	HeartbeatInterval  time.Duration
	TimeoutRatio       float64 // running longer than TimeoutRatio*EstimatedDuration triggers reassignment
	HeartbeatFailRatio float64 // heartbeat silence longer than HeartbeatFailRatio*HeartbeatInterval means the agent has failed
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		Weights:            DefaultWeights(),
		HeartbeatInterval:  30 * time.Second,
		TimeoutRatio:       1.5,
		HeartbeatFailRatio: 3,
	}
}

// typeOutcomes tallies an agent's completed/successful executions for
// one task type.
type typeOutcomes struct {
	completed  int
	successful int
}

// agentStats is the per-agent history historicalScore and
// CompleteExecution's bookkeeping read and write: overall and
// per-task-type completion/success counts plus running completion-time
// and quality averages.
type agentStats struct {
	completed  int
	successful int
	byType     map[string]*typeOutcomes

	completionTimeTotal time.Duration
	completionCount     int

	qualityTotal float64
	qualityCount int
}

func (s *agentStats) successRate(fallback float64) float64 {
	if s == nil || s.completed == 0 {
		return fallback
	}
	return float64(s.successful) / float64(s.completed)
}

func (s *agentStats) typeSuccessRate(taskType string, fallback float64) float64 {
	if s == nil {
		return fallback
	}
	t, ok := s.byType[taskType]
	if !ok || t.completed == 0 {
		return fallback
	}
	return float64(t.successful) / float64(t.completed)
}

// Engine is the Assignment Engine (4.D).
type Engine struct {
	mu sync.RWMutex

	agents     map[string]*AgentInfo
	executions map[string]*Execution
	byTask     map[string]string // taskID -> executionID
	stats      map[string]*agentStats

	config Config
	ids    capabilities.IDSource
	clock  capabilities.Clock
	log    capabilities.LogSink
}

// New constructs an empty Engine.
func New(config Config, ids capabilities.IDSource, clock capabilities.Clock, logSink capabilities.LogSink) *Engine {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.TimeoutRatio <= 0 {
		config.TimeoutRatio = 1.5
	}
	if config.HeartbeatFailRatio <= 0 {
		config.HeartbeatFailRatio = 3
	}
	if config.Weights == (Weights{}) {
		config.Weights = DefaultWeights()
	}
	return &Engine{
		agents:     make(map[string]*AgentInfo),
		executions: make(map[string]*Execution),
		byTask:     make(map[string]string),
		stats:      make(map[string]*agentStats),
		config:     config,
		ids:        ids,
		clock:      clock,
		log:        logSink,
	}
}

// UpdateAgentInfo upserts an agent's scoring profile.
func (e *Engine) UpdateAgentInfo(info AgentInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if info.LastHeartbeat.IsZero() {
		info.LastHeartbeat = e.clock.Now()
	}
	cp := info
	e.agents[info.ID] = &cp
}

// RemoveAgentInfo drops an agent from consideration.
func (e *Engine) RemoveAgentInfo(agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.agents, agentID)
}

// Heartbeat refreshes an agent's liveness timestamp.
func (e *Engine) Heartbeat(agentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	a.LastHeartbeat = e.clock.Now()
	return nil
}

type scored struct {
	agentID string
	score   float64
}

// Assign scores every candidateAgentIDs entry against task and returns
// the highest-scoring agent id. Agents not registered via
// UpdateAgentInfo are skipped.
func (e *Engine) Assign(task Candidate, candidateAgentIDs []string) (string, error) {
	e.mu.RLock()
	var scores []scored
	w := e.config.Weights
	for _, id := range candidateAgentIDs {
		a, ok := e.agents[id]
		if !ok {
			continue
		}
		s := w.Specialization*specializationScore(a, task) +
			w.Load*loadScore(a) +
			w.CapabilityMatch*capabilityMatchScore(a, task) +
			w.Priority*priorityScore(task) +
			w.Time*timeScore(task, e.concurrentCountLocked(id)) +
			w.Historical*historicalScore(a, task.Type, e.stats[id])
		scores = append(scores, scored{agentID: id, score: s})
	}
	e.mu.RUnlock()

	if len(scores) == 0 {
		return "", fmt.Errorf("%w: task %s", ErrNoCandidates, task.TaskID)
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].agentID < scores[j].agentID
	})
	return scores[0].agentID, nil
}

// specializationScore rewards an exact type match fully and a
// capability-listed match partially, with a nonzero floor for agents
// that are neither: a generalist is still worth considering. code_review
// and devops are ordinary specialization values here, not special-cased
// — treating them identically to frontend/backend/testing/documentation
// is what keeps the formula symmetric across every agent type.
func specializationScore(a *AgentInfo, task Candidate) float64 {
	if a.Type == task.Type {
		return 1.0
	}
	for _, c := range a.Capabilities {
		if c == task.Type {
			return 0.5
		}
	}
	return 0.3
}

func loadScore(a *AgentInfo) float64 {
	load := a.Load
	if load < 0 {
		load = 0
	}
	if load > 100 {
		load = 100
	}
	return 1 - float64(load)/100
}

// capabilityMatchScore fractions how many of the task's requirements
// the agent can cover. Matching is substring-based in both directions
// ("go" satisfies a "golang" requirement and vice versa) rather than
// exact, since capability strings are free text, not an enum. A task
// with no stated requirements gets a neutral 0.5: not a rejection, but
// not a reason to prefer this agent over any other either.
func capabilityMatchScore(a *AgentInfo, task Candidate) float64 {
	if len(task.Requirements) == 0 {
		return 0.5
	}
	matched := 0
	for _, r := range task.Requirements {
		for _, c := range a.Capabilities {
			if strings.Contains(c, r) || strings.Contains(r, c) {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(task.Requirements))
}

func priorityScore(task Candidate) float64 {
	p := task.Priority
	if p < 1 {
		p = 1
	}
	if p > 4 {
		p = 4
	}
	return float64(p) / 4
}

// timeScore combines how long the task is estimated to take (against
// an 8-hour day) with how many executions the agent is already running
// concurrently: max(0, 1-estHours/8) * max(0.1, 1-concurrent*0.2). An
// agent juggling five or more tasks never drops below the 0.1 floor, so
// it can still be picked when it's the only candidate.
func timeScore(task Candidate, concurrent int) float64 {
	estHours := float64(task.EstimatedDuration) / float64(time.Hour)
	durationTerm := 1 - estHours/8
	if durationTerm < 0 {
		durationTerm = 0
	}
	concurrentTerm := 1 - float64(concurrent)*0.2
	if concurrentTerm < 0.1 {
		concurrentTerm = 0.1
	}
	return durationTerm * concurrentTerm
}

// concurrentCountLocked counts agentID's currently running executions.
// Must hold e.mu (R or W).
func (e *Engine) concurrentCountLocked(agentID string) int {
	n := 0
	for _, ex := range e.executions {
		if ex.AgentID == agentID && ex.Status == ExecutionRunning {
			n++
		}
	}
	return n
}

// historicalScore blends an agent's success rate on this specific task
// type with its overall success rate, 0.7/0.3. The overall rate falls
// back to the agent's rolling Performance EMA when the agent has no
// completed executions yet; the type rate falls back to the overall
// rate when the agent has none of this type.
func historicalScore(a *AgentInfo, taskType string, stats *agentStats) float64 {
	overall := stats.successRate(a.Performance)
	typeRate := stats.typeSuccessRate(taskType, overall)
	return 0.7*typeRate + 0.3*overall
}

// StartExecution begins tracking a task running on agentID.
func (e *Engine) StartExecution(taskID, agentID, taskType string, estimatedDuration time.Duration) *Execution {
	now := e.clock.Now()
	ex := &Execution{
		ID:                e.ids.NewID(),
		TaskID:            taskID,
		AgentID:           agentID,
		Type:              taskType,
		Status:            ExecutionRunning,
		StartedAt:         now,
		UpdatedAt:         now,
		EstimatedDuration: estimatedDuration,
		LastHeartbeat:     now,
	}
	e.mu.Lock()
	e.executions[ex.ID] = ex
	e.byTask[taskID] = ex.ID
	e.mu.Unlock()
	return ex
}

// UpdateExecution refreshes an execution's heartbeat timestamp.
func (e *Engine) UpdateExecution(execID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ex, ok := e.executions[execID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, execID)
	}
	ex.LastHeartbeat = e.clock.Now()
	ex.UpdatedAt = ex.LastHeartbeat
	return nil
}

// UpdateProgress sets an execution's completion percentage, clamping
// it to [0,100] (spec §4.D update-progress).
func (e *Engine) UpdateProgress(execID string, progress int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ex, ok := e.executions[execID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, execID)
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	ex.Progress = progress
	ex.UpdatedAt = e.clock.Now()
	return nil
}

// CompleteExecution finalizes an execution and folds its outcome into
// the agent's rolling historical performance score plus the
// completed/successful, per-task-type, completion-time, and quality
// bookkeeping historicalScore and reporting read from. quality is the
// caller's optional [0,1] rating of the work; a non-positive value
// means no rating was supplied and is left out of the running average.
func (e *Engine) CompleteExecution(execID string, success bool, quality float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ex, ok := e.executions[execID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, execID)
	}
	if success {
		ex.Status = ExecutionCompleted
		ex.Progress = 100
	} else {
		ex.Status = ExecutionFailed
	}
	now := e.clock.Now()
	ex.UpdatedAt = now

	if a, ok := e.agents[ex.AgentID]; ok {
		outcome := 0.0
		if success {
			outcome = 1.0
		}
		const alpha = 0.2 // exponential moving average weight for the newest outcome
		a.Performance = (1-alpha)*a.Performance + alpha*outcome
	}

	st, ok := e.stats[ex.AgentID]
	if !ok {
		st = &agentStats{byType: make(map[string]*typeOutcomes)}
		e.stats[ex.AgentID] = st
	}
	st.completed++
	if success {
		st.successful++
	}
	ts, ok := st.byType[ex.Type]
	if !ok {
		ts = &typeOutcomes{}
		st.byType[ex.Type] = ts
	}
	ts.completed++
	if success {
		ts.successful++
	}
	st.completionTimeTotal += now.Sub(ex.StartedAt)
	st.completionCount++
	if quality > 0 {
		st.qualityTotal += quality
		st.qualityCount++
	}
	return nil
}

// ExecutionForTask returns the execution currently tracking taskID.
func (e *Engine) ExecutionForTask(taskID string) (Execution, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.byTask[taskID]
	if !ok {
		return Execution{}, fmt.Errorf("%w: %s", ErrExecutionNotFound, taskID)
	}
	ex, ok := e.executions[id]
	if !ok {
		return Execution{}, fmt.Errorf("%w: %s", ErrExecutionNotFound, taskID)
	}
	return *ex, nil
}

// Reassignment is a flagged execution and the reason it needs a new agent.
type Reassignment struct {
	ExecutionID string
	TaskID      string
	AgentID     string
	Reason      string
}

// CheckForReassignment scans running executions for timeout or
// agent-failure triggers.
func (e *Engine) CheckForReassignment() []Reassignment {
	now := e.clock.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Reassignment
	for _, ex := range e.executions {
		if ex.Status != ExecutionRunning {
			continue
		}
		if ex.EstimatedDuration > 0 {
			elapsed := now.Sub(ex.StartedAt)
			if float64(elapsed) > e.config.TimeoutRatio*float64(ex.EstimatedDuration) {
				out = append(out, Reassignment{ExecutionID: ex.ID, TaskID: ex.TaskID, AgentID: ex.AgentID, Reason: "timeout"})
				continue
			}
		}
		a, ok := e.agents[ex.AgentID]
		if ok {
			silence := now.Sub(a.LastHeartbeat)
			if float64(silence) > e.config.HeartbeatFailRatio*float64(e.config.HeartbeatInterval) {
				out = append(out, Reassignment{ExecutionID: ex.ID, TaskID: ex.TaskID, AgentID: ex.AgentID, Reason: "agent_failure"})
			}
		}
	}
	return out
}

// Reassign moves an execution to a new agent, leaving its status running.
func (e *Engine) Reassign(execID, newAgentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ex, ok := e.executions[execID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, execID)
	}
	ex.AgentID = newAgentID
	ex.StartedAt = e.clock.Now()
	ex.LastHeartbeat = ex.StartedAt
	ex.UpdatedAt = ex.StartedAt
	return nil
}

// GetPerformance returns an agent's current historical score.
func (e *Engine) GetPerformance(agentID string) (float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.agents[agentID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return a.Performance, nil
}

// AgentStats summarizes an agent's completion history for reporting.
type AgentStats struct {
	Completed         int
	Successful        int
	SuccessRateByType map[string]float64
	AvgCompletionTime time.Duration
	AvgQuality        float64
}

// GetAgentStats returns agentID's completion history. An agent with no
// completed executions yet returns a zero-value AgentStats and no error.
func (e *Engine) GetAgentStats(agentID string) (AgentStats, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, ok := e.agents[agentID]; !ok {
		return AgentStats{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	st, ok := e.stats[agentID]
	if !ok {
		return AgentStats{}, nil
	}
	out := AgentStats{
		Completed:         st.completed,
		Successful:        st.successful,
		SuccessRateByType: make(map[string]float64, len(st.byType)),
	}
	for taskType, ts := range st.byType {
		if ts.completed > 0 {
			out.SuccessRateByType[taskType] = float64(ts.successful) / float64(ts.completed)
		}
	}
	if st.completionCount > 0 {
		out.AvgCompletionTime = st.completionTimeTotal / time.Duration(st.completionCount)
	}
	if st.qualityCount > 0 {
		out.AvgQuality = st.qualityTotal / float64(st.qualityCount)
	}
	return out, nil
}

// GetActiveExecutions returns all running executions.
func (e *Engine) GetActiveExecutions() []Execution {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Execution
	for _, ex := range e.executions {
		if ex.Status == ExecutionRunning {
			out = append(out, *ex)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Statistics summarizes executions by status.
type Stats struct {
	Running   int
	Completed int
	Failed    int
}

func (e *Engine) Statistics() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var s Stats
	for _, ex := range e.executions {
		switch ex.Status {
		case ExecutionRunning:
			s.Running++
		case ExecutionCompleted:
			s.Completed++
		case ExecutionFailed:
			s.Failed++
		}
	}
	return s
}
