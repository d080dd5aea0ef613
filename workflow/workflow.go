// Package workflow implements the Workflow Orchestrator (spec §4.F): a
// step DAG with retry-then-fail semantics, a pending/running/paused
// state machine, and a dispatch mechanism resolved from the spec's
// Open Question on step execution (system actions run in-process,
// agent actions call capabilities.AgentWorker.Execute). It is grounded
// on the teacher's concurrency.GitPipeline (stage interface, rollback
// on failure) and brain.Manager's CompleteTask/EvaluateWorkflow step
// bookkeeping.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qmlh/agentmesh/capabilities"
)

// Status is a workflow's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var validTransitions = map[Status]map[Status]bool{
	StatusPending: {StatusRunning: true, StatusCancelled: true},
	StatusRunning: {StatusPaused: true, StatusCompleted: true, StatusFailed: true, StatusCancelled: true},
	StatusPaused:  {StatusRunning: true, StatusCancelled: true},
}

// StepStatus is one step's lifecycle state within a workflow run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// RetryConfig bounds a step's retry behavior.
type RetryConfig struct {
	MaxRetries int
	RetryDelay time.Duration
}

// StepSpec defines a step at registration time.
type StepSpec struct {
	ID                 string
	Name               string
	Action             string // looked up in the system action registry
	PreferredAgentType string // used when Action has no system handler
	Dependencies       []string
	Args               map[string]any
	Retry              RetryConfig
}

// Step is a step's live execution state within a Workflow.
type Step struct {
	StepSpec
	Status  StepStatus
	Retries int
	Result  string
	Error   string
}

// Workflow is a registered, runnable step DAG.
type Workflow struct {
	ID        string
	Name      string
	Steps     []*Step
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SystemAction is an in-process step handler, for steps whose Action
// names an internal operation rather than agent work.
type SystemAction func(ctx context.Context, args map[string]any) (string, error)

// AgentSelector picks the least-loaded agent of a given type. The
// Coordination Manager implements this.
type AgentSelector interface {
	SelectAgent(agentType string) (agentID string, err error)
}

// AgentResolver resolves an agent id to the capability that can
// actually execute work.
type AgentResolver interface {
	ResolveAgent(agentID string) (capabilities.AgentWorker, error)
}

// Config bounds workflow registration and default retry behavior.
type Config struct {
	MaxSteps          int
	DefaultMaxRetries int
	DefaultRetryDelay time.Duration
	PollInterval      time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxSteps:          50,
		DefaultMaxRetries: 3,
		DefaultRetryDelay: 2 * time.Second,
		PollInterval:      100 * time.Millisecond,
	}
}

// Orchestrator is the Workflow Orchestrator (4.F).
type Orchestrator struct {
	mu sync.RWMutex

	workflows      map[string]*Workflow
	systemActions  map[string]SystemAction
	selector       AgentSelector
	resolver       AgentResolver

	config Config
	ids    capabilities.IDSource
	clock  capabilities.Clock
	log    capabilities.LogSink

	cancels map[string]context.CancelFunc
	paused  map[string]chan struct{} // closed to resume a paused workflow
}

// New constructs an Orchestrator.
func New(selector AgentSelector, resolver AgentResolver, config Config, ids capabilities.IDSource, clock capabilities.Clock, logSink capabilities.LogSink) *Orchestrator {
	if config.MaxSteps <= 0 {
		config.MaxSteps = 50
	}
	if config.DefaultRetryDelay <= 0 {
		config.DefaultRetryDelay = 2 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 100 * time.Millisecond
	}
	return &Orchestrator{
		workflows:     make(map[string]*Workflow),
		systemActions: make(map[string]SystemAction),
		selector:      selector,
		resolver:      resolver,
		config:        config,
		ids:           ids,
		clock:         clock,
		log:           logSink,
		cancels:       make(map[string]context.CancelFunc),
		paused:        make(map[string]chan struct{}),
	}
}

// RegisterSystemAction wires an in-process handler for steps naming it
// as their Action.
func (o *Orchestrator) RegisterSystemAction(name string, fn SystemAction) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.systemActions[name] = fn
}

// Register validates and stores a new workflow in the pending state.
func (o *Orchestrator) Register(name string, specs []StepSpec) (*Workflow, error) {
	if len(specs) == 0 {
		return nil, ErrNoSteps
	}
	if len(specs) > o.config.MaxSteps {
		return nil, fmt.Errorf("workflow: %d steps exceeds max of %d", len(specs), o.config.MaxSteps)
	}

	byID := make(map[string]StepSpec, len(specs))
	for _, s := range specs {
		byID[s.ID] = s
	}
	for _, s := range specs {
		for _, dep := range s.Dependencies {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("%w: step %s depends on %s", ErrUnresolvedDependency, s.ID, dep)
			}
		}
	}
	if cyclePath := findCycle(specs); cyclePath != "" {
		return nil, fmt.Errorf("%w: %s", ErrCyclicDependency, cyclePath)
	}

	now := o.clock.Now()
	steps := make([]*Step, 0, len(specs))
	for _, s := range specs {
		if s.Retry.MaxRetries == 0 {
			s.Retry.MaxRetries = o.config.DefaultMaxRetries
		}
		if s.Retry.RetryDelay == 0 {
			s.Retry.RetryDelay = o.config.DefaultRetryDelay
		}
		steps = append(steps, &Step{StepSpec: s, Status: StepPending})
	}

	wf := &Workflow{
		ID:        o.ids.NewID(),
		Name:      name,
		Steps:     steps,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	o.mu.Lock()
	o.workflows[wf.ID] = wf
	o.mu.Unlock()
	return wf, nil
}

// findCycle runs a DFS with a recursion stack over the step
// dependency graph, returning a description of the first cycle found
// (empty string if acyclic).
func findCycle(specs []StepSpec) string {
	byID := make(map[string]StepSpec, len(specs))
	for _, s := range specs {
		byID[s.ID] = s
	}
	state := make(map[string]int) // 0=unvisited,1=in-stack,2=done
	var dfs func(id string) string
	dfs = func(id string) string {
		state[id] = 1
		for _, dep := range byID[id].Dependencies {
			switch state[dep] {
			case 1:
				return id + " -> " + dep
			case 0:
				if path := dfs(dep); path != "" {
					return id + " -> " + path
				}
			}
		}
		state[id] = 2
		return ""
	}
	for _, s := range specs {
		if state[s.ID] == 0 {
			if path := dfs(s.ID); path != "" {
				return path
			}
		}
	}
	return ""
}

func (o *Orchestrator) transition(id string, to Status) (*Workflow, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	wf, ok := o.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	if !validTransitions[wf.Status][to] {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, wf.Status, to)
	}
	wf.Status = to
	wf.UpdatedAt = o.clock.Now()
	return wf, nil
}

// Start transitions a pending workflow to running and begins executing it.
func (o *Orchestrator) Start(ctx context.Context, id string) error {
	wf, err := o.transition(id, StatusRunning)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancels[id] = cancel
	o.mu.Unlock()

	go o.run(runCtx, wf)
	return nil
}

// Pause transitions a running workflow to paused; its execution loop
// blocks until Resume or Cancel.
func (o *Orchestrator) Pause(id string) error {
	_, err := o.transition(id, StatusPaused)
	return err
}

// Resume transitions a paused workflow back to running and wakes its
// execution loop.
func (o *Orchestrator) Resume(id string) error {
	_, err := o.transition(id, StatusRunning)
	if err != nil {
		return err
	}
	o.mu.Lock()
	if ch, ok := o.paused[id]; ok {
		close(ch)
		delete(o.paused, id)
	}
	o.mu.Unlock()
	return nil
}

// Cancel transitions a workflow to cancelled and stops its execution loop.
func (o *Orchestrator) Cancel(id string) error {
	_, err := o.transition(id, StatusCancelled)
	if err != nil {
		return err
	}
	o.mu.Lock()
	if cancel, ok := o.cancels[id]; ok {
		cancel()
		delete(o.cancels, id)
	}
	if ch, ok := o.paused[id]; ok {
		close(ch)
		delete(o.paused, id)
	}
	o.mu.Unlock()
	return nil
}

// Get returns a workflow by id.
func (o *Orchestrator) Get(id string) (*Workflow, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	wf, ok := o.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return wf, nil
}

// run drives a workflow's steps to completion, cooperatively waiting
// on dependencies and on a pause signal between dispatches.
func (o *Orchestrator) run(ctx context.Context, wf *Workflow) {
	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		o.mu.RLock()
		status := wf.Status
		o.mu.RUnlock()
		if status == StatusCancelled {
			return
		}
		if status == StatusPaused {
			o.mu.Lock()
			ch, ok := o.paused[wf.ID]
			if !ok {
				ch = make(chan struct{})
				o.paused[wf.ID] = ch
			}
			o.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-ch:
			}
			continue
		}

		next := nextReadyStep(wf)
		if next == nil {
			if allStepsCompleted(wf) {
				o.finish(wf, StatusCompleted)
				return
			}
			if anyStepFailed(wf) {
				o.finish(wf, StatusFailed)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}

		o.dispatch(ctx, wf, next)
	}
}

func nextReadyStep(wf *Workflow) *Step {
	completed := make(map[string]bool)
	for _, s := range wf.Steps {
		if s.Status == StepCompleted {
			completed[s.ID] = true
		}
	}
	for _, s := range wf.Steps {
		if s.Status != StepPending {
			continue
		}
		ready := true
		for _, dep := range s.Dependencies {
			if !completed[dep] {
				ready = false
				break
			}
		}
		if ready {
			return s
		}
	}
	return nil
}

func allStepsCompleted(wf *Workflow) bool {
	for _, s := range wf.Steps {
		if s.Status != StepCompleted {
			return false
		}
	}
	return true
}

func anyStepFailed(wf *Workflow) bool {
	for _, s := range wf.Steps {
		if s.Status == StepFailed {
			return true
		}
	}
	return false
}

func (o *Orchestrator) finish(wf *Workflow, status Status) {
	o.mu.Lock()
	wf.Status = status
	wf.UpdatedAt = o.clock.Now()
	delete(o.cancels, wf.ID)
	o.mu.Unlock()
}

// dispatch executes one step: a system action if registered, else an
// agent action via AgentResolver/AgentWorker.Execute. On failure it
// retries up to the step's configured limit before failing the step
// (and, in run's next pass, the workflow).
func (o *Orchestrator) dispatch(ctx context.Context, wf *Workflow, step *Step) {
	step.Status = StepRunning
	output, err := o.execute(ctx, step)
	if err == nil {
		step.Status = StepCompleted
		step.Result = output
		return
	}

	step.Error = err.Error()
	if step.Retries < step.Retry.MaxRetries {
		step.Retries++
		step.Status = StepPending
		if o.log != nil {
			o.log.Log("warning", "step failed, retrying", map[string]any{"workflow_id": wf.ID, "step_id": step.ID, "attempt": step.Retries, "error": err.Error()})
		}
		select {
		case <-ctx.Done():
		case <-time.After(step.Retry.RetryDelay):
		}
		return
	}
	step.Status = StepFailed
	if o.log != nil {
		o.log.Log("error", "step exhausted retries", map[string]any{"workflow_id": wf.ID, "step_id": step.ID, "error": err.Error()})
	}
}

func (o *Orchestrator) execute(ctx context.Context, step *Step) (string, error) {
	o.mu.RLock()
	action, hasAction := o.systemActions[step.Action]
	o.mu.RUnlock()

	if hasAction {
		return action(ctx, step.Args)
	}

	if step.PreferredAgentType == "" || o.selector == nil || o.resolver == nil {
		return "", ErrNoDispatcher
	}
	agentID, err := o.selector.SelectAgent(step.PreferredAgentType)
	if err != nil {
		return "", fmt.Errorf("workflow: select agent for step %s: %w", step.ID, err)
	}
	worker, err := o.resolver.ResolveAgent(agentID)
	if err != nil {
		return "", fmt.Errorf("workflow: resolve agent %s: %w", agentID, err)
	}
	result := worker.Execute(ctx, capabilities.WorkItem{
		TaskID:  step.ID,
		Type:    step.Action,
		Context: step.Args,
	})
	if !result.Success {
		if result.Err != nil {
			return "", result.Err
		}
		return "", fmt.Errorf("workflow: step %s failed on agent %s", step.ID, agentID)
	}
	return result.Output, nil
}
