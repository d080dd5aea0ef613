// Package taskmgr implements the Task Manager (spec §4.C): rule-driven
// decomposition, dependency-DAG bookkeeping with cycle prevention, and
// per-agent priority queues. It is grounded on the teacher's
// concurrency.TaskQueue and concurrency.DependencyResolver — the
// priority-channel queue and checkCircularDependency DFS generalize
// directly to this package's per-agent queues and AddDependency guard.
package taskmgr

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/qmlh/agentmesh/capabilities"
)

// Status is a task's lifecycle state (spec §3 "Task").
type Status string

const (
	StatusPending    Status = "pending"
	StatusBlocked    Status = "blocked"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

var validTransitions = map[Status]map[Status]bool{
	StatusPending:    {StatusAssigned: true, StatusBlocked: true, StatusCancelled: true},
	StatusBlocked:    {StatusPending: true, StatusCancelled: true},
	StatusAssigned:   {StatusInProgress: true, StatusPending: true, StatusCancelled: true},
	StatusInProgress: {StatusCompleted: true, StatusFailed: true, StatusCancelled: true},
	StatusFailed:     {StatusPending: true, StatusCancelled: true},
}

const minPriority, maxPriority = 1, 4

func clampPriority(p int) int {
	if p < minPriority {
		return minPriority
	}
	if p > maxPriority {
		return maxPriority
	}
	return p
}

// Task is a unit of work tracked by the Task Manager.
type Task struct {
	ID                string
	Title             string
	Description       string
	Type              string
	Status            Status
	Priority          int
	AssignedTo        string
	Dependencies      []string
	Files             []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	EstimatedDuration time.Duration

	// autoPriority marks a task whose Priority was derived rather than
	// given explicitly, so AddDependency can recompute it once the
	// dependency graph around it changes.
	autoPriority bool
}

// Stats summarizes the task set.
type Stats struct {
	Total      int
	ByStatus   map[Status]int
	ByAgent    map[string]int
	Available  int
}

// TaskManager is the Task Manager (4.C). It owns the task set,
// dependency edges, and the derived per-agent queues.
type TaskManager struct {
	mu sync.RWMutex

	tasks      map[string]*Task
	dependents map[string][]string // depID -> task IDs depending on it

	ids   capabilities.IDSource
	clock capabilities.Clock
	log   capabilities.LogSink
}

// New constructs an empty TaskManager.
func New(ids capabilities.IDSource, clock capabilities.Clock, logSink capabilities.LogSink) *TaskManager {
	return &TaskManager{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
		ids:        ids,
		clock:      clock,
		log:        logSink,
	}
}

// Decompose breaks a feature-level request into an archetype set of
// sub-tasks, chosen by scanning title+description for each archetype's
// trigger keywords (frontend/backend/testing/documentation). An
// archetype with no matched keyword is skipped; if none match at all,
// every archetype is emitted so a bare type name ("feature") still
// decomposes. The testing sub-task, when present, depends on every
// non-testing sibling. Any type other than "feature" yields a single
// task with no decomposition, whatever keywords its text contains.
func (m *TaskManager) Decompose(title, description, taskType string) ([]*Task, error) {
	if taskType != "feature" {
		t, err := m.Create(title, description, taskType, 0, 0, nil)
		if err != nil {
			return nil, err
		}
		return []*Task{t}, nil
	}

	text := strings.ToLower(title + " " + description)
	var matched []archetype
	for _, a := range featureArchetypes {
		for _, kw := range a.keywords {
			if strings.Contains(text, kw) {
				matched = append(matched, a)
				break
			}
		}
	}
	if len(matched) == 0 {
		matched = featureArchetypes
	}

	var created []*Task
	var nonTesting []string
	for _, a := range matched {
		t, err := m.Create(fmt.Sprintf("%s: %s", title, a.label), description, a.subtype, a.priority, a.duration, nil)
		if err != nil {
			return nil, err
		}
		created = append(created, t)
		if a.subtype != "testing" {
			nonTesting = append(nonTesting, t.ID)
		}
	}
	for _, t := range created {
		if t.Type == "testing" {
			for _, dep := range nonTesting {
				if err := m.AddDependency(t.ID, dep); err != nil {
					return nil, err
				}
			}
		}
	}
	return created, nil
}

type archetype struct {
	label    string
	subtype  string
	priority int
	duration time.Duration
	keywords []string
}

// featureArchetypes is the decomposition rule set (spec §4.C): each
// entry's keywords trigger it off the requirement text, and its
// priority/duration seed the scoring inputs the Assignment Engine
// reads off the created task.
var featureArchetypes = []archetype{
	{label: "frontend", subtype: "frontend", priority: 3, duration: 2 * time.Hour, keywords: []string{"frontend", "ui", "client"}},
	{label: "backend", subtype: "backend", priority: 3, duration: 3 * time.Hour, keywords: []string{"backend", "server", "api"}},
	{label: "testing", subtype: "testing", priority: 2, duration: 90 * time.Minute, keywords: []string{"test", "tests", "testing"}},
	{label: "documentation", subtype: "documentation", priority: 1, duration: time.Hour, keywords: []string{"doc", "docs", "documentation"}},
}

// derivePriority estimates a priority in [1,4] for callers that don't
// supply one explicitly, from how many tasks depend on it, how long
// it's estimated to take, and how many files it touches: a task other
// work is blocked on, or a large one, outranks a small leaf task.
func derivePriority(dependentCount int, duration time.Duration, fileCount int) int {
	p := 1
	if dependentCount > 0 {
		p++
	}
	if dependentCount > 2 {
		p++
	}
	if duration >= 2*time.Hour {
		p++
	}
	if fileCount > 3 {
		p++
	}
	return clampPriority(p)
}

// Create adds a new pending task. A priority of 0 or less is derived
// from the task's file count and estimated duration rather than taken
// literally, and re-derived whenever a dependency is added (see
// AddDependency).
func (m *TaskManager) Create(title, description, taskType string, priority int, estimatedDuration time.Duration, files []string) (*Task, error) {
	now := m.clock.Now()
	auto := priority <= 0
	if auto {
		priority = derivePriority(0, estimatedDuration, len(files))
	}
	t := &Task{
		ID:                m.ids.NewID(),
		Title:             title,
		Description:       description,
		Type:              taskType,
		Status:            StatusPending,
		Priority:          clampPriority(priority),
		Files:             files,
		CreatedAt:         now,
		UpdatedAt:         now,
		EstimatedDuration: estimatedDuration,
		autoPriority:      auto,
	}
	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()
	return t, nil
}

func (m *TaskManager) get(id string) (*Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, nil
}

// Get returns a copy of the task with id.
func (m *TaskManager) Get(id string) (Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, err := m.get(id)
	if err != nil {
		return Task{}, err
	}
	return *t, nil
}

// UpdateStatus transitions a task, stamping UpdatedAt on success.
func (m *TaskManager) UpdateStatus(id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.get(id)
	if err != nil {
		return err
	}
	if t.Status == status {
		return nil
	}
	if !validTransitions[t.Status][status] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, status)
	}
	t.Status = status
	t.UpdatedAt = m.clock.Now()
	if status == StatusCompleted {
		m.unblockDependentsLocked(id)
	}
	return nil
}

// unblockDependentsLocked moves every blocked dependent of id to pending
// once id's completion leaves it with no outstanding dependency. Must
// hold m.mu.
func (m *TaskManager) unblockDependentsLocked(id string) {
	for _, depID := range m.dependents[id] {
		dep := m.tasks[depID]
		if dep == nil || dep.Status != StatusBlocked {
			continue
		}
		if m.allDepsCompletedLocked(dep) {
			dep.Status = StatusPending
			dep.UpdatedAt = m.clock.Now()
		}
	}
}

// Assign binds task id to agentID and moves it to assigned.
func (m *TaskManager) Assign(id, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.get(id)
	if err != nil {
		return err
	}
	if t.Status != StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusAssigned)
	}
	t.AssignedTo = agentID
	t.Status = StatusAssigned
	t.UpdatedAt = m.clock.Now()
	return nil
}

// Reassign moves an already-assigned task to a different agent without
// touching its status.
func (m *TaskManager) Reassign(id, newAgentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.get(id)
	if err != nil {
		return err
	}
	if t.AssignedTo == "" {
		return ErrNotAssigned
	}
	t.AssignedTo = newAgentID
	t.UpdatedAt = m.clock.Now()
	return nil
}

// AddDependency makes id depend on dependsOnID, rejecting the edge if
// it would introduce a cycle.
func (m *TaskManager) AddDependency(id, dependsOnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.get(id)
	if err != nil {
		return err
	}
	if _, err := m.get(dependsOnID); err != nil {
		return fmt.Errorf("%w: %s", ErrDependencyMissing, dependsOnID)
	}
	for _, d := range t.Dependencies {
		if d == dependsOnID {
			return nil
		}
	}
	if id == dependsOnID || m.hasPathLocked(dependsOnID, id) {
		return fmt.Errorf("%w: %s -> %s", ErrCyclicDependency, id, dependsOnID)
	}

	t.Dependencies = append(t.Dependencies, dependsOnID)
	m.dependents[dependsOnID] = append(m.dependents[dependsOnID], id)
	t.UpdatedAt = m.clock.Now()
	if t.Status == StatusPending && !m.allDepsCompletedLocked(t) {
		t.Status = StatusBlocked
	}

	if dep := m.tasks[dependsOnID]; dep != nil && dep.autoPriority {
		dep.Priority = derivePriority(len(m.dependents[dependsOnID]), dep.EstimatedDuration, len(dep.Files))
	}
	return nil
}

// RemoveDependency removes the dependsOnID edge from id, mirrored in
// the reverse index.
func (m *TaskManager) RemoveDependency(id, dependsOnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.get(id)
	if err != nil {
		return err
	}
	t.Dependencies = removeString(t.Dependencies, dependsOnID)
	m.dependents[dependsOnID] = removeString(m.dependents[dependsOnID], id)
	t.UpdatedAt = m.clock.Now()
	if t.Status == StatusBlocked && m.allDepsCompletedLocked(t) {
		t.Status = StatusPending
	}
	return nil
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// hasPathLocked reports whether a path exists from -> to through the
// dependency graph (from's transitive dependencies). Must hold m.mu.
func (m *TaskManager) hasPathLocked(from, to string) bool {
	visited := make(map[string]bool)
	var dfs func(string) bool
	dfs = func(node string) bool {
		if node == to {
			return true
		}
		if visited[node] {
			return false
		}
		visited[node] = true
		t := m.tasks[node]
		if t == nil {
			return false
		}
		for _, dep := range t.Dependencies {
			if dfs(dep) {
				return true
			}
		}
		return false
	}
	return dfs(from)
}

// UpdatePriority changes a task's priority, clamped to [1,4].
func (m *TaskManager) UpdatePriority(id string, priority int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.get(id)
	if err != nil {
		return err
	}
	t.Priority = clampPriority(priority)
	t.UpdatedAt = m.clock.Now()
	return nil
}

// NextTask returns the highest-priority assigned-but-not-started task
// for agentID, oldest first on ties. Returns nil if none is queued.
func (m *TaskManager) NextTask(agentID string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []*Task
	for _, t := range m.tasks {
		if t.AssignedTo == agentID && t.Status == StatusAssigned {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	cp := *candidates[0]
	return &cp, nil
}

// AvailableTasks returns pending, unassigned tasks whose dependencies
// have all completed — the pool the Assignment Engine draws from.
func (m *TaskManager) AvailableTasks() []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Task
	for _, t := range m.tasks {
		if t.Status != StatusPending || t.AssignedTo != "" {
			continue
		}
		if m.allDepsCompletedLocked(t) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *TaskManager) allDepsCompletedLocked(t *Task) bool {
	for _, dep := range t.Dependencies {
		d := m.tasks[dep]
		if d == nil || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// Statistics summarizes the current task set.
func (m *TaskManager) Statistics() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{ByStatus: make(map[Status]int), ByAgent: make(map[string]int)}
	for _, t := range m.tasks {
		stats.Total++
		stats.ByStatus[t.Status]++
		if t.AssignedTo != "" {
			stats.ByAgent[t.AssignedTo]++
		}
		if t.Status == StatusPending && t.AssignedTo == "" && m.allDepsCompletedLocked(t) {
			stats.Available++
		}
	}
	return stats
}

// All returns every task, sorted by creation time, for callers that
// mirror the full task set (e.g. a realtime snapshot) rather than
// querying by status or assignee.
func (m *TaskManager) All() []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
