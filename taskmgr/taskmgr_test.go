package taskmgr

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0)} }
func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}
func (c *fakeClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return "task-" + string(rune('a'+s.n))
}

type nopLog struct{}

func (nopLog) Log(level, message string, context map[string]any) {}

func newTestManager() *TaskManager {
	return New(&seqIDs{}, newFakeClock(), nopLog{})
}

func TestCreateAndGet(t *testing.T) {
	m := newTestManager()
	task, err := m.Create("title", "desc", "backend", 10, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, maxPriority, task.Priority, "priority is clamped to [1,4]")

	got, err := m.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Title, got.Title)
}

func TestDecomposeFeatureWiresTestingDependencies(t *testing.T) {
	m := newTestManager()
	tasks, err := m.Decompose("login flow", "desc", "feature")
	require.NoError(t, err)
	require.Len(t, tasks, 4)

	var testing *Task
	nonTesting := map[string]bool{}
	for _, tk := range tasks {
		if tk.Type == "testing" {
			testing = tk
		} else {
			nonTesting[tk.ID] = true
		}
	}
	require.NotNil(t, testing)
	assert.Len(t, testing.Dependencies, 3)
	for _, dep := range testing.Dependencies {
		assert.True(t, nonTesting[dep])
	}
}

func TestDecomposeMatchesOnlyKeywordsPresentInText(t *testing.T) {
	m := newTestManager()
	tasks, err := m.Decompose("Create login system with frontend, backend, and tests", "", "feature")
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	byType := map[string]*Task{}
	for _, tk := range tasks {
		byType[tk.Type] = tk
	}
	assert.NotNil(t, byType["frontend"])
	assert.NotNil(t, byType["backend"])
	assert.NotNil(t, byType["testing"])
	assert.Nil(t, byType["documentation"], "text names no documentation work")

	assert.ElementsMatch(t, []string{byType["frontend"].ID, byType["backend"].ID}, byType["testing"].Dependencies)

	stats := m.Statistics()
	assert.Equal(t, 3, stats.Total)
}

func TestArchetypePrioritiesAndDurations(t *testing.T) {
	m := newTestManager()
	tasks, err := m.Decompose("Create login system with frontend, backend, and tests", "", "feature")
	require.NoError(t, err)

	byType := map[string]*Task{}
	for _, tk := range tasks {
		byType[tk.Type] = tk
	}
	assert.Equal(t, 3, byType["frontend"].Priority)
	assert.Equal(t, 2*time.Hour, byType["frontend"].EstimatedDuration)
	assert.Equal(t, 3, byType["backend"].Priority)
	assert.Equal(t, 3*time.Hour, byType["backend"].EstimatedDuration)
	assert.Equal(t, 2, byType["testing"].Priority)
	assert.Equal(t, 90*time.Minute, byType["testing"].EstimatedDuration)
}

func TestStatusTransitions(t *testing.T) {
	m := newTestManager()
	task, _ := m.Create("t", "d", "backend", 2, 0, nil)

	require.NoError(t, m.Assign(task.ID, "agent-1"))
	require.NoError(t, m.UpdateStatus(task.ID, StatusInProgress))
	require.NoError(t, m.UpdateStatus(task.ID, StatusCompleted))

	err := m.UpdateStatus(task.ID, StatusInProgress)
	assert.ErrorIs(t, err, ErrInvalidTransition, "completed is terminal")
}

func TestAssignRequiresPending(t *testing.T) {
	m := newTestManager()
	task, _ := m.Create("t", "d", "backend", 2, 0, nil)
	require.NoError(t, m.Assign(task.ID, "agent-1"))

	err := m.Assign(task.ID, "agent-2")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReassignRequiresExistingAssignment(t *testing.T) {
	m := newTestManager()
	task, _ := m.Create("t", "d", "backend", 2, 0, nil)
	err := m.Reassign(task.ID, "agent-2")
	assert.ErrorIs(t, err, ErrNotAssigned)

	require.NoError(t, m.Assign(task.ID, "agent-1"))
	require.NoError(t, m.Reassign(task.ID, "agent-2"))
	got, _ := m.Get(task.ID)
	assert.Equal(t, "agent-2", got.AssignedTo)
}

func TestAddDependencyRejectsCycle(t *testing.T) {
	m := newTestManager()
	a, _ := m.Create("a", "", "backend", 2, 0, nil)
	b, _ := m.Create("b", "", "backend", 2, 0, nil)

	require.NoError(t, m.AddDependency(b.ID, a.ID)) // b depends on a
	err := m.AddDependency(a.ID, b.ID)               // a depends on b would cycle
	assert.ErrorIs(t, err, ErrCyclicDependency)
}

func TestAddDependencyMissingTarget(t *testing.T) {
	m := newTestManager()
	a, _ := m.Create("a", "", "backend", 2, 0, nil)
	err := m.AddDependency(a.ID, "nonexistent")
	assert.ErrorIs(t, err, ErrDependencyMissing)
}

func TestRemoveDependencyMirrorsReverseIndex(t *testing.T) {
	m := newTestManager()
	a, _ := m.Create("a", "", "backend", 2, 0, nil)
	b, _ := m.Create("b", "", "backend", 2, 0, nil)
	require.NoError(t, m.AddDependency(b.ID, a.ID))
	require.NoError(t, m.RemoveDependency(b.ID, a.ID))

	got, _ := m.Get(b.ID)
	assert.Empty(t, got.Dependencies)
	assert.Empty(t, m.dependents[a.ID], "reverse index no longer lists b under a")
	// a should now be immediately available again for dependents.
	require.NoError(t, m.AddDependency(b.ID, a.ID))
}

func TestAvailableTasksRequiresAllDependenciesCompleted(t *testing.T) {
	m := newTestManager()
	a, _ := m.Create("a", "", "backend", 2, 0, nil)
	b, _ := m.Create("b", "", "backend", 2, 0, nil)
	require.NoError(t, m.AddDependency(b.ID, a.ID))

	avail := m.AvailableTasks()
	var ids []string
	for _, t := range avail {
		ids = append(ids, t.ID)
	}
	assert.Contains(t, ids, a.ID)
	assert.NotContains(t, ids, b.ID)

	require.NoError(t, m.Assign(a.ID, "agent-1"))
	require.NoError(t, m.UpdateStatus(a.ID, StatusInProgress))
	require.NoError(t, m.UpdateStatus(a.ID, StatusCompleted))

	avail = m.AvailableTasks()
	ids = nil
	for _, t := range avail {
		ids = append(ids, t.ID)
	}
	assert.Contains(t, ids, b.ID)
}

func TestAddDependencyBlocksPendingTaskUntilDependencyCompletes(t *testing.T) {
	m := newTestManager()
	a, _ := m.Create("a", "", "backend", 2, 0, nil)
	b, _ := m.Create("b", "", "backend", 2, 0, nil)

	require.NoError(t, m.AddDependency(b.ID, a.ID))
	got, err := m.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, got.Status)

	require.NoError(t, m.Assign(a.ID, "agent-1"))
	require.NoError(t, m.UpdateStatus(a.ID, StatusInProgress))
	require.NoError(t, m.UpdateStatus(a.ID, StatusCompleted))

	got, err = m.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status, "completing the sole dependency unblocks b")
}

func TestAddDependencyRejectsAssignOfBlockedTask(t *testing.T) {
	m := newTestManager()
	a, _ := m.Create("a", "", "backend", 2, 0, nil)
	b, _ := m.Create("b", "", "backend", 2, 0, nil)
	require.NoError(t, m.AddDependency(b.ID, a.ID))

	err := m.Assign(b.ID, "agent-1")
	assert.ErrorIs(t, err, ErrInvalidTransition, "a blocked task cannot be assigned")
}

func TestNextTaskOrdersByPriorityThenCreation(t *testing.T) {
	m := newTestManager()
	low, _ := m.Create("low", "", "backend", 1, 0, nil)
	high, _ := m.Create("high", "", "backend", 4, 0, nil)
	require.NoError(t, m.Assign(low.ID, "agent-1"))
	require.NoError(t, m.Assign(high.ID, "agent-1"))

	next, err := m.NextTask("agent-1")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, high.ID, next.ID)
}

func TestNextTaskNoneQueued(t *testing.T) {
	m := newTestManager()
	next, err := m.NextTask("agent-1")
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestStatistics(t *testing.T) {
	m := newTestManager()
	a, _ := m.Create("a", "", "backend", 2, 0, nil)
	m.Create("b", "", "backend", 2, 0, nil)
	require.NoError(t, m.Assign(a.ID, "agent-1"))

	stats := m.Statistics()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[StatusAssigned])
	assert.Equal(t, 1, stats.ByStatus[StatusPending])
	assert.Equal(t, 1, stats.ByAgent["agent-1"])
	assert.Equal(t, 1, stats.Available)
}
