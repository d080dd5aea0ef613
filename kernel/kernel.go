// Package kernel assembles the eight coordination components
// (Message Bus, File Manager, Task Manager, Assignment Engine, Health
// Monitor, Workflow Orchestrator, Coordination Manager, Realtime Sync)
// into the single runtime the cmd/agentmeshd binary drives. No
// component imports this package — it only wires constructors
// together, the way the teacher's app.Run does for its own session
// machinery.
package kernel

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/qmlh/agentmesh/assignment"
	"github.com/qmlh/agentmesh/bus"
	"github.com/qmlh/agentmesh/capabilities"
	"github.com/qmlh/agentmesh/config"
	"github.com/qmlh/agentmesh/coordination"
	"github.com/qmlh/agentmesh/filemgr"
	"github.com/qmlh/agentmesh/health"
	"github.com/qmlh/agentmesh/realtimesync"
	"github.com/qmlh/agentmesh/taskmgr"
	"github.com/qmlh/agentmesh/workflow"
)

// Kernel owns one instance of every coordination component, wired
// against a shared set of capabilities.
type Kernel struct {
	Bus    *bus.Bus
	Files  *filemgr.FileManager
	Tasks  *taskmgr.TaskManager
	Assign *assignment.Engine
	Coord  *coordination.Manager
	Sync   *realtimesync.Sync

	cfg   *config.Config
	ids   capabilities.IDSource
	clock capabilities.Clock
	log   capabilities.LogSink

	reassignInterval time.Duration
	stopCh           chan struct{}
	wg               sync.WaitGroup
}

// New wires every component from cfg. files is the backing store for
// the File Manager (a *filemgr.GitFileStore for a real workspace, or
// capabilities.NewMemFileStore() for an ephemeral one).
func New(cfg *config.Config, files capabilities.FileStore, ids capabilities.IDSource, clock capabilities.Clock, logSink capabilities.LogSink) *Kernel {
	messageBus := bus.New(bus.Config{
		QueueSize:        cfg.MessageQueueSize,
		HeartbeatTimeout: cfg.AgentTimeout,
		SweepInterval:    5 * time.Second,
		HeartbeatSweep:   10 * time.Second,
		HistoryPerAgent:  1000,
	}, ids, clock, logSink)

	fileManager := filemgr.New(files, filemgr.Config{
		LockTimeout:         cfg.FileLockTimeout,
		MaxLocksPerAgent:    cfg.MaxFileLocksPerAgent,
		HistoryCap:          100,
		SnapshotCap:         10,
		SweepInterval:       30 * time.Second,
		MergeConflictWindow: 2 * time.Second,
		ConcurrentModWindow: 10 * time.Second,
	}, ids, clock, logSink)

	tasks := taskmgr.New(ids, clock, logSink)

	assignCfg := assignment.DefaultConfig()
	assignCfg.HeartbeatInterval = cfg.AgentHeartbeatInterval
	assignEngine := assignment.New(assignCfg, ids, clock, logSink)

	healthCfg := health.DefaultConfig()
	workflowCfg := workflow.DefaultConfig()
	workflowCfg.MaxSteps = cfg.MaxWorkflowSteps
	workflowCfg.DefaultMaxRetries = cfg.MaxTaskRetries

	// The Coordination Manager is the only package importing both
	// health and workflow, so it both embeds them and implements the
	// interfaces they consume (Recoverer, AgentSelector, AgentResolver).
	// Its own Recover/SelectAgent/ResolveAgent methods close the loop,
	// which means the Manager must exist before the Monitor/Orchestrator
	// it supplies to can be handed their recoverer/selector: it is built
	// first, and the two are attached to it once they exist.
	coordCfg := coordination.Config{
		MaxAgents:                cfg.MaxAgents,
		MaxCollaborationSessions: cfg.MaxCollaborationSessions,
	}
	coord := coordination.New(messageBus, nil, nil, coordCfg, ids, clock, logSink)
	coord.Health = health.New(coord, healthCfg, ids, clock, logSink)
	coord.Workflows = workflow.New(coord, coord, workflowCfg, ids, clock, logSink)

	syncCfg := realtimesync.DefaultConfig()
	syncCfg.HeartbeatInterval = cfg.AgentHeartbeatInterval
	sync := realtimesync.New(messageBus, tasks, coord, syncCfg, ids, clock, logSink)

	return &Kernel{
		Bus:              messageBus,
		Files:            fileManager,
		Tasks:            tasks,
		Assign:           assignEngine,
		Coord:            coord,
		Sync:             sync,
		cfg:              cfg,
		ids:              ids,
		clock:            clock,
		log:              logSink,
		reassignInterval: cfg.AgentHeartbeatInterval,
		stopCh:           make(chan struct{}),
	}
}

// Start launches every component's background loop: the bus's
// offline/heartbeat sweepers, the file manager's lock-expiry sweep,
// the coordination manager's embedded health monitor, realtime sync's
// drainer and heartbeat checker, and the kernel's own reassignment
// sweep (the Assignment Engine has no loop of its own — spec §4.D
// leaves CheckForReassignment caller-driven, so the kernel is that
// caller).
func (k *Kernel) Start(ctx context.Context) {
	k.Bus.Start(ctx)
	k.Files.Start()
	k.Coord.Start(ctx)
	k.Sync.Start(ctx)

	k.wg.Add(1)
	go k.reassignLoop(ctx)
}

// Stop halts every background loop in reverse order.
func (k *Kernel) Stop() {
	close(k.stopCh)
	k.wg.Wait()
	k.Sync.Stop()
	k.Coord.Stop()
	k.Files.Stop()
	k.Bus.Stop()
}

func (k *Kernel) reassignLoop(ctx context.Context) {
	defer k.wg.Done()
	interval := k.reassignInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-k.stopCh:
			return
		case <-ticker.C:
			k.runReassignments()
		}
	}
}

func (k *Kernel) runReassignments() {
	for _, r := range k.Assign.CheckForReassignment() {
		task, err := k.Tasks.Get(r.TaskID)
		if err != nil {
			continue
		}
		next, err := k.Coord.SelectAgent(task.Type)
		if err != nil {
			k.log.Log("warning", "no replacement agent available for reassignment", map[string]any{
				"execution_id": r.ExecutionID,
				"reason":       r.Reason,
			})
			continue
		}
		if err := k.Assign.Reassign(r.ExecutionID, next); err != nil {
			k.log.Log("error", "reassignment failed", map[string]any{"execution_id": r.ExecutionID, "error": err.Error()})
			continue
		}
		k.Sync.Enqueue("task_reassigned", map[string]any{"execution_id": r.ExecutionID, "agent_id": next, "reason": r.Reason})
	}
}

// CreateAgent registers a new agent across every component that needs
// to know about it: the Coordination Manager's registry (source of
// truth for identity/lifecycle), the Assignment Engine's scoring
// table, and Realtime Sync's heartbeat tracking. It is the single
// entrypoint cmd/agentmeshd's `start` subcommand (and tests) use
// instead of reaching into Coord directly, since an agent that only
// exists in the registry is invisible to Assign.
func (k *Kernel) CreateAgent(agentType string, caps []string, worker capabilities.AgentWorker) (*coordination.Agent, error) {
	agent, err := k.Coord.CreateAgent(agentType, caps, worker)
	if err != nil {
		return nil, err
	}
	k.Assign.UpdateAgentInfo(assignment.AgentInfo{
		ID:            agent.ID,
		Type:          agent.Type,
		Capabilities:  agent.Capabilities,
		Load:          worker.Workload(),
		LastHeartbeat: k.clock.Now(),
	})
	k.Sync.RecordHeartbeat(agent.ID)
	return agent, nil
}

// DestroyAgent removes an agent from every component CreateAgent
// registered it with.
func (k *Kernel) DestroyAgent(agentID string) error {
	if err := k.Coord.DestroyAgent(agentID); err != nil {
		return err
	}
	k.Assign.RemoveAgentInfo(agentID)
	return nil
}

// SubmitTask decomposes title/description/taskType into its archetype
// sub-tasks and attempts to assign every one of them that has no
// outstanding dependency. Sub-tasks a decomposition rule makes depend
// on siblings (e.g. testing on frontend+backend) come back blocked and
// are picked up automatically once CompleteTask clears their
// dependencies. The head sub-task (or the single task, for
// non-decomposing types) is always returned so callers have something
// to report on.
func (k *Kernel) SubmitTask(title, description, taskType string, priority int) (*taskmgr.Task, error) {
	subtasks, err := k.Tasks.Decompose(title, description, taskType)
	if err != nil {
		return nil, err
	}
	head := subtasks[0]
	if priority > 0 {
		_ = k.Tasks.UpdatePriority(head.ID, priority)
	}

	for _, t := range subtasks {
		k.tryAssign(t.ID)
	}

	updated, err := k.Tasks.Get(head.ID)
	if err != nil {
		return head, nil
	}
	return &updated, nil
}

// tryAssign scores the candidate agents registered for a pending
// task's type and, on a match, moves the task to assigned and starts
// tracking its execution. A task with no matching or scoreable agent
// is left pending/blocked for a later CompleteTask or reassignment
// sweep to pick up.
func (k *Kernel) tryAssign(taskID string) {
	task, err := k.Tasks.Get(taskID)
	if err != nil || task.Status != taskmgr.StatusPending {
		return
	}

	candidates := agentIDsByType(k.Coord.ListAgents(), task.Type)
	if len(candidates) == 0 {
		k.Sync.Enqueue("task_created", map[string]any{"task_id": task.ID, "title": task.Title})
		return
	}

	estimate := task.EstimatedDuration
	if estimate <= 0 {
		estimate = k.cfg.DefaultTaskTimeout
	}

	agentID, err := k.Assign.Assign(assignment.Candidate{
		TaskID:            task.ID,
		Type:              task.Type,
		Priority:          task.Priority,
		EstimatedDuration: estimate,
	}, candidates)
	if err != nil {
		k.Sync.Enqueue("task_created", map[string]any{"task_id": task.ID, "title": task.Title})
		return
	}

	if err := k.Tasks.Assign(task.ID, agentID); err != nil {
		k.log.Log("error", "assigned by engine but rejected by task manager", map[string]any{"task_id": task.ID, "error": err.Error()})
		return
	}
	k.Assign.StartExecution(task.ID, agentID, task.Type, estimate)
	k.Sync.Enqueue("task_assigned", map[string]any{"task_id": task.ID, "agent_id": agentID})
}

// CompleteTask finalizes the execution tracking taskID, folds the
// outcome into the agent's historical performance score, and — on
// success — retries assignment for every sibling task the completion
// unblocked.
func (k *Kernel) CompleteTask(taskID string, success bool) error {
	task, err := k.Tasks.Get(taskID)
	if err != nil {
		return err
	}
	if task.Status == taskmgr.StatusAssigned {
		if err := k.Tasks.UpdateStatus(taskID, taskmgr.StatusInProgress); err != nil {
			return err
		}
	}

	if ex, err := k.Assign.ExecutionForTask(taskID); err == nil {
		_ = k.Assign.CompleteExecution(ex.ID, success, 0)
	}

	final := taskmgr.StatusCompleted
	kind := "task_completed"
	if !success {
		final = taskmgr.StatusFailed
		kind = "task_failed"
	}
	if err := k.Tasks.UpdateStatus(taskID, final); err != nil {
		return err
	}
	k.Sync.Enqueue(kind, map[string]any{"task_id": taskID})

	if success {
		for _, t := range k.Tasks.AvailableTasks() {
			k.tryAssign(t.ID)
		}
	}
	return nil
}

func agentIDsByType(agents []coordination.Agent, agentType string) []string {
	var out []string
	for _, a := range agents {
		if a.Type == agentType {
			out = append(out, a.ID)
		}
	}
	sort.Strings(out)
	return out
}

// Status is the snapshot the `status` subcommand and the watch
// dashboard both render.
type Status struct {
	TaskStats   taskmgr.Stats
	AgentCount  int
	Assignments assignment.Stats
}

// Status reports the kernel's current aggregate state.
func (k *Kernel) Status() Status {
	return Status{
		TaskStats:   k.Tasks.Statistics(),
		AgentCount:  len(k.Coord.ListAgents()),
		Assignments: k.Assign.Statistics(),
	}
}
