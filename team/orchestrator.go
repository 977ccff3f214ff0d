package team

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowline-dev/flowline/flow/emit"
)

// WorkflowStatus is the lifecycle status of an orchestrated run.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "PENDING"
	WorkflowRunning   WorkflowStatus = "RUNNING"
	WorkflowBlocked   WorkflowStatus = "BLOCKED"
	WorkflowCompleted WorkflowStatus = "COMPLETED"
	WorkflowFailed    WorkflowStatus = "FAILED"
)

// Terminal reports whether the status is final.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed
}

// Orchestrator runs a list of tasks in order with human-in-the-loop gates.
//
// Tasks execute sequentially. A deliverable task that succeeds parks at
// AWAITING_VALIDATION and the run blocks until ValidateTask or
// ProvideFeedback is called; a task whose agent reports an unrecoverable
// condition parks at BLOCKED until UnblockTask. A task error within the
// retry budget re-queues automatically; past the budget it fails the run.
//
// All mutation happens under one mutex, so external calls never interleave
// with task execution.
type Orchestrator struct {
	id string

	mu     sync.Mutex
	runID  string
	status WorkflowStatus
	err    error
	seq    int

	tasks  []*Task
	byID   map[string]*Task
	agents map[string]Agent

	fsm     *TaskFSM
	emitter emit.Emitter
	logger  *slog.Logger
	clock   func() time.Time

	agentIterations int

	cbMu      sync.Mutex
	cbNext    int
	statusCBs map[int]func(WorkflowStatus)
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithEmitter sets the event emitter for task and workflow status updates.
func WithEmitter(e emit.Emitter) OrchestratorOption {
	return func(o *Orchestrator) { o.emitter = e }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(clock func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.clock = clock }
}

// WithAgentIterations sets the reasoning-iteration budget handed to agents.
func WithAgentIterations(n int) OrchestratorOption {
	return func(o *Orchestrator) { o.agentIterations = n }
}

// NewOrchestrator creates an orchestrator for the named workflow.
func NewOrchestrator(workflowID string, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		id:              workflowID,
		status:          WorkflowPending,
		byID:            make(map[string]*Task),
		agents:          make(map[string]Agent),
		fsm:             NewTaskFSM(),
		emitter:         &emit.NullEmitter{},
		logger:          slog.Default(),
		clock:           time.Now,
		agentIterations: 10,
		statusCBs:       make(map[int]func(WorkflowStatus)),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("workflow_id", workflowID)
	o.fsm.Observe(o.taskTransitioned)
	return o
}

// RegisterAgent makes an agent available to tasks under the given name.
// Registering over an existing name replaces it, which is how a BLOCKED
// task with a missing agent is repaired before UnblockTask.
func (o *Orchestrator) RegisterAgent(name string, agent Agent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.agents[name] = agent
}

// AddTask appends a task to the run. Tasks execute in the order added.
func (o *Orchestrator) AddTask(t *Task) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if t.ID == "" {
		return errors.New("task id must not be empty")
	}
	if _, exists := o.byID[t.ID]; exists {
		return fmt.Errorf("duplicate task id %q", t.ID)
	}
	if o.status.Terminal() {
		return fmt.Errorf("workflow %q already %s", o.id, o.status)
	}
	t.Status = TaskPending
	o.tasks = append(o.tasks, t)
	o.byID[t.ID] = t
	return nil
}

// Start executes the task list. It returns when the run reaches a terminal
// status or blocks on an external gate; a blocked run is driven further by
// ValidateTask, ProvideFeedback, and UnblockTask.
func (o *Orchestrator) Start(ctx context.Context) (WorkflowStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.status != WorkflowPending {
		return o.status, fmt.Errorf("workflow %q already started", o.id)
	}
	o.runID = uuid.NewString()
	o.logger = o.logger.With("run_id", o.runID)
	o.setStatusLocked(WorkflowRunning, nil)
	o.pumpLocked(ctx)
	return o.status, o.err
}

// RunID returns the identifier generated at Start, or empty before Start.
func (o *Orchestrator) RunID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runID
}

// Status returns the run's current status.
func (o *Orchestrator) Status() WorkflowStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// ValidateTask signs off a task awaiting validation and resumes the run:
// AWAITING_VALIDATION -> VALIDATED -> DONE. If no other task is gated, the
// run continues with the remaining tasks.
func (o *Orchestrator) ValidateTask(ctx context.Context, taskID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.byID[taskID]
	if !ok {
		return &ErrTaskNotFound{TaskID: taskID}
	}
	if err := o.fsm.Transition(t, TaskValidated); err != nil {
		return err
	}
	if err := o.fsm.Transition(t, TaskDone); err != nil {
		return err
	}
	o.logger.Info("task validated", "task_id", taskID)
	o.resumeLocked(ctx)
	return nil
}

// ProvideFeedback rejects a task awaiting validation and sends it back for
// revision: AWAITING_VALIDATION -> REVISE -> DOING. The feedback is attached
// to the task's context for the re-execution; the run stays blocked until a
// later validation succeeds.
func (o *Orchestrator) ProvideFeedback(ctx context.Context, taskID, feedback string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.byID[taskID]
	if !ok {
		return &ErrTaskNotFound{TaskID: taskID}
	}
	if err := o.fsm.Transition(t, TaskRevise); err != nil {
		return err
	}
	t.Feedback = append(t.Feedback, feedback)
	o.logger.Info("task feedback provided", "task_id", taskID, "feedback", feedback)
	if err := o.fsm.Transition(t, TaskDoing); err != nil {
		return err
	}
	if err := o.executeLocked(ctx, t); err != nil {
		return err
	}
	o.resumeLocked(ctx)
	return nil
}

// UnblockTask re-dispatches a BLOCKED task: BLOCKED -> DOING. This is the
// only way out of BLOCKED; the orchestrator never retries it on its own.
func (o *Orchestrator) UnblockTask(ctx context.Context, taskID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.byID[taskID]
	if !ok {
		return &ErrTaskNotFound{TaskID: taskID}
	}
	if err := o.fsm.Transition(t, TaskDoing); err != nil {
		return err
	}
	o.logger.Info("task unblocked", "task_id", taskID)
	if err := o.executeLocked(ctx, t); err != nil {
		return err
	}
	o.resumeLocked(ctx)
	return nil
}

// GetTasksByStatus returns copies of the tasks currently in the given
// status, in execution order.
func (o *Orchestrator) GetTasksByStatus(status TaskStatus) []Task {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []Task
	for _, t := range o.tasks {
		if t.Status == status {
			out = append(out, *t)
		}
	}
	return out
}

// Stats summarises the run.
type Stats struct {
	Status   WorkflowStatus
	Total    int
	ByStatus map[TaskStatus]int
}

// Stats returns a snapshot of task counts by status.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Stats{
		Status:   o.status,
		Total:    len(o.tasks),
		ByStatus: make(map[TaskStatus]int),
	}
	for _, t := range o.tasks {
		s.ByStatus[t.Status]++
	}
	return s
}

// OnStatusChange registers a callback invoked on every workflow status
// transition. It returns an unsubscribe function.
func (o *Orchestrator) OnStatusChange(cb func(WorkflowStatus)) func() {
	o.cbMu.Lock()
	id := o.cbNext
	o.cbNext++
	o.statusCBs[id] = cb
	o.cbMu.Unlock()
	return func() {
		o.cbMu.Lock()
		delete(o.statusCBs, id)
		o.cbMu.Unlock()
	}
}

// pumpLocked drives tasks in order until one gates, one fails terminally,
// or all are done. Caller holds o.mu.
func (o *Orchestrator) pumpLocked(ctx context.Context) {
	for _, t := range o.tasks {
		for !t.Status.Terminal() {
			if t.Status.Gated() {
				o.setStatusLocked(WorkflowBlocked, map[string]any{"task_id": t.ID, "task_status": string(t.Status)})
				return
			}
			var err error
			switch t.Status {
			case TaskPending:
				err = o.fsm.Transition(t, TaskTodo)
			case TaskTodo:
				err = o.fsm.Transition(t, TaskDoing)
			case TaskDoing:
				err = o.executeLocked(ctx, t)
			}
			if err != nil {
				// A vetoing hook stops the run; looping on a task
				// that cannot move would never terminate.
				o.err = err
				o.setStatusLocked(WorkflowFailed, map[string]any{"task_id": t.ID, "error": err.Error()})
				return
			}
		}
		if t.Status == TaskError {
			o.err = fmt.Errorf("task %q failed after %d retries: %s", t.ID, t.RetryCount, t.Err)
			o.setStatusLocked(WorkflowFailed, map[string]any{"task_id": t.ID, "error": t.Err})
			return
		}
	}
	o.setStatusLocked(WorkflowCompleted, nil)
}

// resumeLocked re-enters the pump after an external gate cleared, unless
// another task is still gated.
func (o *Orchestrator) resumeLocked(ctx context.Context) {
	for _, t := range o.tasks {
		if t.Status.Gated() {
			o.setStatusLocked(WorkflowBlocked, map[string]any{"task_id": t.ID, "task_status": string(t.Status)})
			return
		}
	}
	o.setStatusLocked(WorkflowRunning, nil)
	o.pumpLocked(ctx)
}

// executeLocked runs one DOING task through its agent and applies the
// outcome transition. A non-nil return means a hook vetoed the outcome and
// the run cannot make progress. Caller holds o.mu.
func (o *Orchestrator) executeLocked(ctx context.Context, t *Task) error {
	tc := &TaskContext{
		TaskID:      t.ID,
		Description: t.Description,
		Input:       t.Input,
		Feedback:    append([]string(nil), t.Feedback...),
		Attempt:     t.RetryCount + 1,
		State:       NewAgentExecutionState(o.agentIterations),
	}

	agent, ok := o.agents[t.AssignedAgent]
	if !ok {
		t.Err = fmt.Sprintf("agent %q not registered", t.AssignedAgent)
		o.logger.Warn("task blocked", "task_id", t.ID, "reason", t.Err)
		return o.fsm.Transition(t, TaskBlocked)
	}

	o.logger.Info("task dispatched", "task_id", t.ID, "agent", t.AssignedAgent, "attempt", tc.Attempt)
	result, err := agent.Execute(ctx, tc)

	switch {
	case err != nil && errors.Is(err, ErrBlocked):
		t.Err = err.Error()
		o.logger.Warn("task blocked", "task_id", t.ID, "reason", t.Err)
		return o.fsm.Transition(t, TaskBlocked)

	case err == nil && tc.State.Classify() == ClassBlocked:
		t.Err = fmt.Sprintf("agent stopped in %s", tc.State.Status)
		o.logger.Warn("task blocked", "task_id", t.ID, "reason", t.Err)
		return o.fsm.Transition(t, TaskBlocked)

	// An agent that stops to ask the user parks its task until the answer
	// arrives out of band and UnblockTask re-dispatches it.
	case err == nil && tc.State.Classify() == ClassSuspended:
		t.Err = fmt.Sprintf("agent awaiting user input (%s)", tc.State.Status)
		o.logger.Warn("task blocked", "task_id", t.ID, "reason", t.Err)
		return o.fsm.Transition(t, TaskBlocked)

	case err != nil || tc.State.Classify() == ClassFailed:
		if err != nil {
			t.Err = err.Error()
		} else {
			t.Err = fmt.Sprintf("agent terminated in %s", tc.State.Status)
		}
		if terr := o.fsm.Transition(t, TaskError); terr != nil {
			return terr
		}
		if t.RetryCount < t.MaxRetries {
			t.RetryCount++
			o.logger.Warn("task re-queued", "task_id", t.ID, "retry", t.RetryCount, "error", t.Err)
			return o.fsm.Transition(t, TaskTodo)
		}
		o.logger.Error("task failed", "task_id", t.ID, "retries", t.RetryCount, "error", t.Err)
		return nil

	case t.IsDeliverable:
		t.Result = result
		t.Err = ""
		o.logger.Info("task awaiting validation", "task_id", t.ID)
		return o.fsm.Transition(t, TaskAwaitingValidation)

	default:
		t.Result = result
		t.Err = ""
		o.logger.Info("task done", "task_id", t.ID)
		return o.fsm.Transition(t, TaskDone)
	}
}

// setStatusLocked applies a workflow status change, emits the event, and
// notifies status callbacks. No-op when the status is unchanged. Caller
// holds o.mu.
func (o *Orchestrator) setStatusLocked(status WorkflowStatus, meta map[string]any) {
	if o.status == status {
		return
	}
	o.status = status
	o.seq++
	o.emitter.Emit(emit.Event{
		Type:       emit.WorkflowStatusUpdate,
		Seq:        o.seq,
		RunID:      o.runID,
		WorkflowID: o.id,
		Status:     string(status),
		Timestamp:  o.clock(),
		Meta:       meta,
	})

	o.cbMu.Lock()
	cbs := make([]func(WorkflowStatus), 0, len(o.statusCBs))
	for _, cb := range o.statusCBs {
		cbs = append(cbs, cb)
	}
	o.cbMu.Unlock()
	for _, cb := range cbs {
		cb(status)
	}
}

// taskTransitioned is the FSM observer; it turns applied task transitions
// into events. Runs under o.mu via the FSM call sites.
func (o *Orchestrator) taskTransitioned(taskID string, from, to TaskStatus) {
	o.seq++
	o.emitter.Emit(emit.Event{
		Type:       emit.TaskStatusUpdate,
		Seq:        o.seq,
		RunID:      o.runID,
		WorkflowID: o.id,
		StepID:     taskID,
		Status:     string(to),
		Timestamp:  o.clock(),
		Meta:       map[string]any{"from": string(from)},
	})
}
