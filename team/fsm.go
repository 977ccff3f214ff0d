package team

import "sync"

// TransitionHook runs before or after a task transition. A before hook
// returning an error vetoes the transition.
type TransitionHook func(taskID string, from, to TaskStatus) error

type hookKey struct {
	from, to TaskStatus
}

// TaskFSM validates and applies task status transitions against the
// lifecycle table. Hooks are registered per (from, to) pair; the observer,
// if set, sees every applied transition.
type TaskFSM struct {
	mu       sync.Mutex
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
	observer func(taskID string, from, to TaskStatus)
}

// NewTaskFSM creates a TaskFSM with the standard lifecycle table.
func NewTaskFSM() *TaskFSM {
	return &TaskFSM{
		before: make(map[hookKey][]TransitionHook),
		after:  make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before the given transition is applied.
func (f *TaskFSM) OnBefore(from, to TaskStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after the given transition is applied.
func (f *TaskFSM) OnAfter(from, to TaskStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Observe sets the callback invoked on every applied transition, after the
// status is written and before the after hooks run.
func (f *TaskFSM) Observe(cb func(taskID string, from, to TaskStatus)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observer = cb
}

// Transition validates and applies a status change to the task.
func (f *TaskFSM) Transition(t *Task, to TaskStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	from := t.Status
	if !validTransition(from, to) {
		return &InvalidTransitionError{TaskID: t.ID, From: from, To: to}
	}

	key := hookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(t.ID, from, to); err != nil {
			return err
		}
	}

	t.Status = to
	if f.observer != nil {
		f.observer(t.ID, from, to)
	}

	for _, hook := range f.after[key] {
		if err := hook(t.ID, from, to); err != nil {
			return err
		}
	}
	return nil
}

// validTaskTransitions is the task lifecycle table.
//
//	PENDING -> TODO -> DOING -> {DONE | ERROR | BLOCKED | AWAITING_VALIDATION}
//	AWAITING_VALIDATION -> {VALIDATED | REVISE}
//	VALIDATED -> DONE
//	REVISE -> DOING
//	BLOCKED -> DOING     explicit external intervention only
//	ERROR -> TODO        automatic re-queue within the retry budget
var validTaskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:            {TaskTodo},
	TaskTodo:               {TaskDoing},
	TaskDoing:              {TaskDone, TaskError, TaskBlocked, TaskAwaitingValidation},
	TaskAwaitingValidation: {TaskValidated, TaskRevise},
	TaskValidated:          {TaskDone},
	TaskRevise:             {TaskDoing},
	TaskBlocked:            {TaskDoing},
	TaskError:              {TaskTodo},
	TaskDone:               {},
}

func validTransition(from, to TaskStatus) bool {
	for _, a := range validTaskTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}
