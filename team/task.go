// Package team layers human-in-the-loop task orchestration on top of the
// core workflow engine. A task wraps one unit of agent work with a status
// state machine that supports external validation, feedback-driven
// revision, retry budgets, and explicit unblocking.
package team

import "fmt"

// TaskStatus is the lifecycle status of an orchestrated task.
type TaskStatus string

const (
	TaskPending            TaskStatus = "PENDING"
	TaskTodo               TaskStatus = "TODO"
	TaskDoing              TaskStatus = "DOING"
	TaskBlocked            TaskStatus = "BLOCKED"
	TaskAwaitingValidation TaskStatus = "AWAITING_VALIDATION"
	TaskRevise             TaskStatus = "REVISE"
	TaskValidated          TaskStatus = "VALIDATED"
	TaskDone               TaskStatus = "DONE"
	TaskError              TaskStatus = "ERROR"
)

// Terminal reports whether the status is final. ERROR is terminal only once
// the retry budget is exhausted; the orchestrator re-queues retryable
// errors as TODO before the status is observed as terminal.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskError
}

// Gated reports whether the status halts forward progress pending an
// external actor.
func (s TaskStatus) Gated() bool {
	return s == TaskBlocked || s == TaskAwaitingValidation
}

// Task is one orchestrated unit of work. Tasks are executed in the order
// they were added; the orchestrator owns all status mutation.
type Task struct {
	// ID uniquely identifies the task within its orchestrator.
	ID string

	// Description is the work request handed to the agent.
	Description string

	// Input is the value handed to the agent alongside the description.
	Input any

	// AssignedAgent names the registered agent that executes the task. A
	// task referencing an unregistered agent blocks rather than fails:
	// registering the agent and unblocking recovers it.
	AssignedAgent string

	// IsDeliverable marks the task as requiring external sign-off: on
	// successful execution it parks at AWAITING_VALIDATION instead of
	// completing.
	IsDeliverable bool

	// MaxRetries is the number of automatic re-queues after execution
	// errors. Zero means a single attempt.
	MaxRetries int

	Status     TaskStatus
	RetryCount int

	// Result is the agent's output once the task completes or awaits
	// validation.
	Result any

	// Err describes the most recent execution error.
	Err string

	// Feedback accumulates reviewer feedback across revision cycles, in
	// the order it was provided.
	Feedback []string
}

// ErrTaskNotFound is returned when an external call names an unknown task.
type ErrTaskNotFound struct {
	TaskID string
}

func (e *ErrTaskNotFound) Error() string {
	return fmt.Sprintf("task %q not found", e.TaskID)
}

// InvalidTransitionError is returned when a requested status change is not
// in the transition table.
type InvalidTransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %q: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}
