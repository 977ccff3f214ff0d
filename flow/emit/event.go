// Package emit defines the observability event model and pluggable emitters
// for workflow execution.
package emit

import "time"

// EventType classifies an observability event.
type EventType string

const (
	// WorkflowStatusUpdate records a run-level status transition.
	WorkflowStatusUpdate EventType = "workflow.status"

	// StepStatusUpdate records a step-level status transition.
	StepStatusUpdate EventType = "step.status"

	// TaskStatusUpdate records an orchestration task transition from the
	// task layer above the engine.
	TaskStatusUpdate EventType = "task.status"
)

// Event is one entry in a run's ordered transition log.
//
// Events are appended in causal order: a step's started event precedes its
// completed/failed/suspended event, and a workflow status event reflecting a
// step's outcome follows that step's event. Seq is the per-run total order.
type Event struct {
	// Type classifies the event.
	Type EventType `json:"type"`

	// Seq is the event's position in the run's log, starting at 1.
	Seq int `json:"seq"`

	// RunID identifies the execution that emitted this event.
	RunID string `json:"run_id"`

	// WorkflowID identifies the compiled graph the run executes.
	WorkflowID string `json:"workflow_id"`

	// StepID identifies the step for step-level events. Empty for
	// workflow-level events.
	StepID string `json:"step_id,omitempty"`

	// Status is the new status value the transition produced.
	Status string `json:"status"`

	// Timestamp records when the transition occurred.
	Timestamp time.Time `json:"timestamp"`

	// Meta carries additional structured data. Common keys:
	//   - "error": failure details
	//   - "payload": suspend payload
	//   - "duration_ms": step execution duration
	//   - "task_id", "agent": task layer identifiers
	Meta map[string]any `json:"meta,omitempty"`
}

// Emitter receives workflow observability events.
//
// Implementations must be safe for concurrent use and must not panic;
// delivery failures are handled internally. Emit is called synchronously on
// the execution path, in per-run causal order.
type Emitter interface {
	Emit(event Event)
}

// Multi fans an event out to several emitters in order.
type Multi []Emitter

// Emit delivers the event to each emitter in sequence.
func (m Multi) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}
