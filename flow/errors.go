// Package flow provides the core workflow graph compilation and execution engine.
package flow

import "errors"

// ErrSuspended is the sentinel wrapped by the error a step returns after
// calling StepContext.Suspend. Use errors.Is to detect cooperative
// suspension when inspecting step errors.
var ErrSuspended = errors.New("step suspended")

// SchemaMismatchError is returned by Builder.Commit when a producer's output
// schema is structurally incompatible with its consumer's input schema.
// Build-time errors are never retried; they indicate a programming error.
type SchemaMismatchError struct {
	// Producer is the step whose output feeds the edge.
	Producer string

	// Consumer is the step whose input receives the edge.
	Consumer string

	// Reason describes the incompatibility.
	Reason string
}

func (e *SchemaMismatchError) Error() string {
	return "schema mismatch: " + e.Producer + " -> " + e.Consumer + ": " + e.Reason
}

// ValidationError is returned when a value fails a declared schema at run
// time, or when a graph input collection has the wrong shape.
type ValidationError struct {
	// StepID identifies the step whose schema rejected the value.
	// Empty for graph-level validation failures.
	StepID string

	// Stage is which contract rejected the value: "input", "output",
	// "resume", or "suspend".
	Stage string

	// Violations holds one message per schema violation, each prefixed
	// with its instance location.
	Violations []string

	// Cause is the underlying validator error, if any.
	Cause error
}

func (e *ValidationError) Error() string {
	msg := "validation failed"
	if e.StepID != "" {
		msg = "step " + e.StepID + ": " + e.Stage + " " + msg
	}
	if len(e.Violations) > 0 {
		msg += ": " + e.Violations[0]
		if len(e.Violations) > 1 {
			msg += " (and more)"
		}
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// GraphFrozenError is returned by structural Builder calls after Commit.
type GraphFrozenError struct {
	// Op is the structural operation that was rejected.
	Op string
}

func (e *GraphFrozenError) Error() string {
	return "graph is frozen: " + e.Op + " after Commit"
}

// InvalidResumeStateError is returned when Resume is called on a run that is
// not suspended, or names a step other than the one the run suspended at.
type InvalidResumeStateError struct {
	RunID string

	// Step is the step named by the caller.
	Step string

	// Status is the run's actual status.
	Status RunStatus

	// SuspendedAt lists the steps the run is actually suspended at.
	SuspendedAt []string
}

func (e *InvalidResumeStateError) Error() string {
	return "invalid resume state: run " + e.RunID + " status " + string(e.Status) +
		" cannot resume at step " + e.Step
}

// RunBusyError is returned when a second Execute or Resume call enters a run
// that already has an active scheduler. Exactly one scheduler may hold write
// access to a run at a time.
type RunBusyError struct {
	RunID string
}

func (e *RunBusyError) Error() string {
	return "run busy: " + e.RunID + " already has an active scheduler"
}

// StepExecutionError wraps any error returned by a step's execute function.
type StepExecutionError struct {
	StepID string
	Cause  error
}

func (e *StepExecutionError) Error() string {
	return "step " + e.StepID + " failed: " + e.Cause.Error()
}

func (e *StepExecutionError) Unwrap() error { return e.Cause }

// RunCancelledError is returned when a run is aborted. The in-flight step is
// not killed; the engine stops dispatching further nodes once it returns.
type RunCancelledError struct {
	RunID string
}

func (e *RunCancelledError) Error() string {
	return "run cancelled: " + e.RunID
}

// EngineError represents a configuration or internal error from Engine
// operations.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}
