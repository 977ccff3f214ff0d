package flow

import "context"

// StepFunc is the opaque computation a step performs. It receives the
// resolved input and run context through sc and returns the step's output.
//
// A step signals cooperative suspension by returning the error produced by
// sc.Suspend; the engine treats that as a first-class outcome rather than a
// failure.
type StepFunc func(ctx context.Context, sc *StepContext) (any, error)

// Step is a single schema-contracted unit of computation within a workflow
// graph. Steps are immutable once the graph is committed.
//
// The step contract:
//   - InputSchema validates the inbound value before Execute runs.
//   - OutputSchema validates the returned value before it is recorded.
//   - SuspendSchema validates payloads passed to StepContext.Suspend.
//   - ResumeSchema validates resume data supplied to Engine.Resume.
//
// Nil schemas default to Any (no validation).
//
// Example:
//
//	add := &flow.Step{
//	    ID:           "add",
//	    InputSchema:  addInput,
//	    OutputSchema: numberOutput,
//	    Execute: func(ctx context.Context, sc *flow.StepContext) (any, error) {
//	        in := sc.InputData.(map[string]any)
//	        return map[string]any{"value": in["a"].(float64) + in["b"].(float64)}, nil
//	    },
//	}
type Step struct {
	// ID uniquely identifies the step within a graph.
	ID string

	// InputSchema validates the value flowing into the step.
	InputSchema Schema

	// OutputSchema validates the value the step returns.
	OutputSchema Schema

	// ResumeSchema validates resume data for suspendable steps. Optional.
	ResumeSchema Schema

	// SuspendSchema validates suspend payloads. Optional.
	SuspendSchema Schema

	// Execute performs the step's computation.
	Execute StepFunc
}

func (s *Step) inputSchema() Schema {
	if s.InputSchema == nil {
		return Any
	}
	return s.InputSchema
}

func (s *Step) outputSchema() Schema {
	if s.OutputSchema == nil {
		return Any
	}
	return s.OutputSchema
}

func (s *Step) resumeSchema() Schema {
	if s.ResumeSchema == nil {
		return Any
	}
	return s.ResumeSchema
}

func (s *Step) suspendSchema() Schema {
	if s.SuspendSchema == nil {
		return Any
	}
	return s.SuspendSchema
}

// StepContext exposes the run to an executing step: its resolved input, the
// original run input, prior step outputs, and the suspend/resume surface.
type StepContext struct {
	// InputData is the value produced by the preceding node, already
	// validated against the step's input schema.
	InputData any

	stepID   string
	run      *Run
	resuming bool
	resume   any
}

// InitData returns the original input the run started with.
func (c *StepContext) InitData() any { return c.run.InitialInput }

// StepResult looks up the recorded output of a previously completed step.
func (c *StepContext) StepResult(stepID string) (any, bool) {
	c.run.mu.Lock()
	out, ok := c.run.StepResults[stepID]
	c.run.mu.Unlock()
	return out, ok
}

// IsResuming reports whether the step is being re-entered after a
// suspension. Step implementations branch on this to skip already-done work.
func (c *StepContext) IsResuming() bool { return c.resuming }

// ResumeData returns the externally supplied resume value, or nil when the
// step is not resuming.
func (c *StepContext) ResumeData() any { return c.resume }

// Suspend requests cooperative suspension of the run at this step.
//
// The payload is validated against the step's suspend schema; an invalid
// payload yields a *ValidationError instead, which fails the step. On
// success Suspend returns an error wrapping ErrSuspended which the step must
// return to its caller:
//
//	if needsHumanInput {
//	    return nil, sc.Suspend(map[string]any{"reason": "needs approval"})
//	}
func (c *StepContext) Suspend(payload any) error {
	step := c.run.graph.steps[c.stepID]
	if err := step.suspendSchema().Validate(payload); err != nil {
		if verr, ok := err.(*ValidationError); ok {
			verr.StepID = c.stepID
			verr.Stage = "suspend"
		}
		return err
	}
	return &suspendSignal{stepID: c.stepID, payload: payload}
}

// suspendSignal is the error value carrying a suspension request out of a
// step. It unwraps to ErrSuspended.
type suspendSignal struct {
	stepID  string
	payload any
}

func (s *suspendSignal) Error() string {
	return "step " + s.stepID + " suspended"
}

func (s *suspendSignal) Unwrap() error { return ErrSuspended }
