package team

import (
	"context"
	"errors"
	"time"
)

// ErrBlocked is the sentinel an agent wraps to report an unrecoverable
// condition that requires external intervention rather than a retry, e.g. a
// referenced capability that does not exist.
var ErrBlocked = errors.New("task blocked")

// Agent performs the work behind a task. Implementations are opaque to the
// orchestrator: it only classifies the outcome as success, retryable error,
// or blocked.
type Agent interface {
	// Execute performs the task and returns its result. Returning an
	// error wrapping ErrBlocked parks the task as BLOCKED instead of
	// consuming a retry.
	Execute(ctx context.Context, tc *TaskContext) (any, error)
}

// AgentFunc adapts a plain function to the Agent interface.
type AgentFunc func(ctx context.Context, tc *TaskContext) (any, error)

func (f AgentFunc) Execute(ctx context.Context, tc *TaskContext) (any, error) {
	return f(ctx, tc)
}

// TaskContext is what an agent sees of the task it is executing.
type TaskContext struct {
	// TaskID identifies the task being executed.
	TaskID string

	// Description is the work request.
	Description string

	// Input is the task's input value.
	Input any

	// Feedback holds reviewer feedback from previous revision cycles, in
	// the order it was given. Empty on the first execution.
	Feedback []string

	// Attempt counts executions of this task, starting at 1.
	Attempt int

	// State is the agent's reasoning-loop trace. The agent records phase
	// changes into it; the orchestrator reads only its classification.
	State *AgentExecutionState
}

// AgentStatus is a reasoning-loop phase an agent may pass through while
// executing a task.
type AgentStatus string

const (
	AgentInitial       AgentStatus = "INITIAL"
	AgentThinking      AgentStatus = "THINKING"
	AgentUsingTool     AgentStatus = "USING_TOOL"
	AgentToolNotFound  AgentStatus = "TOOL_NOT_FOUND"
	AgentAskingUser    AgentStatus = "ASKING_USER"
	AgentMaxIterations AgentStatus = "MAX_ITERATIONS"
	AgentFinalAnswer   AgentStatus = "FINAL_ANSWER"
	AgentError         AgentStatus = "ERROR"
)

// Classification collapses the reasoning-phase statuses to what the
// orchestrator acts on.
type Classification string

const (
	// ClassActive means the agent is still making forward progress.
	ClassActive Classification = "active"
	// ClassBlocked means the agent cannot proceed without external
	// intervention.
	ClassBlocked Classification = "blocked"
	// ClassSuspended means the agent is waiting on external input.
	ClassSuspended Classification = "suspended"
	// ClassSucceeded means the agent produced a final answer.
	ClassSucceeded Classification = "succeeded"
	// ClassFailed means the agent terminated with an error or ran out of
	// iterations.
	ClassFailed Classification = "failed"
)

// AgentTransition records one phase change in an agent's reasoning loop.
type AgentTransition struct {
	From AgentStatus `json:"from"`
	To   AgentStatus `json:"to"`
	Note string      `json:"note,omitempty"`
	At   time.Time   `json:"at"`
}

// AgentExecutionState tracks one agent's reasoning loop for one task. It is
// not safe for concurrent use; one state belongs to one execution.
type AgentExecutionState struct {
	Status        AgentStatus       `json:"status"`
	Iterations    int               `json:"iterations"`
	MaxIterations int               `json:"max_iterations"`
	History       []AgentTransition `json:"history,omitempty"`
}

// NewAgentExecutionState creates a state in the INITIAL phase.
func NewAgentExecutionState(maxIterations int) *AgentExecutionState {
	return &AgentExecutionState{Status: AgentInitial, MaxIterations: maxIterations}
}

// Record appends a phase transition. Entering THINKING counts an iteration;
// when the iteration budget is exceeded the state moves to MAX_ITERATIONS
// instead of the requested phase.
func (s *AgentExecutionState) Record(to AgentStatus, note string) {
	if to == AgentThinking {
		s.Iterations++
		if s.MaxIterations > 0 && s.Iterations > s.MaxIterations {
			to = AgentMaxIterations
		}
	}
	s.History = append(s.History, AgentTransition{From: s.Status, To: to, Note: note, At: time.Now()})
	s.Status = to
}

// Classify reduces the current phase to the orchestrator-facing
// classification.
func (s *AgentExecutionState) Classify() Classification {
	switch s.Status {
	case AgentFinalAnswer:
		return ClassSucceeded
	case AgentError, AgentMaxIterations:
		return ClassFailed
	case AgentToolNotFound:
		return ClassBlocked
	case AgentAskingUser:
		return ClassSuspended
	default:
		return ClassActive
	}
}
