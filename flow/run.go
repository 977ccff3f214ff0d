package flow

import (
	"errors"
	"sync"
	"time"

	"github.com/flowline-dev/flowline/flow/store"
)

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSuspended RunStatus = "suspended"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// StepStatus is the per-node-per-run execution status.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSuspended StepStatus = "suspended"
)

// StepState records one step's execution within a run.
//
// A state is terminal once completed or failed; a suspended state is
// re-enterable via Engine.Resume.
type StepState struct {
	Status    StepStatus `json:"status"`
	Output    any        `json:"output,omitempty"`
	Error     string     `json:"error,omitempty"`
	StartedAt time.Time  `json:"started_at,omitzero"`
	EndedAt   time.Time  `json:"ended_at,omitzero"`
}

// Run is one execution instance of a compiled graph. It is mutated only by
// the single scheduler instance that owns it; observers read through
// Engine.Snapshot or the event log.
type Run struct {
	RunID      string
	WorkflowID string
	Status     RunStatus

	// InitialInput is the value the run started with.
	InitialInput any

	// StepResults maps step id to recorded output.
	StepResults map[string]any

	// CurrentPath lists visited step ids in visit order.
	CurrentPath []string

	// SuspendedPath is the most recently suspended step, if any.
	SuspendedPath string

	// Err is set when the run fails.
	Err error

	// Steps holds per-step execution state.
	Steps map[string]*StepState

	// mu guards all mutable fields. The owning scheduler holds it for
	// every mutation and event emission; Engine.Snapshot holds it for
	// reads, so observers never see a half-applied transition.
	mu sync.Mutex

	graph           *WorkflowGraph
	suspended       []string
	suspendPayloads map[string]any
	seq             int
}

func newRun(g *WorkflowGraph, runID string, input any) *Run {
	return &Run{
		RunID:           runID,
		WorkflowID:      g.ID(),
		Status:          RunPending,
		InitialInput:    input,
		StepResults:     make(map[string]any),
		Steps:           make(map[string]*StepState),
		graph:           g,
		suspendPayloads: make(map[string]any),
	}
}

func (r *Run) stepState(stepID string) *StepState {
	st, ok := r.Steps[stepID]
	if !ok {
		st = &StepState{Status: StepPending}
		r.Steps[stepID] = st
	}
	return st
}

func (r *Run) markSuspended(stepID string, payload any) {
	for _, id := range r.suspended {
		if id == stepID {
			return
		}
	}
	r.suspended = append(r.suspended, stepID)
	r.suspendPayloads[stepID] = payload
	r.SuspendedPath = stepID
}

func (r *Run) clearSuspended(stepID string) {
	for i, id := range r.suspended {
		if id == stepID {
			r.suspended = append(r.suspended[:i], r.suspended[i+1:]...)
			break
		}
	}
	delete(r.suspendPayloads, stepID)
	if len(r.suspended) == 0 {
		r.SuspendedPath = ""
	} else {
		r.SuspendedPath = r.suspended[len(r.suspended)-1]
	}
}

func (r *Run) isSuspendedAt(stepID string) bool {
	for _, id := range r.suspended {
		if id == stepID {
			return true
		}
	}
	return false
}

// snapshot captures the run as a persistable checkpoint.
func (r *Run) snapshot(now time.Time) store.Snapshot {
	snap := store.Snapshot{
		RunID:        r.RunID,
		WorkflowID:   r.WorkflowID,
		Status:       string(r.Status),
		InitialInput: r.InitialInput,
		StepResults:  make(map[string]any, len(r.StepResults)),
		CurrentPath:  append([]string(nil), r.CurrentPath...),
		SavedAt:      now,
	}
	for id, out := range r.StepResults {
		snap.StepResults[id] = out
	}
	if len(r.suspended) > 0 {
		snap.SuspendedPath = r.SuspendedPath
		snap.Suspended = append([]string(nil), r.suspended...)
		snap.SuspendPayloads = make(map[string]any, len(r.suspendPayloads))
		for id, p := range r.suspendPayloads {
			snap.SuspendPayloads[id] = p
		}
	}
	if r.Err != nil {
		snap.Error = r.Err.Error()
	}
	return snap
}

// restoreRun rebuilds an in-memory run from a persisted snapshot.
func restoreRun(g *WorkflowGraph, snap store.Snapshot) *Run {
	r := newRun(g, snap.RunID, snap.InitialInput)
	r.Status = RunStatus(snap.Status)
	r.CurrentPath = append([]string(nil), snap.CurrentPath...)
	for id, out := range snap.StepResults {
		r.StepResults[id] = out
		r.Steps[id] = &StepState{Status: StepCompleted, Output: out}
	}
	for _, id := range snap.Suspended {
		payload := snap.SuspendPayloads[id]
		r.markSuspended(id, payload)
		r.Steps[id] = &StepState{Status: StepSuspended}
	}
	r.SuspendedPath = snap.SuspendedPath
	if snap.Error != "" {
		r.Err = errors.New(snap.Error)
	}
	return r
}

// RunResult is the outcome of an Execute or Resume call.
type RunResult struct {
	// Status is the run's status when the scheduler returned: completed,
	// failed, or suspended.
	Status RunStatus

	// Result is the output of the graph's final node for completed runs.
	Result any

	// Error is set for failed runs.
	Error error

	// Steps holds the per-step execution states.
	Steps map[string]StepState

	// Suspended lists the steps the run is suspended at, in suspension
	// order, for suspended runs.
	Suspended []string
}

func (r *Run) result(finalOutput any) *RunResult {
	res := &RunResult{
		Status: r.Status,
		Error:  r.Err,
		Steps:  make(map[string]StepState, len(r.Steps)),
	}
	if r.Status == RunCompleted {
		res.Result = finalOutput
	}
	if r.Status == RunSuspended {
		res.Suspended = append([]string(nil), r.suspended...)
	}
	for id, st := range r.Steps {
		res.Steps[id] = *st
	}
	return res
}
