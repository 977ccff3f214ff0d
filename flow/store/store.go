// Package store provides keyed persistence for run snapshots.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested run ID has no saved snapshot.
var ErrNotFound = errors.New("not found")

// Snapshot is a persisted checkpoint of run state, sufficient to resume
// execution after a suspension or process restart.
//
// All dynamic values (initial input, step results, suspend payloads) must be
// JSON-serializable; database-backed stores persist them as JSON.
type Snapshot struct {
	// RunID identifies the execution.
	RunID string `json:"run_id"`

	// WorkflowID identifies the compiled graph the run executes.
	WorkflowID string `json:"workflow_id"`

	// Status is the run status at checkpoint time.
	Status string `json:"status"`

	// InitialInput is the value the run started with.
	InitialInput any `json:"initial_input"`

	// StepResults maps step id to recorded output for every step completed
	// so far.
	StepResults map[string]any `json:"step_results"`

	// CurrentPath lists visited step ids in visit order.
	CurrentPath []string `json:"current_path"`

	// SuspendedPath is the step the run most recently suspended at, if any.
	SuspendedPath string `json:"suspended_path,omitempty"`

	// Suspended lists every step currently suspended, in suspension order.
	Suspended []string `json:"suspended,omitempty"`

	// SuspendPayloads maps suspended step id to the payload it suspended
	// with.
	SuspendPayloads map[string]any `json:"suspend_payloads,omitempty"`

	// Error holds the failure message for failed runs.
	Error string `json:"error,omitempty"`

	// SavedAt records when the snapshot was written.
	SavedAt time.Time `json:"saved_at"`
}

// Store is the abstract run persistence interface. The engine checkpoints
// through it on suspension and terminal transitions; callers load from it to
// resume after process restart.
//
// Implementations must be safe for concurrent use. Save overwrites any
// previous snapshot for the same run ID.
type Store interface {
	// Save persists the snapshot under its run ID.
	Save(ctx context.Context, runID string, snapshot Snapshot) error

	// Load retrieves the snapshot for a run ID, or ErrNotFound.
	Load(ctx context.Context, runID string) (Snapshot, error)
}
