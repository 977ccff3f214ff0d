package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func sampleSnapshot(runID, status string) Snapshot {
	return Snapshot{
		RunID:        runID,
		WorkflowID:   "wf",
		Status:       status,
		InitialInput: map[string]any{"a": 5.0},
		StepResults:  map[string]any{"add": map[string]any{"value": 8.0}},
		CurrentPath:  []string{"add"},
		SavedAt:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

// conformance exercises the Store contract against any implementation.
func conformance(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("load missing returns ErrNotFound", func(t *testing.T) {
		_, err := st.Load(ctx, "missing")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("save and load round-trip", func(t *testing.T) {
		want := sampleSnapshot("run-001", "suspended")
		want.Suspended = []string{"approval"}
		want.SuspendedPath = "approval"
		want.SuspendPayloads = map[string]any{"approval": map[string]any{"reason": "needs sign-off"}}

		if err := st.Save(ctx, "run-001", want); err != nil {
			t.Fatalf("Save: %v", err)
		}
		got, err := st.Load(ctx, "run-001")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if got.RunID != want.RunID || got.WorkflowID != want.WorkflowID || got.Status != want.Status {
			t.Errorf("identity fields mismatch: %+v", got)
		}
		if len(got.Suspended) != 1 || got.Suspended[0] != "approval" {
			t.Errorf("suspended list mismatch: %v", got.Suspended)
		}
		if len(got.CurrentPath) != 1 || got.CurrentPath[0] != "add" {
			t.Errorf("path mismatch: %v", got.CurrentPath)
		}
	})

	t.Run("save overwrites", func(t *testing.T) {
		if err := st.Save(ctx, "run-002", sampleSnapshot("run-002", "suspended")); err != nil {
			t.Fatalf("Save: %v", err)
		}
		if err := st.Save(ctx, "run-002", sampleSnapshot("run-002", "completed")); err != nil {
			t.Fatalf("Save overwrite: %v", err)
		}
		got, err := st.Load(ctx, "run-002")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if got.Status != "completed" {
			t.Errorf("expected overwritten status completed, got %s", got.Status)
		}
	})
}

func TestMemStore(t *testing.T) {
	conformance(t, NewMemStore())

	t.Run("delete", func(t *testing.T) {
		ctx := context.Background()
		m := NewMemStore()
		if err := m.Save(ctx, "run-003", sampleSnapshot("run-003", "completed")); err != nil {
			t.Fatalf("Save: %v", err)
		}
		if err := m.Delete(ctx, "run-003"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := m.Load(ctx, "run-003"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
		if err := m.Delete(ctx, "never-existed"); err != nil {
			t.Errorf("Delete of absent run should not error, got %v", err)
		}
	})
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	st, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer st.Close()

	conformance(t, st)

	t.Run("snapshot survives reopen", func(t *testing.T) {
		ctx := context.Background()
		if err := st.Save(ctx, "run-durable", sampleSnapshot("run-durable", "suspended")); err != nil {
			t.Fatalf("Save: %v", err)
		}
		if err := st.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}

		reopened, err := NewSQLiteStore(path)
		if err != nil {
			t.Fatalf("reopen: %v", err)
		}
		defer reopened.Close()

		got, err := reopened.Load(ctx, "run-durable")
		if err != nil {
			t.Fatalf("Load after reopen: %v", err)
		}
		if got.Status != "suspended" {
			t.Errorf("expected suspended, got %s", got.Status)
		}
	})
}
