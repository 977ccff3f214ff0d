package store

import (
	"context"
	"sync"
)

// MemStore is an in-memory Store.
//
// Designed for testing, development, and single-process workflows where
// durability across restarts is not required. Thread-safe.
type MemStore struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{snapshots: make(map[string]Snapshot)}
}

// Save stores the snapshot, replacing any previous one for the run.
func (m *MemStore) Save(_ context.Context, runID string, snapshot Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[runID] = snapshot
	return nil
}

// Load returns the stored snapshot or ErrNotFound.
func (m *MemStore) Load(_ context.Context, runID string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[runID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snap, nil
}

// Delete removes a run's snapshot. Absent runs are not an error.
func (m *MemStore) Delete(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, runID)
	return nil
}
