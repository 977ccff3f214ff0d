package emit

import "sync"

// BufferedEmitter stores every event in memory, organized per run. It is the
// readable committed log: subscribers that join a run late can read history
// from here instead of expecting replayed deliveries.
//
// Events within a run are stored in emission order, which the engine
// guarantees to be causal order.
//
// All events are held until cleared; long-lived processes should Clear
// finished runs.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit appends the event to its run's history.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.RunID] = append(b.events[event.RunID], event)
}

// History returns a copy of the run's committed event log in order.
func (b *BufferedEmitter) History(runID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := b.events[runID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// HistoryFilter selects a subset of a run's history. Zero-value fields are
// ignored; set fields combine with AND.
type HistoryFilter struct {
	// Type restricts to one event type.
	Type EventType

	// StepID restricts to one step's events.
	StepID string

	// Status restricts to transitions into one status.
	Status string
}

// HistoryWithFilter returns the run's events matching the filter, in order.
func (b *BufferedEmitter) HistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, ev := range b.events[runID] {
		if filter.Type != "" && ev.Type != filter.Type {
			continue
		}
		if filter.StepID != "" && ev.StepID != filter.StepID {
			continue
		}
		if filter.Status != "" && ev.Status != filter.Status {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Clear removes one run's history, or every run's when runID is empty.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if runID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, runID)
}
