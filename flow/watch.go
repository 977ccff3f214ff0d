package flow

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/flowline-dev/flowline/flow/emit"
)

// watcherHub delivers events synchronously to live subscribers registered
// via Engine.Watch. Subscribers that join late receive only future events;
// committed history is readable from a BufferedEmitter or the run snapshot.
type watcherHub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(emit.Event)
	logger *slog.Logger
}

func newWatcherHub(logger *slog.Logger) *watcherHub {
	return &watcherHub{subs: make(map[int]func(emit.Event)), logger: logger}
}

// subscribe registers a callback and returns its unsubscribe function.
// Unsubscribing twice is harmless.
func (h *watcherHub) subscribe(cb func(emit.Event)) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = cb
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// deliver invokes every subscriber in registration order. A panicking
// subscriber is logged and skipped; it must not crash the run.
func (h *watcherHub) deliver(ev emit.Event) {
	h.mu.RLock()
	ids := make([]int, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	// Map iteration order is random; deliver in registration order.
	sort.Ints(ids)
	cbs := make([]func(emit.Event), 0, len(ids))
	for _, id := range ids {
		cbs = append(cbs, h.subs[id])
	}
	h.mu.RUnlock()

	for _, cb := range cbs {
		h.safeCall(cb, ev)
	}
}

func (h *watcherHub) safeCall(cb func(emit.Event), ev emit.Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("watch subscriber panicked",
				slog.String("run_id", ev.RunID),
				slog.Any("panic", r))
		}
	}()
	cb(ev)
}
