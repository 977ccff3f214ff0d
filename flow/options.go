package flow

import (
	"log/slog"
	"time"

	"github.com/flowline-dev/flowline/flow/emit"
)

// Option customizes an Engine.
//
// Example:
//
//	engine := flow.New(
//	    store.NewMemStore(),
//	    flow.WithEmitter(emit.NewLogEmitter(os.Stdout, false)),
//	    flow.WithMaxConcurrent(4),
//	)
type Option func(*Engine)

// WithEmitter sets the observability emitter. Defaults to a NullEmitter.
// Combine backends with emit.Multi.
func WithEmitter(e emit.Emitter) Option {
	return func(eng *Engine) {
		if e != nil {
			eng.emitter = e
		}
	}
}

// WithMaxConcurrent bounds how many steps may execute at once within a run's
// Parallel and ForEach fan-outs.
//
// Default 1: strictly sequential, at most one in-flight step even for
// Parallel nodes. Raise for I/O-bound steps.
func WithMaxConcurrent(n int) Option {
	return func(eng *Engine) {
		if n > 0 {
			eng.maxConcurrent = n
		}
	}
}

// WithMetrics attaches a Prometheus metrics collector. Defaults to none.
func WithMetrics(m *Metrics) Option {
	return func(eng *Engine) {
		eng.metrics = m
	}
}

// WithLogger sets the structured logger for engine-internal diagnostics
// (store failures, subscriber panics). Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) {
		if l != nil {
			eng.logger = l
		}
	}
}

// WithClock injects a deterministic clock, primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(eng *Engine) {
		if clock != nil {
			eng.clock = clock
		}
	}
}
