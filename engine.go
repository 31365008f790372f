package transposer

import (
	"cmp"
	"context"
)

// Engine assembles a StepChain and a Multiplexer into a single concrete
// Source: constructing one from a Transposer implementation is the
// normal entry point into this package.
//
// An Engine with no upstream Source only ever observes input pushed
// directly via EnqueueInput; wrap an upstream Source with
// NewEngineFromSource to let the Transposer also pull input state and
// consume externally-sourced input events.
type Engine[T cmp.Ordered] struct {
	mux *Multiplexer[T]
}

// NewEngine constructs an Engine driven purely by input enqueued via
// EnqueueInput, with no upstream Source to pull input state or input
// events from.
func NewEngine[T cmp.Ordered](initial Transposer[T], defaultTime T, seed1, seed2 uint64, options ...EngineOption[T]) *Engine[T] {
	return NewEngineFromSource[T](initial, defaultTime, seed1, seed2, nil, options...)
}

// NewEngineFromSource constructs an Engine that also pulls input state
// and input events from upstream.
func NewEngineFromSource[T cmp.Ordered](initial Transposer[T], defaultTime T, seed1, seed2 uint64, upstream Source[T], options ...EngineOption[T]) *Engine[T] {
	cfg := resolveEngineOptions[T](options)
	metrics := &Metrics{enabled: cfg.metricsEnabled}
	chain := NewStepChain[T](initial, defaultTime, seed1, seed2, cfg.checkpointBudget, metrics, cfg.logger)
	mux := NewMultiplexer[T](chain, upstream, cfg.maxChannel, metrics, cfg.logger)
	return &Engine[T]{mux: mux}
}

// EnqueueInput buffers an input event to be consumed by a future input
// step, ordered among any other input sharing its raw time by the
// Transposer's own CompareInputs.
func (e *Engine[T]) EnqueueInput(time T, input any) {
	e.mux.EnqueueInput(time, input)
}

// Poll implements Source.
func (e *Engine[T]) Poll(ctx context.Context, time T, sc SourceContext) (SourcePoll[T], error) {
	return e.mux.Poll(ctx, time, sc)
}

// PollForget implements Source.
func (e *Engine[T]) PollForget(ctx context.Context, time T, sc SourceContext) (SourcePoll[T], error) {
	return e.mux.PollForget(ctx, time, sc)
}

// PollEvents implements Source.
func (e *Engine[T]) PollEvents(ctx context.Context, time T, allWaker Waker) (SourcePoll[T], error) {
	return e.mux.PollEvents(ctx, time, allWaker)
}

// Advance implements Source.
func (e *Engine[T]) Advance(ctx context.Context, time T) error {
	return e.mux.Advance(ctx, time)
}

// ReleaseChannel implements Source.
func (e *Engine[T]) ReleaseChannel(channel int) {
	e.mux.ReleaseChannel(channel)
}

// MaxChannel implements Source.
func (e *Engine[T]) MaxChannel() int { return e.mux.MaxChannel() }

// Metrics returns a snapshot of the engine's internal counters. It is
// always safe to call; the snapshot reads as all-zero when the engine
// was constructed without WithMetrics(true).
func (e *Engine[T]) Metrics() Snapshot { return e.mux.metrics.Snapshot() }

// Close releases resources held by the engine. There is currently
// nothing to release beyond what garbage collection already reclaims;
// Close exists so callers can defer it unconditionally without needing
// to know whether a future version introduces something that does.
func (e *Engine[T]) Close() error { return nil }
