package transposer

import (
	"cmp"
	"context"
	"math/rand/v2"
)

// Transposer is the user-supplied deterministic state machine driven by
// an Engine. Implementations must be safe to Clone: the engine routinely
// holds several independent generations of a Transposer at once, while
// speculatively resaturating steps for interpolation or rollback
// recovery.
//
// None of the methods below may depend on wall-clock time, goroutine
// scheduling order, map iteration order, or any other source of
// nondeterminism; the only permitted source of randomness is the RNG
// exposed through Context, which is itself deterministic given a seed.
type Transposer[T cmp.Ordered] interface {
	// Init mutates the Transposer from its constructed zero value. It
	// is called exactly once, at the engine's default (init) time,
	// before any input or scheduled event is processed.
	Init(ctx *Context[T]) error

	// HandleInput is called with every input sharing a single raw time,
	// already sorted into the order CompareInputs defines. Duplicates are
	// not removed: an input enqueued twice at the same time is passed
	// twice.
	HandleInput(ctx *Context[T], time T, inputs []any) error

	// HandleScheduled is called once per self-scheduled event, in
	// ScheduledTime order, with the payload originally passed to
	// Context.ScheduleEvent or Context.ScheduleEventExpireable.
	HandleScheduled(ctx *Context[T], time T, payload any) error

	// Interpolate produces a read-only output state at target from the
	// saturated step at base. target is at or after base, and at or
	// before the next step's time when a next step exists. It must not mutate
	// any state observable outside the call (no scheduling, no
	// emitting); ctx exists only to let it await input state.
	Interpolate(ctx *InterpolateContext[T], base, target T) (any, error)

	// CanHandle is a pure filter letting the multiplexer discard inputs
	// this Transposer has no interest in before they are ever buffered.
	CanHandle(time T, input any) bool

	// CompareInputs totally orders two inputs sharing a raw time, for
	// deterministic batching into HandleInput.
	CompareInputs(time T, a, b any) int

	// Clone returns an independent copy whose subsequent mutation never
	// affects the receiver.
	Clone() Transposer[T]
}

// Context is the capability surface passed to Init, HandleInput, and
// HandleScheduled (C3): scheduling and expiring self events, emitting
// output events, reading shared input state on demand, and drawing
// deterministic random numbers.
type Context[T cmp.Ordered] struct {
	metadata    *Metadata[T]
	parentIndex uint64
	emissionSeq *uint64
	inputState  *LazyInputState
	emit        func(payload any) error
	currentTime T
}

// CurrentTime returns the raw time this sub-step is running at.
func (c *Context[T]) CurrentTime() T { return c.currentTime }

// ScheduleEvent enqueues payload to fire when the Transposer's own
// timeline reaches at. It fails with ErrScheduleInPast if at is before
// CurrentTime; at equal to CurrentTime is allowed.
func (c *Context[T]) ScheduleEvent(at T, payload any) error {
	return c.metadata.ScheduleEvent(c.nextScheduledTime(at), payload)
}

// ScheduleEventExpireable is ScheduleEvent, additionally returning a
// handle that can later be passed to ExpireEvent to cancel it before it
// fires.
func (c *Context[T]) ScheduleEventExpireable(at T, payload any) (ExpireHandle, error) {
	st := c.nextScheduledTime(at)
	handle := nextExpireHandle()
	if err := c.metadata.ScheduleEventExpireable(st, payload, handle); err != nil {
		return 0, err
	}
	return handle, nil
}

func (c *Context[T]) nextScheduledTime(at T) ScheduledTime[T] {
	seq := *c.emissionSeq
	*c.emissionSeq++
	return ScheduledTime[T]{Raw: at, ParentIndex: c.parentIndex, EmissionIndex: seq}
}

// ExpireEvent removes a previously scheduled expireable event before it
// fires, returning the time and payload it was scheduled with.
func (c *Context[T]) ExpireEvent(handle ExpireHandle) (T, any, error) {
	return c.metadata.ExpireEvent(handle)
}

// EmitEvent delivers payload downstream as an output event. It blocks
// the calling sub-step's goroutine until the poller has acknowledged
// the emission, giving the engine strict backpressure: a Transposer
// that emits faster than it is polled simply stalls, rather than
// buffering unboundedly.
func (c *Context[T]) EmitEvent(payload any) error {
	return c.emit(payload)
}

// GetInputState returns the shared input state for this step, blocking
// the calling sub-step's goroutine (never the poller) until it has been
// fetched from upstream.
func (c *Context[T]) GetInputState(ctx context.Context) (any, error) {
	return c.inputState.Get(ctx)
}

// RNG returns this step's deterministic random source.
func (c *Context[T]) RNG() *rand.Rand { return c.metadata.RNG() }

// InterpolateContext is the read-only capability surface passed to
// Interpolate: it may await the shared input state, but has no access
// to scheduling, expiry, or emission.
type InterpolateContext[T cmp.Ordered] struct {
	inputState   *LazyInputState
	base, target T
}

// Base returns the time of the saturated step interpolation is running
// from.
func (c *InterpolateContext[T]) Base() T { return c.base }

// Target returns the time interpolation is producing output for.
func (c *InterpolateContext[T]) Target() T { return c.target }

// GetInputState returns the shared input state for this interpolation,
// blocking the calling goroutine (never the poller) until fetched.
func (c *InterpolateContext[T]) GetInputState(ctx context.Context) (any, error) {
	return c.inputState.Get(ctx)
}
