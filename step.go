package transposer

import (
	"cmp"
	"sync/atomic"
)

// StepStatus is the saturation lifecycle of a Step (C4).
type StepStatus int8

const (
	// StepUnsaturated steps carry no Transposer state; they exist only
	// as a placeholder in the chain, known by time/kind but not yet
	// driven.
	StepUnsaturated StepStatus = iota
	// StepSaturating steps have a sub-step in flight.
	StepSaturating
	// StepSaturated steps hold a fully up-to-date Transposer and
	// Metadata, ready to be desaturated, taken, or interpolated from.
	StepSaturated
)

// String returns the status's name, for logging.
func (s StepStatus) String() string {
	switch s {
	case StepUnsaturated:
		return "Unsaturated"
	case StepSaturating:
		return "Saturating"
	case StepSaturated:
		return "Saturated"
	default:
		return "Unknown"
	}
}

type stepKind int8

const (
	stepKindInit stepKind = iota
	stepKindInput
	stepKindScheduled
)

// wrappedTransposer pairs a user Transposer with its Metadata; the pair
// moves between Steps as a unit via take or clone.
type wrappedTransposer[T cmp.Ordered] struct {
	transposer Transposer[T]
	metadata   *Metadata[T]
}

func (w *wrappedTransposer[T]) clone() *wrappedTransposer[T] {
	return &wrappedTransposer[T]{
		transposer: w.transposer.Clone(),
		metadata:   w.metadata.Clone(),
	}
}

// Step is one node of the timeline (C4): either the distinguished init
// step, an input step processing a batch of inputs sharing a raw time,
// or a scheduled step processing one self-scheduled event. A Step may
// internally drive more than one sub-step, when scheduled events
// cascade at the exact same raw time as the one it started at.
type Step[T cmp.Ordered] struct {
	// Index is this step's position in its StepChain, assigned once at
	// construction and never reused.
	Index uint64

	kind        stepKind
	time        T
	inputs      []any
	scheduledAt ScheduledTime[T]

	status     StepStatus
	wrapped    *wrappedTransposer[T]
	active     *subStep[T]
	inputState *LazyInputState
	eventCount int

	// events is the append-only log of every payload this step has
	// emitted across its lifetime. Every channel that has reached this
	// step replays from this log via its own cursor, rather than
	// re-driving the underlying sub-step, so one Step safely serves any
	// number of independent callers.
	events []any

	subIndexCounter *atomic.Uint64
}

func newInitStep[T cmp.Ordered](counter *atomic.Uint64) *Step[T] {
	return &Step[T]{
		kind:            stepKindInit,
		status:          StepUnsaturated,
		inputState:      NewLazyInputState(),
		subIndexCounter: counter,
	}
}

func newInputStep[T cmp.Ordered](index uint64, time T, inputs []any, counter *atomic.Uint64) *Step[T] {
	return &Step[T]{
		Index:           index,
		kind:            stepKindInput,
		time:            time,
		inputs:          inputs,
		status:          StepUnsaturated,
		inputState:      NewLazyInputState(),
		subIndexCounter: counter,
	}
}

func newScheduledStep[T cmp.Ordered](index uint64, at ScheduledTime[T], counter *atomic.Uint64) *Step[T] {
	return &Step[T]{
		Index:           index,
		kind:            stepKindScheduled,
		time:            at.Raw,
		scheduledAt:     at,
		status:          StepUnsaturated,
		inputState:      NewLazyInputState(),
		subIndexCounter: counter,
	}
}

// Time returns the step's raw time.
func (s *Step[T]) Time() T { return s.time }

// Status returns the step's current saturation status.
func (s *Step[T]) Status() StepStatus { return s.status }

// EventCount returns the number of output events this step has emitted
// and had acknowledged so far, across its lifetime (including any prior
// desaturate/resaturate cycles).
func (s *Step[T]) EventCount() int { return s.eventCount }

// SaturateInit starts saturating the distinguished init step: it
// constructs the Transposer's initial Metadata from scratch, starts Init
// on a sub-step goroutine and leaves the step Saturating. Poll then
// drives Init (followed by any events scheduled at the default time) to
// completion.
func (s *Step[T]) SaturateInit(fresh Transposer[T], defaultTime T, seed1, seed2 uint64) error {
	if s.kind != stepKindInit {
		panic("transposer: SaturateInit on a non-init step")
	}
	if s.status != StepUnsaturated {
		return ErrAlreadySaturating
	}
	s.time = defaultTime
	s.status = StepSaturating
	s.wrapped = &wrappedTransposer[T]{
		transposer: fresh,
		metadata:   NewMetadata[T](defaultTime, seed1, seed2),
	}
	s.beginSubStep(subStepInit, nil, nil, s.eventCount)
	return nil
}

// SaturateTake saturates s by moving prev's wrapped Transposer out of
// prev, leaving prev Unsaturated. prev must be Saturated.
func (s *Step[T]) SaturateTake(prev *Step[T]) error {
	if prev.status != StepSaturated {
		return ErrPreviousNotSaturated
	}
	if s.status != StepUnsaturated {
		return ErrAlreadySaturating
	}
	w := prev.wrapped
	prev.wrapped = nil
	prev.status = StepUnsaturated
	return s.saturateWith(w)
}

// SaturateClone saturates s by cloning prev's wrapped Transposer,
// leaving prev untouched. prev must be Saturated.
func (s *Step[T]) SaturateClone(prev *Step[T]) error {
	if prev.status != StepSaturated {
		return ErrPreviousNotSaturated
	}
	if s.status != StepUnsaturated {
		return ErrAlreadySaturating
	}
	return s.saturateWith(prev.wrapped.clone())
}

func (s *Step[T]) saturateWith(w *wrappedTransposer[T]) error {
	s.status = StepSaturating
	s.wrapped = w
	switch s.kind {
	case stepKindInput:
		s.beginSubStep(subStepInput, s.inputs, nil, s.eventCount)
	case stepKindScheduled:
		_, payload, ok := s.wrapped.metadata.PopFirstEvent()
		if !ok {
			panic("transposer: scheduled step has no pending scheduled event to pop")
		}
		s.beginSubStep(subStepScheduled, nil, payload, s.eventCount)
	default:
		panic("transposer: saturateWith on an init step")
	}
	return nil
}

// beginSubStep starts a new sub-step, swallowing the first swallow
// emissions it produces rather than delivering them. swallow must be the
// count of this step's previously-recorded events not yet accounted for
// by an earlier sub-step of the current saturation attempt: the first
// sub-step of an attempt is seeded with s.eventCount itself (the step's
// full replay budget), while a same-raw-time cascade must be seeded with
// whatever its predecessor didn't already consume (see Poll), not the
// live s.eventCount, which the predecessor's own deliveries may have
// since moved on from.
func (s *Step[T]) beginSubStep(kind subStepKind, inputs []any, payload any, swallow int) {
	idx := s.subIndexCounter.Add(1)
	t := SubStepTime[T]{Raw: s.time, Index: idx}
	sub := newSubStep[T](kind, t, swallow, s.inputState)
	sub.inputs = inputs
	sub.payload = payload
	sub.start(s.wrapped.transposer, s.wrapped.metadata, idx)
	s.active = sub
}

// Poll drives the step's in-flight sub-step(s). It returns
// Events are logged as they occur (see Step.events) and acknowledged
// immediately, rather than handed back for the caller to Ack: any
// number of independent channels may be replaying this step's log
// concurrently with Poll continuing to drive it forward, so delivery is
// decoupled from driving.
//
// Poll returns SubStepEmitted right after logging an event (callers
// should re-poll promptly to keep driving the sub-step forward), or
// SubStepReady (with err set on failure) once the step is fully
// Saturated, or SubStepPending if no further progress can be made
// without an external wakeup.
func (s *Step[T]) Poll() (SubStepOutcome, error) {
	if s.status != StepSaturating {
		return SubStepReady, ErrNotSaturated
	}
	outcome, payload, res := s.active.poll()
	switch outcome {
	case SubStepPending:
		return SubStepPending, nil
	case SubStepEmitted:
		s.events = append(s.events, payload)
		s.eventCount++
		s.active.ack()
		return SubStepEmitted, nil
	default: // SubStepReady
		if res.err != nil {
			return SubStepReady, res.err
		}
		s.wrapped.transposer = res.transposer
		s.wrapped.metadata = res.metadata

		if next, ok := s.wrapped.metadata.NextScheduledTime(); ok && cmp.Compare(next.Raw, s.time) == 0 {
			_, cascadePayload, _ := s.wrapped.metadata.PopFirstEvent()
			// The cascade's swallow budget is whatever the outgoing
			// sub-step didn't itself consume, not the live s.eventCount:
			// that field only reflects emissions actually delivered
			// through Poll, so reading it here would charge the cascade
			// for an emission that was never its own.
			s.beginSubStep(subStepScheduled, nil, cascadePayload, s.active.swallowRemaining())
			return s.Poll()
		}

		s.status = StepSaturated
		return SubStepReady, nil
	}
}

// Events returns the log of every payload emitted so far. The returned
// slice must not be mutated; it may grow on a subsequent Poll.
func (s *Step[T]) Events() []any { return s.events }

// NeedsState reports whether the in-flight sub-step has awaited input
// state that has not yet been provided.
func (s *Step[T]) NeedsState() bool {
	return s.inputState.Requested() && !s.inputState.Fulfilled()
}

// ProvideInputState fulfills the in-flight sub-step's (or a prior one
// sharing this step's cache's) input-state request.
func (s *Step[T]) ProvideInputState(v any) (any, error) {
	return s.inputState.Set(v)
}

// Take removes and returns the wrapped Transposer, leaving s
// Unsaturated. s must be Saturated.
func (s *Step[T]) Take() *wrappedTransposer[T] {
	if s.status != StepSaturated {
		panic("transposer: Take on a non-Saturated step")
	}
	w := s.wrapped
	s.wrapped = nil
	s.status = StepUnsaturated
	return w
}

// Desaturate discards the wrapped Transposer without returning it,
// leaving s Unsaturated (but retaining EventCount, so a future
// resaturation still knows how many emissions to swallow on replay).
func (s *Step[T]) Desaturate() {
	if s.status != StepSaturated {
		panic("transposer: Desaturate on a non-Saturated step")
	}
	s.wrapped = nil
	s.status = StepUnsaturated
}

// Peek returns the wrapped Transposer without removing it, or nil if s
// is not Saturated.
func (s *Step[T]) Peek() *wrappedTransposer[T] {
	if s.status != StepSaturated {
		return nil
	}
	return s.wrapped
}

// Interpolate starts a read-only interpolation from this (Saturated)
// step's time to target, running against a throwaway clone so the
// step's own Saturated state is untouched.
func (s *Step[T]) Interpolate(target T) *interpolation[T] {
	if s.status != StepSaturated {
		panic("transposer: Interpolate requires a Saturated step")
	}
	clone := s.wrapped.clone()
	interp := newInterpolation[T]()
	interp.start(clone.transposer, s.time, target)
	return interp
}
