package transposer

import "cmp"

type subStepKind int8

const (
	subStepInit subStepKind = iota
	subStepInput
	subStepScheduled
)

// SubStepOutcome is the result of a single, non-blocking poll of a
// sub-step in flight.
type SubStepOutcome int8

const (
	// SubStepPending means the sub-step's goroutine has not yet
	// produced an emission or a result; poll again later. No waker is
	// registered for the goroutine's progress.
	SubStepPending SubStepOutcome = iota
	// SubStepEmitted means the sub-step called EmitEvent; the event is
	// available and must be acknowledged via ack before polling again.
	SubStepEmitted
	// SubStepReady means the sub-step's Transposer callback has
	// returned.
	SubStepReady
)

type emission struct {
	payload any
	ack     chan struct{}
}

type subStepResult[T cmp.Ordered] struct {
	transposer Transposer[T]
	metadata   *Metadata[T]
	err        error
}

// subStep drives exactly one Transposer callback (init, input, or
// scheduled) to completion on a dedicated goroutine, relaying emitted
// events back through a capacity-1 channel so the poller controls
// exactly when the callback is allowed to proceed past each EmitEvent
// call.
type subStep[T cmp.Ordered] struct {
	kind    subStepKind
	time    SubStepTime[T]
	inputs  []any
	payload any

	inputState *LazyInputState
	swallow    int
	remaining  int

	outCh  chan emission
	doneCh chan subStepResult[T]

	pendingAck chan struct{}
	started    bool
	drained    bool
}

func newSubStep[T cmp.Ordered](kind subStepKind, t SubStepTime[T], swallow int, inputState *LazyInputState) *subStep[T] {
	return &subStep[T]{
		kind:       kind,
		time:       t,
		swallow:    swallow,
		inputState: inputState,
		outCh:      make(chan emission, 1),
		doneCh:     make(chan subStepResult[T], 1),
	}
}

// start spawns the sub-step's goroutine. It must be called at most
// once; it sets metadata's LastUpdated to the sub-step's time itself
// before the goroutine runs.
func (s *subStep[T]) start(wrapped Transposer[T], metadata *Metadata[T], parentIndex uint64) {
	if s.started {
		panic("transposer: sub-step started twice")
	}
	s.started = true

	metadata.setLastUpdated(s.time)

	var emissionSeq uint64
	s.remaining = s.swallow

	emit := func(payload any) error {
		if s.remaining > 0 {
			s.remaining--
			return nil
		}
		ack := make(chan struct{})
		s.outCh <- emission{payload: payload, ack: ack}
		<-ack
		return nil
	}

	ctx := &Context[T]{
		metadata:    metadata,
		parentIndex: parentIndex,
		emissionSeq: &emissionSeq,
		inputState:  s.inputState,
		emit:        emit,
		currentTime: s.time.Raw,
	}

	kind, inputs, payload := s.kind, s.inputs, s.payload
	go func() {
		var err error
		switch kind {
		case subStepInit:
			err = wrapped.Init(ctx)
		case subStepInput:
			err = wrapped.HandleInput(ctx, ctx.currentTime, inputs)
		case subStepScheduled:
			err = wrapped.HandleScheduled(ctx, ctx.currentTime, payload)
		}
		s.doneCh <- subStepResult[T]{transposer: wrapped, metadata: metadata, err: err}
	}()
}

// poll checks the sub-step once, without blocking.
func (s *subStep[T]) poll() (SubStepOutcome, any, subStepResult[T]) {
	if s.drained {
		return SubStepReady, nil, subStepResult[T]{}
	}
	select {
	case em := <-s.outCh:
		s.pendingAck = em.ack
		return SubStepEmitted, em.payload, subStepResult[T]{}
	case res := <-s.doneCh:
		s.drained = true
		return SubStepReady, nil, res
	default:
		return SubStepPending, nil, subStepResult[T]{}
	}
}

// swallowRemaining returns how much of this sub-step's replay-swallow
// budget went unused. A cascaded sub-step starting at the same raw time
// inherits this, rather than the step's live (already-incremented)
// EventCount, so it only swallows the portion of a prior saturation's
// output it hasn't already been credited for.
func (s *subStep[T]) swallowRemaining() int { return s.remaining }

// ack acknowledges the most recently emitted event, unblocking the
// sub-step's goroutine so it can proceed past its EmitEvent call. It
// must be called exactly once per SubStepEmitted outcome, before the
// next poll.
func (s *subStep[T]) ack() {
	if s.pendingAck != nil {
		close(s.pendingAck)
		s.pendingAck = nil
	}
}
