package transposer

import "cmp"

// interpolation drives a single Transposer.Interpolate call to
// completion on its own goroutine, the same shape as subStep but
// without scheduling, expiry, or emission: Interpolate is read-only, so
// the only thing it can block on is awaiting input state.
type interpolation[T cmp.Ordered] struct {
	inputState *LazyInputState
	doneCh     chan interpolationResult

	started bool
	drained bool
}

type interpolationResult struct {
	state any
	err   error
}

func newInterpolation[T cmp.Ordered]() *interpolation[T] {
	return &interpolation[T]{
		inputState: NewLazyInputState(),
		doneCh:     make(chan interpolationResult, 1),
	}
}

// NeedsState reports whether the interpolation has awaited input state
// that has not yet been provided.
func (p *interpolation[T]) NeedsState() bool {
	return p.inputState.Requested() && !p.inputState.Fulfilled()
}

// ProvideInputState fulfills the interpolation's input-state request.
func (p *interpolation[T]) ProvideInputState(v any) (any, error) {
	return p.inputState.Set(v)
}

func (p *interpolation[T]) start(t Transposer[T], base, target T) {
	if p.started {
		panic("transposer: interpolation started twice")
	}
	p.started = true

	ctx := &InterpolateContext[T]{
		inputState: p.inputState,
		base:       base,
		target:     target,
	}

	go func() {
		state, err := t.Interpolate(ctx, base, target)
		p.doneCh <- interpolationResult{state: state, err: err}
	}()
}

// poll checks whether the interpolation has finished, without blocking.
func (p *interpolation[T]) poll() (SubStepOutcome, interpolationResult) {
	if p.drained {
		return SubStepReady, interpolationResult{}
	}
	select {
	case res := <-p.doneCh:
		p.drained = true
		return SubStepReady, res
	default:
		return SubStepPending, interpolationResult{}
	}
}
