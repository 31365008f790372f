package transposer

import (
	"cmp"
	"context"
	"sort"
	"sync"

	"github.com/joeycumines/go-transposer/internal/waker"
)

const eventsOnlyChannel = -1

// Multiplexer is the channel-oriented polling surface in front of a
// StepChain (C5): it lets any number of independent callers, each
// identified by a channel index, pull output state and events from one
// shared timeline without redundant saturation work, and folds their
// positions into a single retention floor for the chain's eviction
// policy.
//
// Multiplexer itself implements Source, so an Engine built from one
// composes transparently with the rest of the package.
type Multiplexer[T cmp.Ordered] struct {
	mu sync.Mutex

	chain    *StepChain[T]
	upstream Source[T]

	channels   map[int]*channelState[T]
	maxChannel int

	// upstreamFree/upstreamNext are the free-list backing per-blocker
	// upstream channel assignment: a caller channel only holds an
	// upstream channel while it actually has a request in flight against
	// upstream (see fetchInputState), and releases it back here the
	// moment that request resolves, so two blocked callers never share
	// the same upstream channel.
	upstreamFree []int
	upstreamNext int

	upstreamWaker waker.Stack

	advancedWatermark T
	hasAdvanced       bool

	metrics *Metrics
	logger  *Logger
}

// NewMultiplexer builds a Multiplexer over chain, pulling input state
// and input events from upstream (which may be nil if the chain's
// inputs are pushed directly via StepChain.EnqueueInput and its
// Transposer never calls GetInputState).
func NewMultiplexer[T cmp.Ordered](chain *StepChain[T], upstream Source[T], maxChannel int, metrics *Metrics, logger *Logger) *Multiplexer[T] {
	if logger == nil {
		logger = defaultLogger
	}
	return &Multiplexer[T]{
		chain:      chain,
		upstream:   upstream,
		channels:   make(map[int]*channelState[T]),
		maxChannel: maxChannel,
		metrics:    metrics,
		logger:     logger,
	}
}

// Poll implements Source.
func (m *Multiplexer[T]) Poll(ctx context.Context, time T, sc SourceContext) (SourcePoll[T], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pollLocked(ctx, time, sc, false)
}

// PollForget implements Source.
func (m *Multiplexer[T]) PollForget(ctx context.Context, time T, sc SourceContext) (SourcePoll[T], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pollLocked(ctx, time, sc, true)
}

func (m *Multiplexer[T]) pollLocked(ctx context.Context, time T, sc SourceContext, forget bool) (SourcePoll[T], error) {
	if sc.Channel < 0 || sc.Channel > m.maxChannel {
		return SourcePoll[T]{}, &OutOfBoundsChannelError{Channel: sc.Channel, Max: m.maxChannel}
	}
	if m.hasAdvanced && cmp.Compare(time, m.advancedWatermark) < 0 {
		return SourcePoll[T]{}, &PollAfterAdvanceError[T]{Requested: time, Advanced: m.advancedWatermark}
	}
	if cmp.Compare(time, m.chain.DefaultTime()) < 0 {
		return SourcePoll[T]{}, &PollBeforeDefaultError[T]{Requested: time, Default: m.chain.DefaultTime()}
	}

	if err := m.pollUpstream(ctx, time); err != nil {
		return SourcePoll[T]{}, err
	}

	ch := m.channel(sc.Channel)
	poll, err := m.driveChannel(ctx, ch, time, sc)
	if err != nil {
		return SourcePoll[T]{}, err
	}

	if poll.Kind == PollPending {
		m.upstreamWaker.Push(sc.OneChannelWaker)
		m.upstreamWaker.Push(sc.AllChannelWaker)
	} else if forget {
		m.raiseFloorAndAdvance()
	}

	return poll, nil
}

// PollEvents implements Source.
func (m *Multiplexer[T]) PollEvents(ctx context.Context, time T, allWaker Waker) (SourcePoll[T], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.pollUpstream(ctx, time); err != nil {
		return SourcePoll[T]{}, err
	}

	ch := m.channel(eventsOnlyChannel)
	poll, err := m.driveEventsOnly(ctx, ch, time)
	if err != nil {
		return SourcePoll[T]{}, err
	}
	if poll.Kind == PollPending {
		m.upstreamWaker.Push(allWaker)
	}
	return poll, nil
}

// Advance implements Source: it records time as the new watermark
// (rejecting future polls before it), propagates to the upstream
// Source if any, and runs the retention policy.
func (m *Multiplexer[T]) Advance(ctx context.Context, time T) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.upstream != nil {
		if err := m.upstream.Advance(ctx, time); err != nil {
			return err
		}
	}
	if !m.hasAdvanced || cmp.Compare(time, m.advancedWatermark) > 0 {
		m.advancedWatermark = time
		m.hasAdvanced = true
	}
	m.raiseFloorAndAdvance()
	return nil
}

// ReleaseChannel implements Source.
func (m *Multiplexer[T]) ReleaseChannel(channel int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[channel]; ok {
		m.releaseUpstreamChannelFor(ch)
		delete(m.channels, channel)
		m.metrics.incChannelReleased()
	}
	m.raiseFloorAndAdvance()
}

// MaxChannel implements Source.
func (m *Multiplexer[T]) MaxChannel() int { return m.maxChannel }

// EnqueueInput buffers input to be consumed by a future input step. If
// time is at or before the chain's current tip, the input can no longer
// be folded in by simply appending a step: instead the chain is rolled
// back to time first, and every channel whose position was invalidated
// is flagged to surface a PollRollback on its next poll.
func (m *Multiplexer[T]) EnqueueInput(time T, input any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cmp.Compare(time, m.chain.Tip().Time()) <= 0 {
		m.chain.Rollback(time)
		m.rollbackChannels(time)
	}
	m.chain.EnqueueInput(time, input)
}

func (m *Multiplexer[T]) channel(idx int) *channelState[T] {
	ch, ok := m.channels[idx]
	if !ok {
		ch = newChannelState[T](m.chain.BaseIndex())
		m.channels[idx] = ch
		m.metrics.incChannelOpened()
	}
	return ch
}

func (m *Multiplexer[T]) poison(ch *channelState[T], err error) {
	m.releaseUpstreamChannelFor(ch)
	ch.kind = channelPoisoned
	ch.poisonedErr = err
}

// acquireUpstreamChannel returns the lowest currently-unused upstream
// channel index, minting a new one only once the free-list is empty.
func (m *Multiplexer[T]) acquireUpstreamChannel() int {
	if len(m.upstreamFree) > 0 {
		sort.Ints(m.upstreamFree)
		c := m.upstreamFree[0]
		m.upstreamFree = m.upstreamFree[1:]
		return c
	}
	c := m.upstreamNext
	m.upstreamNext++
	return c
}

// releaseUpstreamChannel returns c to the free-list, so a future blocker
// reuses it instead of growing the upstream's channel space forever.
func (m *Multiplexer[T]) releaseUpstreamChannel(c int) {
	m.upstreamFree = append(m.upstreamFree, c)
}

// releaseUpstreamChannelFor releases the upstream channel ch currently
// holds, if any. Called once ch's SourceState resolves (or the caller
// channel itself goes away), per spec.md's "one source channel per
// blocker" invariant: a channel only ever holds an upstream channel
// while it actually has a request in flight.
func (m *Multiplexer[T]) releaseUpstreamChannelFor(ch *channelState[T]) {
	if ch.hasUpstreamChannel {
		m.releaseUpstreamChannel(ch.upstreamChannel)
		ch.hasUpstreamChannel = false
	}
}

// pollUpstream drains every immediately-available event from the
// upstream Source into the chain's pending-input buffer, applying any
// rollback signal (finalize signals are drained and take no local
// action), before this poll does any of its own
// chain advancement -- resolving interleaving ambiguity by always
// folding new upstream information in first.
func (m *Multiplexer[T]) pollUpstream(ctx context.Context, time T) error {
	if m.upstream == nil {
		return nil
	}
	template := m.chain.Template()
	for {
		poll, err := m.upstream.PollEvents(ctx, time, m.upstreamWaker.Fire)
		if err != nil {
			return err
		}
		switch poll.Kind {
		case PollEvent:
			if template.CanHandle(poll.EventTime, poll.Event) {
				m.chain.EnqueueInput(poll.EventTime, poll.Event)
			}
		case PollRollback:
			m.chain.Rollback(poll.At)
			m.rollbackChannels(poll.At)
		case PollFinalize:
			// No local action: our own retention watermark only moves
			// via explicit Advance/PollForget calls from our callers.
		default:
			return nil
		}
	}
}

func (m *Multiplexer[T]) rollbackChannels(at T) {
	tipIdx := m.chain.TipIndex()
	tip := m.chain.Tip()
	for _, ch := range m.channels {
		affected := ch.stepIndex > tipIdx || (ch.stepIndex == tipIdx && ch.eventCursor > len(tip.Events()))
		if !affected {
			continue
		}
		if !ch.hasRollbackAt || cmp.Compare(at, ch.rollbackAt) < 0 {
			ch.rollbackAt = at
			ch.hasRollbackAt = true
		}
		m.releaseUpstreamChannelFor(ch)
		ch.pendingRollback = true
		ch.stepIndex = tipIdx
		ch.eventCursor = len(tip.Events())
		ch.kind = channelFree
		ch.interp = nil
	}
}

func (m *Multiplexer[T]) raiseFloorAndAdvance() {
	floor := m.chain.TipIndex()
	for _, ch := range m.channels {
		if ch.stepIndex < floor {
			floor = ch.stepIndex
		}
	}
	m.chain.RaiseRetainedFloor(floor)
	m.chain.Advance()
}

// fetchInputState asks the upstream Source for ch's current state at
// time, on an upstream channel allocated exclusively to ch for the
// duration of this SourceState: acquired lazily on the first call that
// actually needs one, released the moment state becomes available (or
// the request errors), so at most one caller channel ever blocks on any
// given upstream channel at a time. has is false when no state is
// available yet (upstream is pending), distinct from an
// available-but-nil state.
func (m *Multiplexer[T]) fetchInputState(ctx context.Context, ch *channelState[T], time T) (state any, has bool, err error) {
	if m.upstream == nil {
		return nil, false, nil
	}
	if !ch.hasUpstreamChannel {
		ch.upstreamChannel = m.acquireUpstreamChannel()
		ch.hasUpstreamChannel = true
	}
	poll, err := m.upstream.Poll(ctx, time, SourceContext{
		Channel:         ch.upstreamChannel,
		OneChannelWaker: m.upstreamWaker.Fire,
		AllChannelWaker: m.upstreamWaker.Fire,
	})
	if err != nil {
		m.releaseUpstreamChannelFor(ch)
		return nil, false, err
	}
	switch poll.Kind {
	case PollReady, PollScheduled:
		m.releaseUpstreamChannelFor(ch)
		return poll.State, true, nil
	default:
		return nil, false, nil
	}
}

// driveChannel advances ch as far as it can toward time, returning the
// first PollEvent/PollRollback it encounters along the way, or the
// (possibly provisional) state at time once there is nothing left
// blocking it but upstream state or chain progress.
func (m *Multiplexer[T]) driveChannel(ctx context.Context, ch *channelState[T], time T, sc SourceContext) (SourcePoll[T], error) {
	if ch.kind == channelPoisoned {
		return SourcePoll[T]{}, &ChannelPoisonedError{Channel: sc.Channel, Cause: ch.poisonedErr}
	}

	if ch.pendingRollback {
		ch.pendingRollback = false
		at := ch.rollbackAt
		ch.hasRollbackAt = false
		return SourcePoll[T]{Kind: PollRollback, At: at}, nil
	}

	if ch.kind == channelInterpolating {
		return m.pollInterpolation(ctx, ch, sc)
	}

	for {
		step, ok := m.chain.At(ch.stepIndex)
		if !ok {
			panic("transposer: channel position evicted below retained floor")
		}

		if ch.eventCursor < len(step.Events()) {
			ev := step.Events()[ch.eventCursor]
			ch.eventCursor++
			return SourcePoll[T]{Kind: PollEvent, Event: ev, EventTime: step.Time()}, nil
		}

		switch step.Status() {
		case StepSaturating:
			outcome, err := step.Poll()
			if err != nil {
				m.poison(ch, err)
				return SourcePoll[T]{}, err
			}
			if outcome == SubStepPending {
				if step.NeedsState() {
					state, has, err := m.fetchInputState(ctx, ch, step.Time())
					if err != nil {
						m.poison(ch, err)
						return SourcePoll[T]{}, err
					}
					if !has {
						return SourcePoll[T]{Kind: PollPending}, nil
					}
					if _, err := step.ProvideInputState(state); err != nil && err != ErrAlreadySet {
						m.poison(ch, err)
						return SourcePoll[T]{}, err
					}
					continue
				}
				// No longer blocked on upstream state (another channel
				// may have resolved it for this shared step): give up
				// whatever upstream channel we'd been holding.
				m.releaseUpstreamChannelFor(ch)
				return SourcePoll[T]{Kind: PollPending}, nil
			}
			if outcome == SubStepEmitted {
				m.metrics.incEmitted()
			} else {
				m.metrics.incSaturated()
			}
			m.releaseUpstreamChannelFor(ch)
			continue

		case StepSaturated:
			// A step that reached Saturated can never need state again;
			// if ch was still holding an upstream channel from a
			// request another channel ended up resolving first, give
			// it back now.
			m.releaseUpstreamChannelFor(ch)
			c := cmp.Compare(step.Time(), time)
			if c == 0 {
				return m.beginInterpolation(ctx, ch, sc, step, time, true)
			}
			if c > 0 {
				prev, ok := m.chain.At(step.Index - 1)
				if !ok || prev.Status() != StepSaturated {
					panic("transposer: no saturated predecessor to interpolate from")
				}
				return m.beginInterpolation(ctx, ch, sc, prev, time, true)
			}

			// Only advance into whatever comes next if its own time is
			// also strictly before the requested time: a tick landing at
			// or after it is left for a later, larger poll to discover,
			// and this poll settles for a final interpolation from step
			// (nothing can intervene before time regardless). If another
			// channel already created that next step, ride it instead of
			// re-deciding via NextUnsaturated (which only makes sense
			// against the actual tip).
			if existing, ok := m.chain.At(step.Index + 1); ok {
				if cmp.Compare(existing.Time(), time) >= 0 {
					return m.beginInterpolation(ctx, ch, sc, step, time, true)
				}
				if existing.Status() == StepUnsaturated {
					// Retention desaturated it while we were deciding to
					// ride into it. It isn't the tip, so NextUnsaturated/
					// SaturateTipClone don't apply: resaturate it in
					// place from step, its still-Saturated predecessor.
					if err := existing.SaturateClone(step); err != nil {
						m.poison(ch, err)
						return SourcePoll[T]{}, err
					}
				}
				ch.stepIndex = existing.Index
				ch.eventCursor = 0
				continue
			}

			next, ok := m.chain.NextUnsaturated()
			if !ok {
				return m.beginInterpolation(ctx, ch, sc, step, time, false)
			}
			if cmp.Compare(next.Time(), time) >= 0 {
				return m.beginInterpolation(ctx, ch, sc, step, time, true)
			}
			if err := m.chain.SaturateTipClone(); err != nil {
				m.poison(ch, err)
				return SourcePoll[T]{}, err
			}
			ch.stepIndex = next.Index
			ch.eventCursor = 0
			continue

		default: // StepUnsaturated: must be the tip.
			//
			// The retention floor is always <= every open channel's own
			// position (raiseFloorAndAdvance takes the min over them), so
			// eviction never touches a step at or after this channel's
			// index; an Unsaturated step reached here can only be a fresh
			// placeholder this channel itself must kick off.
			if step.Index != m.chain.TipIndex() {
				panic("transposer: unsaturated step found mid-chain")
			}
			if err := m.chain.SaturateTipClone(); err != nil {
				m.poison(ch, err)
				return SourcePoll[T]{}, err
			}
			continue
		}
	}
}

func (m *Multiplexer[T]) beginInterpolation(ctx context.Context, ch *channelState[T], sc SourceContext, base *Step[T], target T, final bool) (SourcePoll[T], error) {
	ch.kind = channelInterpolating
	ch.interp = base.Interpolate(target)
	ch.interpBase = base.Time()
	ch.interpAt = target
	ch.interpFinal = final
	return m.pollInterpolation(ctx, ch, sc)
}

func (m *Multiplexer[T]) pollInterpolation(ctx context.Context, ch *channelState[T], sc SourceContext) (SourcePoll[T], error) {
	outcome, res := ch.interp.poll()
	if outcome == SubStepPending {
		if ch.interp.NeedsState() {
			state, has, err := m.fetchInputState(ctx, ch, ch.interpAt)
			if err != nil {
				m.poison(ch, err)
				return SourcePoll[T]{}, err
			}
			if !has {
				return SourcePoll[T]{Kind: PollPending}, nil
			}
			if _, err := ch.interp.ProvideInputState(state); err != nil && err != ErrAlreadySet {
				m.poison(ch, err)
				return SourcePoll[T]{}, err
			}
			return m.pollInterpolation(ctx, ch, sc)
		}
		m.releaseUpstreamChannelFor(ch)
		return SourcePoll[T]{Kind: PollPending}, nil
	}
	m.releaseUpstreamChannelFor(ch)
	if res.err != nil {
		m.poison(ch, res.err)
		return SourcePoll[T]{}, res.err
	}

	ch.kind = channelFree
	ch.interp = nil

	if ch.interpFinal {
		return SourcePoll[T]{Kind: PollReady, State: res.state}, nil
	}
	return SourcePoll[T]{Kind: PollScheduled, State: res.state, NextTime: ch.interpAt}, nil
}

// driveEventsOnly is driveChannel restricted to the PollEvent/
// PollRollback surface PollEvents is allowed to return: it never starts
// an interpolation, stopping at PollPending instead once it has caught
// up to time.
func (m *Multiplexer[T]) driveEventsOnly(ctx context.Context, ch *channelState[T], time T) (SourcePoll[T], error) {
	if ch.pendingRollback {
		ch.pendingRollback = false
		at := ch.rollbackAt
		ch.hasRollbackAt = false
		return SourcePoll[T]{Kind: PollRollback, At: at}, nil
	}

	for {
		step, ok := m.chain.At(ch.stepIndex)
		if !ok {
			panic("transposer: events-only channel position evicted below retained floor")
		}

		if ch.eventCursor < len(step.Events()) {
			ev := step.Events()[ch.eventCursor]
			ch.eventCursor++
			return SourcePoll[T]{Kind: PollEvent, Event: ev, EventTime: step.Time()}, nil
		}

		switch step.Status() {
		case StepSaturating:
			outcome, err := step.Poll()
			if err != nil {
				return SourcePoll[T]{}, err
			}
			if outcome == SubStepPending {
				if step.NeedsState() {
					state, has, err := m.fetchInputState(ctx, ch, step.Time())
					if err != nil {
						return SourcePoll[T]{}, err
					}
					if !has {
						return SourcePoll[T]{Kind: PollPending}, nil
					}
					if _, err := step.ProvideInputState(state); err != nil && err != ErrAlreadySet {
						return SourcePoll[T]{}, err
					}
					continue
				}
				m.releaseUpstreamChannelFor(ch)
				return SourcePoll[T]{Kind: PollPending}, nil
			}
			if outcome == SubStepEmitted {
				m.metrics.incEmitted()
			} else {
				m.metrics.incSaturated()
			}
			m.releaseUpstreamChannelFor(ch)
			continue

		case StepSaturated:
			m.releaseUpstreamChannelFor(ch)
			if cmp.Compare(step.Time(), time) >= 0 {
				return SourcePoll[T]{Kind: PollPending}, nil
			}

			if existing, ok := m.chain.At(step.Index + 1); ok {
				if cmp.Compare(existing.Time(), time) >= 0 {
					return SourcePoll[T]{Kind: PollPending}, nil
				}
				if existing.Status() == StepUnsaturated {
					// See driveChannel: a step can be desaturated by
					// retention after we chose to ride it but before we
					// get here, and it isn't the tip.
					if err := existing.SaturateClone(step); err != nil {
						return SourcePoll[T]{}, err
					}
				}
				ch.stepIndex = existing.Index
				ch.eventCursor = 0
				continue
			}

			next, ok := m.chain.NextUnsaturated()
			if !ok {
				return SourcePoll[T]{Kind: PollPending}, nil
			}
			if cmp.Compare(next.Time(), time) >= 0 {
				return SourcePoll[T]{Kind: PollPending}, nil
			}
			if err := m.chain.SaturateTipClone(); err != nil {
				return SourcePoll[T]{}, err
			}
			ch.stepIndex = next.Index
			ch.eventCursor = 0
			continue

		default:
			if step.Index != m.chain.TipIndex() {
				panic("transposer: unsaturated step found mid-chain")
			}
			if err := m.chain.SaturateTipClone(); err != nil {
				return SourcePoll[T]{}, err
			}
			continue
		}
	}
}
