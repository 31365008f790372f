// Package duplicate fans a single upstream Source out to any number of
// independent subscriber channels, driving the upstream only through
// one underlying channel regardless of how many subscribers are
// attached.
//
// This is the rollback-aware broadcast the core engine deliberately
// does not provide on its own: a Multiplexer's channels each drive the
// shared step chain independently, which is cheap because saturating a
// step is itself shared work, but an upstream Source with expensive
// per-channel state (a duplicate package's own intended use: wrapping
// another Duplicate, or any Source whose per-channel bookkeeping is not
// free) benefits from being driven through a single channel and having
// its result log replayed to every subscriber.
package duplicate

import (
	"cmp"
	"context"
	"sync"

	transposer "github.com/joeycumines/go-transposer"
	"github.com/joeycumines/go-transposer/internal/waker"
)

// logEntry is one upstream PollEvent, retained so late-arriving
// subscriber channels can replay it.
type logEntry[T cmp.Ordered] struct {
	time  T
	event any
}

// channelState is the per-subscriber bookkeeping kept by Duplicate.
type channelState[T cmp.Ordered] struct {
	cursor int

	pendingRollback bool
	rollbackAt      T
}

// Duplicate wraps an upstream Source, presenting the same Source
// contract to any number of subscriber channels while driving the
// upstream through exactly one internal channel.
type Duplicate[T cmp.Ordered] struct {
	mu sync.Mutex

	upstream        transposer.Source[T]
	upstreamChannel int
	upstreamWaker   waker.Stack

	log     []logEntry[T]
	logBase int // log[0] corresponds to this many events already dropped

	channels   map[int]*channelState[T]
	maxChannel int
}

// New wraps upstream so it may be fanned out to maxChannel+1
// independent subscriber channels, each reading the same underlying
// event log. An upstream rollback reaches only the subscribers that had
// already read an entry it invalidates; a finalize is returned only to
// the subscriber whose poll received it.
func New[T cmp.Ordered](upstream transposer.Source[T], maxChannel int) *Duplicate[T] {
	return &Duplicate[T]{
		upstream:   upstream,
		channels:   make(map[int]*channelState[T]),
		maxChannel: maxChannel,
	}
}

// channel returns idx's bookkeeping, creating it positioned at the
// start of whatever log is still retained: a freshly-attached
// subscriber replays every event no channel has yet advanced past,
// the same way a new Multiplexer caller channel starts at the step
// chain's base index rather than its tip.
func (d *Duplicate[T]) channel(idx int) *channelState[T] {
	ch, ok := d.channels[idx]
	if !ok {
		ch = &channelState[T]{cursor: d.logBase}
		d.channels[idx] = ch
	}
	return ch
}

// Poll implements transposer.Source.
func (d *Duplicate[T]) Poll(ctx context.Context, time T, sc transposer.SourceContext) (transposer.SourcePoll[T], error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pollLocked(ctx, time, sc)
}

// PollForget is Poll: Duplicate retains its full log regardless, since
// any subscriber channel may still be lagging behind another.
func (d *Duplicate[T]) PollForget(ctx context.Context, time T, sc transposer.SourceContext) (transposer.SourcePoll[T], error) {
	return d.Poll(ctx, time, sc)
}

func (d *Duplicate[T]) pollLocked(ctx context.Context, time T, sc transposer.SourceContext) (transposer.SourcePoll[T], error) {
	if sc.Channel < 0 || sc.Channel > d.maxChannel {
		return transposer.SourcePoll[T]{}, &transposer.OutOfBoundsChannelError{Channel: sc.Channel, Max: d.maxChannel}
	}
	ch := d.channel(sc.Channel)

	if ch.pendingRollback {
		ch.pendingRollback = false
		return transposer.SourcePoll[T]{Kind: transposer.PollRollback, At: ch.rollbackAt}, nil
	}

	if idx := ch.cursor - d.logBase; idx < len(d.log) {
		entry := d.log[idx]
		ch.cursor++
		return transposer.SourcePoll[T]{Kind: transposer.PollEvent, Event: entry.event, EventTime: entry.time}, nil
	}

	poll, err := d.upstream.Poll(ctx, time, transposer.SourceContext{
		Channel:         d.upstreamChannel,
		OneChannelWaker: d.upstreamWaker.Fire,
		AllChannelWaker: d.upstreamWaker.Fire,
	})
	if err != nil {
		return transposer.SourcePoll[T]{}, err
	}

	switch poll.Kind {
	case transposer.PollEvent:
		d.log = append(d.log, logEntry[T]{time: poll.EventTime, event: poll.Event})
		ch.cursor++
		d.upstreamWaker.Push(sc.AllChannelWaker)
		return poll, nil
	case transposer.PollRollback:
		d.truncate(poll.At)
		d.rollbackOthers(sc.Channel, poll.At)
		return poll, nil
	case transposer.PollFinalize:
		return poll, nil
	case transposer.PollPending:
		d.upstreamWaker.Push(sc.OneChannelWaker)
		d.upstreamWaker.Push(sc.AllChannelWaker)
		return poll, nil
	default: // PollReady, PollScheduled
		return poll, nil
	}
}

// truncate drops every logged event at or after at, mirroring a
// rollback against the core engine's own step chain: entries after a
// rollback point can never be validly replayed to a late subscriber.
func (d *Duplicate[T]) truncate(at T) {
	cut := len(d.log)
	for i, entry := range d.log {
		if cmp.Compare(entry.time, at) >= 0 {
			cut = i
			break
		}
	}
	d.log = d.log[:cut]
}

// rollbackOthers flags every channel other than except that had
// consumed a now-truncated entry to surface a PollRollback the next
// time it is polled; except has already received the rollback directly
// as this call's own return value. A channel that never consumed
// anything past the rollback point needs no rollback of its own.
func (d *Duplicate[T]) rollbackOthers(except int, at T) {
	logLen := d.logBase + len(d.log)
	for idx, ch := range d.channels {
		stale := ch.cursor > logLen
		if stale {
			ch.cursor = logLen
		}
		if idx == except || !stale {
			continue
		}
		if !ch.pendingRollback || cmp.Compare(at, ch.rollbackAt) < 0 {
			ch.rollbackAt = at
			ch.pendingRollback = true
		}
	}
}

// PollEvents implements transposer.Source: it replays the same shared
// log as Poll, without ever driving the upstream toward a State.
func (d *Duplicate[T]) PollEvents(ctx context.Context, time T, allWaker transposer.Waker) (transposer.SourcePoll[T], error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ch := d.channel(-1)
	if ch.pendingRollback {
		ch.pendingRollback = false
		return transposer.SourcePoll[T]{Kind: transposer.PollRollback, At: ch.rollbackAt}, nil
	}
	if idx := ch.cursor - d.logBase; idx < len(d.log) {
		entry := d.log[idx]
		ch.cursor++
		return transposer.SourcePoll[T]{Kind: transposer.PollEvent, Event: entry.event, EventTime: entry.time}, nil
	}

	poll, err := d.upstream.PollEvents(ctx, time, d.upstreamWaker.Fire)
	if err != nil {
		return transposer.SourcePoll[T]{}, err
	}
	switch poll.Kind {
	case transposer.PollEvent:
		d.log = append(d.log, logEntry[T]{time: poll.EventTime, event: poll.Event})
		ch.cursor++
		return poll, nil
	case transposer.PollRollback:
		d.truncate(poll.At)
		d.rollbackOthers(-1, poll.At)
		return poll, nil
	case transposer.PollPending:
		d.upstreamWaker.Push(allWaker)
		return poll, nil
	default:
		return poll, nil
	}
}

// Advance implements transposer.Source, propagating to the upstream
// and trimming the log of entries no channel can still be lagging
// behind on.
func (d *Duplicate[T]) Advance(ctx context.Context, time T) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.upstream.Advance(ctx, time); err != nil {
		return err
	}
	floor := d.logBase + len(d.log)
	for _, ch := range d.channels {
		if ch.cursor < floor {
			floor = ch.cursor
		}
	}
	if drop := floor - d.logBase; drop > 0 {
		d.log = d.log[drop:]
		d.logBase = floor
	}
	return nil
}

// ReleaseChannel implements transposer.Source.
func (d *Duplicate[T]) ReleaseChannel(channel int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.channels, channel)
}

// MaxChannel implements transposer.Source.
func (d *Duplicate[T]) MaxChannel() int { return d.maxChannel }
