// Package realtime drives a Source[int64] against the wall clock,
// turning its own idea of "when next to poll" into an actual sleep
// instead of a busy-poll loop.
//
// The core engine never touches a clock; everything it does is driven
// by a caller-supplied Time value. This package is the thin bridge for
// callers who do want wall-clock-paced output, translating
// nanoseconds-since-a-reference-instant Time values to and from
// time.Time, and sleeping on a time.Timer between polls rather than
// spinning.
package realtime

import (
	"context"
	"time"

	transposer "github.com/joeycumines/go-transposer"
)

// Clock maps wall-clock instants to the int64 nanosecond-since-reference
// Time values a Driver polls its Source with.
type Clock struct {
	reference time.Time
}

// NewClock builds a Clock whose Time value 0 corresponds to reference.
func NewClock(reference time.Time) Clock { return Clock{reference: reference} }

// Now returns the current Time value.
func (c Clock) Now() int64 { return int64(time.Since(c.reference)) }

// At returns the wall-clock instant corresponding to t.
func (c Clock) At(t int64) time.Time { return c.reference.Add(time.Duration(t)) }

// Driver polls a Source[int64] on behalf of a single channel, pacing
// itself against wall-clock time instead of re-polling immediately.
type Driver struct {
	source transposer.Source[int64]
	clock  Clock
}

// New builds a Driver polling source against clock.
func New(source transposer.Source[int64], clock Clock) *Driver {
	return &Driver{source: source, clock: clock}
}

// Run polls the Driver's Source on channel in a loop, invoking handle
// with every PollEvent/PollReady/PollScheduled/PollRollback/PollFinalize
// result it observes. A PollScheduled result's NextTime becomes a
// deadline Run sleeps until (or wakes early from, via the Source's own
// waker); PollPending waits only for a wakeup, since the Source hasn't
// named a time it'll next be worth trying.
//
// Run returns when ctx is done, when the Source returns an error, or
// as soon as handle returns false.
func (d *Driver) Run(ctx context.Context, channel int, handle func(transposer.SourcePoll[int64]) bool) error {
	wake := make(chan struct{}, 1)
	notify := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	sc := transposer.SourceContext{Channel: channel, OneChannelWaker: notify, AllChannelWaker: notify}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		poll, err := d.source.Poll(ctx, d.clock.Now(), sc)
		if err != nil {
			return err
		}

		switch poll.Kind {
		case transposer.PollPending:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wake:
			}
		case transposer.PollScheduled:
			if !handle(poll) {
				return nil
			}
			if err := d.sleepUntil(ctx, wake, poll.NextTime); err != nil {
				return err
			}
		default:
			if !handle(poll) {
				return nil
			}
		}
	}
}

func (d *Driver) sleepUntil(ctx context.Context, wake <-chan struct{}, at int64) error {
	wait := d.clock.At(at).Sub(time.Now())
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
	case <-timer.C:
	}
	return nil
}
