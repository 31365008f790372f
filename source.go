package transposer

import (
	"cmp"
	"context"
)

// Waker is invoked to signal that re-polling may now make progress. It
// must be safe to call from any goroutine, at any time — including
// re-entrantly from inside the poll call that registered it, and after
// the entity it was registered against has already finished.
type Waker func()

// SourceContext identifies the caller channel a poll is issued on and
// the wakers a Source should invoke when that channel (or any channel)
// might be able to make progress.
type SourceContext struct {
	// Channel is the caller-assigned channel index this poll is issued
	// on. Channels let independent callers share one upstream Source
	// without redundant work.
	Channel int

	// OneChannelWaker, if non-nil, is invoked when Channel specifically
	// might be able to make progress.
	OneChannelWaker Waker

	// AllChannelWaker, if non-nil, is invoked when any channel might be
	// able to make progress (typically: new input has arrived).
	AllChannelWaker Waker
}

// PollKind identifies the shape of a SourcePoll result.
type PollKind int

const (
	// PollPending means no new information is available yet; a
	// previously-registered waker will be invoked once there is.
	PollPending PollKind = iota
	// PollReady carries a fully-resolved output state.
	PollReady
	// PollScheduled carries an interpolated output state, plus the next
	// time at which the caller should re-poll to get a fresher one.
	PollScheduled
	// PollEvent carries a single output event, strictly ordered before
	// whatever the channel polls next.
	PollEvent
	// PollRollback announces that previously-delivered information at
	// or after At is no longer valid and must be discarded by the
	// caller.
	PollRollback
	// PollFinalize announces that no rollback can ever again affect
	// times at or before At.
	PollFinalize
)

// String returns the kind's name, for logging.
func (k PollKind) String() string {
	switch k {
	case PollPending:
		return "Pending"
	case PollReady:
		return "Ready"
	case PollScheduled:
		return "Scheduled"
	case PollEvent:
		return "Event"
	case PollRollback:
		return "Rollback"
	case PollFinalize:
		return "Finalize"
	default:
		return "Unknown"
	}
}

// SourcePoll is the result of a single Poll/PollForget/PollEvents call.
type SourcePoll[T cmp.Ordered] struct {
	Kind PollKind

	// State is valid for PollReady and PollScheduled.
	State any
	// NextTime is valid for PollScheduled: the earliest time at which
	// a fresher State might be available.
	NextTime T

	// Event and EventTime are valid for PollEvent.
	Event     any
	EventTime T

	// At is valid for PollRollback and PollFinalize.
	At T
}

// Source is the polling contract shared by every layer of the engine:
// the concrete Engine is a Source, and every adapter in the adapters
// package both consumes and produces one.
//
// Every method is safe to call concurrently for distinct channels; two
// calls naming the same channel must not overlap.
type Source[T cmp.Ordered] interface {
	// Poll requests the output state or next output event at time,
	// perhaps pulling input state from upstream in the process.
	Poll(ctx context.Context, time T, sc SourceContext) (SourcePoll[T], error)

	// PollForget is Poll, but additionally releases any retained state
	// strictly before time on this channel's behalf, once it returns
	// something other than PollPending.
	PollForget(ctx context.Context, time T, sc SourceContext) (SourcePoll[T], error)

	// PollEvents polls only for PollEvent/PollRollback/PollFinalize
	// results up to the caller's current watermark, without advancing
	// or requiring a target time. allWaker is invoked when further
	// progress might be possible.
	PollEvents(ctx context.Context, time T, allWaker Waker) (SourcePoll[T], error)

	// Advance informs the Source that no channel will ever again poll
	// at a time before time, allowing it to release retained state and
	// emit PollFinalize.
	Advance(ctx context.Context, time T) error

	// ReleaseChannel tells the Source that channel will no longer be
	// polled, freeing any per-channel bookkeeping.
	ReleaseChannel(channel int)

	// MaxChannel returns the highest valid channel index.
	MaxChannel() int
}
