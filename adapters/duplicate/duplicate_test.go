package duplicate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	transposer "github.com/joeycumines/go-transposer"
)

// scriptedUpstream replays a fixed sequence of polls, one per call,
// regardless of which channel asks; it is only ever driven through a
// single channel by Duplicate, so no per-channel behavior is needed.
type scriptedUpstream struct {
	polls []transposer.SourcePoll[int]
	next  int

	advanceCalls []int
}

func (u *scriptedUpstream) Poll(ctx context.Context, time int, sc transposer.SourceContext) (transposer.SourcePoll[int], error) {
	if u.next >= len(u.polls) {
		return transposer.SourcePoll[int]{Kind: transposer.PollPending}, nil
	}
	p := u.polls[u.next]
	u.next++
	return p, nil
}

func (u *scriptedUpstream) PollForget(ctx context.Context, time int, sc transposer.SourceContext) (transposer.SourcePoll[int], error) {
	return u.Poll(ctx, time, sc)
}

func (u *scriptedUpstream) PollEvents(ctx context.Context, time int, allWaker transposer.Waker) (transposer.SourcePoll[int], error) {
	return u.Poll(ctx, time, transposer.SourceContext{})
}

func (u *scriptedUpstream) Advance(ctx context.Context, time int) error {
	u.advanceCalls = append(u.advanceCalls, time)
	return nil
}

func (u *scriptedUpstream) ReleaseChannel(channel int) {}

func (u *scriptedUpstream) MaxChannel() int { return 0 }

func events(kind ...any) []transposer.SourcePoll[int] {
	out := make([]transposer.SourcePoll[int], 0, len(kind))
	for i, k := range kind {
		out = append(out, transposer.SourcePoll[int]{Kind: transposer.PollEvent, Event: k, EventTime: i})
	}
	return out
}

func TestDuplicatePollDrivesUpstreamOnceAndReplaysToEachChannel(t *testing.T) {
	up := &scriptedUpstream{polls: events("a", "b", "c")}
	d := New[int](up, 4)
	ctx := context.Background()

	// Channel 0 drives the upstream through all three events.
	for _, want := range []any{"a", "b", "c"} {
		p, err := d.Poll(ctx, 0, transposer.SourceContext{Channel: 0})
		require.NoError(t, err)
		require.Equal(t, transposer.PollEvent, p.Kind)
		require.Equal(t, want, p.Event)
	}
	require.Equal(t, 3, up.next, "upstream driven exactly once per event, regardless of subscriber count")

	// Channel 1 replays the same three events from the retained log,
	// without touching the upstream again.
	for _, want := range []any{"a", "b", "c"} {
		p, err := d.Poll(ctx, 0, transposer.SourceContext{Channel: 1})
		require.NoError(t, err)
		require.Equal(t, transposer.PollEvent, p.Kind)
		require.Equal(t, want, p.Event)
	}
	require.Equal(t, 3, up.next, "a lagging subscriber replays the log instead of re-driving upstream")
}

func TestDuplicateOutOfBoundsChannelRejected(t *testing.T) {
	up := &scriptedUpstream{}
	d := New[int](up, 1)
	_, err := d.Poll(context.Background(), 0, transposer.SourceContext{Channel: 5})
	var oob *transposer.OutOfBoundsChannelError
	require.ErrorAs(t, err, &oob)
}

func TestDuplicateRollbackPropagatesToLaggingChannels(t *testing.T) {
	up := &scriptedUpstream{polls: []transposer.SourcePoll[int]{
		{Kind: transposer.PollEvent, Event: "a", EventTime: 0},
		{Kind: transposer.PollEvent, Event: "b", EventTime: 1},
	}}
	d := New[int](up, 4)
	ctx := context.Background()

	// Channel 0 consumes both events; channel 1 replays both from the log.
	_, err := d.Poll(ctx, 0, transposer.SourceContext{Channel: 0})
	require.NoError(t, err)
	_, err = d.Poll(ctx, 0, transposer.SourceContext{Channel: 0})
	require.NoError(t, err)

	_, err = d.Poll(ctx, 0, transposer.SourceContext{Channel: 1})
	require.NoError(t, err)
	_, err = d.Poll(ctx, 0, transposer.SourceContext{Channel: 1})
	require.NoError(t, err)

	// The upstream now rolls back to time 1: the event at time 1 is
	// invalidated for every channel that had already consumed it.
	up.polls = append(up.polls, transposer.SourcePoll[int]{Kind: transposer.PollRollback, At: 1})
	p, err := d.Poll(ctx, 0, transposer.SourceContext{Channel: 0})
	require.NoError(t, err)
	require.Equal(t, transposer.PollRollback, p.Kind)
	require.Equal(t, 1, p.At)

	// Channel 1 must also observe the rollback on its next poll, even
	// though it never drove the upstream directly for it.
	p, err = d.Poll(ctx, 0, transposer.SourceContext{Channel: 1})
	require.NoError(t, err)
	require.Equal(t, transposer.PollRollback, p.Kind, "a subscriber that consumed a now-invalid event must see its own rollback")
}

func TestDuplicateReadyPassesThroughWithoutLogging(t *testing.T) {
	up := &scriptedUpstream{polls: []transposer.SourcePoll[int]{
		{Kind: transposer.PollReady, State: 42},
	}}
	d := New[int](up, 1)
	p, err := d.Poll(context.Background(), 0, transposer.SourceContext{Channel: 0})
	require.NoError(t, err)
	require.Equal(t, transposer.PollReady, p.Kind)
	require.Equal(t, 42, p.State)
}

func TestDuplicateAdvanceDelegatesAndTrimsLog(t *testing.T) {
	up := &scriptedUpstream{polls: events("a", "b")}
	d := New[int](up, 1)
	ctx := context.Background()

	_, err := d.Poll(ctx, 0, transposer.SourceContext{Channel: 0})
	require.NoError(t, err)
	_, err = d.Poll(ctx, 0, transposer.SourceContext{Channel: 0})
	require.NoError(t, err)

	require.NoError(t, d.Advance(ctx, 5))
	require.Equal(t, []int{5}, up.advanceCalls)
}

func TestDuplicateReleaseChannelForgetsPosition(t *testing.T) {
	up := &scriptedUpstream{polls: events("a")}
	d := New[int](up, 1)
	ctx := context.Background()

	_, err := d.Poll(ctx, 0, transposer.SourceContext{Channel: 0})
	require.NoError(t, err)

	d.ReleaseChannel(0)
	// A fresh channel under the same index is a brand new subscriber: it
	// replays from whatever of the log is still retained, same as a new
	// Multiplexer caller starting at the chain's base index rather than
	// its tip.
	p, err := d.Poll(ctx, 0, transposer.SourceContext{Channel: 0})
	require.NoError(t, err)
	require.Equal(t, transposer.PollEvent, p.Kind)
	require.Equal(t, "a", p.Event)
}

func TestDuplicateMaxChannel(t *testing.T) {
	d := New[int](&scriptedUpstream{}, 7)
	require.Equal(t, 7, d.MaxChannel())
}
