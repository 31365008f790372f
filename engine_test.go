package transposer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// drivePollEngineUntilSettled mirrors drivePollUntilSettled but against
// the public Engine facade, exercised by these tests instead of the
// internal Multiplexer directly.
func drivePollEngineUntilSettled(t *testing.T, e *Engine[int], time int, sc SourceContext) ([]any, SourcePoll[int]) {
	t.Helper()
	ctx := context.Background()
	var events []any
	for i := 0; i < 100000; i++ {
		poll, err := e.Poll(ctx, time, sc)
		require.NoError(t, err)
		switch poll.Kind {
		case PollPending:
			continue
		case PollEvent:
			events = append(events, poll.Event)
			continue
		case PollRollback:
			continue
		default:
			return events, poll
		}
	}
	t.Fatal("drivePollEngineUntilSettled: exceeded retry budget")
	return nil, SourcePoll[int]{}
}

func TestNewEngineDrivesTicksThroughPoll(t *testing.T) {
	e := NewEngine[int](&tickTransposer{}, -1, 1, 2)
	events, final := drivePollEngineUntilSettled(t, e, 3, SourceContext{Channel: 0})
	require.Equal(t, []any{0, 1, 2}, events)
	require.Equal(t, PollReady, final.Kind)
	require.Equal(t, 3, final.State)
}

func TestNewEngineEnqueueInputReachesTransposer(t *testing.T) {
	e := NewEngine[int](&tickTransposer{}, -1, 1, 2)
	e.EnqueueInput(10, 5)

	events, final := drivePollEngineUntilSettled(t, e, 11, SourceContext{Channel: 0})
	// Ticks 0-9 fire normally; the buffered input at t=10 wins its tie
	// against the tick already pending there, bumping Count by 5 (to 15)
	// with no emission of its own before cascading into that same tick
	// within the same step, which emits the now-inflated count.
	require.Equal(t, []any{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 15}, events)
	require.Equal(t, PollReady, final.Kind)
	require.Equal(t, 16, final.State, "the tick scheduled for exactly t=11 is deferred to a strictly later poll")
}

func TestEngineMaxChannelReflectsOption(t *testing.T) {
	e := NewEngine[int](&tickTransposer{}, -1, 1, 2, WithMaxChannel[int](10))
	require.Equal(t, 10, e.MaxChannel())
}

func TestEngineMetricsZeroWithoutOptIn(t *testing.T) {
	e := NewEngine[int](&tickTransposer{}, -1, 1, 2)
	_, _ = drivePollEngineUntilSettled(t, e, 3, SourceContext{Channel: 0})
	snap := e.Metrics()
	require.Zero(t, snap.StepsSaturated, "metrics stay all-zero unless WithMetrics(true) is set")
}

func TestEngineMetricsCountActivityWhenEnabled(t *testing.T) {
	e := NewEngine[int](&tickTransposer{}, -1, 1, 2, WithMetrics[int](true))
	_, _ = drivePollEngineUntilSettled(t, e, 3, SourceContext{Channel: 0})
	snap := e.Metrics()
	require.NotZero(t, snap.StepsSaturated)
	require.NotZero(t, snap.EventsEmitted)
}

func TestEngineCloseIsAlwaysNil(t *testing.T) {
	e := NewEngine[int](&tickTransposer{}, -1, 1, 2)
	require.NoError(t, e.Close())
}

func TestEngineReleaseChannelDoesNotPanic(t *testing.T) {
	e := NewEngine[int](&tickTransposer{}, -1, 1, 2)
	_, _ = drivePollEngineUntilSettled(t, e, 1, SourceContext{Channel: 0})
	require.NotPanics(t, func() { e.ReleaseChannel(0) })
}

func TestEngineAdvanceDelegatesToMultiplexer(t *testing.T) {
	e := NewEngine[int](&tickTransposer{}, -1, 1, 2)
	_, final := drivePollEngineUntilSettled(t, e, 2, SourceContext{Channel: 0})
	require.Equal(t, PollReady, final.Kind)
	require.NoError(t, e.Advance(context.Background(), 2))

	_, err := e.Poll(context.Background(), 1, SourceContext{Channel: 0})
	var advErr *PollAfterAdvanceError[int]
	require.ErrorAs(t, err, &advErr)
}

// upstreamInputSource is a minimal Source fixture used to verify that
// an Engine built with NewEngineFromSource polls cleanly against an
// upstream Source; the test below gives it no events to deliver.
type upstreamInputSource struct {
	events []any
	next   int
}

func (u *upstreamInputSource) Poll(ctx context.Context, time int, sc SourceContext) (SourcePoll[int], error) {
	if u.next < len(u.events) {
		ev := u.events[u.next]
		u.next++
		return SourcePoll[int]{Kind: PollEvent, Event: ev}, nil
	}
	return SourcePoll[int]{Kind: PollReady, State: time}, nil
}

func (u *upstreamInputSource) PollForget(ctx context.Context, time int, sc SourceContext) (SourcePoll[int], error) {
	return u.Poll(ctx, time, sc)
}

func (u *upstreamInputSource) PollEvents(ctx context.Context, time int, allWaker Waker) (SourcePoll[int], error) {
	return u.Poll(ctx, time, SourceContext{})
}

func (u *upstreamInputSource) Advance(ctx context.Context, time int) error { return nil }

func (u *upstreamInputSource) ReleaseChannel(channel int) {}

func (u *upstreamInputSource) MaxChannel() int { return 1 }

func TestNewEngineFromSourceAcceptsUpstream(t *testing.T) {
	upstream := &upstreamInputSource{}
	e := NewEngineFromSource[int](&tickTransposer{}, -1, 1, 2, upstream)
	require.NotNil(t, e)
	_, final := drivePollEngineUntilSettled(t, e, 1, SourceContext{Channel: 0})
	require.Equal(t, PollReady, final.Kind)
}
