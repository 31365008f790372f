package transposer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// driveTipToSaturated saturates whatever step is currently the chain's
// tip by cloning its predecessor, and polls it to completion. The tip
// must not be the init step (NewStepChain already starts it; tests
// finish it with pollStepUntilReady).
func driveTipToSaturated(t *testing.T, c *StepChain[int]) {
	t.Helper()
	require.NoError(t, c.SaturateTipClone())
	for i := 0; i < 100000; i++ {
		outcome, err := c.Tip().Poll()
		require.NoError(t, err)
		if outcome == SubStepReady {
			return
		}
	}
	t.Fatal("driveTipToSaturated: exceeded retry budget")
}

func TestStepChainNewChainSaturatesInit(t *testing.T) {
	c := NewStepChain[int](&scriptedTransposer{}, 0, 1, 2, 4, nil, nil)
	require.Equal(t, StepSaturating, c.Tip().Status(), "NewStepChain starts Init; polling finishes it")
	require.NoError(t, pollStepUntilReady(t, c.Tip()))
	require.Equal(t, StepSaturated, c.Tip().Status())
	require.Equal(t, uint64(0), c.TipIndex())
	require.Equal(t, uint64(0), c.BaseIndex())
}

func TestStepChainNextUnsaturatedPrefersInputOnTie(t *testing.T) {
	c := NewStepChain[int](&scriptedTransposer{}, 0, 1, 2, 4, nil, nil)
	require.NoError(t, pollStepUntilReady(t, c.Tip()))
	c.EnqueueInput(1, "input-at-1")

	// Schedule a self-event at the same raw time as the buffered input:
	// the input must win the tie.
	require.NoError(t, c.Tip().wrapped.metadata.ScheduleEvent(ScheduledTime[int]{Raw: 1}, "sched-at-1"))

	next, ok := c.NextUnsaturated()
	require.True(t, ok)
	require.Equal(t, stepKindInput, next.kind)
}

func TestStepChainNextUnsaturatedFallsBackToSchedule(t *testing.T) {
	c := NewStepChain[int](&scriptedTransposer{}, 0, 1, 2, 4, nil, nil)
	require.NoError(t, pollStepUntilReady(t, c.Tip()))
	require.NoError(t, c.Tip().wrapped.metadata.ScheduleEvent(ScheduledTime[int]{Raw: 3}, "sched"))

	next, ok := c.NextUnsaturated()
	require.True(t, ok)
	require.Equal(t, stepKindScheduled, next.kind)
	require.Equal(t, 3, next.Time())
}

func TestStepChainNextUnsaturatedFalseWhenTipNotSaturated(t *testing.T) {
	c := NewStepChain[int](&scriptedTransposer{}, 0, 1, 2, 4, nil, nil)
	require.NoError(t, pollStepUntilReady(t, c.Tip()))
	c.EnqueueInput(1, "x")
	_, ok := c.NextUnsaturated()
	require.True(t, ok)
	// Tip is now the freshly-appended, Unsaturated input step.
	_, ok = c.NextUnsaturated()
	require.False(t, ok)
}

func TestStepChainAtOutOfRange(t *testing.T) {
	c := NewStepChain[int](&scriptedTransposer{}, 0, 1, 2, 4, nil, nil)
	_, ok := c.At(5)
	require.False(t, ok)
	_, ok = c.At(0)
	require.True(t, ok)
}

func TestStepChainRollbackTruncatesAndDropsPendingInputs(t *testing.T) {
	c := NewStepChain[int](&scriptedTransposer{}, 0, 1, 2, 4, nil, nil)
	require.NoError(t, pollStepUntilReady(t, c.Tip()))
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Tip().wrapped.metadata.ScheduleEvent(ScheduledTime[int]{Raw: i + 1}, nil))
		_, ok := c.NextUnsaturated()
		require.True(t, ok)
		driveTipToSaturated(t, c)
	}
	require.Equal(t, uint64(3), c.TipIndex())

	c.EnqueueInput(10, "future-input")
	c.Rollback(2)

	require.Equal(t, uint64(1), c.TipIndex(), "rollback lands on the latest step strictly before 2")
	_, hasPending := c.PeekNextInputTime()
	require.False(t, hasPending, "pending input at or after the rollback point is discarded")
}

func TestStepChainRollbackNeverPassesInitStep(t *testing.T) {
	c := NewStepChain[int](&scriptedTransposer{}, 0, 1, 2, 4, nil, nil)
	require.NoError(t, pollStepUntilReady(t, c.Tip()))
	c.Rollback(-100)
	require.Equal(t, uint64(0), c.TipIndex())
}

func TestStepChainRollbackPanicsOnInFlightStep(t *testing.T) {
	c := NewStepChain[int](&scriptedTransposer{}, 0, 1, 2, 4, nil, nil)
	require.NoError(t, pollStepUntilReady(t, c.Tip()))
	require.NoError(t, c.Tip().wrapped.metadata.ScheduleEvent(ScheduledTime[int]{Raw: 1}, nil))
	_, ok := c.NextUnsaturated()
	require.True(t, ok)
	require.NoError(t, c.SaturateTipClone())
	// Tip is now Saturating (its sub-step goroutine is in flight).
	require.Panics(t, func() { c.Rollback(0) })
}

func TestStepChainAdvanceEvictsUnderRetentionPolicy(t *testing.T) {
	c := NewStepChain[int](&scriptedTransposer{}, 0, 1, 2, 2, nil, nil)
	require.NoError(t, pollStepUntilReady(t, c.Tip()))
	for i := 0; i < 6; i++ {
		require.NoError(t, c.Tip().wrapped.metadata.ScheduleEvent(ScheduledTime[int]{Raw: i + 1}, nil))
		_, ok := c.NextUnsaturated()
		require.True(t, ok)
		driveTipToSaturated(t, c)
	}

	step0, ok := c.At(0)
	require.True(t, ok)

	c.RaiseRetainedFloor(c.TipIndex())
	c.Advance()

	// The init step (index 0) and some subset chosen by retentionScore
	// remain Saturated; everything else below the floor is Desaturated.
	// Compaction then drops the leading steps below the floor from the
	// chain, so the init step is checked through the reference taken
	// before Advance.
	require.Equal(t, StepSaturated, step0.Status(), "the init step is never desaturated")
}

func TestStepChainAdvanceBoundsBudgetAcrossSlowChannelSpan(t *testing.T) {
	c := NewStepChain[int](&scriptedTransposer{}, 0, 1, 2, 2, nil, nil)
	require.NoError(t, pollStepUntilReady(t, c.Tip()))
	for i := 0; i < 6; i++ {
		require.NoError(t, c.Tip().wrapped.metadata.ScheduleEvent(ScheduledTime[int]{Raw: i + 1}, nil))
		_, ok := c.NextUnsaturated()
		require.True(t, ok)
		driveTipToSaturated(t, c)
	}
	require.Equal(t, uint64(6), c.TipIndex())

	// A slow channel still parked at index 3, well short of the tip: the
	// span between it and the tip (indices 3-5) is longer than the
	// checkpoint budget, so it must still be bounded by Advance rather
	// than treated as entirely off-limits just because it's >= the floor.
	// Compaction drops indices 0 and 1 from the chain during Advance, so
	// step 1 is checked through the reference taken before it.
	step1, ok := c.At(1)
	require.True(t, ok)

	c.RaiseRetainedFloor(3)
	c.Advance()

	require.Equal(t, StepUnsaturated, step1.Status(), "an index below the retained floor must still be evictable once the full-range budget is exceeded")

	for idx := uint64(3); idx < c.TipIndex(); idx++ {
		step, ok := c.At(idx)
		require.True(t, ok)
		require.Equal(t, StepSaturated, step.Status(), "a step at or above the retained floor is pinned: a live channel still needs it")
	}
}

func TestStepChainTemplateExposesPureMethods(t *testing.T) {
	tp := &scriptedTransposer{
		onCanHandle: func(time int, input any) bool { return time == 1 },
	}
	c := NewStepChain[int](tp, 0, 1, 2, 4, nil, nil)
	require.True(t, c.Template().CanHandle(1, nil))
	require.False(t, c.Template().CanHandle(2, nil))
}
