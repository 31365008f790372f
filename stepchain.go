package transposer

import (
	"cmp"
	"sort"
	"sync/atomic"

	"github.com/google/btree"
)

type pendingBucket[T cmp.Ordered] struct {
	Time  T
	Items []any
}

func pendingLess[T cmp.Ordered](a, b pendingBucket[T]) bool {
	return cmp.Compare(a.Time, b.Time) < 0
}

// StepChain owns the full timeline of Steps (C4): the distinguished
// init step, every step saturated or pending since, the buffer of
// not-yet-consumed inputs, and the retention policy deciding which
// intermediate Saturated steps survive an Advance.
//
// A StepChain is not safe for concurrent use; callers (the Multiplexer)
// are responsible for serializing access.
type StepChain[T cmp.Ordered] struct {
	steps     []*Step[T]
	baseIndex uint64
	nextIndex uint64

	subIndexCounter atomic.Uint64

	pending *btree.BTreeG[pendingBucket[T]]
	compare Transposer[T] // any instance; only CompareInputs/CanHandle are used on it

	checkpointBudget int
	retainedFloor    uint64
	hasRetainedFloor bool

	defaultTime T
	seed1       uint64
	seed2       uint64

	metrics *Metrics
	logger  *Logger
}

// NewStepChain constructs a chain whose init step is already Saturating
// from initial: Init runs on the step's sub-step goroutine, and the step
// becomes Saturated once its Poll reports SubStepReady.
func NewStepChain[T cmp.Ordered](initial Transposer[T], defaultTime T, seed1, seed2 uint64, checkpointBudget int, metrics *Metrics, logger *Logger) *StepChain[T] {
	if logger == nil {
		logger = defaultLogger
	}
	c := &StepChain[T]{
		pending:          btree.NewG(scheduleBucketDegree, pendingLess[T]),
		compare:          initial,
		checkpointBudget: checkpointBudget,
		defaultTime:      defaultTime,
		seed1:            seed1,
		seed2:            seed2,
		metrics:          metrics,
		logger:           logger,
	}
	init := newInitStep[T](&c.subIndexCounter)
	if err := init.SaturateInit(initial.Clone(), defaultTime, seed1, seed2); err != nil {
		panic("transposer: init step saturation rejected immediately: " + err.Error())
	}
	c.steps = append(c.steps, init)
	c.nextIndex = 1
	return c
}

const scheduleBucketDegree = 32

// DefaultTime returns the time the chain's init step was constructed
// with.
func (c *StepChain[T]) DefaultTime() T { return c.defaultTime }

// Template returns an arbitrary instance of the chain's Transposer
// type, valid only for its pure methods (CanHandle, CompareInputs).
func (c *StepChain[T]) Template() Transposer[T] { return c.compare }

// Tip returns the most recently appended step.
func (c *StepChain[T]) Tip() *Step[T] { return c.steps[len(c.steps)-1] }

// TipIndex returns the Index of the tip.
func (c *StepChain[T]) TipIndex() uint64 { return c.Tip().Index }

// BaseIndex returns the lowest step Index still retained.
func (c *StepChain[T]) BaseIndex() uint64 { return c.baseIndex }

// At returns the step with the given Index, if still retained.
func (c *StepChain[T]) At(index uint64) (*Step[T], bool) {
	if index < c.baseIndex || index >= c.baseIndex+uint64(len(c.steps)) {
		return nil, false
	}
	return c.steps[index-c.baseIndex], true
}

// EnqueueInput buffers input to be consumed by a future Input step, at
// the given raw time. Multiple inputs enqueued at the same time are
// batched into a single Input step.
func (c *StepChain[T]) EnqueueInput(time T, input any) {
	bucket, ok := c.pending.Get(pendingBucket[T]{Time: time})
	if !ok {
		bucket = pendingBucket[T]{Time: time}
	}
	bucket.Items = append(bucket.Items, input)
	c.pending.ReplaceOrInsert(bucket)
}

// PeekNextInputTime returns the time of the earliest buffered,
// not-yet-consumed input batch.
func (c *StepChain[T]) PeekNextInputTime() (T, bool) {
	bucket, ok := c.pending.Min()
	return bucket.Time, ok
}

// NextUnsaturated appends a new Unsaturated step to the tip, choosing
// between the earliest buffered input batch and the tip's earliest
// self-scheduled event (inputs win ties, per spec.md section 4.3's
// ordering rule). It returns false if the tip is not Saturated (so its
// schedule cannot be inspected) or if neither an input nor a scheduled
// event is available.
func (c *StepChain[T]) NextUnsaturated() (*Step[T], bool) {
	tip := c.Tip()
	if tip.Status() != StepSaturated {
		return nil, false
	}

	inputTime, hasInput := c.PeekNextInputTime()
	nextSched, hasSched := tip.wrapped.metadata.NextScheduledTime()

	useInput := hasInput && (!hasSched || cmp.Compare(inputTime, nextSched.Raw) <= 0)

	var next *Step[T]
	switch {
	case useInput:
		bucket, _ := c.pending.Get(pendingBucket[T]{Time: inputTime})
		c.pending.Delete(pendingBucket[T]{Time: inputTime})
		sort.SliceStable(bucket.Items, func(i, j int) bool {
			return c.compare.CompareInputs(inputTime, bucket.Items[i], bucket.Items[j]) < 0
		})
		next = newInputStep[T](c.nextIndex, inputTime, bucket.Items, &c.subIndexCounter)
	case hasSched:
		next = newScheduledStep[T](c.nextIndex, nextSched, &c.subIndexCounter)
	default:
		return nil, false
	}

	c.nextIndex++
	c.steps = append(c.steps, next)
	return next, true
}

// SaturateTipClone saturates the tip by cloning its predecessor's
// wrapped Transposer, leaving the predecessor untouched (used when a
// caller still needs the predecessor's state, e.g. a sibling channel
// reading from it).
func (c *StepChain[T]) SaturateTipClone() error {
	if len(c.steps) < 2 {
		panic("transposer: SaturateTipClone requires a predecessor")
	}
	tip := c.steps[len(c.steps)-1]
	prev := c.steps[len(c.steps)-2]
	return tip.SaturateClone(prev)
}

// SaturateTipTake saturates the tip by taking ownership of its
// predecessor's wrapped Transposer, leaving the predecessor
// Unsaturated.
func (c *StepChain[T]) SaturateTipTake() error {
	if len(c.steps) < 2 {
		panic("transposer: SaturateTipTake requires a predecessor")
	}
	tip := c.steps[len(c.steps)-1]
	prev := c.steps[len(c.steps)-2]
	return tip.SaturateTake(prev)
}

// Rollback truncates the chain so its new tip is the latest step whose
// time is strictly before at, discarding every later step (and any
// pending input buffered at or after at). It never truncates past the
// chain's base step (the init step, until compaction drops it). It
// panics if the new tip or any discarded step is Saturating; callers
// must finish driving an in-flight step to completion before rolling
// back past it.
func (c *StepChain[T]) Rollback(at T) {
	cut := len(c.steps)
	for cut > 1 && cmp.Compare(c.steps[cut-1].Time(), at) >= 0 {
		cut--
	}
	for _, s := range c.steps[cut-1:] {
		if s.Status() == StepSaturating {
			panic("transposer: Rollback landed on or discarded an in-flight step")
		}
	}
	c.steps = c.steps[:cut]
	c.nextIndex = c.baseIndex + uint64(cut)
	c.metrics.incRollback()

	var toDelete []pendingBucket[T]
	c.pending.AscendGreaterOrEqual(pendingBucket[T]{Time: at}, func(b pendingBucket[T]) bool {
		toDelete = append(toDelete, b)
		return true
	})
	for _, b := range toDelete {
		c.pending.Delete(b)
	}
}

// RaiseRetainedFloor records that no live caller needs a step with
// Index below floor any longer, unblocking Advance from evicting it.
func (c *StepChain[T]) RaiseRetainedFloor(floor uint64) {
	if !c.hasRetainedFloor || floor > c.retainedFloor {
		c.retainedFloor = floor
		c.hasRetainedFloor = true
	}
}

// Advance applies the retention policy: every Saturated step strictly
// older than the tip is a candidate for eviction, and the checkpoint
// budget and retentionScore heuristic decide which of those candidates
// are actually discarded, keeping the rest as cheap resaturation
// anchors. The budget is accounted over the whole candidate range, not
// just the span below the retained floor: a slow channel parked well
// behind the tip must not let the chain between it and the tip grow
// without bound.
//
// The retained floor instead pins candidates at or above it: a step a
// live channel still sits on is never actually desaturated, even if the
// budget heuristic would otherwise have picked it, since that channel
// needs it intact to keep replaying or resaturating from. Indices below
// the floor carry no such protection and may be evicted regardless of
// how large the budget is, once the full range exceeds it.
//
// Advance never desaturates the chain's base step, and never evicts a
// step that is not Saturated (an Unsaturated placeholder carries no cost
// to keep and a Saturating step cannot safely be interrupted). After
// evicting, it calls compactPrefix, which drops the leading run of steps
// below the retained floor (the init step included) from the chain, so
// their indices are no longer reachable through At.
func (c *StepChain[T]) Advance() {
	if !c.hasRetainedFloor {
		return
	}
	tip := c.TipIndex()

	var candidates []uint64
	for idx := c.baseIndex + 1; idx < tip; idx++ {
		step, ok := c.At(idx)
		if !ok || step.Status() != StepSaturated {
			continue
		}
		candidates = append(candidates, idx)
	}

	evict := selectEvictions(candidates, c.checkpointBudget)
	if len(evict) == 0 {
		c.compactPrefix()
		return
	}
	for _, idx := range evict {
		if idx >= c.retainedFloor {
			// Pinned: a live channel still needs this step's state.
			continue
		}
		if step, ok := c.At(idx); ok && step.Status() == StepSaturated {
			step.Desaturate()
			c.metrics.incDesaturated()
			c.metrics.incEvicted()
		}
	}
	c.compactPrefix()
}

// compactPrefix drops a run of leading, already-Saturated-then-evicted
// placeholder steps once nothing below the retained floor can ever be
// addressed again, so the chain's slice does not grow unboundedly with
// fully-evicted history.
//
// It only ever trims up to a step that is itself Saturated (or is
// index 0, the init step, always re-derivable from nothing): trimming
// must never strand an Unsaturated placeholder as the new base with no
// Saturated ancestor left to resaturate it from.
func (c *StepChain[T]) compactPrefix() {
	if !c.hasRetainedFloor {
		return
	}
	drop := 0
	for drop+1 < len(c.steps) {
		idx := c.baseIndex + uint64(drop)
		if idx >= c.retainedFloor {
			break
		}
		step := c.steps[drop]
		if idx != 0 && step.Status() != StepUnsaturated {
			break
		}
		drop++
	}
	// Back up to the most recent Saturated (or index 0) step at or before
	// the cut point: only that is safe to keep as the new base.
	for drop > 0 {
		idx := c.baseIndex + uint64(drop)
		step := c.steps[drop]
		if idx == 0 || step.Status() == StepSaturated {
			break
		}
		drop--
	}
	if drop <= 0 {
		return
	}
	c.steps = append([]*Step[T]{}, c.steps[drop:]...)
	c.baseIndex += uint64(drop)
}
