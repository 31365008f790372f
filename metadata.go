package transposer

import (
	"cmp"
	"maps"
	"math/rand/v2"

	"github.com/google/btree"
)

const scheduleTreeDegree = 32

type scheduleEntry[T cmp.Ordered] struct {
	When    ScheduledTime[T]
	Payload any
}

type backwardEntry[T cmp.Ordered] struct {
	When   ScheduledTime[T]
	Handle ExpireHandle
}

// Metadata is the auxiliary state threaded alongside a Transposer value
// (C2): its self-scheduled event queue, the forward/backward indexes
// supporting expiry by handle, the time it was last updated, and a
// deterministic PRNG.
//
// Metadata is cloned, not copied, whenever a Step needs an independent
// speculative branch; Clone shares structure with its parent until one
// side mutates, via the underlying btree.BTreeG's copy-on-write nodes.
type Metadata[T cmp.Ordered] struct {
	schedule *btree.BTreeG[scheduleEntry[T]]
	backward *btree.BTreeG[backwardEntry[T]]
	forward  map[ExpireHandle]ScheduledTime[T]

	lastUpdated SubStepTime[T]

	pcg *rand.PCG
	rng *rand.Rand
}

func scheduleLess[T cmp.Ordered](a, b scheduleEntry[T]) bool {
	return a.When.Less(b.When)
}

func backwardLess[T cmp.Ordered](a, b backwardEntry[T]) bool {
	return a.When.Less(b.When)
}

// NewMetadata returns fresh Metadata for a Transposer whose default
// (init) time is defaultTime, seeded deterministically from seed1 and
// seed2.
func NewMetadata[T cmp.Ordered](defaultTime T, seed1, seed2 uint64) *Metadata[T] {
	pcg := rand.NewPCG(seed1, seed2)
	return &Metadata[T]{
		schedule:    btree.NewG(scheduleTreeDegree, scheduleLess[T]),
		backward:    btree.NewG(scheduleTreeDegree, backwardLess[T]),
		forward:     make(map[ExpireHandle]ScheduledTime[T]),
		lastUpdated: SubStepTime[T]{Raw: defaultTime},
		pcg:         pcg,
		rng:         rand.New(pcg),
	}
}

// Clone returns an independent copy. Mutating the clone never affects
// the receiver, and vice versa.
func (m *Metadata[T]) Clone() *Metadata[T] {
	data, err := m.pcg.MarshalBinary()
	if err != nil {
		// math/rand/v2's PCG always marshals successfully; a failure
		// here means the runtime itself is broken.
		panic("transposer: PCG.MarshalBinary: " + err.Error())
	}
	clonedPCG := new(rand.PCG)
	if err := clonedPCG.UnmarshalBinary(data); err != nil {
		panic("transposer: PCG.UnmarshalBinary: " + err.Error())
	}
	return &Metadata[T]{
		schedule:    m.schedule.Clone(),
		backward:    m.backward.Clone(),
		forward:     maps.Clone(m.forward),
		lastUpdated: m.lastUpdated,
		pcg:         clonedPCG,
		rng:         rand.New(clonedPCG),
	}
}

// LastUpdated returns the SubStepTime of the most recent sub-step
// applied to this Metadata's Transposer.
func (m *Metadata[T]) LastUpdated() SubStepTime[T] { return m.lastUpdated }

func (m *Metadata[T]) setLastUpdated(t SubStepTime[T]) { m.lastUpdated = t }

// RNG returns the deterministic random source scoped to this
// Metadata's Transposer generation. Two Metadata values produced by
// cloning the same ancestor and driven through identical sub-step
// sequences always yield identical RNG output.
func (m *Metadata[T]) RNG() *rand.Rand { return m.rng }

// ScheduleEvent enqueues payload to fire at at. It fails with
// ErrScheduleInPast if at's raw time is before LastUpdated's; an equal
// raw time is allowed.
func (m *Metadata[T]) ScheduleEvent(at ScheduledTime[T], payload any) error {
	if cmp.Compare(at.Raw, m.lastUpdated.Raw) < 0 {
		return ErrScheduleInPast
	}
	m.schedule.ReplaceOrInsert(scheduleEntry[T]{When: at, Payload: payload})
	return nil
}

// ScheduleEventExpireable is ScheduleEvent plus registration of handle
// in the forward/backward indexes, so the event can later be removed via
// ExpireEvent.
func (m *Metadata[T]) ScheduleEventExpireable(at ScheduledTime[T], payload any, handle ExpireHandle) error {
	if err := m.ScheduleEvent(at, payload); err != nil {
		return err
	}
	m.forward[handle] = at
	m.backward.ReplaceOrInsert(backwardEntry[T]{When: at, Handle: handle})
	return nil
}

// ExpireEvent removes and returns the payload of a previously scheduled
// expireable event, failing with ErrInvalidHandle if handle does not
// refer to a currently-pending event.
func (m *Metadata[T]) ExpireEvent(handle ExpireHandle) (T, any, error) {
	var zero T
	at, ok := m.forward[handle]
	if !ok {
		return zero, nil, ErrInvalidHandle
	}
	entry, ok := m.schedule.Get(scheduleEntry[T]{When: at})
	if !ok {
		return zero, nil, ErrInvalidHandle
	}
	m.schedule.Delete(scheduleEntry[T]{When: at})
	m.backward.Delete(backwardEntry[T]{When: at})
	delete(m.forward, handle)
	return at.Raw, entry.Payload, nil
}

// NextScheduledTime returns the earliest currently-pending scheduled
// event's time, if any.
func (m *Metadata[T]) NextScheduledTime() (ScheduledTime[T], bool) {
	entry, ok := m.schedule.Min()
	return entry.When, ok
}

// PopFirstEvent removes and returns the earliest pending scheduled
// event.
func (m *Metadata[T]) PopFirstEvent() (ScheduledTime[T], any, bool) {
	entry, ok := m.schedule.Min()
	if !ok {
		return ScheduledTime[T]{}, nil, false
	}
	m.schedule.Delete(entry)
	if back, ok := m.backward.Get(backwardEntry[T]{When: entry.When}); ok {
		m.backward.Delete(back)
		delete(m.forward, back.Handle)
	}
	return entry.When, entry.Payload, true
}

// ScheduleLen reports the number of pending scheduled events.
func (m *Metadata[T]) ScheduleLen() int { return m.schedule.Len() }
