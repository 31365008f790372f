package transposer

import "sync/atomic"

// Metrics holds the engine's internal atomic counters. They are
// zero-cost to read (a single atomic load each) and are only
// incremented when an Engine was constructed with WithMetrics(true);
// otherwise every increment is skipped.
type Metrics struct {
	enabled bool

	stepsSaturated   atomic.Uint64
	stepsDesaturated atomic.Uint64
	stepsEvicted     atomic.Uint64
	rollbacks        atomic.Uint64
	eventsEmitted    atomic.Uint64
	channelsOpened   atomic.Uint64
	channelsReleased atomic.Uint64
}

func (m *Metrics) incSaturated() {
	if m != nil && m.enabled {
		m.stepsSaturated.Add(1)
	}
}

func (m *Metrics) incDesaturated() {
	if m != nil && m.enabled {
		m.stepsDesaturated.Add(1)
	}
}

func (m *Metrics) incEvicted() {
	if m != nil && m.enabled {
		m.stepsEvicted.Add(1)
	}
}

func (m *Metrics) incRollback() {
	if m != nil && m.enabled {
		m.rollbacks.Add(1)
	}
}

func (m *Metrics) incEmitted() {
	if m != nil && m.enabled {
		m.eventsEmitted.Add(1)
	}
}

func (m *Metrics) incChannelOpened() {
	if m != nil && m.enabled {
		m.channelsOpened.Add(1)
	}
}

func (m *Metrics) incChannelReleased() {
	if m != nil && m.enabled {
		m.channelsReleased.Add(1)
	}
}

// Snapshot is a point-in-time copy of Metrics, safe to read without
// racing further updates.
type Snapshot struct {
	StepsSaturated   uint64
	StepsDesaturated uint64
	StepsEvicted     uint64
	Rollbacks        uint64
	EventsEmitted    uint64
	ChannelsOpened   uint64
	ChannelsReleased uint64
}

// Snapshot returns the current values of every counter.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		StepsSaturated:   m.stepsSaturated.Load(),
		StepsDesaturated: m.stepsDesaturated.Load(),
		StepsEvicted:     m.stepsEvicted.Load(),
		Rollbacks:        m.rollbacks.Load(),
		EventsEmitted:    m.eventsEmitted.Load(),
		ChannelsOpened:   m.channelsOpened.Load(),
		ChannelsReleased: m.channelsReleased.Load(),
	}
}
