// Package transposer implements a deterministic, rollback-capable
// temporal-event engine.
//
// # Architecture
//
// The engine is built around five cooperating components:
//
//   - [LazyInputState] (C1): an on-demand, cached fetch of input state for
//     a single step, with "requested" tracking so the engine knows when
//     it must pull state from upstream.
//   - [Metadata] (C2): per-step auxiliary state — the self-scheduled
//     event queue, expire-handle bookkeeping, last-updated time, and a
//     seeded deterministic PRNG.
//   - the sub-step driver (C3, unexported): drives one Transposer
//     callback (init, scheduled, or input) to completion, relaying
//     emitted events through a capacity-1 channel for strict
//     backpressure.
//   - [Step] and [StepChain] (C4): the timeline itself, its saturation
//     lifecycle, and the retention policy deciding which intermediate
//     states survive.
//   - [Multiplexer] (C5): the channel-oriented polling surface letting
//     many independent callers share one upstream [Source] without
//     redundant work.
//
// [Engine] assembles all five into a single concrete [Source]: a
// [Transposer] implementation goes in, a polling surface with identical
// shape comes out.
//
// # Determinism
//
// An Engine's output is a pure function of its Transposer's initial
// state, the seed passed to [NewEngine], and the sequence of input
// events observed — polling never introduces nondeterminism, and
// rollbacks are absorbed by resaturating from cached intermediate state
// rather than by replaying observable side effects.
//
// # Concurrency
//
// The engine spawns no goroutine the caller did not cause to exist: each
// in-flight sub-step owns exactly one goroutine, for the lifetime of
// that sub-step, driven to completion purely through explicit Poll
// calls. There is no background scheduler.
//
// # Usage
//
//	eng := transposer.NewEngine[int64](&Counter{}, 0, 1, 2)
//	defer eng.Close()
//
//	poll, err := eng.Poll(context.Background(), 5, transposer.SourceContext{Channel: 0})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	switch poll.Kind {
//	case transposer.PollReady:
//	    fmt.Println(poll.State)
//	}
//
// # Out of scope
//
// Realtime clock adapters, fan-out to multiple subscribers, and a
// mutex-serializing concurrent wrapper are not part of the core; see the
// packages under adapters/ (realtime, duplicate, concurrent) for
// reference implementations of each, built on top
// of the [Source] interface rather than inside it.
package transposer
