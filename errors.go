package transposer

import (
	"cmp"
	"errors"
	"fmt"
)

// Sentinel errors returned by C1/C2/C4 operations. Callers are expected
// to use errors.Is against these.
var (
	// ErrAlreadySet is returned by LazyInputState.Set when the state has
	// already been fulfilled once.
	ErrAlreadySet = errors.New("transposer: lazy input state already set")

	// ErrInvalidHandle is returned by Context.ExpireEvent (and
	// Metadata.ExpireEvent) when the handle does not refer to a
	// currently-scheduled event, whether because it was never valid for
	// this transposer, was already expired, or has already fired.
	ErrInvalidHandle = errors.New("transposer: expire handle does not refer to a pending scheduled event")

	// ErrScheduleInPast is returned when a Transposer attempts to
	// schedule an event before the sub-step's own time. Scheduling at
	// exactly the sub-step's own time is allowed.
	ErrScheduleInPast = errors.New("transposer: scheduled time is before the current time")

	// ErrPreviousNotSaturated is returned when a Step's saturation is
	// attempted against a predecessor that is not itself Saturated.
	ErrPreviousNotSaturated = errors.New("transposer: previous step is not saturated")

	// ErrAlreadySaturating is returned when saturation is requested
	// against a Step that is not Unsaturated.
	ErrAlreadySaturating = errors.New("transposer: step is not unsaturated")

	// ErrNotSaturated is returned by Step.Poll when the step is not
	// Saturating, so there is no sub-step in flight to poll. Desaturate,
	// Take and Interpolate panic on a step that is not Saturated instead
	// of returning an error.
	ErrNotSaturated = errors.New("transposer: step is not saturated")

	// ErrRetainedBelowWatermark describes a request for a step that has
	// already been evicted below the retention watermark. No operation
	// in this package returns it: StepChain.At reports such an index as
	// absent, and the Multiplexer panics when a channel's position has
	// been evicted.
	ErrRetainedBelowWatermark = errors.New("transposer: step index has already been evicted below the retention watermark")
)

// OutOfBoundsChannelError is returned when a SourceContext names a
// channel that exceeds MaxChannel for the target Source.
type OutOfBoundsChannelError struct {
	Channel int
	Max     int
}

func (e *OutOfBoundsChannelError) Error() string {
	return fmt.Sprintf("transposer: channel %d exceeds max channel %d", e.Channel, e.Max)
}

// PollAfterAdvanceError is returned when a poll's time argument is
// earlier than the engine's advanced watermark.
type PollAfterAdvanceError[T cmp.Ordered] struct {
	Requested T
	Advanced  T
}

func (e *PollAfterAdvanceError[T]) Error() string {
	return fmt.Sprintf("transposer: poll time %v is before the advanced watermark %v", e.Requested, e.Advanced)
}

// PollBeforeDefaultError is returned when a poll's time argument
// precedes the Transposer's default (init) time.
type PollBeforeDefaultError[T cmp.Ordered] struct {
	Requested T
	Default   T
}

func (e *PollBeforeDefaultError[T]) Error() string {
	return fmt.Sprintf("transposer: poll time %v is before the default time %v", e.Requested, e.Default)
}

// ChannelPoisonedError is returned by subsequent polls against a caller
// channel that previously observed an unrecoverable error.
type ChannelPoisonedError struct {
	Channel int
	Cause   error
}

func (e *ChannelPoisonedError) Error() string {
	return fmt.Sprintf("transposer: channel %d is poisoned: %v", e.Channel, e.Cause)
}

func (e *ChannelPoisonedError) Unwrap() error { return e.Cause }

// WrapError annotates cause with message, preserving it for errors.Is
// and errors.As.
func WrapError(message string, cause error) error {
	return fmt.Errorf("%s: %w", message, cause)
}
