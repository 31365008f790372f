// Package concurrent wraps a Source so that its methods may be called
// from multiple goroutines without the caller needing to serialize
// access itself.
//
// A bare Source forbids two overlapping calls naming the same channel
// and allows overlapping calls on distinct channels. The engine's own
// Multiplexer serializes its calls behind its own mutex; other Source
// implementations may share state across channels without one.
// MutexSource serializes every call behind a single mutex,
// trading concurrency for a Source any number of goroutines can share
// without further coordination.
package concurrent

import (
	"cmp"
	"context"
	"sync"

	"github.com/joeycumines/go-transposer"
)

// MutexSource serializes every Source method behind a single mutex.
type MutexSource[T cmp.Ordered] struct {
	mu     sync.Mutex
	source transposer.Source[T]
}

// New wraps source so that its methods may be called concurrently.
func New[T cmp.Ordered](source transposer.Source[T]) *MutexSource[T] {
	return &MutexSource[T]{source: source}
}

// Poll implements transposer.Source.
func (m *MutexSource[T]) Poll(ctx context.Context, time T, sc transposer.SourceContext) (transposer.SourcePoll[T], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.source.Poll(ctx, time, sc)
}

// PollForget implements transposer.Source.
func (m *MutexSource[T]) PollForget(ctx context.Context, time T, sc transposer.SourceContext) (transposer.SourcePoll[T], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.source.PollForget(ctx, time, sc)
}

// PollEvents implements transposer.Source.
func (m *MutexSource[T]) PollEvents(ctx context.Context, time T, allWaker transposer.Waker) (transposer.SourcePoll[T], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.source.PollEvents(ctx, time, allWaker)
}

// Advance implements transposer.Source.
func (m *MutexSource[T]) Advance(ctx context.Context, time T) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.source.Advance(ctx, time)
}

// ReleaseChannel implements transposer.Source.
func (m *MutexSource[T]) ReleaseChannel(channel int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.source.ReleaseChannel(channel)
}

// MaxChannel implements transposer.Source.
func (m *MutexSource[T]) MaxChannel() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.source.MaxChannel()
}
