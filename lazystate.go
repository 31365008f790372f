package transposer

import (
	"context"
	"sync"
)

type lazyStateStatus int8

const (
	lazyStatePending lazyStateStatus = iota
	lazyStateRequested
	lazyStateReady
)

// LazyInputState is a per-step, on-demand cache of the upstream input
// state (C1). A Transposer callback that never calls Get never causes
// the engine to fetch state from upstream at all; the first Get blocks
// the calling sub-step's goroutine (not the poller) until Set is
// called.
type LazyInputState struct {
	mu     sync.Mutex
	status lazyStateStatus
	value  any
	ready  chan struct{}
}

// NewLazyInputState returns a fresh, unfulfilled cache.
func NewLazyInputState() *LazyInputState {
	return &LazyInputState{ready: make(chan struct{})}
}

// Requested reports whether Get has been called at least once and Set
// has not yet been called. The engine polls this, rather than the
// input-state cache's value, to decide whether it must fetch state from
// upstream before the sub-step can make further progress.
func (l *LazyInputState) Requested() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status == lazyStateRequested
}

// Fulfilled reports whether Set has already been called.
func (l *LazyInputState) Fulfilled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status == lazyStateReady
}

// Get returns the cached state, blocking until it is available or ctx
// is cancelled. It is intended to be called from within the sub-step
// goroutine that owns this cache; calling it from any other goroutine
// is safe, but pointless, since nothing else drives Set forward.
func (l *LazyInputState) Get(ctx context.Context) (any, error) {
	l.mu.Lock()
	if l.status == lazyStatePending {
		l.status = lazyStateRequested
	}
	if l.status == lazyStateReady {
		v := l.value
		l.mu.Unlock()
		return v, nil
	}
	ready := l.ready
	l.mu.Unlock()

	select {
	case <-ready:
		l.mu.Lock()
		v := l.value
		l.mu.Unlock()
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Set fulfills the cache with value, waking any goroutine blocked in
// Get. Calling Set a second time is a caller error: it returns
// ErrAlreadySet and hands value back unused so the caller can discard
// or repurpose it.
func (l *LazyInputState) Set(value any) (rejected any, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status == lazyStateReady {
		return value, ErrAlreadySet
	}
	l.value = value
	l.status = lazyStateReady
	close(l.ready)
	return nil, nil
}
