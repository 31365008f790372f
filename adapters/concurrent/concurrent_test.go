package concurrent

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	transposer "github.com/joeycumines/go-transposer"
)

// recordingSource counts concurrent entries into its methods, so tests
// can assert MutexSource actually serializes access.
type recordingSource struct {
	mu       sync.Mutex
	inFlight int
	maxSeen  int
}

func (r *recordingSource) enter() func() {
	r.mu.Lock()
	r.inFlight++
	if r.inFlight > r.maxSeen {
		r.maxSeen = r.inFlight
	}
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.inFlight--
		r.mu.Unlock()
	}
}

func (r *recordingSource) Poll(ctx context.Context, time int, sc transposer.SourceContext) (transposer.SourcePoll[int], error) {
	defer r.enter()()
	return transposer.SourcePoll[int]{Kind: transposer.PollReady, State: time}, nil
}

func (r *recordingSource) PollForget(ctx context.Context, time int, sc transposer.SourceContext) (transposer.SourcePoll[int], error) {
	return r.Poll(ctx, time, sc)
}

func (r *recordingSource) PollEvents(ctx context.Context, time int, allWaker transposer.Waker) (transposer.SourcePoll[int], error) {
	defer r.enter()()
	return transposer.SourcePoll[int]{Kind: transposer.PollReady, State: time}, nil
}

func (r *recordingSource) Advance(ctx context.Context, time int) error {
	defer r.enter()()
	return nil
}

func (r *recordingSource) ReleaseChannel(channel int) {
	defer r.enter()()
}

func (r *recordingSource) MaxChannel() int {
	defer r.enter()()
	return 63
}

func TestMutexSourceSerializesConcurrentCallers(t *testing.T) {
	rec := &recordingSource{}
	m := New[int](rec)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Poll(context.Background(), i, transposer.SourceContext{Channel: 0})
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, rec.maxSeen, "MutexSource must never let two calls run concurrently against the wrapped Source")
}

func TestMutexSourceDelegatesResults(t *testing.T) {
	rec := &recordingSource{}
	m := New[int](rec)

	poll, err := m.Poll(context.Background(), 5, transposer.SourceContext{Channel: 0})
	require.NoError(t, err)
	require.Equal(t, transposer.PollReady, poll.Kind)
	require.Equal(t, 5, poll.State)

	require.Equal(t, 63, m.MaxChannel())
	require.NoError(t, m.Advance(context.Background(), 1))
	require.NotPanics(t, func() { m.ReleaseChannel(0) })
}
