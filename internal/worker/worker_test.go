package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/simperium/simperium.go/pkg/constants"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestQueueRunsInOrder(t *testing.T) {
	q := NewQueue("test", nil)
	defer q.Stop()

	var (
		mu  sync.Mutex
		got []int
	)
	for i := range 100 {
		require.NoError(t, q.Submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	require.NoError(t, q.Do(context.Background(), func() error { return nil }))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestQueueDo(t *testing.T) {
	q := NewQueue("test", nil)
	defer q.Stop()

	boom := errors.New("boom")
	assert.ErrorIs(t, q.Do(context.Background(), func() error { return boom }), boom)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	release := make(chan struct{})
	err := q.Do(ctx, func() error {
		<-release
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestQueueSurvivesPanics(t *testing.T) {
	q := NewQueue("test", nil)
	defer q.Stop()

	require.NoError(t, q.Submit(func() { panic("boom") }))
	assert.NoError(t, q.Do(context.Background(), func() error { return nil }))
}

func TestQueueStop(t *testing.T) {
	q := NewQueue("test", nil)
	ran := make(chan struct{})
	require.NoError(t, q.Submit(func() { close(ran) }))
	q.Stop()
	<-ran

	assert.ErrorIs(t, q.Submit(func() {}), constants.ErrClosed)
	q.Stop()
}

func TestFutureResolvesOnce(t *testing.T) {
	f := NewFuture()
	assert.Nil(t, f.Err())
	assert.True(t, f.Resolve(nil))
	assert.False(t, f.Resolve(errors.New("late")))
	assert.NoError(t, f.Wait(context.Background()))

	g := NewFuture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, g.Wait(ctx), context.Canceled)
}
