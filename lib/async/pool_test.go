package async

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/stratdesk/errs"
)

func TestPoolRunsTasksInOrderWithSingleWorker(t *testing.T) {
	pool, err := NewPool(1, 16)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 10; i++ {
		i := i
		require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestPoolReportsErrorsAndPanics(t *testing.T) {
	var mu sync.Mutex
	var reported []error
	pool, err := NewPool(1, 4, WithErrorHandler(func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	}))
	require.NoError(t, err)

	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		return errors.New("write failed")
	}))
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		panic("boom")
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 2)
	require.EqualError(t, reported[0], "write failed")
	require.Contains(t, reported[1].Error(), "boom")
}

func TestPoolRejectsAfterShutdownAndWhenFull(t *testing.T) {
	_, err := NewPool(0, 1)
	require.True(t, errs.Is(err, errs.CodeInvalid))

	block := make(chan struct{})
	pool, err := NewPool(1, 0)
	require.NoError(t, err)

	started := make(chan struct{})
	require.Eventually(t, func() bool {
		return pool.Submit(context.Background(), func(context.Context) error {
			close(started)
			<-block
			return nil
		}) == nil
	}, time.Second, time.Millisecond)
	<-started

	err = pool.Submit(context.Background(), func(context.Context) error { return nil })
	require.True(t, errs.Is(err, errs.CodeUnavailable))

	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))

	err = pool.Submit(context.Background(), func(context.Context) error { return nil })
	require.True(t, errs.Is(err, errs.CodeUnavailable))
}
