package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/toolbroker/orchestrator/internal/toolerrors"
)

func TestAcquireGrantsImmediatelyWhenSlotFree(t *testing.T) {
	q := New(Config{Slots: 1, Capacity: 4, Timeout: time.Second})
	release, err := q.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, release)
	release()
}

func TestSecondAcquireWaitsThenIsWokenOnRelease(t *testing.T) {
	q := New(Config{Slots: 1, Capacity: 4, Timeout: time.Second})
	release1, err := q.Acquire(context.Background())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		release2, err := q.Acquire(context.Background())
		require.NoError(t, err)
		release2()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, q.Len())
	release1()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second acquire was never woken")
	}
}

func TestAcquireFailsFastWhenQueueFull(t *testing.T) {
	q := New(Config{Slots: 1, Capacity: 1, Timeout: time.Second})
	release, err := q.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r, err := q.Acquire(context.Background())
		require.NoError(t, err)
		time.Sleep(50 * time.Millisecond)
		r()
	}()
	time.Sleep(10 * time.Millisecond)

	_, err = q.Acquire(context.Background())
	var terr *toolerrors.Error
	require.True(t, errors.As(err, &terr))
	require.Equal(t, toolerrors.KindQueueFull, terr.Kind)
	release()
	wg.Wait()
}

func TestAcquireTimesOutWhenNoSlotFreedInTime(t *testing.T) {
	q := New(Config{Slots: 1, Capacity: 4, Timeout: 20 * time.Millisecond})
	release, err := q.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	_, err = q.Acquire(context.Background())
	var terr *toolerrors.Error
	require.True(t, errors.As(err, &terr))
	require.Equal(t, toolerrors.KindQueueTimeout, terr.Kind)
	require.Equal(t, 0, q.Len())
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	q := New(Config{Slots: 1, Capacity: 4, Timeout: time.Minute})
	release, err := q.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = q.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFIFOOrderingOfWaiters(t *testing.T) {
	q := New(Config{Slots: 1, Capacity: 4, Timeout: time.Second})
	release, err := q.Acquire(context.Background())
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := q.Acquire(context.Background())
			require.NoError(t, err)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			r()
		}(i)
		time.Sleep(5 * time.Millisecond) // stagger enqueue order deterministically
	}

	release()
	wg.Wait()

	require.Equal(t, []int{0, 1, 2}, order)
}
