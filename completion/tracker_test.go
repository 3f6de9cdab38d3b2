package completion_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/hostmem/completion"
)

func TestTrackerCounters(t *testing.T) {
	tracker := completion.NewTracker("compute")
	require.Equal(t, "compute", tracker.Name())
	require.Zero(t, tracker.LatestSubmitted())
	require.True(t, tracker.IsComplete(0))

	require.Equal(t, uint64(1), tracker.Submit())
	require.Equal(t, uint64(2), tracker.Submit())
	require.Equal(t, uint64(3), tracker.Submit())
	require.Equal(t, uint64(3), tracker.LatestSubmitted())
	require.False(t, tracker.IsComplete(1))

	tracker.Complete(2)
	require.Equal(t, uint64(2), tracker.CurrentCompletionValue())
	require.True(t, tracker.IsComplete(2))
	require.False(t, tracker.IsComplete(3))

	tracker.Complete(1)
	require.Equal(t, uint64(2), tracker.CurrentCompletionValue())

	tracker.CompleteAll()
	require.Equal(t, uint64(3), tracker.CurrentCompletionValue())
}

func TestTrackerWaitAlreadyComplete(t *testing.T) {
	tracker := completion.NewTracker("copy")
	require.True(t, tracker.WaitUntil(context.Background(), 0, time.Millisecond))

	tracker.Complete(tracker.Submit())
	require.True(t, tracker.WaitUntil(context.Background(), 1, 0))
}

func TestTrackerWaitWakesOnComplete(t *testing.T) {
	tracker := completion.NewTracker("compute")
	value := tracker.Submit()

	var wg sync.WaitGroup
	results := make([]bool, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = tracker.WaitUntil(context.Background(), value, 5*time.Second)
		}(i)
	}

	time.Sleep(10 * time.Millisecond)
	tracker.Complete(value)
	wg.Wait()

	for _, result := range results {
		require.True(t, result)
	}
}

func TestTrackerWaitIgnoresInsufficientProgress(t *testing.T) {
	tracker := completion.NewTracker("compute")
	tracker.Submit()
	target := tracker.Submit()

	done := make(chan bool)
	go func() {
		done <- tracker.WaitUntil(context.Background(), target, 5*time.Second)
	}()

	tracker.Complete(1)
	select {
	case <-done:
		t.Fatal("wait returned before its target was reached")
	case <-time.After(20 * time.Millisecond):
	}

	tracker.Complete(target)
	require.True(t, <-done)
}

func TestTrackerWaitTimeout(t *testing.T) {
	tracker := completion.NewTracker("hung")
	value := tracker.Submit()

	start := time.Now()
	require.False(t, tracker.WaitUntil(context.Background(), value, 20*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestTrackerWaitContextCancel(t *testing.T) {
	tracker := completion.NewTracker("hung")
	value := tracker.Submit()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.False(t, tracker.WaitUntil(ctx, value, 0))
	require.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
}
