package completion

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Tracker is the completion counter for a single engine context. Work submitted to the engine is
// assigned the next value of a monotonic counter, and the engine reports progress by advancing the
// completed value. A completed value of N means every submission numbered N or lower has finished.
//
// Reading the counters is lock-free. Tracker is safe for concurrent use.
type Tracker struct {
	name string

	submitted atomic.Uint64
	completed atomic.Uint64

	changedLock sync.Mutex
	changed     chan struct{}
}

// NewTracker creates a Tracker with nothing submitted and nothing completed
func NewTracker(name string) *Tracker {
	return &Tracker{
		name:    name,
		changed: make(chan struct{}),
	}
}

// Name returns the name the tracker was created with
func (t *Tracker) Name() string {
	return t.name
}

// Submit reserves the next completion value. The first call returns 1; 0 always means "never
// submitted" and is considered complete from the start.
func (t *Tracker) Submit() uint64 {
	return t.submitted.Add(1)
}

// LatestSubmitted returns the highest value handed out by Submit
func (t *Tracker) LatestSubmitted() uint64 {
	return t.submitted.Load()
}

// CurrentCompletionValue returns the highest value the engine has reported complete
func (t *Tracker) CurrentCompletionValue() uint64 {
	return t.completed.Load()
}

// IsComplete reports whether the engine has reached value
func (t *Tracker) IsComplete(value uint64) bool {
	return t.completed.Load() >= value
}

// Complete advances the completed value to value. The counter never moves backwards, so values
// lower than the current completed value are ignored.
func (t *Tracker) Complete(value uint64) {
	for {
		current := t.completed.Load()
		if value <= current {
			return
		}

		if t.completed.CompareAndSwap(current, value) {
			break
		}
	}

	t.broadcast()
}

// CompleteAll marks every submission made so far as complete
func (t *Tracker) CompleteAll() {
	t.Complete(t.submitted.Load())
}

func (t *Tracker) broadcast() {
	t.changedLock.Lock()
	defer t.changedLock.Unlock()

	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *Tracker) changedChannel() <-chan struct{} {
	t.changedLock.Lock()
	defer t.changedLock.Unlock()

	return t.changed
}

// WaitUntil blocks until the engine has reached value. It returns false if timeout elapses or ctx
// ends first. A timeout of zero or less waits until ctx ends.
func (t *Tracker) WaitUntil(ctx context.Context, value uint64, timeout time.Duration) bool {
	if t.IsComplete(value) {
		return true
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		// Grab the channel before checking the counter so an advance between the two is not lost
		changed := t.changedChannel()
		if t.IsComplete(value) {
			return true
		}

		select {
		case <-changed:
		case <-expired:
			return t.IsComplete(value)
		case <-ctx.Done():
			return t.IsComplete(value)
		}
	}
}
