package agent

import (
	"sync"
	"time"
)

// Throttle coalesces calls so fn runs at most once per interval. The first
// call after an idle period runs immediately; calls inside the window only
// remember their value, and the latest one runs when the window closes.
// fn calls are serialized.
type Throttle[T any] struct {
	interval time.Duration
	fn       func(T)

	mu         sync.Mutex
	timer      *time.Timer
	value      T
	hasPending bool
	stopped    bool
}

// NewThrottle creates a throttle around fn.
func NewThrottle[T any](interval time.Duration, fn func(T)) *Throttle[T] {
	return &Throttle[T]{interval: interval, fn: fn}
}

// Call schedules fn(v).
func (t *Throttle[T]) Call(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	if t.timer == nil {
		t.fn(v)
		t.timer = time.AfterFunc(t.interval, t.tick)
		return
	}
	t.value = v
	t.hasPending = true
}

func (t *Throttle[T]) tick() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	if !t.hasPending {
		t.timer = nil
		return
	}

	v := t.value
	var zero T
	t.value, t.hasPending = zero, false
	t.fn(v)
	t.timer.Reset(t.interval)
}

// Stop drops any pending value. After Stop returns fn is not running and
// will not run again.
func (t *Throttle[T]) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
	var zero T
	t.value, t.hasPending = zero, false
}
