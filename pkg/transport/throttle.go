package transport

import (
	"sync"
	"time"

	"github.com/binaryjack/formular-dev-tools/internal/clock"
)

// Throttle limits a high-frequency stream to at most one value per
// interval with trailing-edge coalescing: a value offered too soon is held
// as pending, replacing (and dropping) any earlier pending value, and a
// timer invokes the flush callback once the interval has elapsed.
//
// Throttle never sends anything itself. Offer returns the value when it
// may go out immediately; the flush callback runs with no locks held and
// the owner collects the pending value with TakePending under its own
// lock. That keeps the owner free to re-check its state before sending.
type Throttle[T any] struct {
	mu         sync.Mutex
	interval   time.Duration
	clock      clock.Clock
	onFlush    func()
	last       time.Time
	emitted    bool
	pending    T
	hasPending bool
	timer      clock.Timer
	stopped    bool
	dropped    uint64
}

// NewThrottle creates a throttle. A zero interval disables throttling.
// A nil clock uses the system clock.
func NewThrottle[T any](interval time.Duration, clk clock.Clock, onFlush func()) *Throttle[T] {
	if clk == nil {
		clk = clock.System
	}
	if interval < 0 {
		interval = 0
	}
	return &Throttle[T]{interval: interval, clock: clk, onFlush: onFlush}
}

// Offer submits v. It returns (v, true) when v should be sent now.
// Otherwise v becomes the pending value and a flush is scheduled.
func (t *Throttle[T]) Offer(v T) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	if t.stopped {
		t.dropped++
		return zero, false
	}

	now := t.clock.Now()
	if t.interval == 0 || (!t.hasPending && (!t.emitted || now.Sub(t.last) >= t.interval)) {
		t.last = now
		t.emitted = true
		return v, true
	}

	if t.hasPending {
		t.dropped++
	}
	t.pending = v
	t.hasPending = true
	if t.timer == nil {
		wait := t.interval - now.Sub(t.last)
		if wait < 0 {
			wait = 0
		}
		t.timer = t.clock.AfterFunc(wait, t.fire)
	}
	return zero, false
}

func (t *Throttle[T]) fire() {
	t.mu.Lock()
	t.timer = nil
	run := !t.stopped && t.hasPending
	t.mu.Unlock()

	if run && t.onFlush != nil {
		t.onFlush()
	}
}

// TakePending returns the pending value and records it as emitted.
func (t *Throttle[T]) TakePending() (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	if t.stopped || !t.hasPending {
		return zero, false
	}
	v := t.pending
	t.pending = zero
	t.hasPending = false
	t.last = t.clock.Now()
	t.emitted = true
	return v, true
}

// Dropped returns how many values were superseded or offered after Stop.
func (t *Throttle[T]) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Stop cancels the pending flush and discards the pending value. Later
// offers are dropped.
func (t *Throttle[T]) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.hasPending {
		var zero T
		t.pending = zero
		t.hasPending = false
		t.dropped++
	}
}
