package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at initial. Time moves only when Advance
// is called; pending After, Sleep, and Ticker waiters fire in deadline order
// as the clock passes them.
func Fake(initial time.Time) *FakeClock {
	fc := &FakeClock{now: initial}
	fc.changed = sync.NewCond(&fc.mu)
	return fc
}

// FakeClock is a deterministic Clock for tests. Safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	changed *sync.Cond
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
	interval time.Duration // non-zero for tickers
	stopped  bool
}

// Now returns the current fake time.
func (fc *FakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

// After returns a channel that receives once the clock advances past d.
// A non-positive d fires immediately.
func (fc *FakeClock) After(d time.Duration) <-chan time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- fc.now
		return ch
	}
	fc.waiters = append(fc.waiters, &waiter{deadline: fc.now.Add(d), ch: ch})
	fc.changed.Broadcast()
	return ch
}

// Sleep blocks the caller until the clock advances past d.
func (fc *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-fc.After(d)
}

// NewTicker returns a Ticker that fires each time the clock advances across
// another interval boundary. Ticks that find the channel full are dropped,
// matching time.Ticker.
func (fc *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()

	ch := make(chan time.Time, 1)
	w := &waiter{deadline: fc.now.Add(d), ch: ch, interval: d}
	fc.waiters = append(fc.waiters, w)
	fc.changed.Broadcast()

	return &Ticker{
		C: ch,
		stop: func() {
			fc.mu.Lock()
			defer fc.mu.Unlock()
			w.stopped = true
		},
	}
}

// Advance moves the clock forward by d, firing expired waiters in deadline
// order. Tickers spanning several intervals fire once per interval.
func (fc *FakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	fc.now = fc.now.Add(d)
	target := fc.now
	fc.mu.Unlock()

	for {
		fired := fc.takeExpired(target)
		if len(fired) == 0 {
			return
		}
		sort.Slice(fired, func(i, j int) bool {
			return fired[i].deadline.Before(fired[j].deadline)
		})
		for _, w := range fired {
			select {
			case w.ch <- target:
			default:
			}
		}
	}
}

// WaitForWaiters blocks until at least n waiters are pending. It closes the
// race between a goroutine registering a sleep and the test advancing time.
func (fc *FakeClock) WaitForWaiters(n int) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	for fc.pendingLocked() < n {
		fc.changed.Wait()
	}
}

func (fc *FakeClock) takeExpired(target time.Time) []*waiter {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	var fired, remaining []*waiter
	for _, w := range fc.waiters {
		if w.stopped {
			continue
		}
		if !w.deadline.After(target) {
			fired = append(fired, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	for _, w := range fired {
		if w.interval > 0 {
			w.deadline = w.deadline.Add(w.interval)
			remaining = append(remaining, w)
		}
	}
	fc.waiters = remaining
	return fired
}

func (fc *FakeClock) pendingLocked() int {
	n := 0
	for _, w := range fc.waiters {
		if !w.stopped {
			n++
		}
	}
	return n
}
