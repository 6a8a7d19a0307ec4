// Package clock abstracts time for components that schedule retries, expire
// messages, and run periodic work. Production code uses Real; tests drive a
// Fake deterministically with Advance.
package clock

import "time"

// Clock is the time source injected into the outbound queue, the OTA
// controller, and the health validator.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers ticks on C at a fixed interval until stopped.
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

// Stop turns off the ticker. No more ticks will be delivered.
func (t *Ticker) Stop() {
	if t.stop != nil {
		t.stop()
	}
}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (realClock) Sleep(d time.Duration)                  { time.Sleep(d) }

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}
