// Package clock abstracts wall-clock reads and one-shot timers so that
// components holding ring/connect/grace timers can be driven deterministically
// in tests.
package clock

import "time"

// Clock provides the current time and one-shot timer scheduling.
type Clock interface {
	Now() time.Time

	// AfterFunc schedules fn to run after d. The returned Timer can be
	// stopped; Stop after firing is a no-op.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancellable pending callback.
type Timer interface {
	// Stop cancels the timer. It reports whether the call prevented the
	// callback from firing.
	Stop() bool
}

type realClock struct{}

// New returns a Clock backed by the time package.
func New() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return realTimer{t: time.AfterFunc(d, fn)}
}

type realTimer struct{ t *time.Timer }

func (rt realTimer) Stop() bool { return rt.t.Stop() }
