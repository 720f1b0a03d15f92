// Package clock provides an injectable time source for the pull client.
//
// Every timer the client owns (reconnect backoff, liveness window, watch
// extension, status debounce, RPC timeouts) is created through a Clock so
// tests can drive them with Fake and Advance instead of sleeping.
package clock

import "time"

// Clock abstracts the time operations used by the client.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d elapses.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f in its own goroutine (real) or synchronously during
	// Advance (fake) once d elapses.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a pending AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the timer from firing. It reports whether the call stopped
// the timer; false means it already fired or was stopped.
func (t *Timer) Stop() bool {
	if t == nil || t.stopFunc == nil {
		return false
	}
	return t.stopFunc()
}
