// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time operations for testability. Production
// code injects Real(); tests inject Fake() and advance time
// deterministically. Invitation expiration, CRDT change timestamps,
// and the session's re-announce grace timer all read time through a
// Clock so their behavior is reproducible in tests.
package clock

import "time"

// Clock provides the current time and timer primitives. Every
// production function that would call time.Now, time.After, or
// time.AfterFunc accepts a Clock (or is a method on a struct with a
// Clock field) instead of calling the time package directly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after
	// duration d elapses. If d <= 0, the channel receives
	// immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for duration d, then calls f in its own
	// goroutine. The returned Timer can cancel the pending call via
	// Stop.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer represents a single pending AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop cancels the pending call. Reports whether the call was still
// pending (false if it already fired or was stopped).
func (t *Timer) Stop() bool { return t.stopFunc() }
