// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Real returns a Clock that delegates to the time package. Production
// code uses this; tests substitute a Fake.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stopFunc: timer.Stop}
}
