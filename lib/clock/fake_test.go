// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFake_NowIsStable(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fake := Fake(start)

	if got := fake.Now(); !got.Equal(start) {
		t.Errorf("Now() = %v, want %v", got, start)
	}
	if got := fake.Now(); !got.Equal(start) {
		t.Errorf("second Now() = %v, want %v", got, start)
	}
}

func TestFake_AfterFiresOnAdvance(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	ch := fake.After(5 * time.Second)

	select {
	case <-ch:
		t.Fatal("After fired before Advance")
	default:
	}

	fake.Advance(5 * time.Second)

	select {
	case <-ch:
	default:
		t.Fatal("After did not fire after Advance past deadline")
	}
}

func TestFake_AfterFuncStop(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	fired := false
	timer := fake.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Fatal("Stop() = false for a pending timer")
	}
	fake.Advance(2 * time.Second)

	if fired {
		t.Error("stopped AfterFunc callback still fired")
	}
	if timer.Stop() {
		t.Error("second Stop() = true, want false")
	}
}

func TestFake_AfterFuncOrder(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	var order []int
	fake.AfterFunc(2*time.Second, func() { order = append(order, 2) })
	fake.AfterFunc(1*time.Second, func() { order = append(order, 1) })

	fake.Advance(3 * time.Second)

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("callbacks fired in order %v, want [1 2]", order)
	}
}
