// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeNowMovesOnlyOnAdvance(t *testing.T) {
	fake := Fake(epoch)
	if got := fake.Now(); !got.Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", got, epoch)
	}
	fake.Advance(3 * time.Second)
	if got, want := fake.Now(), epoch.Add(3*time.Second); !got.Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFakeAfter(t *testing.T) {
	fake := Fake(epoch)
	channel := fake.After(5 * time.Second)

	fake.Advance(4 * time.Second)
	select {
	case <-channel:
		t.Fatal("After fired before its deadline")
	default:
	}

	fake.Advance(time.Second)
	select {
	case got := <-channel:
		if want := epoch.Add(5 * time.Second); !got.Equal(want) {
			t.Fatalf("After delivered %v, want %v", got, want)
		}
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeAfterNonPositiveIsImmediate(t *testing.T) {
	fake := Fake(epoch)
	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) should be ready immediately")
	}
}

func TestFakeAfterFuncFiresOnce(t *testing.T) {
	fake := Fake(epoch)
	calls := 0
	fake.AfterFunc(3*time.Second, func() { calls++ })

	fake.Advance(2 * time.Second)
	if calls != 0 {
		t.Fatalf("callback ran %d times before deadline", calls)
	}
	fake.Advance(time.Second)
	fake.Advance(10 * time.Second)
	if calls != 1 {
		t.Fatalf("callback ran %d times, want 1", calls)
	}
}

func TestFakeAfterFuncStop(t *testing.T) {
	fake := Fake(epoch)
	calls := 0
	timer := fake.AfterFunc(3*time.Second, func() { calls++ })

	if !timer.Stop() {
		t.Fatal("Stop on a pending timer returned false")
	}
	if timer.Stop() {
		t.Fatal("second Stop returned true")
	}
	fake.Advance(5 * time.Second)
	if calls != 0 {
		t.Fatalf("stopped callback ran %d times", calls)
	}
	if got := fake.PendingCount(); got != 0 {
		t.Fatalf("PendingCount() = %d, want 0", got)
	}
}

func TestFakeStopAfterFireReportsFalse(t *testing.T) {
	fake := Fake(epoch)
	timer := fake.AfterFunc(time.Second, func() {})
	fake.Advance(time.Second)
	if timer.Stop() {
		t.Fatal("Stop after firing returned true")
	}
}

func TestFakeCallbacksRunInDeadlineOrder(t *testing.T) {
	fake := Fake(epoch)
	var order []int
	fake.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	fake.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	fake.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	fake.Advance(5 * time.Second)
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("callback order = %v, want [1 2 3]", order)
	}
}

func TestFakeCallbackMaySchedule(t *testing.T) {
	fake := Fake(epoch)
	fired := false
	fake.AfterFunc(time.Second, func() {
		fake.AfterFunc(time.Second, func() { fired = true })
	})

	fake.Advance(time.Second)
	if fired {
		t.Fatal("nested timer fired early")
	}
	fake.Advance(time.Second)
	if !fired {
		t.Fatal("nested timer did not fire")
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	fake := Fake(epoch)
	done := make(chan struct{})
	go func() {
		<-fake.After(time.Minute)
		close(done)
	}()

	fake.WaitForTimers(1)
	fake.Advance(time.Minute)
	select {
	case <-done:
	case <-time.After(5 * time.Second): //nolint:realclock test hang prevention
		t.Fatal("goroutine waiting on After was not released")
	}
}

func TestNilTimerStop(t *testing.T) {
	var timer *Timer
	if timer.Stop() {
		t.Fatal("Stop on nil timer returned true")
	}
}
