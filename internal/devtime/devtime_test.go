/*
 * ppmprog - Discrete event scheduler tests.
 */

package devtime_test

import (
	"testing"
	"time"

	"github.com/ppmprog/ppmprog/internal/devtime"
)

func TestAfterOrdersByDelay(t *testing.T) {
	var sched devtime.Scheduler
	var order []int

	sched.After(30*time.Millisecond, nil, 3, func(tag int) { order = append(order, tag) })
	sched.After(10*time.Millisecond, nil, 1, func(tag int) { order = append(order, tag) })
	sched.After(20*time.Millisecond, nil, 2, func(tag int) { order = append(order, tag) })

	sched.RunUntilIdle()

	want := []int{1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestAfterZeroDelayRunsInline(t *testing.T) {
	var sched devtime.Scheduler
	ran := false
	sched.After(0, nil, 0, func(int) { ran = true })
	if !ran {
		t.Fatal("zero delay callback did not run inline")
	}
	if sched.Pending() {
		t.Fatal("scheduler should have nothing pending after inline callback")
	}
}

func TestCancelRemovesOwnedEvent(t *testing.T) {
	var sched devtime.Scheduler
	fired := false
	owner := new(int)

	sched.After(10*time.Millisecond, owner, 1, func(int) { fired = true })
	sched.Cancel(owner, 1)
	sched.RunUntilIdle()

	if fired {
		t.Fatal("cancelled event fired")
	}
}

func TestAdvanceFiresEventsUpToHorizon(t *testing.T) {
	var sched devtime.Scheduler
	count := 0

	sched.After(5*time.Millisecond, nil, 0, func(int) { count++ })
	sched.After(15*time.Millisecond, nil, 0, func(int) { count++ })

	sched.Advance(10 * time.Millisecond)
	if count != 1 {
		t.Fatalf("count after partial advance = %d, want 1", count)
	}

	sched.Advance(10 * time.Millisecond)
	if count != 2 {
		t.Fatalf("count after full advance = %d, want 2", count)
	}
}

func TestNowTracksElapsedTime(t *testing.T) {
	var sched devtime.Scheduler
	sched.After(5*time.Millisecond, nil, 0, func(int) {})
	sched.RunUntilIdle()
	if sched.Now() != 5*time.Millisecond {
		t.Fatalf("Now() = %v, want 5ms", sched.Now())
	}
}
