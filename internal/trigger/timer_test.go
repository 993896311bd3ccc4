package trigger

import (
	"testing"
	"time"
)

func TestSimpleTimerFires(t *testing.T) {
	timer := NewSimpleTimer()
	defer timer.Stop()

	fired := make(chan struct{})
	h := timer.AfterFunc(5*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	if h.Stop() {
		t.Error("expected Stop on a fired timer to report nothing cancelled")
	}
}

func TestSimpleTimerStopHandle(t *testing.T) {
	timer := NewSimpleTimer()
	defer timer.Stop()

	fired := make(chan struct{}, 1)
	h := timer.AfterFunc(50*time.Millisecond, func() { fired <- struct{}{} })

	if !h.Stop() {
		t.Error("expected first Stop to cancel the timer")
	}
	if h.Stop() {
		t.Error("expected second Stop to report nothing cancelled")
	}

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSimpleTimerStopAll(t *testing.T) {
	timer := NewSimpleTimer()
	var handles []Timer
	for i := 0; i < 3; i++ {
		handles = append(handles, timer.AfterFunc(time.Hour, func() {}))
	}
	timer.Stop()
	for i, h := range handles {
		if h.Stop() {
			t.Errorf("expected timer %d to be gone after Stop", i)
		}
	}
}

func TestManualSchedulerOrder(t *testing.T) {
	sched := NewManualScheduler(time.Unix(0, 0))
	var order []int
	sched.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	sched.AfterFunc(time.Second, func() { order = append(order, 1) })
	stopped := sched.AfterFunc(2*time.Second, func() { order = append(order, 2) })
	stopped.Stop()

	sched.Advance(5 * time.Second)
	if len(order) != 2 || order[0] != 1 || order[1] != 3 {
		t.Errorf("unexpected firing order %v", order)
	}
	if sched.Pending() != 0 {
		t.Errorf("expected no pending timers, got %d", sched.Pending())
	}
}
