// Package trigger converts bursty impact signals and manual triggers into at most
// one incident per cooldown window.
package trigger

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Timer is a pending scheduled callback.
type Timer interface {
	// Stop cancels the callback. It returns false if the callback already fired or was stopped.
	Stop() bool
}

// Scheduler arms one-shot callbacks. The debouncer never calls time.AfterFunc directly.
type Scheduler interface {
	AfterFunc(delay time.Duration, fn func()) Timer
}

// SimpleTimer implements Scheduler using Go's standard time package and keeps
// track of pending timers so they can all be stopped on teardown.
type SimpleTimer struct {
	timers map[string]*time.Timer
	mu     sync.Mutex
	nextID int64
}

// NewSimpleTimer creates a new SimpleTimer.
func NewSimpleTimer() *SimpleTimer {
	return &SimpleTimer{
		timers: make(map[string]*time.Timer),
	}
}

type simpleTimerHandle struct {
	owner *SimpleTimer
	id    string
}

func (h simpleTimerHandle) Stop() bool {
	return h.owner.cancel(h.id)
}

// AfterFunc schedules fn to run after delay.
func (t *SimpleTimer) AfterFunc(delay time.Duration, fn func()) Timer {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := fmt.Sprintf("timer_%d", t.nextID)

	timer := time.AfterFunc(delay, func() {
		t.mu.Lock()
		_, live := t.timers[id]
		delete(t.timers, id)
		t.mu.Unlock()
		if !live {
			return
		}
		slog.Debug("SimpleTimer executing scheduled function", "id", id)
		fn()
	})
	t.timers[id] = timer

	slog.Debug("SimpleTimer scheduled", "id", id, "delay", delay)
	return simpleTimerHandle{owner: t, id: id}
}

// cancel stops a scheduled function by ID. It returns false if the timer is unknown.
func (t *SimpleTimer) cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	timer, exists := t.timers[id]
	if !exists {
		slog.Debug("SimpleTimer cancel: timer not found", "id", id)
		return false
	}
	timer.Stop()
	delete(t.timers, id)
	slog.Debug("SimpleTimer cancel succeeded", "id", id)
	return true
}

// Stop cancels all scheduled timers.
func (t *SimpleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, timer := range t.timers {
		timer.Stop()
	}
	slog.Debug("SimpleTimer stopped all timers", "count", len(t.timers))
	t.timers = make(map[string]*time.Timer)
}

// ManualScheduler is a Scheduler driven by an explicit clock, for tests.
// Callbacks run synchronously inside Advance.
type ManualScheduler struct {
	mu      sync.Mutex
	now     time.Time
	pending []*manualTimer
}

type manualTimer struct {
	owner *ManualScheduler
	at    time.Time
	fn    func()
	done  bool
}

// NewManualScheduler creates a ManualScheduler whose clock starts at start.
func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start}
}

// Now returns the scheduler's current time.
func (m *ManualScheduler) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc arms fn to fire once the clock reaches now+delay.
func (m *ManualScheduler) AfterFunc(delay time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt := &manualTimer{owner: m, at: m.now.Add(delay), fn: fn}
	m.pending = append(m.pending, mt)
	return mt
}

func (mt *manualTimer) Stop() bool {
	mt.owner.mu.Lock()
	defer mt.owner.mu.Unlock()
	if mt.done {
		return false
	}
	mt.done = true
	return true
}

// Pending returns the number of armed timers.
func (m *ManualScheduler) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, mt := range m.pending {
		if !mt.done {
			n++
		}
	}
	return n
}

// Advance moves the clock forward and fires every timer that came due, in order.
func (m *ManualScheduler) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	var due []*manualTimer
	kept := m.pending[:0]
	for _, mt := range m.pending {
		switch {
		case mt.done:
		case !mt.at.After(now):
			mt.done = true
			due = append(due, mt)
		default:
			kept = append(kept, mt)
		}
	}
	m.pending = kept
	m.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, mt := range due {
		mt.fn()
	}
}
