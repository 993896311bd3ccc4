package trigger

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/SOSPipe/internal/models"
)

// DefaultCooldown is the incident cooldown used when none is configured.
const DefaultCooldown = 15 * time.Second

// State is the debouncer state.
type State string

const (
	// StateIdle accepts the next trigger as a new incident.
	StateIdle State = "idle"
	// StateCooldown drops every trigger until the cooldown timer fires.
	StateCooldown State = "cooldown"
)

// Debouncer is the incident state machine. A trigger in Idle emits one incident and
// enters Cooldown; triggers in Cooldown are dropped without resetting the timer.
type Debouncer struct {
	mu       sync.Mutex
	state    State
	timer    Timer
	cooldown time.Duration
	sched    Scheduler
	now      func() time.Time
	// generation ties a timer callback to the cooldown that armed it, so a
	// callback racing with Stop cannot reopen a later cooldown.
	generation uint64
}

// Option configures a Debouncer.
type Option func(*Debouncer)

// WithClock overrides the clock used to timestamp incidents.
func WithClock(now func() time.Time) Option {
	return func(d *Debouncer) { d.now = now }
}

// NewDebouncer creates an Idle debouncer.
func NewDebouncer(cooldown time.Duration, sched Scheduler, opts ...Option) *Debouncer {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if sched == nil {
		sched = NewSimpleTimer()
	}
	d := &Debouncer{
		state:    StateIdle,
		cooldown: cooldown,
		sched:    sched,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Trigger offers a trigger to the state machine. It returns the new incident and
// true when the trigger was accepted, or false when it was dropped during cooldown.
// The state check and the transition happen under one lock.
func (d *Debouncer) Trigger(source models.TriggerSource, magnitude float64) (models.Incident, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateCooldown {
		slog.Debug("Debouncer dropped trigger during cooldown", "source", source, "magnitude", magnitude)
		return models.Incident{}, false
	}

	d.state = StateCooldown
	d.generation++
	gen := d.generation
	d.timer = d.sched.AfterFunc(d.cooldown, func() { d.expire(gen) })

	incident := models.Incident{
		ID:        uuid.NewString(),
		Source:    source,
		Magnitude: magnitude,
		At:        d.now(),
	}
	slog.Info("Debouncer accepted trigger", "incident_id", incident.ID, "source", source, "cooldown", d.cooldown)
	return incident, true
}

func (d *Debouncer) expire(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.generation || d.state != StateCooldown {
		return
	}
	d.state = StateIdle
	d.timer = nil
	slog.Debug("Debouncer cooldown elapsed, accepting triggers")
}

// State returns the current state.
func (d *Debouncer) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Cooldown returns the configured cooldown.
func (d *Debouncer) Cooldown() time.Duration {
	return d.cooldown
}

// Stop cancels a pending cooldown timer and returns to Idle.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.generation++
	d.state = StateIdle
}
