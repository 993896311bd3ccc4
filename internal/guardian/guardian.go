// Package guardian wires the alerting pipeline together: sensor samples flow through
// the detector and the debouncer into composed, dispatched alerts, and manual triggers
// and owner replies enter the same path.
package guardian

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/SOSPipe/internal/dispatch"
	"github.com/BTreeMap/SOSPipe/internal/models"
	"github.com/BTreeMap/SOSPipe/internal/motion"
	"github.com/BTreeMap/SOSPipe/internal/trigger"
	"github.com/google/uuid"
)

// DefaultIncidentTimeout bounds the work done for one incident.
const DefaultIncidentTimeout = 2 * time.Minute

var errStopped = errors.New("guardian stopped")

// Composer builds the alert payload for an incident.
type Composer interface {
	Compose(ctx context.Context, incident models.Incident) (models.AlertPayload, error)
}

// Router delivers incidents.
type Router interface {
	Dispatch(ctx context.Context, incident models.Incident, compose dispatch.PayloadFunc) (models.Outcome, error)
	SendDirect(ctx context.Context, incident models.Incident, payload models.AlertPayload) (models.Outcome, error)
	Strategy() dispatch.Strategy
}

// Notifier reports failures of user-initiated alerts back to the owner.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Settings is the part of the store the guardian reads and writes.
type Settings interface {
	SaveContacts(contacts []string) error
	GetContacts() ([]string, error)
	SaveProfile(p models.Profile) error
	GetProfile() (models.Profile, bool, error)
	AddReceipt(r models.Receipt) error
}

// Result describes what happened to one trigger.
type Result struct {
	Incident   models.Incident `json:"incident"`
	Suppressed bool            `json:"suppressed"`
	Outcome    models.Outcome  `json:"outcome"`
}

// Status is a snapshot for the status endpoint.
type Status struct {
	Armed        bool          `json:"armed"`
	TriggerState trigger.State `json:"trigger_state"`
	Strategy     string        `json:"strategy"`
	Contacts     int           `json:"contacts"`
	Threshold    float64       `json:"threshold"`
	Cooldown     string        `json:"cooldown"`
}

// Guardian owns the pipeline lifecycle.
type Guardian struct {
	sampler   *motion.Sampler
	detector  motion.Detector
	debouncer *trigger.Debouncer
	composer  Composer
	router    Router
	settings  Settings
	notifier  Notifier
	timeout   time.Duration
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sub      *motion.Subscription
	stopped  bool
	inflight sync.WaitGroup
}

// Option configures a Guardian.
type Option func(*Guardian)

// WithNotifier sets the owner notifier used for failures of user-initiated alerts.
func WithNotifier(n Notifier) Option {
	return func(g *Guardian) {
		g.notifier = n
	}
}

// WithIncidentTimeout overrides DefaultIncidentTimeout.
func WithIncidentTimeout(d time.Duration) Option {
	return func(g *Guardian) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// New creates a disarmed Guardian.
func New(sampler *motion.Sampler, detector motion.Detector, debouncer *trigger.Debouncer, composer Composer, router Router, settings Settings, opts ...Option) *Guardian {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Guardian{
		sampler:   sampler,
		detector:  detector,
		debouncer: debouncer,
		composer:  composer,
		router:    router,
		settings:  settings,
		timeout:   DefaultIncidentTimeout,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// validContacts returns the saved non-blank contacts or ErrNoContactsConfigured.
func (g *Guardian) validContacts() ([]string, error) {
	contacts, err := g.settings.GetContacts()
	if err != nil {
		return nil, fmt.Errorf("failed to load contacts: %w", err)
	}
	valid := models.FilterContacts(contacts)
	if len(valid) == 0 {
		return nil, models.ErrNoContactsConfigured
	}
	return valid, nil
}

// Arm starts sampling. It refuses with ErrNoContactsConfigured when no contact is saved.
// Arming an armed guardian is a no-op.
func (g *Guardian) Arm(ctx context.Context) error {
	if _, err := g.validContacts(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return errStopped
	}
	if g.sub != nil {
		return nil
	}
	g.sub = g.sampler.Start(ctx, g.HandleSample)
	slog.Info("Guardian armed", "interval", g.sampler.Interval(), "threshold", g.detector.Threshold)
	return nil
}

// Disarm stops sampling and waits for the sampling loop to exit.
func (g *Guardian) Disarm() {
	g.mu.Lock()
	sub := g.sub
	g.sub = nil
	g.mu.Unlock()
	if sub != nil {
		sub.Cancel()
		slog.Info("Guardian disarmed")
	}
}

// Armed reports whether sampling is active.
func (g *Guardian) Armed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sub != nil
}

// HandleSample is the sampler callback: threshold, then debounce, then an
// asynchronous incident. It never blocks on composition or dispatch.
func (g *Guardian) HandleSample(s models.Sample) {
	if !g.detector.IsImpact(s) {
		return
	}
	magnitude := s.Magnitude()
	incident, ok := g.debouncer.Trigger(models.TriggerSourceImpact, magnitude)
	if !ok {
		slog.Debug("Guardian impact suppressed by cooldown", "magnitude", magnitude)
		return
	}
	slog.Warn("Guardian impact detected", "incident", incident.ID, "magnitude", magnitude)

	ctx, done, err := g.detach(context.Background())
	if err != nil {
		return
	}
	go func() {
		defer done()
		if _, err := g.handleIncident(ctx, incident); err != nil {
			g.reportFailure(ctx, incident, err)
		}
	}()
}

// detach returns the context one incident runs under: ctx's values without its
// cancellation, bounded by the incident timeout. Stop waits for every done.
func (g *Guardian) detach(ctx context.Context) (context.Context, func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return nil, nil, errStopped
	}
	g.inflight.Add(1)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
	return ctx, func() {
		cancel()
		g.inflight.Done()
	}, nil
}

// handleIncident checks for contacts before anything is sent, then dispatches with
// the configured strategy.
func (g *Guardian) handleIncident(ctx context.Context, incident models.Incident) (models.Outcome, error) {
	if _, err := g.validContacts(); err != nil {
		return models.Outcome{}, err
	}
	return g.router.Dispatch(ctx, incident, func(ctx context.Context) (models.AlertPayload, error) {
		return g.composer.Compose(ctx, incident)
	})
}

// TriggerManual is the user-initiated trigger. It shares the debouncer with the sensor
// path and reports failures to the caller instead of only logging them. Once accepted,
// the incident runs to completion even if ctx is cancelled.
func (g *Guardian) TriggerManual(ctx context.Context) (Result, error) {
	ctx, done, err := g.detach(ctx)
	if err != nil {
		return Result{}, err
	}
	defer done()

	incident, ok := g.debouncer.Trigger(models.TriggerSourceManual, 0)
	if !ok {
		slog.Info("Guardian manual trigger suppressed by cooldown")
		return Result{Suppressed: true}, nil
	}
	slog.Warn("Guardian manual trigger", "incident", incident.ID)

	out, err := g.handleIncident(ctx, incident)
	res := Result{Incident: incident, Outcome: out}
	if err != nil {
		slog.Error("Guardian manual trigger failed", "incident", incident.ID, "error", err)
		return res, err
	}
	return res, nil
}

// SendAlertNow composes a fresh payload and sends it directly to the contacts. It is
// the action behind a send-sms reply, used by both the live listener and the
// cold-start check. It skips the debouncer: the owner already chose to send. The
// reply is latched before this runs, so cancelling ctx does not abort the send.
// Failures are reported to the owner.
func (g *Guardian) SendAlertNow(ctx context.Context) error {
	ctx, done, err := g.detach(ctx)
	if err != nil {
		return err
	}
	defer done()

	incident := models.Incident{
		ID:     uuid.NewString(),
		Source: models.TriggerSourceResponse,
		At:     g.now(),
	}

	payload, err := g.composer.Compose(ctx, incident)
	if err == nil {
		_, err = g.router.SendDirect(ctx, incident, payload)
	}
	if err != nil {
		g.reportFailure(ctx, incident, err)
		return err
	}
	return nil
}

// reportFailure logs every failure and additionally tells the owner about
// failures of user-initiated incidents.
func (g *Guardian) reportFailure(ctx context.Context, incident models.Incident, err error) {
	slog.Error("Guardian incident failed", "incident", incident.ID, "source", incident.Source, "error", err)
	if !incident.Source.UserInitiated() || g.notifier == nil {
		return
	}
	msg := fmt.Sprintf("SOSPipe could not send your emergency alert: %v", err)
	if nerr := g.notifier.Notify(ctx, msg); nerr != nil {
		slog.Error("Guardian failed to notify owner", "incident", incident.ID, "error", nerr)
	}
}

// SaveContacts validates and stores the contact slots, then arms when at least one
// contact is set and disarms otherwise. An all-blank list is stored so the user can
// clear their contacts, and reported as ErrNoContactsConfigured.
func (g *Guardian) SaveContacts(contacts []string) error {
	verr := models.ValidateContacts(contacts)
	if verr != nil && !errors.Is(verr, models.ErrNoContactsConfigured) {
		return verr
	}
	if err := g.settings.SaveContacts(contacts); err != nil {
		return fmt.Errorf("failed to save contacts: %w", err)
	}
	if verr != nil {
		g.Disarm()
		return verr
	}
	return g.Arm(g.ctx)
}

// Contacts returns the saved contact slots.
func (g *Guardian) Contacts() ([]string, error) {
	contacts, err := g.settings.GetContacts()
	if err != nil {
		return nil, err
	}
	if contacts == nil {
		contacts = []string{}
	}
	return contacts, nil
}

// SaveProfile stores the medical profile as entered.
func (g *Guardian) SaveProfile(p models.Profile) error {
	if err := g.settings.SaveProfile(p); err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

// Profile returns the saved profile with Unspecified defaults applied.
func (g *Guardian) Profile() (models.Profile, error) {
	p, _, err := g.settings.GetProfile()
	if err != nil {
		return models.Profile{}, err
	}
	return p.WithDefaults(), nil
}

// Status returns a snapshot of the pipeline state.
func (g *Guardian) Status() Status {
	contacts, _ := g.settings.GetContacts()
	return Status{
		Armed:        g.Armed(),
		TriggerState: g.debouncer.State(),
		Strategy:     g.router.Strategy().String(),
		Contacts:     len(models.FilterContacts(contacts)),
		Threshold:    g.detector.Threshold,
		Cooldown:     g.debouncer.Cooldown().String(),
	}
}

// TrackReceipts stores provider delivery receipts until ctx is done or ch closes.
func (g *Guardian) TrackReceipts(ctx context.Context, ch <-chan models.Receipt) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-ch:
			if !ok {
				return
			}
			if err := g.settings.AddReceipt(r); err != nil {
				slog.Warn("Guardian failed to store delivery receipt", "to", r.To, "error", err)
			}
		}
	}
}

// Stop disarms, clears the cooldown timer and waits for in-flight incidents.
func (g *Guardian) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	g.mu.Unlock()

	g.Disarm()
	g.debouncer.Stop()
	g.inflight.Wait()
	g.cancel()
	slog.Info("Guardian stopped")
}
