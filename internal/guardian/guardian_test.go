package guardian

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/SOSPipe/internal/alert"
	"github.com/BTreeMap/SOSPipe/internal/dispatch"
	"github.com/BTreeMap/SOSPipe/internal/messaging"
	"github.com/BTreeMap/SOSPipe/internal/models"
	"github.com/BTreeMap/SOSPipe/internal/motion"
	"github.com/BTreeMap/SOSPipe/internal/store"
	"github.com/BTreeMap/SOSPipe/internal/testutil"
	"github.com/BTreeMap/SOSPipe/internal/trigger"
	"github.com/BTreeMap/SOSPipe/internal/twiliosms"
)

const (
	testContact = "+905551112233"
	testOwner   = "+15550001111"
)

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *fakeNotifier) Notify(ctx context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	return nil
}

func (n *fakeNotifier) Messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

type harness struct {
	g        *Guardian
	st       *store.InMemoryStore
	sms      *twiliosms.MockClient
	sensor   *motion.PeakSensor
	location *alert.StaticProvider
	notifier *fakeNotifier
}

// slowLocation answers after delay unless the fetch context ends first.
type slowLocation struct {
	delay   time.Duration
	started chan struct{}
	once    sync.Once
}

func newSlowLocation(delay time.Duration) *slowLocation {
	return &slowLocation{delay: delay, started: make(chan struct{})}
}

func (l *slowLocation) RequestPermission(ctx context.Context) (bool, error) {
	return true, nil
}

func (l *slowLocation) CurrentPosition(ctx context.Context) (models.Position, error) {
	l.once.Do(func() { close(l.started) })
	select {
	case <-time.After(l.delay):
		return models.Position{Latitude: 39, Longitude: 35, CapturedAt: time.Now()}, nil
	case <-ctx.Done():
		return models.Position{}, ctx.Err()
	}
}

func newHarness(t *testing.T, strategy dispatch.Strategy, sched trigger.Scheduler) *harness {
	t.Helper()
	return newHarnessWithLocation(t, strategy, sched, nil)
}

// newHarnessWithLocation builds a harness whose composer reads loc, or the
// harness's static provider when loc is nil.
func newHarnessWithLocation(t *testing.T, strategy dispatch.Strategy, sched trigger.Scheduler, loc alert.LocationProvider) *harness {
	t.Helper()
	h := &harness{
		st:       store.NewInMemoryStore(),
		sms:      twiliosms.NewMockClient(),
		sensor:   motion.NewPeakSensor(),
		location: alert.NewStaticProvider(39.0, 35.0),
		notifier: &fakeNotifier{},
	}
	if loc == nil {
		loc = h.location
	}
	svc := messaging.NewTwilioService(h.sms)
	router, err := dispatch.NewRouter(strategy, messaging.NewChannel(svc), messaging.NewOwnerNotifier(svc, testOwner), h.st)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	h.g = New(
		motion.NewSampler(h.sensor, 5*time.Millisecond),
		motion.NewDetector(motion.DefaultThreshold),
		trigger.NewDebouncer(trigger.DefaultCooldown, sched),
		alert.NewComposer(loc, h.st),
		router,
		h.st,
		WithNotifier(h.notifier),
		WithIncidentTimeout(5*time.Second),
	)
	t.Cleanup(h.g.Stop)
	return h
}

func TestImpactSendsExactlyOneSMS(t *testing.T) {
	h := newHarness(t, dispatch.StrategyDirect, nil)
	if err := h.st.SaveContacts([]string{testContact, "", ""}); err != nil {
		t.Fatalf("SaveContacts failed: %v", err)
	}
	if err := h.g.Arm(context.Background()); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}

	// Resting reading, well below the threshold.
	h.sensor.Push(models.Sample{X: 0, Y: 0, Z: 9.8})
	time.Sleep(20 * time.Millisecond)
	if n := len(h.sms.Sent()); n != 0 {
		t.Fatalf("expected no SMS for a resting sample, got %d", n)
	}

	h.sensor.Push(models.Sample{X: 6, Y: 6, Z: 6})
	if !testutil.WaitFor(t, 2*time.Second, func() bool { return len(h.sms.Sent()) >= 1 }) {
		t.Fatal("expected an SMS after the impact")
	}

	// Further impacts during the cooldown are dropped.
	for i := 0; i < 5; i++ {
		h.sensor.Push(models.Sample{X: 20, Y: 20, Z: 20})
		time.Sleep(10 * time.Millisecond)
	}

	sent := h.sms.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected exactly one SMS, got %d", len(sent))
	}
	if sent[0].To != testContact {
		t.Errorf("expected SMS to %s, got %s", testContact, sent[0].To)
	}
	if !strings.Contains(sent[0].Body, "39.000000,35.000000") {
		t.Errorf("expected body to contain the map link coordinates, got %q", sent[0].Body)
	}
	if !strings.HasPrefix(sent[0].Body, alert.EmergencyStatement) {
		t.Errorf("expected body to start with the emergency statement, got %q", sent[0].Body)
	}

	testutil.AssertReceiptStatuses(t, h.st, models.MessageStatusSent)
}

func TestArmRequiresContacts(t *testing.T) {
	h := newHarness(t, dispatch.StrategyDirect, nil)
	if err := h.g.Arm(context.Background()); !errors.Is(err, models.ErrNoContactsConfigured) {
		t.Fatalf("expected ErrNoContactsConfigured, got %v", err)
	}
	if h.g.Armed() {
		t.Error("guardian must stay disarmed without contacts")
	}

	if err := h.st.SaveContacts([]string{"", "  ", ""}); err != nil {
		t.Fatalf("SaveContacts failed: %v", err)
	}
	if err := h.g.Arm(context.Background()); !errors.Is(err, models.ErrNoContactsConfigured) {
		t.Fatalf("expected ErrNoContactsConfigured for blank slots, got %v", err)
	}
}

func TestArmIsIdempotent(t *testing.T) {
	h := newHarness(t, dispatch.StrategyDirect, nil)
	h.st.SaveContacts([]string{testContact})
	for i := 0; i < 3; i++ {
		if err := h.g.Arm(context.Background()); err != nil {
			t.Fatalf("Arm #%d failed: %v", i, err)
		}
	}
	if !h.g.Armed() {
		t.Fatal("expected guardian to be armed")
	}
	h.g.Disarm()
	if h.g.Armed() {
		t.Fatal("expected guardian to be disarmed")
	}
}

func TestSaveContactsArmsAndDisarms(t *testing.T) {
	h := newHarness(t, dispatch.StrategyDirect, nil)

	if err := h.g.SaveContacts([]string{"+1", "+2", "+3", "+4"}); !errors.Is(err, models.ErrTooManyContacts) {
		t.Fatalf("expected ErrTooManyContacts, got %v", err)
	}
	if err := h.g.SaveContacts([]string{"mom"}); !errors.Is(err, models.ErrInvalidContacts) {
		t.Fatalf("expected ErrInvalidContacts, got %v", err)
	}
	if got, _ := h.g.Contacts(); len(got) != 0 {
		t.Fatalf("rejected contacts must not be stored, got %v", got)
	}

	if err := h.g.SaveContacts([]string{testContact, ""}); err != nil {
		t.Fatalf("SaveContacts failed: %v", err)
	}
	if !h.g.Armed() {
		t.Fatal("expected saving a contact to arm the guardian")
	}
	got, _ := h.g.Contacts()
	if len(got) != 2 || got[0] != testContact {
		t.Errorf("unexpected stored contacts: %v", got)
	}

	if err := h.g.SaveContacts([]string{"", ""}); !errors.Is(err, models.ErrNoContactsConfigured) {
		t.Fatalf("expected ErrNoContactsConfigured, got %v", err)
	}
	if h.g.Armed() {
		t.Fatal("expected clearing contacts to disarm the guardian")
	}
}

func TestTriggerManualSharesCooldown(t *testing.T) {
	sched := trigger.NewManualScheduler(time.Now())
	h := newHarness(t, dispatch.StrategyDirect, sched)
	h.st.SaveContacts([]string{testContact})

	res, err := h.g.TriggerManual(context.Background())
	if err != nil {
		t.Fatalf("TriggerManual failed: %v", err)
	}
	if res.Suppressed || res.Incident.Source != models.TriggerSourceManual {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.Outcome.Sent) != 1 {
		t.Errorf("expected one recipient reached, got %+v", res.Outcome)
	}

	// An impact in the cooldown window is dropped as well.
	h.g.HandleSample(models.Sample{X: 30})
	res, err = h.g.TriggerManual(context.Background())
	if err != nil || !res.Suppressed {
		t.Fatalf("expected suppression during cooldown, got %+v, %v", res, err)
	}
	if n := len(h.sms.Sent()); n != 1 {
		t.Fatalf("expected one SMS during cooldown, got %d", n)
	}

	sched.Advance(trigger.DefaultCooldown)
	res, err = h.g.TriggerManual(context.Background())
	if err != nil || res.Suppressed {
		t.Fatalf("expected acceptance after cooldown, got %+v, %v", res, err)
	}
	if n := len(h.sms.Sent()); n != 2 {
		t.Fatalf("expected two SMS after cooldown, got %d", n)
	}
}

func TestTriggerManualErrors(t *testing.T) {
	t.Run("no contacts", func(t *testing.T) {
		h := newHarness(t, dispatch.StrategyDirect, nil)
		_, err := h.g.TriggerManual(context.Background())
		if !errors.Is(err, models.ErrNoContactsConfigured) {
			t.Fatalf("expected ErrNoContactsConfigured, got %v", err)
		}
		if n := len(h.sms.Sent()); n != 0 {
			t.Errorf("expected nothing sent, got %d", n)
		}
	})

	t.Run("permission denied", func(t *testing.T) {
		h := newHarness(t, dispatch.StrategyDirect, nil)
		h.st.SaveContacts([]string{testContact})
		h.location.SetPermission(false)
		_, err := h.g.TriggerManual(context.Background())
		if !errors.Is(err, models.ErrPermissionDenied) {
			t.Fatalf("expected ErrPermissionDenied, got %v", err)
		}
		if n := len(h.sms.Sent()); n != 0 {
			t.Errorf("expected nothing sent, got %d", n)
		}
	})
}

func TestPromptStrategyMessagesOwnerOnly(t *testing.T) {
	h := newHarness(t, dispatch.StrategyPrompt, nil)
	h.st.SaveContacts([]string{testContact})
	// Prompt-only never reads the location.
	h.location.SetPermission(false)

	if _, err := h.g.TriggerManual(context.Background()); err != nil {
		t.Fatalf("TriggerManual failed: %v", err)
	}
	sent := h.sms.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected one prompt, got %d", len(sent))
	}
	if sent[0].To != testOwner || sent[0].Body != messaging.PromptText {
		t.Errorf("unexpected prompt: %+v", sent[0])
	}
}

func TestSendAlertNow(t *testing.T) {
	h := newHarness(t, dispatch.StrategyPrompt, nil)
	testutil.SeedSettings(t, h.st, []string{testContact, "+905554443322"}, models.Profile{Age: "34", BloodType: "A+"})

	if err := h.g.SendAlertNow(context.Background()); err != nil {
		t.Fatalf("SendAlertNow failed: %v", err)
	}
	sent := h.sms.Sent()
	if len(sent) != 2 {
		t.Fatalf("expected two SMS, got %d", len(sent))
	}
	if !strings.Contains(sent[0].Body, "Blood type: A+") {
		t.Errorf("expected profile in body, got %q", sent[0].Body)
	}
	if len(h.notifier.Messages()) != 0 {
		t.Errorf("expected no owner notice on success, got %v", h.notifier.Messages())
	}
}

func TestSendAlertNowReportsFailureToOwner(t *testing.T) {
	h := newHarness(t, dispatch.StrategyPrompt, nil)
	h.st.SaveContacts([]string{testContact})
	h.location.SetPermission(false)

	err := h.g.SendAlertNow(context.Background())
	if !errors.Is(err, models.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	msgs := h.notifier.Messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0], models.ErrPermissionDenied.Error()) {
		t.Errorf("expected one owner notice naming the failure, got %v", msgs)
	}
}

func TestImpactFailureIsNotReportedToOwner(t *testing.T) {
	h := newHarness(t, dispatch.StrategyDirect, nil)
	h.st.SaveContacts([]string{testContact})
	h.location.SetPermission(false)

	h.g.HandleSample(models.Sample{X: 30})
	h.g.Stop()

	if n := len(h.notifier.Messages()); n != 0 {
		t.Errorf("expected impact failures to stay in the log, got %d notices", n)
	}
	if n := len(h.sms.Sent()); n != 0 {
		t.Errorf("expected nothing sent, got %d", n)
	}
}

func TestProfileDefaults(t *testing.T) {
	h := newHarness(t, dispatch.StrategyDirect, nil)
	p, err := h.g.Profile()
	if err != nil {
		t.Fatalf("Profile failed: %v", err)
	}
	if p.Age != models.Unspecified || p.Weight != models.Unspecified {
		t.Errorf("expected unspecified defaults, got %+v", p)
	}
	if err := h.g.SaveProfile(models.Profile{Height: "1.80"}); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}
	p, _ = h.g.Profile()
	if p.Height != "1.80" || p.BloodType != models.Unspecified {
		t.Errorf("unexpected profile: %+v", p)
	}
}

func TestTrackReceipts(t *testing.T) {
	h := newHarness(t, dispatch.StrategyDirect, nil)
	ch := make(chan models.Receipt, 2)
	ch <- models.Receipt{To: testContact, Status: models.MessageStatusDelivered, Time: 1}
	ch <- models.Receipt{To: testContact, Status: models.MessageStatusRead, Time: 2}
	close(ch)

	h.g.TrackReceipts(context.Background(), ch)

	receipts, _ := h.st.GetReceipts()
	if len(receipts) != 2 || receipts[1].Status != models.MessageStatusRead {
		t.Errorf("unexpected receipts: %+v", receipts)
	}
}

func TestStatus(t *testing.T) {
	sched := trigger.NewManualScheduler(time.Now())
	h := newHarness(t, dispatch.StrategyBoth, sched)
	h.g.SaveContacts([]string{testContact, "", "+905554443322"})
	h.g.TriggerManual(context.Background())

	st := h.g.Status()
	if !st.Armed || st.Contacts != 2 || st.Strategy != "both" {
		t.Errorf("unexpected status: %+v", st)
	}
	if st.TriggerState != trigger.StateCooldown {
		t.Errorf("expected cooldown state, got %s", st.TriggerState)
	}
	if st.Threshold != motion.DefaultThreshold || st.Cooldown != "15s" {
		t.Errorf("unexpected detector settings in status: %+v", st)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, dispatch.StrategyDirect, nil)
	h.st.SaveContacts([]string{testContact})
	h.g.Arm(context.Background())
	h.g.Stop()
	h.g.Stop()
	if h.g.Armed() {
		t.Fatal("expected guardian to be disarmed after Stop")
	}
	if err := h.g.Arm(context.Background()); err == nil {
		t.Fatal("expected Arm to fail after Stop")
	}
}

// cancelAfterStart cancels ctx once loc has begun its fetch.
func cancelAfterStart(t *testing.T, loc *slowLocation, cancel context.CancelFunc) {
	t.Helper()
	go func() {
		select {
		case <-loc.started:
		case <-time.After(2 * time.Second):
		}
		cancel()
	}()
}

func TestSendAlertNowOutlivesCallerCancel(t *testing.T) {
	loc := newSlowLocation(100 * time.Millisecond)
	h := newHarnessWithLocation(t, dispatch.StrategyPrompt, nil, loc)
	h.st.SaveContacts([]string{testContact})

	ctx, cancel := context.WithCancel(context.Background())
	cancelAfterStart(t, loc, cancel)

	if err := h.g.SendAlertNow(ctx); err != nil {
		t.Fatalf("expected the send to complete after cancellation, got %v", err)
	}
	if ctx.Err() == nil {
		t.Fatal("expected the caller context to be cancelled during the fetch")
	}
	sent := h.sms.Sent()
	if len(sent) != 1 || sent[0].To != testContact {
		t.Fatalf("expected exactly one SMS to %s, got %+v", testContact, sent)
	}
	if msgs := h.notifier.Messages(); len(msgs) != 0 {
		t.Errorf("expected no failure notice, got %v", msgs)
	}
}

// A latched send-sms reply must still produce its SMS when the listener's context is
// cancelled by shutdown mid-dispatch.
func TestResponseDispatchSurvivesShutdown(t *testing.T) {
	loc := newSlowLocation(100 * time.Millisecond)
	h := newHarnessWithLocation(t, dispatch.StrategyPrompt, nil, loc)
	h.st.SaveContacts([]string{testContact})

	svc := messaging.NewTwilioService(twiliosms.NewMockClient())
	defer svc.Stop()
	handler, err := messaging.NewResponseHandler(svc, h.st, h.st, testOwner, h.g.SendAlertNow)
	if err != nil {
		t.Fatalf("NewResponseHandler failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancelAfterStart(t, loc, cancel)

	reply := models.Response{ID: "SM1", From: testOwner, Body: "1"}
	action, err := handler.HandleResponse(ctx, reply)
	if err != nil {
		t.Fatalf("HandleResponse failed: %v", err)
	}
	if action != models.ActionSendSMS {
		t.Fatalf("expected send-sms, got %q", action)
	}
	if n := len(h.sms.Sent()); n != 1 {
		t.Fatalf("expected exactly one SMS, got %d", n)
	}

	// The reply is spent; replaying it sends nothing more.
	if action, _ := handler.HandleResponse(context.Background(), reply); action != models.ActionNone {
		t.Errorf("expected replay to be ignored, got %q", action)
	}
	if n := len(h.sms.Sent()); n != 1 {
		t.Errorf("expected still one SMS after replay, got %d", n)
	}
}

func TestTriggerManualOutlivesCallerCancel(t *testing.T) {
	loc := newSlowLocation(100 * time.Millisecond)
	h := newHarnessWithLocation(t, dispatch.StrategyDirect, nil, loc)
	h.st.SaveContacts([]string{testContact})

	ctx, cancel := context.WithCancel(context.Background())
	cancelAfterStart(t, loc, cancel)

	res, err := h.g.TriggerManual(ctx)
	if err != nil {
		t.Fatalf("expected the manual alert to complete, got %v", err)
	}
	if len(res.Outcome.Sent) != 1 {
		t.Errorf("expected one recipient reached, got %+v", res.Outcome)
	}
	if n := len(h.sms.Sent()); n != 1 {
		t.Fatalf("expected exactly one SMS, got %d", n)
	}
}

func TestStopWaitsForSendAlertNow(t *testing.T) {
	loc := newSlowLocation(100 * time.Millisecond)
	h := newHarnessWithLocation(t, dispatch.StrategyPrompt, nil, loc)
	h.st.SaveContacts([]string{testContact})

	errc := make(chan error, 1)
	go func() { errc <- h.g.SendAlertNow(context.Background()) }()

	select {
	case <-loc.started:
	case <-time.After(2 * time.Second):
		t.Fatal("location fetch never started")
	}
	h.g.Stop()

	if n := len(h.sms.Sent()); n != 1 {
		t.Fatalf("expected Stop to wait for the in-flight send, got %d SMS", n)
	}
	if err := <-errc; err != nil {
		t.Errorf("SendAlertNow failed: %v", err)
	}
	if err := h.g.SendAlertNow(context.Background()); err == nil {
		t.Error("expected SendAlertNow to refuse after Stop")
	}
}
