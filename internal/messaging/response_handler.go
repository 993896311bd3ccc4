package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/SOSPipe/internal/models"
	"github.com/BTreeMap/SOSPipe/internal/store"
	"github.com/BTreeMap/SOSPipe/internal/util"
)

// DefaultResponseMaxAge is how old a stored reply may be and still be acted on at startup.
const DefaultResponseMaxAge = 30 * time.Minute

// Outcomes recorded when a reply is settled. Failed dispatches record "failed: <error>".
const (
	outcomeAlertSent = "alert sent"
	outcomeCancelled = "cancelled"
)

// DispatchFunc sends the alert for an accepted send-sms reply.
type DispatchFunc func(ctx context.Context) error

// ResponseStore persists owner replies.
type ResponseStore interface {
	AddResponse(r models.Response) error
	LastResponse() (models.Response, bool, error)
}

var actionWords = map[string]models.NotificationAction{
	"1":        models.ActionSendSMS,
	"send":     models.ActionSendSMS,
	"send sms": models.ActionSendSMS,
	"send-sms": models.ActionSendSMS,
	"sos":      models.ActionSendSMS,
	"2":        models.ActionImOK,
	"ok":       models.ActionImOK,
	"im ok":    models.ActionImOK,
	"i'm ok":   models.ActionImOK,
	"im-ok":    models.ActionImOK,
}

// ParseAction maps a reply body to a notification action. Unknown text yields ActionNone.
func ParseAction(body string) models.NotificationAction {
	normalized := strings.Join(strings.Fields(strings.ToLower(body)), " ")
	normalized = strings.TrimRight(normalized, ".!")
	return actionWords[normalized]
}

// ResponseHandler turns owner replies into actions. Each reply ID is acted on at most
// once, across the live listener and the cold-start check, and across restarts when
// the latch is persistent.
type ResponseHandler struct {
	msgService Service
	responses  ResponseStore
	latch      store.ReplyLatch
	owner      string
	dispatch   DispatchFunc
	maxAge     time.Duration
	now        func() time.Time

	coldStart    sync.Once
	coldStartErr error
	wg           sync.WaitGroup
}

// HandlerOption configures a ResponseHandler.
type HandlerOption func(*ResponseHandler)

// WithMaxResponseAge overrides DefaultResponseMaxAge. Zero disables the age check.
func WithMaxResponseAge(d time.Duration) HandlerOption {
	return func(h *ResponseHandler) {
		h.maxAge = d
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *ResponseHandler) {
		h.now = now
	}
}

// NewResponseHandler creates a handler accepting replies from owner only.
func NewResponseHandler(msgService Service, responses ResponseStore, latch store.ReplyLatch, owner string, dispatch DispatchFunc, opts ...HandlerOption) (*ResponseHandler, error) {
	canonicalOwner, err := msgService.ValidateAndCanonicalizeRecipient(owner)
	if err != nil {
		return nil, fmt.Errorf("invalid owner number: %w", err)
	}
	if dispatch == nil {
		return nil, fmt.Errorf("dispatch function is required")
	}
	h := &ResponseHandler{
		msgService: msgService,
		responses:  responses,
		latch:      latch,
		owner:      canonicalOwner,
		dispatch:   dispatch,
		maxAge:     DefaultResponseMaxAge,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// HandleResponse acts on one reply and returns the action taken. Replies from other
// numbers, unrecognized text and already handled IDs return ActionNone.
func (h *ResponseHandler) HandleResponse(ctx context.Context, resp models.Response) (models.NotificationAction, error) {
	from, err := h.msgService.ValidateAndCanonicalizeRecipient(resp.From)
	if err != nil || from != h.owner {
		slog.Debug("ResponseHandler ignoring reply from non-owner", "from", resp.From)
		return models.ActionNone, nil
	}

	action := ParseAction(resp.Body)
	if action == models.ActionNone {
		slog.Debug("ResponseHandler reply carries no action", "id", resp.ID)
		return models.ActionNone, nil
	}
	if resp.ID == "" {
		return models.ActionNone, fmt.Errorf("reply from %s has no ID", from)
	}

	claimed, err := h.latch.Claim(resp.ID, from)
	if err != nil {
		return models.ActionNone, fmt.Errorf("failed to claim reply %s: %w", resp.ID, err)
	}
	if !claimed {
		h.logAlreadyHandled(resp.ID)
		return models.ActionNone, nil
	}

	var dispatchErr error
	outcome := outcomeCancelled
	switch action {
	case models.ActionSendSMS:
		slog.Info("ResponseHandler owner requested alert", "id", resp.ID)
		outcome = outcomeAlertSent
		if dispatchErr = h.dispatch(ctx); dispatchErr != nil {
			outcome = "failed: " + dispatchErr.Error()
		}
	case models.ActionImOK:
		slog.Info("ResponseHandler owner cancelled the emergency", "id", resp.ID)
	}

	if err := h.latch.Settle(resp.ID, action, outcome); err != nil {
		slog.Warn("ResponseHandler failed to settle reply", "id", resp.ID, "error", err)
	}
	if dispatchErr != nil {
		return action, fmt.Errorf("dispatch for reply %s failed: %w", resp.ID, dispatchErr)
	}
	return action, nil
}

func (h *ResponseHandler) logAlreadyHandled(id string) {
	e, ok, err := h.latch.Lookup(id)
	if err != nil || !ok {
		slog.Debug("ResponseHandler reply already handled", "id", id)
		return
	}
	if !e.Settled() {
		// Claimed by a run that never finished; the reply is not acted on again.
		slog.Warn("ResponseHandler reply was claimed but never settled", "id", id, "claimed_at", e.ClaimedAt)
		return
	}
	slog.Debug("ResponseHandler reply already handled", "id", id, "action", e.Action, "outcome", e.Outcome)
}

// Start runs the live listener until ctx is done or the responses channel closes.
// Each reply is stored before it is handled.
func (h *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler starting response processing")
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer slog.Info("ResponseHandler stopped response processing")
		for {
			select {
			case resp, ok := <-h.msgService.Responses():
				if !ok {
					return
				}
				h.handleLive(ctx, resp)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until the live listener has exited.
func (h *ResponseHandler) Wait() {
	h.wg.Wait()
}

func (h *ResponseHandler) handleLive(ctx context.Context, resp models.Response) {
	if resp.ID == "" {
		resp.ID = util.GenerateResponseID()
	}
	if err := h.responses.AddResponse(resp); err != nil {
		slog.Error("ResponseHandler failed to store reply", "id", resp.ID, "error", err)
	}
	if _, err := h.HandleResponse(ctx, resp); err != nil {
		slog.Error("ResponseHandler failed to process reply", "id", resp.ID, "error", err)
	}
}

// CheckLastResponse acts on the most recent stored reply, for replies that arrived
// while the process was not running. Only the first call per handler does any work.
func (h *ResponseHandler) CheckLastResponse(ctx context.Context) error {
	h.coldStart.Do(func() {
		h.coldStartErr = h.checkLastResponse(ctx)
	})
	return h.coldStartErr
}

func (h *ResponseHandler) checkLastResponse(ctx context.Context) error {
	last, ok, err := h.responses.LastResponse()
	if err != nil {
		return fmt.Errorf("failed to load last reply: %w", err)
	}
	if !ok {
		slog.Debug("ResponseHandler no stored reply at startup")
		return nil
	}
	if h.maxAge > 0 {
		if age := h.now().Sub(time.Unix(last.Time, 0)); age > h.maxAge {
			slog.Info("ResponseHandler ignoring stale reply at startup", "id", last.ID, "age", age)
			return nil
		}
	}
	action, err := h.HandleResponse(ctx, last)
	if err != nil {
		return err
	}
	if action != models.ActionNone {
		slog.Info("ResponseHandler acted on reply received while offline", "id", last.ID, "action", action)
	}
	return nil
}
