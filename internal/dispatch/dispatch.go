// Package dispatch delivers a composed alert: it either prompts the device owner or
// hands the message straight to the emergency contacts, and records a receipt per
// recipient. Hand-off is the end of the line; nothing here waits for delivery.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/SOSPipe/internal/alert"
	"github.com/BTreeMap/SOSPipe/internal/models"
)

// Strategy selects how an incident is delivered.
type Strategy uint8

const (
	// StrategyPrompt posts an actionable prompt and lets the owner decide.
	StrategyPrompt Strategy = 1 << iota
	// StrategyDirect sends the SMS to the contacts immediately.
	StrategyDirect
	// StrategyBoth does both, independently.
	StrategyBoth = StrategyPrompt | StrategyDirect
)

// ParseStrategy parses "prompt", "direct" or "both".
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "prompt":
		return StrategyPrompt, nil
	case "direct":
		return StrategyDirect, nil
	case "both":
		return StrategyBoth, nil
	default:
		return 0, fmt.Errorf("unknown dispatch strategy %q", s)
	}
}

func (s Strategy) String() string {
	switch s {
	case StrategyPrompt:
		return "prompt"
	case StrategyDirect:
		return "direct"
	case StrategyBoth:
		return "both"
	default:
		return fmt.Sprintf("Strategy(%d)", uint8(s))
	}
}

// SMSChannel hands a message to several recipients.
type SMSChannel interface {
	IsAvailable(ctx context.Context) bool
	Send(ctx context.Context, recipients []string, body string) (models.Outcome, error)
}

// Prompter posts the actionable emergency prompt.
type Prompter interface {
	PostPrompt(ctx context.Context, incident models.Incident) error
}

// ReceiptRecorder stores hand-off receipts.
type ReceiptRecorder interface {
	AddReceipt(r models.Receipt) error
}

// Router dispatches incidents according to its strategy.
type Router struct {
	strategy Strategy
	sms      SMSChannel
	prompter Prompter
	receipts ReceiptRecorder
	now      func() time.Time
}

// NewRouter creates a Router. prompter may be nil when strategy has no prompt bit.
func NewRouter(strategy Strategy, sms SMSChannel, prompter Prompter, receipts ReceiptRecorder) (*Router, error) {
	if strategy&StrategyBoth == 0 {
		return nil, fmt.Errorf("dispatch strategy must include prompt or direct")
	}
	if strategy&StrategyPrompt != 0 && prompter == nil {
		return nil, fmt.Errorf("prompt strategy requires a prompter")
	}
	if sms == nil {
		return nil, fmt.Errorf("sms channel is required")
	}
	return &Router{strategy: strategy, sms: sms, prompter: prompter, receipts: receipts, now: time.Now}, nil
}

// Strategy returns the configured strategy.
func (r *Router) Strategy() Strategy {
	return r.strategy
}

// PayloadFunc composes the alert payload on demand.
type PayloadFunc func(ctx context.Context) (models.AlertPayload, error)

// Dispatch runs every configured strategy for one incident. The strategies are
// independent: a failed prompt does not prevent the direct send and vice versa.
// compose is only called when the strategy sends directly.
func (r *Router) Dispatch(ctx context.Context, incident models.Incident, compose PayloadFunc) (models.Outcome, error) {
	var errs []error
	var outcome models.Outcome

	if r.strategy&StrategyPrompt != 0 {
		if err := r.prompter.PostPrompt(ctx, incident); err != nil {
			slog.Error("Router.Dispatch: prompt failed", "incident", incident.ID, "error", err)
			errs = append(errs, err)
		}
	}
	if r.strategy&StrategyDirect != 0 {
		payload, err := compose(ctx)
		if err != nil {
			errs = append(errs, err)
		} else {
			out, err := r.SendDirect(ctx, incident, payload)
			if err != nil {
				errs = append(errs, err)
			}
			outcome = out
		}
	}
	return outcome, errors.Join(errs...)
}

// SendDirect formats the message and hands it to every contact in the payload. It fails
// with ErrChannelUnavailable when the channel cannot send; there is no retry and no
// fallback channel.
func (r *Router) SendDirect(ctx context.Context, incident models.Incident, payload models.AlertPayload) (models.Outcome, error) {
	if payload.IsZero() {
		return models.Outcome{}, models.ErrNoContactsConfigured
	}
	if !r.sms.IsAvailable(ctx) {
		slog.Error("Router.SendDirect: sms channel unavailable", "incident", incident.ID)
		return models.Outcome{}, models.ErrChannelUnavailable
	}

	recipients := payload.Contacts()
	out, err := r.sms.Send(ctx, recipients, alert.FormatMessage(payload))
	r.record(incident, out)
	if err != nil {
		slog.Error("Router.SendDirect: send failed", "incident", incident.ID, "error", err)
		return out, fmt.Errorf("send alert: %w", err)
	}
	slog.Info("Router.SendDirect: alert dispatched", "incident", incident.ID, "sent", len(out.Sent), "failed", len(out.Failed))
	return out, nil
}

func (r *Router) record(incident models.Incident, out models.Outcome) {
	if r.receipts == nil {
		return
	}
	at := r.now().Unix()
	add := func(to string, status models.MessageStatus) {
		if err := r.receipts.AddReceipt(models.Receipt{IncidentID: incident.ID, To: to, Status: status, Time: at}); err != nil {
			slog.Warn("Router: failed to record receipt", "incident", incident.ID, "to", to, "error", err)
		}
	}
	for _, to := range out.Sent {
		add(to, models.MessageStatusSent)
	}
	for to := range out.Failed {
		add(to, models.MessageStatusFailed)
	}
}
