package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/SOSPipe/internal/models"
)

// Channel adapts a Service to the multi-recipient SMS channel used for alerts.
type Channel struct {
	svc Service
}

// NewChannel wraps svc.
func NewChannel(svc Service) *Channel {
	return &Channel{svc: svc}
}

// IsAvailable reports whether the underlying service can hand off messages.
func (c *Channel) IsAvailable(ctx context.Context) bool {
	return c.svc != nil && c.svc.Ready()
}

// Send hands body to every recipient independently. A failure for one recipient does
// not stop the others; the returned error is non-nil only when nobody was reached.
func (c *Channel) Send(ctx context.Context, recipients []string, body string) (models.Outcome, error) {
	out := models.Outcome{Sent: []string{}, Failed: map[string]string{}}
	for _, to := range recipients {
		if err := c.svc.SendMessage(ctx, to, body); err != nil {
			slog.Error("Channel.Send: hand-off failed", "to", to, "error", err)
			out.Failed[to] = err.Error()
			continue
		}
		out.Sent = append(out.Sent, to)
	}
	if len(recipients) > 0 && !out.Dispatched() {
		return out, fmt.Errorf("no recipient accepted the message (%d failed)", len(out.Failed))
	}
	return out, nil
}

// PromptText is the actionable emergency prompt sent to the owner.
const PromptText = "EMERGENCY DETECTED\n" +
	"A possible emergency was detected on your device.\n" +
	"Reply 1 (SEND SMS) to alert your emergency contacts now.\n" +
	"Reply 2 (I'M OK) to cancel."

// OwnerNotifier messages the device owner: the emergency prompt and failure notices.
type OwnerNotifier struct {
	svc   Service
	owner string
}

// NewOwnerNotifier creates a notifier sending to owner through svc.
func NewOwnerNotifier(svc Service, owner string) *OwnerNotifier {
	return &OwnerNotifier{svc: svc, owner: owner}
}

// PostPrompt sends the emergency prompt for an incident.
func (n *OwnerNotifier) PostPrompt(ctx context.Context, incident models.Incident) error {
	if n.owner == "" {
		return fmt.Errorf("owner number not configured")
	}
	if err := n.svc.SendMessage(ctx, n.owner, PromptText); err != nil {
		return fmt.Errorf("failed to post emergency prompt: %w", err)
	}
	slog.Info("OwnerNotifier.PostPrompt: prompt posted", "incident", incident.ID)
	return nil
}

// Notify sends a plain message to the owner.
func (n *OwnerNotifier) Notify(ctx context.Context, message string) error {
	if n.owner == "" {
		return fmt.Errorf("owner number not configured")
	}
	return n.svc.SendMessage(ctx, n.owner, message)
}
