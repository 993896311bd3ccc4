// Package messaging connects SOSPipe to text messaging providers: it sends alerts and
// owner prompts and turns owner replies into notification actions.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/BTreeMap/SOSPipe/internal/models"
)

const (
	// DefaultChannelBufferSize defines the default buffer size for receipt and response channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
	// MinPhoneDigits is the shortest accepted phone number.
	MinPhoneDigits = 6
)

// ErrServiceStopped is returned by SendMessage after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates a phone number and returns it in E.164 form.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage hands a message to the provider.
	SendMessage(ctx context.Context, to string, body string) error

	// Ready reports whether the service can currently hand off messages.
	Ready() bool

	// Start begins any background processing (e.g., event handling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Receipts returns a channel of provider delivery events.
	Receipts() <-chan models.Receipt

	// Responses returns a channel of incoming replies.
	Responses() <-chan models.Response
}

// canonicalizeE164 strips everything but digits and prefixes "+".
func canonicalizeE164(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}
	digits := phoneNumberRegex.ReplaceAllString(recipient, "")
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(digits) < MinPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", digits, MinPhoneDigits)
	}
	return "+" + digits, nil
}
