package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/SOSPipe/internal/models"
	"github.com/BTreeMap/SOSPipe/internal/twiliosms"
	"github.com/BTreeMap/SOSPipe/internal/util"
)

// TwilioService implements Service over Twilio SMS. Inbound replies and delivery
// status callbacks arrive through its webhook handlers.
type TwilioService struct {
	client    twiliosms.Sender
	validator *twiliosms.SignatureValidator
	publicURL string // base URL Twilio calls, used for signature validation
	receipts  chan models.Receipt
	responses chan models.Response
	mu        sync.RWMutex
	stopped   bool
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithWebhookValidation rejects webhook requests whose X-Twilio-Signature does not
// match authToken. publicURL is the externally visible base URL of the API.
func WithWebhookValidation(authToken, publicURL string) TwilioOption {
	return func(s *TwilioService) {
		s.validator = twiliosms.NewSignatureValidator(authToken)
		s.publicURL = publicURL
	}
}

// NewTwilioService creates a TwilioService around client (a real client or MockClient).
func NewTwilioService(client twiliosms.Sender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{
		client:    client,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateAndCanonicalizeRecipient returns the number in E.164 form.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := canonicalizeE164(recipient)
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Ready reports whether the service accepts messages.
func (s *TwilioService) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.stopped && s.client != nil
}

// Start is a no-op; inbound traffic arrives through the webhook handlers.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the event channels.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.receipts)
	close(s.responses)
	return nil
}

// SendMessage hands a message to Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if !s.Ready() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}
	sid, err := s.client.SendSMS(ctx, canonicalTo, body)
	if err != nil {
		return err
	}
	slog.Debug("TwilioService message handed off", "to", canonicalTo, "sid", sid)
	return nil
}

// Receipts returns provider delivery events from the status callback.
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns inbound replies from the message webhook.
func (s *TwilioService) Responses() <-chan models.Response {
	return s.responses
}

// verify checks the request signature when validation is configured.
func (s *TwilioService) verify(r *http.Request) bool {
	if s.validator == nil {
		return true
	}
	params := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		params[k] = r.PostForm.Get(k)
	}
	return s.validator.Validate(s.publicURL+r.URL.RequestURI(), params, r.Header.Get("X-Twilio-Signature"))
}

// TwilioWebhookHandler handles inbound SMS webhooks and emits them on Responses().
// The Twilio MessageSid becomes the response ID.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if !s.verify(r) {
		slog.Warn("Twilio webhook signature rejected", "remote", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	if from == "" || body == "" {
		slog.Warn("Twilio webhook missing fields", "from_set", from != "", "body_set", body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	id := r.FormValue("MessageSid")
	if id == "" {
		id = util.GenerateResponseID()
	}
	slog.Info("Inbound SMS from Twilio", "from", from, "id", id)

	s.safeEmitResponse(models.Response{
		ID:   id,
		From: from,
		Body: body,
		Time: time.Now().Unix(),
	})

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "<Response></Response>")
}

// TwilioStatusHandler handles message status callbacks and emits them on Receipts().
func (s *TwilioService) TwilioStatusHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if !s.verify(r) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var status models.MessageStatus
	switch r.FormValue("MessageStatus") {
	case "delivered":
		status = models.MessageStatusDelivered
	case "read":
		status = models.MessageStatusRead
	case "failed", "undelivered":
		status = models.MessageStatusFailed
	default:
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.safeEmitReceipt(models.Receipt{To: r.FormValue("To"), Status: status, Time: time.Now().Unix()})
	w.WriteHeader(http.StatusNoContent)
}

func (s *TwilioService) safeEmitReceipt(receipt models.Receipt) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.receipts <- receipt:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService receipts channel blocked, dropping receipt", "to", receipt.To)
	}
}

// safeEmitResponse pushes a response unless the service is stopped.
func (s *TwilioService) safeEmitResponse(response models.Response) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("TwilioService dropping inbound response (service stopped)", "from", response.From)
		return
	}
	select {
	case s.responses <- response:
		slog.Debug("TwilioService emitted inbound response", "from", response.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService responses channel blocked, dropping message", "from", response.From)
	}
}
