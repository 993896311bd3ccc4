package twiliosms

import (
	"context"
	"errors"
	"testing"
)

func TestMockClient_SendSMS(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	sid, err := mock.SendSMS(ctx, "+905551112233", "Hello Test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sid == "" {
		t.Error("expected a message SID")
	}

	sent := mock.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	if sent[0].Body != "Hello Test" || sent[0].To != "+905551112233" {
		t.Errorf("unexpected message %+v", sent[0])
	}
}

func TestMockClient_FailFor(t *testing.T) {
	mock := NewMockClient()
	mock.FailFor["+1"] = errors.New("unreachable")

	if _, err := mock.SendSMS(context.Background(), "+1", "x"); err == nil {
		t.Fatal("expected error")
	}
	if len(mock.Sent()) != 0 {
		t.Error("failed send should not be recorded")
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("token")); err == nil {
		t.Error("expected error without from number")
	}
	c, err := NewClient(WithAccountSID("AC123"), WithAuthToken("token"), WithFromNumber("+15005550006"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.from != "+15005550006" {
		t.Errorf("unexpected from number %q", c.from)
	}
}

func TestNewClientEnvFallback(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "ACenv")
	t.Setenv("TWILIO_AUTH_TOKEN", "envtoken")
	t.Setenv("TWILIO_FROM_NUMBER", "+15005550006")

	cfg := resolveOpts(WithFromNumber("+15550000000"))
	if cfg.AccountSID != "ACenv" || cfg.AuthToken != "envtoken" {
		t.Errorf("expected env fallback, got %+v", cfg)
	}
	if cfg.FromNumber != "+15550000000" {
		t.Errorf("expected option to win over env, got %q", cfg.FromNumber)
	}
}

func TestSignatureValidatorRejectsForgery(t *testing.T) {
	v := NewSignatureValidator("token")
	params := map[string]string{"From": "+1", "Body": "1"}
	if v.Validate("https://example.com/webhook/twilio", params, "bogus") {
		t.Error("expected forged signature to be rejected")
	}
}
