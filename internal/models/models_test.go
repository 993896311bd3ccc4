package models

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestSampleMagnitude(t *testing.T) {
	tests := []struct {
		name   string
		sample Sample
		want   float64
	}{
		{"zero", Sample{}, 0},
		{"gravity only", Sample{Z: 9.8}, 9.8},
		{"pythagorean", Sample{X: 3, Y: 4}, 5},
		{"impact", Sample{X: 6, Y: 6, Z: 6}, math.Sqrt(108)},
		{"negative axes", Sample{X: -3, Y: 0, Z: -4}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sample.Magnitude(); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Magnitude() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilterContacts(t *testing.T) {
	got := FilterContacts([]string{"", "+905551112233", ""})
	if len(got) != 1 || got[0] != "+905551112233" {
		t.Fatalf("expected exactly one contact, got %v", got)
	}

	got = FilterContacts([]string{"  ", "\t", ""})
	if len(got) != 0 {
		t.Errorf("expected blank entries to be dropped, got %v", got)
	}

	got = FilterContacts([]string{"+1", "+1", " +2 "})
	if len(got) != 3 || got[2] != "+2" {
		t.Errorf("expected duplicates kept and entries trimmed, got %v", got)
	}
}

func TestValidateContacts(t *testing.T) {
	if err := ValidateContacts([]string{"", "", ""}); !errors.Is(err, ErrNoContactsConfigured) {
		t.Errorf("expected ErrNoContactsConfigured, got %v", err)
	}
	if err := ValidateContacts([]string{"+1", "+2", "+3", "+4"}); !errors.Is(err, ErrTooManyContacts) {
		t.Errorf("expected ErrTooManyContacts, got %v", err)
	}
	if err := ValidateContacts([]string{"", "+905551112233", ""}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateContacts([]string{"112", "+90 (555) 111-22-33"}); err != nil {
		t.Errorf("unexpected error for formatted numbers: %v", err)
	}
	for _, bad := range []string{"mom", "+9a5", "12", "90+555"} {
		if err := ValidateContacts([]string{bad}); !errors.Is(err, ErrInvalidContacts) {
			t.Errorf("expected ErrInvalidContacts for %q, got %v", bad, err)
		}
	}
}

func TestProfileWithDefaults(t *testing.T) {
	p := Profile{BloodType: "A+", Height: "  "}.WithDefaults()
	if p.BloodType != "A+" {
		t.Errorf("expected blood type to be kept, got %q", p.BloodType)
	}
	for name, v := range map[string]string{"age": p.Age, "height": p.Height, "weight": p.Weight} {
		if v != Unspecified {
			t.Errorf("expected %s to be %q, got %q", name, Unspecified, v)
		}
	}
}

func TestNewAlertPayload(t *testing.T) {
	pos := Position{Latitude: 39.0, Longitude: 35.0, CapturedAt: time.Unix(100, 0)}
	contacts := []string{"", "+905551112233", ""}

	payload, err := NewAlertPayload(pos, contacts, Profile{BloodType: "A+"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload.Latitude() != 39.0 || payload.Longitude() != 35.0 {
		t.Errorf("unexpected coordinates %v,%v", payload.Latitude(), payload.Longitude())
	}
	if !payload.CapturedAt().Equal(time.Unix(100, 0)) {
		t.Errorf("unexpected capture time %v", payload.CapturedAt())
	}
	if payload.Profile().Age != Unspecified {
		t.Errorf("expected defaults applied, got %+v", payload.Profile())
	}

	// Mutating the input or the returned slice must not leak into the payload.
	contacts[1] = "+1"
	got := payload.Contacts()
	got[0] = "+2"
	if c := payload.Contacts(); len(c) != 1 || c[0] != "+905551112233" {
		t.Errorf("payload contacts were mutated: %v", c)
	}
}

func TestNewAlertPayloadNoContacts(t *testing.T) {
	payload, err := NewAlertPayload(Position{}, []string{"", "", ""}, Profile{})
	if !errors.Is(err, ErrNoContactsConfigured) {
		t.Fatalf("expected ErrNoContactsConfigured, got %v", err)
	}
	if !payload.IsZero() {
		t.Error("expected zero payload on failure")
	}
}

func TestOutcomeDispatched(t *testing.T) {
	if (Outcome{}).Dispatched() {
		t.Error("empty outcome should not count as dispatched")
	}
	if !(Outcome{Sent: []string{"+1"}}).Dispatched() {
		t.Error("outcome with a sent recipient should count as dispatched")
	}
}

func TestAPIResponseHelpers(t *testing.T) {
	if r := Error("boom"); r.Status != string(APIStatusError) || r.Message != "boom" {
		t.Errorf("unexpected error response %+v", r)
	}
	if r := Suppressed("cooldown"); r.Status != string(APIStatusSuppressed) {
		t.Errorf("unexpected suppressed response %+v", r)
	}
	if r := Success(42); r.Status != string(APIStatusOK) || r.Result != 42 {
		t.Errorf("unexpected success response %+v", r)
	}
}
