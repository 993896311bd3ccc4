package models

import (
	"fmt"
	"strings"
	"time"
)

const (
	// MaxContacts is the number of emergency contact slots.
	MaxContacts = 3
	// Unspecified marks a profile field the user left empty.
	Unspecified = "unspecified"
)

// FilterContacts drops blank placeholder entries while keeping order.
// Entries are trimmed; duplicates are kept.
func FilterContacts(contacts []string) []string {
	valid := make([]string, 0, len(contacts))
	for _, c := range contacts {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		valid = append(valid, c)
	}
	return valid
}

// ValidateContacts checks a contact list submitted by the save flow.
func ValidateContacts(contacts []string) error {
	if len(contacts) > MaxContacts {
		return fmt.Errorf("%w: got %d, maximum is %d", ErrTooManyContacts, len(contacts), MaxContacts)
	}
	valid := FilterContacts(contacts)
	for _, c := range valid {
		if !plausibleNumber(c) {
			return fmt.Errorf("%w: %q", ErrInvalidContacts, c)
		}
	}
	if len(valid) == 0 {
		return ErrNoContactsConfigured
	}
	return nil
}

// plausibleNumber accepts dialable numbers: digits with optional +, spaces, dashes
// and parentheses, and at least three digits so short emergency numbers pass.
func plausibleNumber(s string) bool {
	digits := 0
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return false
		}
	}
	return digits >= 3
}

// Profile holds the optional medical fields attached to an alert.
type Profile struct {
	Age       string `json:"age"`
	BloodType string `json:"bloodType"`
	Height    string `json:"height"`
	Weight    string `json:"weight"`
}

// WithDefaults returns a copy with every blank field replaced by Unspecified.
func (p Profile) WithDefaults() Profile {
	return Profile{
		Age:       orUnspecified(p.Age),
		BloodType: orUnspecified(p.BloodType),
		Height:    orUnspecified(p.Height),
		Weight:    orUnspecified(p.Weight),
	}
}

func orUnspecified(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return Unspecified
	}
	return v
}

// AlertPayload is the immutable bundle dispatched for one incident.
// It can only be built through NewAlertPayload.
type AlertPayload struct {
	latitude   float64
	longitude  float64
	capturedAt time.Time
	contacts   []string
	profile    Profile
}

// NewAlertPayload builds a complete payload. Contacts are filtered and copied; the
// profile has its blanks replaced by Unspecified.
func NewAlertPayload(pos Position, contacts []string, profile Profile) (AlertPayload, error) {
	valid := FilterContacts(contacts)
	if len(valid) == 0 {
		return AlertPayload{}, ErrNoContactsConfigured
	}
	capturedAt := pos.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}
	return AlertPayload{
		latitude:   pos.Latitude,
		longitude:  pos.Longitude,
		capturedAt: capturedAt,
		contacts:   valid,
		profile:    profile.WithDefaults(),
	}, nil
}

// Latitude returns the latitude of the location fix.
func (p AlertPayload) Latitude() float64 { return p.latitude }

// Longitude returns the longitude of the location fix.
func (p AlertPayload) Longitude() float64 { return p.longitude }

// CapturedAt returns when the location fix was taken.
func (p AlertPayload) CapturedAt() time.Time { return p.capturedAt }

// Profile returns the medical profile with defaults applied.
func (p AlertPayload) Profile() Profile { return p.profile }

// Contacts returns a copy of the recipient list.
func (p AlertPayload) Contacts() []string {
	out := make([]string, len(p.contacts))
	copy(out, p.contacts)
	return out
}

// IsZero reports whether the payload was never built.
func (p AlertPayload) IsZero() bool {
	return len(p.contacts) == 0
}
