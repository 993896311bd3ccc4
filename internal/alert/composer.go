// Package alert builds the alert payload for an incident: location, contacts and
// medical profile, and renders it as an SMS body.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/SOSPipe/internal/models"
)

// DefaultLocationTimeout bounds a single position fetch.
const DefaultLocationTimeout = 10 * time.Second

// Settings is the read side of the store used during composition.
type Settings interface {
	GetContacts() ([]string, error)
	GetProfile() (models.Profile, bool, error)
}

// Composer assembles AlertPayloads. Every call reads fresh state.
type Composer struct {
	location LocationProvider
	settings Settings
	timeout  time.Duration
}

// Option configures a Composer.
type Option func(*Composer)

// WithLocationTimeout overrides DefaultLocationTimeout.
func WithLocationTimeout(d time.Duration) Option {
	return func(c *Composer) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewComposer creates a Composer.
func NewComposer(location LocationProvider, settings Settings, opts ...Option) *Composer {
	c := &Composer{location: location, settings: settings, timeout: DefaultLocationTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compose returns a complete payload or one of ErrPermissionDenied, ErrLocationUnavailable
// and ErrNoContactsConfigured. Location is resolved before the store is read.
func (c *Composer) Compose(ctx context.Context, incident models.Incident) (models.AlertPayload, error) {
	pos, err := c.position(ctx)
	if err != nil {
		slog.Warn("Composer.Compose: location failed", "incident", incident.ID, "error", err)
		return models.AlertPayload{}, err
	}

	contacts, err := c.settings.GetContacts()
	if err != nil {
		return models.AlertPayload{}, fmt.Errorf("failed to load contacts: %w", err)
	}
	if len(models.FilterContacts(contacts)) == 0 {
		slog.Warn("Composer.Compose: no contacts configured", "incident", incident.ID)
		return models.AlertPayload{}, models.ErrNoContactsConfigured
	}

	profile, found, err := c.settings.GetProfile()
	if err != nil {
		// The alert still goes out, with every medical field unspecified.
		slog.Error("Composer.Compose: failed to load profile", "incident", incident.ID, "error", err)
		profile = models.Profile{}
	} else if !found {
		slog.Debug("Composer.Compose: no profile saved", "incident", incident.ID)
	}

	payload, err := models.NewAlertPayload(pos, contacts, profile)
	if err != nil {
		return models.AlertPayload{}, err
	}
	slog.Info("Composer.Compose: payload ready", "incident", incident.ID, "recipients", len(payload.Contacts()))
	return payload, nil
}

func (c *Composer) position(ctx context.Context) (models.Position, error) {
	granted, err := c.location.RequestPermission(ctx)
	if err != nil {
		return models.Position{}, fmt.Errorf("%w: %v", models.ErrPermissionDenied, err)
	}
	if !granted {
		return models.Position{}, models.ErrPermissionDenied
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	pos, err := c.location.CurrentPosition(fetchCtx)
	if err != nil {
		if errors.Is(err, models.ErrPermissionDenied) || errors.Is(err, models.ErrLocationUnavailable) {
			return models.Position{}, err
		}
		return models.Position{}, fmt.Errorf("%w: %v", models.ErrLocationUnavailable, err)
	}
	return pos, nil
}
