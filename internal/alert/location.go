package alert

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/SOSPipe/internal/models"
	"github.com/go-resty/resty/v2"
)

// LocationProvider supplies the device position for an alert.
type LocationProvider interface {
	// RequestPermission reports whether the foreground location permission is granted.
	RequestPermission(ctx context.Context) (bool, error)
	// CurrentPosition returns a fresh fix. It must honor ctx cancellation.
	CurrentPosition(ctx context.Context) (models.Position, error)
}

// StaticProvider returns fixed coordinates, for devices without a positioning source.
type StaticProvider struct {
	mu        sync.RWMutex
	latitude  float64
	longitude float64
	granted   bool
}

// NewStaticProvider creates a provider with permission granted.
func NewStaticProvider(latitude, longitude float64) *StaticProvider {
	return &StaticProvider{latitude: latitude, longitude: longitude, granted: true}
}

// SetPermission toggles the simulated permission.
func (p *StaticProvider) SetPermission(granted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.granted = granted
}

func (p *StaticProvider) RequestPermission(ctx context.Context) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.granted, nil
}

func (p *StaticProvider) CurrentPosition(ctx context.Context) (models.Position, error) {
	if err := ctx.Err(); err != nil {
		return models.Position{}, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return models.Position{Latitude: p.latitude, Longitude: p.longitude, CapturedAt: time.Now()}, nil
}

// positionFix is the JSON body served by a position endpoint.
type positionFix struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Timestamp int64    `json:"ts,omitempty"` // unix milliseconds
}

// HTTPProvider fetches the position from a JSON endpoint such as a GPS daemon bridge.
// 401 and 403 responses are reported as a denied permission.
type HTTPProvider struct {
	client *resty.Client
	url    string
}

// NewHTTPProvider creates a provider polling url.
func NewHTTPProvider(url string) *HTTPProvider {
	client := resty.New().
		SetRetryCount(1).
		SetRetryWaitTime(200 * time.Millisecond).
		SetHeader("Accept", "application/json")
	return &HTTPProvider{client: client, url: url}
}

// RequestPermission always grants; the endpoint enforces access per request.
func (p *HTTPProvider) RequestPermission(ctx context.Context) (bool, error) {
	return true, nil
}

func (p *HTTPProvider) CurrentPosition(ctx context.Context) (models.Position, error) {
	var fix positionFix
	resp, err := p.client.R().
		SetContext(ctx).
		SetResult(&fix).
		Get(p.url)
	if err != nil {
		slog.Warn("HTTPProvider.CurrentPosition: request failed", "url", p.url, "error", err)
		return models.Position{}, fmt.Errorf("%w: %v", models.ErrLocationUnavailable, err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return models.Position{}, models.ErrPermissionDenied
	case code < 200 || code > 299:
		return models.Position{}, fmt.Errorf("%w: position endpoint returned %d", models.ErrLocationUnavailable, code)
	}

	if fix.Latitude == nil || fix.Longitude == nil {
		return models.Position{}, fmt.Errorf("%w: incomplete fix", models.ErrLocationUnavailable)
	}
	pos := models.Position{Latitude: *fix.Latitude, Longitude: *fix.Longitude}
	if fix.Timestamp > 0 {
		pos.CapturedAt = time.UnixMilli(fix.Timestamp)
	} else {
		pos.CapturedAt = time.Now()
	}
	return pos, nil
}
