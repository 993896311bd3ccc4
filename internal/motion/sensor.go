// Package motion turns raw accelerometer readings into a periodic sample stream
// and classifies each sample as an impact or not.
package motion

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BTreeMap/SOSPipe/internal/models"
)

var (
	// ErrNoSample means no reading arrived since the previous Read.
	ErrNoSample = errors.New("no new sample")
	// ErrSensorUnavailable means the sensor cannot produce readings at all.
	ErrSensorUnavailable = errors.New("motion sensor unavailable")
)

// Sensor is the external motion sensor polled by the Sampler.
type Sensor interface {
	Read(ctx context.Context) (models.Sample, error)
}

// PeakSensor is a push-fed Sensor. Producers call Push at whatever rate the device
// reports; Read returns the highest-magnitude reading pushed since the last Read so
// that a short impact between two ticks is not decimated away.
type PeakSensor struct {
	mu      sync.Mutex
	peak    models.Sample
	pending bool
	closed  bool
	now     func() time.Time
}

// NewPeakSensor creates an empty PeakSensor.
func NewPeakSensor() *PeakSensor {
	return &PeakSensor{now: time.Now}
}

// Push records a reading. Readings without a capture time are stamped on arrival.
func (p *PeakSensor) Push(s models.Sample) {
	if s.CapturedAt.IsZero() {
		s.CapturedAt = p.now()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if !p.pending || s.Magnitude() > p.peak.Magnitude() {
		p.peak = s
	}
	p.pending = true
}

// Read returns and clears the pending peak.
func (p *PeakSensor) Read(ctx context.Context) (models.Sample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return models.Sample{}, ErrSensorUnavailable
	}
	if !p.pending {
		return models.Sample{}, ErrNoSample
	}
	s := p.peak
	p.pending = false
	p.peak = models.Sample{}
	return s, nil
}

// Close marks the sensor unavailable. Later pushes are dropped.
func (p *PeakSensor) Close() {
	p.mu.Lock()
	p.closed = true
	p.pending = false
	p.mu.Unlock()
}
