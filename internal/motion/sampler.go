package motion

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/SOSPipe/internal/models"
)

// DefaultInterval is the polling interval used when none is configured.
const DefaultInterval = 500 * time.Millisecond

// Sampler polls a Sensor at a fixed interval while armed.
type Sampler struct {
	sensor   Sensor
	interval time.Duration
}

// NewSampler creates a Sampler over the given sensor.
func NewSampler(sensor Sensor, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sampler{sensor: sensor, interval: interval}
}

// Interval returns the polling interval.
func (s *Sampler) Interval() time.Duration {
	return s.interval
}

// Subscription is the handle returned by Start. Cancel stops sampling.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Cancel stops the sampling loop and waits for it to exit. Safe to call multiple times.
func (sub *Subscription) Cancel() {
	sub.once.Do(func() {
		sub.cancel()
		<-sub.done
	})
}

// Done is closed once the sampling loop has exited.
func (sub *Subscription) Done() <-chan struct{} {
	return sub.done
}

// Start begins polling and pushes each sample to fn from the sampling goroutine.
// fn must not block for long; the sensor path hands heavy work off elsewhere.
func (s *Sampler) Start(ctx context.Context, fn func(models.Sample)) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}

	slog.Info("Sampler started", "interval", s.interval)
	go func() {
		defer close(sub.done)
		defer slog.Info("Sampler stopped")

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		unavailable := false
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sample, err := s.sensor.Read(ctx)
				switch {
				case err == nil:
					unavailable = false
					fn(sample)
				case errors.Is(err, ErrNoSample):
				default:
					// An absent sensor just yields no samples; log the transition once.
					if !unavailable {
						slog.Warn("Sampler sensor read failed, no samples will be produced", "error", err)
						unavailable = true
					}
				}
			}
		}
	}()
	return sub
}
