// Package api provides the local HTTP server for SOSPipe.
//
// It exposes the manual trigger, the contact and profile save flow, pipeline status,
// dispatch receipts, an optional sample feed, and the Twilio webhooks that carry the
// owner's replies.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/SOSPipe/internal/guardian"
	"github.com/BTreeMap/SOSPipe/internal/messaging"
	"github.com/BTreeMap/SOSPipe/internal/models"
)

const (
	// DefaultAddr is the listen address used when none is configured.
	DefaultAddr = "127.0.0.1:8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultReadHeaderTimeout bounds reading request headers.
	DefaultReadHeaderTimeout = 5 * time.Second
	// maxBodyBytes caps request bodies.
	maxBodyBytes = 64 << 10
)

// Guardian is the pipeline surface the handlers drive.
type Guardian interface {
	TriggerManual(ctx context.Context) (guardian.Result, error)
	SaveContacts(contacts []string) error
	Contacts() ([]string, error)
	SaveProfile(p models.Profile) error
	Profile() (models.Profile, error)
	Status() guardian.Status
}

// SampleSink accepts pushed sensor readings.
type SampleSink interface {
	Push(s models.Sample)
}

// ReceiptSource lists dispatch receipts.
type ReceiptSource interface {
	GetReceipts() ([]models.Receipt, error)
}

// Opts holds configuration for the API server.
type Opts struct {
	Addr    string
	Samples SampleSink
	Twilio  *messaging.TwilioService
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithSampleSink enables POST /samples.
func WithSampleSink(sink SampleSink) Option {
	return func(o *Opts) {
		o.Samples = sink
	}
}

// WithTwilioWebhooks mounts the Twilio reply and status webhooks of svc.
func WithTwilioWebhooks(svc *messaging.TwilioService) Option {
	return func(o *Opts) {
		o.Twilio = svc
	}
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	addr     string
	g        Guardian
	receipts ReceiptSource
	samples  SampleSink
	twilio   *messaging.TwilioService
}

// NewServer creates a Server.
func NewServer(g Guardian, receipts ReceiptSource, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		addr:     cfg.Addr,
		g:        g,
		receipts: receipts,
		samples:  cfg.Samples,
		twilio:   cfg.Twilio,
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/trigger", s.triggerHandler)
	mux.HandleFunc("/contacts", s.contactsHandler)
	mux.HandleFunc("/profile", s.profileHandler)
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/receipts", s.receiptsHandler)
	mux.HandleFunc("/health", s.healthHandler)
	if s.samples != nil {
		mux.HandleFunc("/samples", s.samplesHandler)
	}
	if s.twilio != nil {
		mux.HandleFunc("/webhook/twilio", s.twilio.TwilioWebhookHandler)
		mux.HandleFunc("/webhook/twilio/status", s.twilio.TwilioStatusHandler)
	}
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("SOSPipe API listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("Server.Run: listen failed", "error", err)
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	slog.Info("SOSPipe API shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: shutdown failed", "error", err)
		return err
	}
	return nil
}
