// Package store provides storage backends for SOSPipe.
//
// It includes an in-memory store and persistent SQLite and PostgreSQL stores for the
// emergency contacts, the medical profile, dispatch receipts and owner responses.
package store

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/SOSPipe/internal/models"
)

// Settings keys shared by every backend.
const (
	KeyContacts = "phoneNumbers"
	KeyProfile  = "user_info"
)

// Store defines the persistence operations used by the alerting pipeline.
type Store interface {
	SaveContacts(contacts []string) error
	// GetContacts returns the saved contact slots, or nil when nothing was saved.
	GetContacts() ([]string, error)
	SaveProfile(p models.Profile) error
	// GetProfile returns the saved profile and whether one exists.
	GetProfile() (models.Profile, bool, error)
	AddReceipt(r models.Receipt) error
	GetReceipts() ([]models.Receipt, error)
	// AddResponse stores an owner response. A response whose ID is already stored is ignored.
	AddResponse(r models.Response) error
	GetResponses() ([]models.Response, error)
	// LastResponse returns the most recently stored response, if any.
	LastResponse() (models.Response, bool, error)
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string // database connection string or file path
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns the database/sql driver name for a DSN.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open returns the store for a DSN: in-memory when empty, otherwise SQLite or
// PostgreSQL depending on DetectDSNType.
func Open(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		slog.Info("Store.Open: no DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	}
	switch DetectDSNType(dsn) {
	case "postgres":
		slog.Info("Store.Open: using PostgreSQL store")
		return NewPostgresStore(WithPostgresDSN(dsn))
	default:
		slog.Info("Store.Open: using SQLite store", "path", dsn)
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}

// InMemoryStore is a simple in-memory store. Everything is lost when the process exits.
type InMemoryStore struct {
	mu        sync.RWMutex
	contacts  []string
	profile   *models.Profile
	receipts  []models.Receipt
	responses []models.Response
	seen      map[string]struct{}
	latch     map[string]*LatchEntry
}

// Compile-time checks.
var (
	_ Store      = (*InMemoryStore)(nil)
	_ ReplyLatch = (*InMemoryStore)(nil)
)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		seen:  make(map[string]struct{}),
		latch: make(map[string]*LatchEntry),
	}
}

func (s *InMemoryStore) SaveContacts(contacts []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts = append([]string(nil), contacts...)
	return nil
}

func (s *InMemoryStore) GetContacts() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.contacts == nil {
		return nil, nil
	}
	return append([]string(nil), s.contacts...), nil
}

func (s *InMemoryStore) SaveProfile(p models.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = &p
	return nil
}

func (s *InMemoryStore) GetProfile() (models.Profile, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return models.Profile{}, false, nil
	}
	return *s.profile, true, nil
}

func (s *InMemoryStore) AddReceipt(r models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *InMemoryStore) GetReceipts() ([]models.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Receipt(nil), s.receipts...), nil
}

func (s *InMemoryStore) AddResponse(r models.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID != "" {
		if _, ok := s.seen[r.ID]; ok {
			return nil
		}
		s.seen[r.ID] = struct{}{}
	}
	s.responses = append(s.responses, r)
	return nil
}

func (s *InMemoryStore) GetResponses() ([]models.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Response(nil), s.responses...), nil
}

func (s *InMemoryStore) LastResponse() (models.Response, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.responses) == 0 {
		return models.Response{}, false, nil
	}
	return s.responses[len(s.responses)-1], true, nil
}

func (s *InMemoryStore) Claim(replyID, sender string) (bool, error) {
	if replyID == "" {
		return false, errEmptyReplyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.latch[replyID]; ok {
		return false, nil
	}
	s.latch[replyID] = &LatchEntry{ReplyID: replyID, Sender: sender, ClaimedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) Settle(replyID string, action models.NotificationAction, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.latch[replyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrReplyNotClaimed, replyID)
	}
	now := time.Now()
	e.SettledAt = &now
	e.Action = action
	e.Outcome = outcome
	return nil
}

func (s *InMemoryStore) Lookup(replyID string) (LatchEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.latch[replyID]
	if !ok {
		return LatchEntry{}, false, nil
	}
	return *e, true, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
