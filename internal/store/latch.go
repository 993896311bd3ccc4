package store

import (
	"errors"
	"time"

	"github.com/BTreeMap/SOSPipe/internal/models"
)

// ErrReplyNotClaimed is returned when settling a reply that was never claimed.
var ErrReplyNotClaimed = errors.New("reply was not claimed")

// ReplyLatch makes each owner reply actionable at most once. A reply is claimed
// before its action runs and settled with what happened. A claimed reply can never
// be claimed again, settled or not.
type ReplyLatch interface {
	// Claim reports whether this call took the reply. False means it was already taken.
	Claim(replyID, sender string) (bool, error)
	// Settle records the action taken for a claimed reply and its outcome.
	Settle(replyID string, action models.NotificationAction, outcome string) error
	// Lookup returns the latch entry for a reply, if it was claimed.
	Lookup(replyID string) (LatchEntry, bool, error)
}

// LatchEntry is the state of one claimed reply.
type LatchEntry struct {
	ReplyID   string                    `json:"reply_id"`
	Sender    string                    `json:"sender"`
	ClaimedAt time.Time                 `json:"claimed_at"`
	SettledAt *time.Time                `json:"settled_at,omitempty"`
	Action    models.NotificationAction `json:"action,omitempty"`
	Outcome   string                    `json:"outcome,omitempty"`
}

// Settled reports whether the reply's action has finished.
func (e LatchEntry) Settled() bool {
	return e.SettledAt != nil
}

var errEmptyReplyID = errors.New("reply ID cannot be empty")

// settledAt converts a nullable unix column into a LatchEntry timestamp.
func settledAt(unix *int64) *time.Time {
	if unix == nil {
		return nil
	}
	t := time.Unix(*unix, 0)
	return &t
}
