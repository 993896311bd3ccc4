package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/SOSPipe/internal/models"
)

var _ ReplyLatch = (*SQLiteStore)(nil)

// Claim inserts the reply into reply_latch; the primary key makes the insert the latch.
func (s *SQLiteStore) Claim(replyID, sender string) (bool, error) {
	if replyID == "" {
		return false, errEmptyReplyID
	}
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO reply_latch (reply_id, sender, claimed_at) VALUES (?, ?, ?)`,
		replyID, sender, time.Now().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim reply %s: %w", replyID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check claim of reply %s: %w", replyID, err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) Settle(replyID string, action models.NotificationAction, outcome string) error {
	res, err := s.db.Exec(
		`UPDATE reply_latch SET settled_at = ?, action = ?, outcome = ? WHERE reply_id = ?`,
		time.Now().Unix(), string(action), outcome, replyID,
	)
	if err != nil {
		return fmt.Errorf("failed to settle reply %s: %w", replyID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrReplyNotClaimed, replyID)
	}
	return nil
}

func (s *SQLiteStore) Lookup(replyID string) (LatchEntry, bool, error) {
	var (
		e       = LatchEntry{ReplyID: replyID}
		claimed int64
		settled *int64
		action  string
	)
	err := s.db.QueryRow(
		`SELECT sender, claimed_at, settled_at, action, outcome FROM reply_latch WHERE reply_id = ?`, replyID,
	).Scan(&e.Sender, &claimed, &settled, &action, &e.Outcome)
	if errors.Is(err, sql.ErrNoRows) {
		return LatchEntry{}, false, nil
	}
	if err != nil {
		return LatchEntry{}, false, fmt.Errorf("failed to look up reply %s: %w", replyID, err)
	}
	e.ClaimedAt = time.Unix(claimed, 0)
	e.SettledAt = settledAt(settled)
	e.Action = models.NotificationAction(action)
	return e, true, nil
}
