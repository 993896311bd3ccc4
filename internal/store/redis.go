package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/SOSPipe/internal/models"
	"github.com/go-redis/redis/v8"
)

// DefaultLatchPrefix namespaces latch keys in a shared Redis.
const DefaultLatchPrefix = "sospipe:latch:"

// RedisLatch is a ReplyLatch backed by Redis SETNX, shared by every process pointed
// at the same Redis. It replaces the database latch when REDIS_ADDR is configured.
type RedisLatch struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ ReplyLatch = (*RedisLatch)(nil)

// RedisLatchOption configures a RedisLatch.
type RedisLatchOption func(*RedisLatch)

// WithLatchPrefix overrides the key prefix.
func WithLatchPrefix(prefix string) RedisLatchOption {
	return func(l *RedisLatch) {
		l.prefix = prefix
	}
}

// WithLatchTTL expires latch keys after ttl. Zero keeps them forever.
func WithLatchTTL(ttl time.Duration) RedisLatchOption {
	return func(l *RedisLatch) {
		l.ttl = ttl
	}
}

// NewRedisClient creates a go-redis client for addr.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewRedisLatch wraps client. The caller keeps ownership of the client.
func NewRedisLatch(client *redis.Client, opts ...RedisLatchOption) *RedisLatch {
	l := &RedisLatch{client: client, prefix: DefaultLatchPrefix}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Ping checks the Redis connection.
func (l *RedisLatch) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLatch) key(replyID string) string {
	return l.prefix + replyID
}

func (l *RedisLatch) settledKey(replyID string) string {
	return l.prefix + replyID + ":settled"
}

// redisClaim is the value stored under a claimed reply's key.
type redisClaim struct {
	Sender    string `json:"sender"`
	ClaimedAt int64  `json:"claimed_at"`
}

// redisSettlement is stored next to the claim once the action finished.
type redisSettlement struct {
	Action    models.NotificationAction `json:"action"`
	Outcome   string                    `json:"outcome"`
	SettledAt int64                     `json:"settled_at"`
}

// Claim takes the reply with SETNX, so exactly one process wins it.
func (l *RedisLatch) Claim(replyID, sender string) (bool, error) {
	if replyID == "" {
		return false, errEmptyReplyID
	}
	val, err := json.Marshal(redisClaim{Sender: sender, ClaimedAt: time.Now().Unix()})
	if err != nil {
		return false, err
	}
	ok, err := l.client.SetNX(context.Background(), l.key(replyID), val, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim reply %s: %w", replyID, err)
	}
	if !ok {
		slog.Debug("RedisLatch.Claim: already claimed", "reply", replyID)
	}
	return ok, nil
}

func (l *RedisLatch) Settle(replyID string, action models.NotificationAction, outcome string) error {
	ctx := context.Background()
	n, err := l.client.Exists(ctx, l.key(replyID)).Result()
	if err != nil {
		return fmt.Errorf("failed to settle reply %s: %w", replyID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrReplyNotClaimed, replyID)
	}
	val, err := json.Marshal(redisSettlement{Action: action, Outcome: outcome, SettledAt: time.Now().Unix()})
	if err != nil {
		return err
	}
	if err := l.client.Set(ctx, l.settledKey(replyID), val, l.ttl).Err(); err != nil {
		return fmt.Errorf("failed to settle reply %s: %w", replyID, err)
	}
	return nil
}

func (l *RedisLatch) Lookup(replyID string) (LatchEntry, bool, error) {
	vals, err := l.client.MGet(context.Background(), l.key(replyID), l.settledKey(replyID)).Result()
	if err != nil {
		return LatchEntry{}, false, fmt.Errorf("failed to look up reply %s: %w", replyID, err)
	}
	raw, ok := vals[0].(string)
	if !ok {
		return LatchEntry{}, false, nil
	}
	var claim redisClaim
	if err := json.Unmarshal([]byte(raw), &claim); err != nil {
		return LatchEntry{}, false, fmt.Errorf("corrupt latch entry for reply %s: %w", replyID, err)
	}
	e := LatchEntry{ReplyID: replyID, Sender: claim.Sender, ClaimedAt: time.Unix(claim.ClaimedAt, 0)}
	if raw, ok := vals[1].(string); ok {
		var st redisSettlement
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return LatchEntry{}, false, fmt.Errorf("corrupt latch settlement for reply %s: %w", replyID, err)
		}
		e.SettledAt = settledAt(&st.SettledAt)
		e.Action = st.Action
		e.Outcome = st.Outcome
	}
	return e, true, nil
}
