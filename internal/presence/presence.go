// Package presence tracks per-user online status and short-lived typing
// indicators. Status survives gateway restarts via Redis; typing state is
// purely in-memory and expires on its own.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrInvalidStatus indicates a status value outside the recognized set. It is
// distinct from store failures so callers can blame the client or the backend
// accordingly.
var ErrInvalidStatus = errors.New("presence: invalid status")

const (
	// KeyPrefix is the Redis key prefix for presence hashes.
	KeyPrefix = "presence:"

	// TTL is the time-to-live for presence keys in Redis. Online users
	// refresh it on every status write; a crashed gateway's users fall back
	// to offline when it lapses.
	TTL = 1 * time.Hour

	// Status values for a user.
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusBusy    = "busy"
	StatusOffline = "offline"
)

// ValidStatus reports whether s is one of the recognized status values.
func ValidStatus(s string) bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// Record is a user's presence state as stored.
type Record struct {
	UserID    string `redis:"user_id"`
	Status    string `redis:"status"`
	UpdatedAt int64  `redis:"updated_at"` // unix timestamp
}

// StatusStore persists presence records.
type StatusStore interface {
	Set(ctx context.Context, userID, status string) error
	Get(ctx context.Context, userID string) (*Record, error)
	Delete(ctx context.Context, userID string) error
}

// RedisStore stores presence records as Redis hashes with a TTL.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a presence store on the given Redis client, verifying
// the connection first.
func NewRedisStore(client *redis.Client) (*RedisStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Set writes the user's status and refreshes the TTL.
func (s *RedisStore) Set(ctx context.Context, userID, status string) error {
	key := KeyPrefix + userID

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"user_id":    userID,
		"status":     status,
		"updated_at": time.Now().Unix(),
	})
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a user's presence record. Returns nil if not found; an absent
// record means offline.
func (s *RedisStore) Get(ctx context.Context, userID string) (*Record, error) {
	key := KeyPrefix + userID
	var rec Record
	if err := s.client.HGetAll(ctx, key).Scan(&rec); err != nil {
		return nil, err
	}
	if rec.UserID == "" {
		return nil, nil // not found
	}
	return &rec, nil
}

// Delete removes a user's presence record.
func (s *RedisStore) Delete(ctx context.Context, userID string) error {
	return s.client.Del(ctx, KeyPrefix+userID).Err()
}

// MemoryStore is an in-process StatusStore for tests and single-instance
// deployments without Redis.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Set writes the user's status.
func (s *MemoryStore) Set(ctx context.Context, userID, status string) error {
	s.mu.Lock()
	s.records[userID] = Record{UserID: userID, Status: status, UpdatedAt: time.Now().Unix()}
	s.mu.Unlock()
	return nil
}

// Get retrieves a user's presence record, or nil if absent.
func (s *MemoryStore) Get(ctx context.Context, userID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[userID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Delete removes a user's presence record.
func (s *MemoryStore) Delete(ctx context.Context, userID string) error {
	s.mu.Lock()
	delete(s.records, userID)
	s.mu.Unlock()
	return nil
}

// Publisher broadcasts a user's status change to interested parties. The room
// layer's bus satisfies it through a small adapter in the gateway.
type Publisher func(userID, status string)

// Tracker coordinates presence: it persists status changes and announces them.
type Tracker struct {
	store   StatusStore
	publish Publisher
}

// NewTracker creates a Tracker over the given store. The publish callback may
// be nil, in which case changes are persisted but not announced.
func NewTracker(store StatusStore, publish Publisher) *Tracker {
	return &Tracker{store: store, publish: publish}
}

// SetStatus validates, persists and announces a status change. An invalid
// status is rejected before any side effect.
func (t *Tracker) SetStatus(ctx context.Context, userID, status string) error {
	if !ValidStatus(status) {
		return fmt.Errorf("%w %q", ErrInvalidStatus, status)
	}

	if err := t.store.Set(ctx, userID, status); err != nil {
		return fmt.Errorf("presence: persist status for %s: %w", userID, err)
	}

	if t.publish != nil {
		t.publish(userID, status)
	}
	return nil
}

// Status returns the user's current status, defaulting to offline when no
// record exists. Store errors also report offline, logged but not propagated,
// since presence is advisory.
func (t *Tracker) Status(ctx context.Context, userID string) string {
	rec, err := t.store.Get(ctx, userID)
	if err != nil {
		log.Printf("presence: status lookup for %s: %v", userID, err)
		return StatusOffline
	}
	if rec == nil {
		return StatusOffline
	}
	return rec.Status
}
