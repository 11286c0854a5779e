package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// IdempotencyPrefix is the Redis key prefix for idempotency tokens.
	IdempotencyPrefix = "idem:"

	// IdempotencyTTL is how long a token-to-message mapping is remembered.
	// A client retrying a send after this window produces a new message.
	IdempotencyTTL = 24 * time.Hour
)

// IdempotencyStore remembers which message a client idempotency token
// produced so retried sends return the original message instead of a
// duplicate.
type IdempotencyStore interface {
	// Lookup returns the message id recorded for the token, or "" if the
	// token is unknown.
	Lookup(ctx context.Context, token string) (string, error)

	// Remember records the token -> message mapping. Returns false if the
	// token was already claimed (a concurrent retry won the race), in which
	// case the existing mapping stands.
	Remember(ctx context.Context, token, messageID string) (bool, error)
}

// RedisIdempotency stores token mappings as plain keys with a TTL, claimed
// atomically via SETNX so concurrent retries across instances agree on one
// winner.
type RedisIdempotency struct {
	client *redis.Client
}

// NewRedisIdempotency creates a RedisIdempotency using the provided client.
func NewRedisIdempotency(client *redis.Client) *RedisIdempotency {
	return &RedisIdempotency{client: client}
}

// Lookup returns the message id for a token, or "" if absent.
func (s *RedisIdempotency) Lookup(ctx context.Context, token string) (string, error) {
	id, err := s.client.Get(ctx, IdempotencyPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// Remember claims the token via SETNX with the idempotency TTL.
func (s *RedisIdempotency) Remember(ctx context.Context, token, messageID string) (bool, error) {
	return s.client.SetNX(ctx, IdempotencyPrefix+token, messageID, IdempotencyTTL).Result()
}

// MemoryIdempotency is an in-process IdempotencyStore for tests and
// single-instance deployments. Entries never expire.
type MemoryIdempotency struct {
	mu     sync.Mutex
	tokens map[string]string
}

// NewMemoryIdempotency creates an empty MemoryIdempotency.
func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{tokens: make(map[string]string)}
}

// Lookup returns the message id for a token, or "" if absent.
func (s *MemoryIdempotency) Lookup(ctx context.Context, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[token], nil
}

// Remember claims the token if unclaimed.
func (s *MemoryIdempotency) Remember(ctx context.Context, token, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tokens[token]; exists {
		return false, nil
	}
	s.tokens[token] = messageID
	return true, nil
}
