package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tessara/schedq/pkg/core"
)

// RedisStore implements Store on Redis. SET NX gives the atomic
// check-and-set; expiry is delegated to Redis TTLs.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore creates a Redis-backed idempotency store. Keys are
// namespaced under "schedq:idem:".
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, keyPrefix: "schedq:idem:"}
}

func (s *RedisStore) key(k string) string {
	return s.keyPrefix + k
}

// BeginOnce implements Store.
func (s *RedisStore) BeginOnce(ctx context.Context, key string, ttl time.Duration) (bool, *core.IdempotencyRecord, error) {
	rec := core.IdempotencyRecord{
		Key:       key,
		Status:    core.IdemInProgress,
		ExpiresAt: time.Now().Add(ttl).UTC(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, nil, err
	}

	ok, err := s.client.SetNX(ctx, s.key(key), raw, ttl).Result()
	if err != nil {
		return false, nil, fmt.Errorf("idempotency: setnx %q: %w", key, err)
	}
	if ok {
		return true, nil, nil
	}

	existing, err := s.Get(ctx, key)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// MarkDone implements Store. KEEPTTL preserves the original expiry so the
// done marker outlives the claim for the same window.
func (s *RedisStore) MarkDone(ctx context.Context, key string, result []byte) error {
	existing, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if existing == nil {
		return core.NotFound("idempotency record", key)
	}

	existing.Status = core.IdemDone
	existing.Result = result
	raw, err := json.Marshal(existing)
	if err != nil {
		return err
	}

	err = s.client.SetArgs(ctx, s.key(key), raw, redis.SetArgs{KeepTTL: true}).Err()
	if err != nil {
		return fmt.Errorf("idempotency: set %q: %w", key, err)
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (*core.IdempotencyRecord, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: get %q: %w", key, err)
	}
	var rec core.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}
