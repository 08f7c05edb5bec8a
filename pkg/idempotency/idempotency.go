// Package idempotency converts at-least-once delivery into effectively-once
// handler execution through an atomic check-and-set marker store.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/tessara/schedq/pkg/core"
)

// ErrAlreadyDone is returned by Once when the key was previously completed.
var ErrAlreadyDone = errors.New("idempotency: already done")

// Store records "this unit of work has been performed" markers with a TTL.
// All operations must be atomic with respect to concurrent callers.
type Store interface {
	// BeginOnce sets key to in_progress iff absent, returning true when
	// this caller won the claim. When false, the existing record is
	// returned so the caller can distinguish in_progress from done.
	BeginOnce(ctx context.Context, key string, ttl time.Duration) (bool, *core.IdempotencyRecord, error)

	// MarkDone transitions key to done with a result snapshot, keeping
	// the remaining TTL.
	MarkDone(ctx context.Context, key string, result []byte) error

	// Get returns the record for key, or nil when absent or expired.
	Get(ctx context.Context, key string) (*core.IdempotencyRecord, error)

	// Delete removes the record for key.
	Delete(ctx context.Context, key string) error
}

// Once runs fn only if this is the first caller for key within ttl.
// Subsequent callers get ErrAlreadyDone without fn being invoked. A caller
// whose fn returns an error releases the claim so the work can be retried.
func Once(ctx context.Context, store Store, key string, ttl time.Duration, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	claimed, existing, err := store.BeginOnce(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	if !claimed {
		if existing != nil && existing.Status == core.IdemDone {
			return existing.Result, ErrAlreadyDone
		}
		return nil, ErrAlreadyDone
	}

	result, err := fn(ctx)
	if err != nil {
		// Release the claim; the work did not happen.
		if delErr := store.Delete(ctx, key); delErr != nil {
			return nil, errors.Join(err, delErr)
		}
		return nil, err
	}

	if err := store.MarkDone(ctx, key, result); err != nil {
		return result, err
	}
	return result, nil
}
