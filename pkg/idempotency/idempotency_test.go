package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessara/schedq/pkg/core"
)

func TestBeginOnce_FirstClaimWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	claimed, existing, err := s.BeginOnce(ctx, "exec-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Nil(t, existing)

	claimed, existing, err = s.BeginOnce(ctx, "exec-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)
	require.NotNil(t, existing)
	assert.Equal(t, core.IdemInProgress, existing.Status)
}

func TestBeginOnce_DoneRecordStaysClaimed(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, _, err := s.BeginOnce(ctx, "exec-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.MarkDone(ctx, "exec-1", []byte(`"ok"`)))

	claimed, existing, err := s.BeginOnce(ctx, "exec-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)
	require.NotNil(t, existing)
	assert.Equal(t, core.IdemDone, existing.Status)
	assert.Equal(t, []byte(`"ok"`), existing.Result)
}

func TestBeginOnce_ExpiredClaimReclaimable(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	claimed, _, err := s.BeginOnce(ctx, "exec-1", time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	// Crashed worker: claim never marked done, TTL elapses.
	now = now.Add(2 * time.Minute)

	claimed, _, err = s.BeginOnce(ctx, "exec-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestMarkDone_UnknownKey(t *testing.T) {
	s := NewMemoryStore()
	err := s.MarkDone(context.Background(), "nope", nil)
	assert.True(t, core.IsNotFound(err))
}

func TestDelete_ReleasesClaim(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, _, err := s.BeginOnce(ctx, "exec-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "exec-1"))

	claimed, _, err := s.BeginOnce(ctx, "exec-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestSweep(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, _, _ = s.BeginOnce(ctx, "old", time.Minute)
	now = now.Add(30 * time.Second)
	_, _, _ = s.BeginOnce(ctx, "fresh", time.Minute)
	now = now.Add(45 * time.Second)

	assert.Equal(t, 1, s.Sweep())

	rec, err := s.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestOnce_RunsExactlyOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	calls := 0
	fn := func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte(`42`), nil
	}

	result, err := Once(ctx, s, "k", time.Minute, fn)
	require.NoError(t, err)
	assert.Equal(t, []byte(`42`), result)

	// Duplicate caller gets the cached result and ErrAlreadyDone.
	result, err = Once(ctx, s, "k", time.Minute, fn)
	assert.ErrorIs(t, err, ErrAlreadyDone)
	assert.Equal(t, []byte(`42`), result)

	assert.Equal(t, 1, calls)
}

func TestOnce_FailureReleasesClaim(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	boom := errors.New("boom")
	calls := 0

	_, err := Once(ctx, s, "k", time.Minute, func(ctx context.Context) ([]byte, error) {
		calls++
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	result, err := Once(ctx, s, "k", time.Minute, func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte(`"ok"`), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte(`"ok"`), result)
	assert.Equal(t, 2, calls)
}
