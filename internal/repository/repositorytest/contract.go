// Package repositorytest holds the behaviour every repository.Backend must
// share. Backend packages run it from their own tests.
package repositorytest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"otp-service/internal/clock"
	"otp-service/internal/models"
	"otp-service/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Epoch is millisecond aligned so backends that persist unix millis round
// trip exactly.
var Epoch = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type Harness struct {
	Store repository.Backend
	Clock *clock.Fake
	// Advance moves every notion of time the backend has, not only Clock.
	Advance func(d time.Duration)
}

func newRecord(clk clock.Clock, hash string, ttl time.Duration) *models.OTPRecord {
	now := clk.Now()
	return &models.OTPRecord{
		SecretHash:      []byte(hash),
		Salt:            []byte("salt-0123456789a"),
		PepperVersion:   1,
		ExpiresAt:       now.Add(ttl),
		SendCount:       1,
		SendWindowStart: now.Truncate(time.Hour),
		LastSentAt:      now,
	}
}

// Run executes the contract. setup must return a fresh, empty backend.
func Run(t *testing.T, setup func(t *testing.T) *Harness) {
	ctx := context.Background()

	t.Run("SetThenGet", func(t *testing.T) {
		h := setup(t)
		rec := newRecord(h.Clock, "hash-a", time.Minute)

		require.NoError(t, h.Store.Set(ctx, "k1", rec, time.Minute))

		got, err := h.Store.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, rec.SecretHash, got.SecretHash)
		assert.Equal(t, rec.Salt, got.Salt)
		assert.Equal(t, 1, got.PepperVersion)
		assert.Equal(t, 0, got.VerifyAttempts)
		assert.True(t, rec.ExpiresAt.Equal(got.ExpiresAt))
		assert.True(t, rec.LastSentAt.Equal(got.LastSentAt))
	})

	t.Run("GetMissing", func(t *testing.T) {
		h := setup(t)
		_, err := h.Store.Get(ctx, "nope")
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("SetRejectsNonPositiveTTL", func(t *testing.T) {
		h := setup(t)
		rec := newRecord(h.Clock, "hash-a", time.Minute)
		assert.ErrorIs(t, h.Store.Set(ctx, "k1", rec, 0), repository.ErrInvalidTTL)
		assert.ErrorIs(t, h.Store.Set(ctx, "k1", rec, -time.Second), repository.ErrInvalidTTL)
	})

	t.Run("OverwriteResetsAttempts", func(t *testing.T) {
		h := setup(t)
		require.NoError(t, h.Store.Set(ctx, "k1", newRecord(h.Clock, "hash-a", time.Minute), time.Minute))
		_, err := h.Store.RecordAttempt(ctx, "k1", 5)
		require.NoError(t, err)

		require.NoError(t, h.Store.Set(ctx, "k1", newRecord(h.Clock, "hash-b", time.Minute), time.Minute))

		got, err := h.Store.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("hash-b"), got.SecretHash)
		assert.Equal(t, 0, got.VerifyAttempts)
	})

	t.Run("ExpiredRecordIsAbsent", func(t *testing.T) {
		h := setup(t)
		require.NoError(t, h.Store.Set(ctx, "k1", newRecord(h.Clock, "hash-a", time.Minute), time.Minute))

		h.Advance(time.Minute + time.Second)

		_, err := h.Store.Get(ctx, "k1")
		assert.ErrorIs(t, err, repository.ErrNotFound)
		_, err = h.Store.RecordAttempt(ctx, "k1", 5)
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("LogicalExpiryBeatsTTL", func(t *testing.T) {
		h := setup(t)
		// The record claims a shorter life than the storage TTL.
		require.NoError(t, h.Store.Set(ctx, "k1", newRecord(h.Clock, "hash-a", 10*time.Second), time.Minute))

		h.Clock.Advance(11 * time.Second)

		_, err := h.Store.Get(ctx, "k1")
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("RecordAttemptCountsUpToMax", func(t *testing.T) {
		h := setup(t)
		require.NoError(t, h.Store.Set(ctx, "k1", newRecord(h.Clock, "hash-a", time.Minute), time.Minute))

		for i := 1; i <= 3; i++ {
			got, err := h.Store.RecordAttempt(ctx, "k1", 3)
			require.NoError(t, err)
			assert.Equal(t, i, got.VerifyAttempts)
		}

		_, err := h.Store.RecordAttempt(ctx, "k1", 3)
		assert.ErrorIs(t, err, repository.ErrAttemptsExhausted)

		// Exhaustion deletes the record.
		_, err = h.Store.Get(ctx, "k1")
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("RecordAttemptKeepsRemainingTTL", func(t *testing.T) {
		h := setup(t)
		require.NoError(t, h.Store.Set(ctx, "k1", newRecord(h.Clock, "hash-a", time.Minute), time.Minute))

		h.Advance(40 * time.Second)
		_, err := h.Store.RecordAttempt(ctx, "k1", 5)
		require.NoError(t, err)

		h.Advance(21 * time.Second)
		_, err = h.Store.Get(ctx, "k1")
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("RecordAttemptMissing", func(t *testing.T) {
		h := setup(t)
		_, err := h.Store.RecordAttempt(ctx, "nope", 5)
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("CompareAndDelete", func(t *testing.T) {
		h := setup(t)
		require.NoError(t, h.Store.Set(ctx, "k1", newRecord(h.Clock, "hash-a", time.Minute), time.Minute))

		ok, err := h.Store.CompareAndDelete(ctx, "k1", []byte("hash-b"))
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = h.Store.Get(ctx, "k1")
		require.NoError(t, err)

		ok, err = h.Store.CompareAndDelete(ctx, "k1", []byte("hash-a"))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = h.Store.CompareAndDelete(ctx, "k1", []byte("hash-a"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("CompareAndDeleteAfterOverwrite", func(t *testing.T) {
		h := setup(t)
		require.NoError(t, h.Store.Set(ctx, "k1", newRecord(h.Clock, "hash-a", time.Minute), time.Minute))
		require.NoError(t, h.Store.Set(ctx, "k1", newRecord(h.Clock, "hash-b", time.Minute), time.Minute))

		ok, err := h.Store.CompareAndDelete(ctx, "k1", []byte("hash-a"))
		require.NoError(t, err)
		assert.False(t, ok, "a stale hash must not remove the newer record")

		got, err := h.Store.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("hash-b"), got.SecretHash)
	})

	t.Run("CompareAndDeleteAfterAttempt", func(t *testing.T) {
		h := setup(t)
		require.NoError(t, h.Store.Set(ctx, "k1", newRecord(h.Clock, "hash-a", time.Minute), time.Minute))

		_, err := h.Store.RecordAttempt(ctx, "k1", 5)
		require.NoError(t, err)

		ok, err := h.Store.CompareAndDelete(ctx, "k1", []byte("hash-a"))
		require.NoError(t, err)
		assert.True(t, ok, "a counter change must not block a matching delete")

		_, err = h.Store.Get(ctx, "k1")
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("CompareAndDeleteExpired", func(t *testing.T) {
		h := setup(t)
		require.NoError(t, h.Store.Set(ctx, "k1", newRecord(h.Clock, "hash-a", time.Minute), time.Minute))

		h.Advance(2 * time.Minute)
		ok, err := h.Store.CompareAndDelete(ctx, "k1", []byte("hash-a"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Delete", func(t *testing.T) {
		h := setup(t)
		require.NoError(t, h.Store.Set(ctx, "k1", newRecord(h.Clock, "hash-a", time.Minute), time.Minute))

		ok, err := h.Store.Delete(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = h.Store.Delete(ctx, "k1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ConcurrentAttemptsNeverExceedMax", func(t *testing.T) {
		h := setup(t)
		require.NoError(t, h.Store.Set(ctx, "k1", newRecord(h.Clock, "hash-a", time.Minute), time.Minute))

		const maxAttempts = 5
		var ok, exhausted, missing atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := h.Store.RecordAttempt(ctx, "k1", maxAttempts)
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, repository.ErrAttemptsExhausted):
					exhausted.Add(1)
				default:
					missing.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(maxAttempts), ok.Load())
		assert.Equal(t, int64(20-maxAttempts), exhausted.Load()+missing.Load())
	})

	t.Run("IncrAppliesTTLOnlyOnCreate", func(t *testing.T) {
		h := setup(t)

		n, err := h.Store.Incr(ctx, "c1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		h.Advance(40 * time.Second)
		n, err = h.Store.Incr(ctx, "c1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		// The second increment did not extend the window.
		h.Advance(21 * time.Second)
		n, err = h.Store.Incr(ctx, "c1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("IncrRejectsNonPositiveTTL", func(t *testing.T) {
		h := setup(t)
		_, err := h.Store.Incr(ctx, "c1", 0)
		assert.ErrorIs(t, err, repository.ErrInvalidTTL)
	})

	t.Run("Timestamps", func(t *testing.T) {
		h := setup(t)

		_, ok, err := h.Store.GetTimestamp(ctx, "ts")
		require.NoError(t, err)
		assert.False(t, ok)

		at := h.Clock.Now()
		require.NoError(t, h.Store.SetTimestamp(ctx, "ts", at, time.Hour))

		got, ok, err := h.Store.GetTimestamp(ctx, "ts")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, at.Equal(got))

		h.Advance(time.Hour + time.Second)
		_, ok, err = h.Store.GetTimestamp(ctx, "ts")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("HealthCheck", func(t *testing.T) {
		h := setup(t)
		assert.NoError(t, h.Store.HealthCheck(ctx))
	})
}
