package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"otp-service/internal/bucketing"
	"otp-service/internal/clock"
	"otp-service/internal/models"
	"otp-service/internal/repository"
	"otp-service/internal/util"

	"go.uber.org/zap"
)

var (
	ErrCooldownActive    = errors.New("resend cooldown active")
	ErrSendLimitExceeded = errors.New("hourly send limit exceeded")
)

// lastSentFloor keeps the cooldown stamp around for at least an hour so it
// also serves as a record of recent activity.
const lastSentFloor = time.Hour

// LimitError is returned for policy rejections. It unwraps to
// ErrCooldownActive or ErrSendLimitExceeded.
type LimitError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", e.Err, e.RetryAfter.Round(time.Second))
}

func (e *LimitError) Unwrap() error {
	return e.Err
}

// RetryAfter extracts the wait hint from err, if it carries one.
func RetryAfter(err error) (time.Duration, bool) {
	var le *LimitError
	if errors.As(err, &le) {
		return le.RetryAfter, true
	}
	return 0, false
}

type Limiter struct {
	store      repository.CounterStore
	buckets    *bucketing.BucketingManager
	clock      clock.Clock
	cooldown   time.Duration
	maxPerHour int64
	logger     *zap.Logger
}

func NewLimiter(store repository.CounterStore, buckets *bucketing.BucketingManager, clk clock.Clock, cooldown time.Duration, maxPerHour int) *Limiter {
	return &Limiter{
		store:      store,
		buckets:    buckets,
		clock:      clk,
		cooldown:   cooldown,
		maxPerHour: int64(maxPerHour),
		logger:     util.Named("ratelimit"),
	}
}

func lastSentKey(phoneKey string) string {
	return "otp:last:" + phoneKey
}

func phoneCounterKey(phoneKey, bucket string) string {
	return "otp:send:phone:" + phoneKey + ":" + bucket
}

func clientCounterKey(clientID, bucket string) string {
	return "otp:send:client:" + clientID + ":" + bucket
}

// ReserveSendSlot checks the cooldown and charges the hour-bucket counters
// for phoneKey and, when non-empty, clientID. Counters that went over the
// cap stay charged.
func (l *Limiter) ReserveSendSlot(ctx context.Context, phoneKey, clientID string) (*models.Reservation, error) {
	now := l.clock.Now()

	last, ok, err := l.store.GetTimestamp(ctx, lastSentKey(phoneKey))
	if err != nil {
		return nil, fmt.Errorf("failed to read last send time: %w", err)
	}
	if ok {
		if elapsed := now.Sub(last); elapsed < l.cooldown {
			return nil, &LimitError{Err: ErrCooldownActive, RetryAfter: l.cooldown - elapsed}
		}
	}

	window := l.buckets.Hour(now)

	phoneCount, err := l.store.Incr(ctx, phoneCounterKey(phoneKey, window.Bucket), window.Remaining)
	if err != nil {
		return nil, fmt.Errorf("failed to charge phone counter: %w", err)
	}

	var clientCount int64
	if clientID != "" {
		clientCount, err = l.store.Incr(ctx, clientCounterKey(clientID, window.Bucket), window.Remaining)
		if err != nil {
			return nil, fmt.Errorf("failed to charge client counter: %w", err)
		}
	}

	if phoneCount > l.maxPerHour || clientCount > l.maxPerHour {
		l.logger.Info("Send limit exceeded",
			zap.String("phone_key", phoneKey),
			zap.String("bucket", window.Bucket),
			zap.Int64("phone_count", phoneCount),
			zap.Int64("client_count", clientCount),
		)
		return nil, &LimitError{Err: ErrSendLimitExceeded, RetryAfter: window.Remaining}
	}

	return &models.Reservation{
		PhoneCount:  phoneCount,
		ClientCount: clientCount,
		WindowStart: window.Start,
		Bucket:      window.Bucket,
	}, nil
}

// MarkSent starts the cooldown for phoneKey.
func (l *Limiter) MarkSent(ctx context.Context, phoneKey string) error {
	ttl := l.cooldown
	if ttl < lastSentFloor {
		ttl = lastSentFloor
	}
	if err := l.store.SetTimestamp(ctx, lastSentKey(phoneKey), l.clock.Now(), ttl); err != nil {
		return fmt.Errorf("failed to record send time: %w", err)
	}
	return nil
}
