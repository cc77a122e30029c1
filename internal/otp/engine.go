package otp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"otp-service/internal/clock"
	"otp-service/internal/events"
	"otp-service/internal/hashing"
	"otp-service/internal/models"
	"otp-service/internal/ratelimit"
	"otp-service/internal/repository"
	"otp-service/internal/sender"
	"otp-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const codePlaceholder = "{code}"

// SendLimiter is the part of ratelimit.Limiter the engine depends on.
type SendLimiter interface {
	ReserveSendSlot(ctx context.Context, phoneKey, clientID string) (*models.Reservation, error)
	MarkSent(ctx context.Context, phoneKey string) error
}

type Options struct {
	Digits            int
	TTL               time.Duration
	MaxVerifyAttempts int
	MessageTemplate   string
}

type Dependencies struct {
	Store      repository.CodeStore
	Limiter    SendLimiter
	Hasher     *hashing.Hasher
	Sender     sender.Sender
	Publisher  events.Publisher
	Normalizer *Normalizer
	Clock      clock.Clock
	Random     io.Reader
}

// Engine issues and verifies codes. It keeps no per-phone state of its own;
// every mutation goes through the store or the limiter.
type Engine struct {
	deps   Dependencies
	opts   Options
	logger *zap.Logger
}

func NewEngine(deps Dependencies, opts Options) (*Engine, error) {
	if deps.Store == nil || deps.Limiter == nil || deps.Hasher == nil || deps.Sender == nil || deps.Normalizer == nil {
		return nil, errors.New("otp engine: store, limiter, hasher, sender and normalizer are required")
	}
	if opts.Digits < MinDigits || opts.Digits > MaxDigits {
		return nil, fmt.Errorf("otp engine: digits must be between %d and %d", MinDigits, MaxDigits)
	}
	if opts.TTL <= 0 {
		return nil, errors.New("otp engine: ttl must be positive")
	}
	if opts.MaxVerifyAttempts < 1 {
		return nil, errors.New("otp engine: max verify attempts must be at least 1")
	}
	if opts.MessageTemplate == "" {
		opts.MessageTemplate = "Doğrulama kodunuz: " + codePlaceholder
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NopPublisher{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Random == nil {
		deps.Random = clock.Random()
	}

	return &Engine{
		deps:   deps,
		opts:   opts,
		logger: util.Named("otp"),
	}, nil
}

// Normalize exposes the engine's phone normalizer to callers such as the
// HTTP layer.
func (e *Engine) Normalize(raw string) (string, error) {
	return e.deps.Normalizer.Normalize(raw)
}

// Send issues a new code for phone, replacing any live one, and hands it to
// the sender. The plaintext code is returned only to the caller.
func (e *Engine) Send(ctx context.Context, phone, clientID string) (string, error) {
	normalized, err := e.deps.Normalizer.Normalize(phone)
	if err != nil {
		e.publish(ctx, models.EventOTPSendRejected, "", clientID, ReasonInvalidInput, false)
		return "", err
	}
	key := StoreKey(normalized)

	reservation, err := e.deps.Limiter.ReserveSendSlot(ctx, key, clientID)
	if err != nil {
		switch {
		case errors.Is(err, ratelimit.ErrCooldownActive):
			e.publish(ctx, models.EventOTPSendRejected, key, clientID, ReasonCooldown, false)
		case errors.Is(err, ratelimit.ErrSendLimitExceeded):
			e.publish(ctx, models.EventOTPSendRejected, key, clientID, ReasonSendLimit, false)
		default:
			e.logger.Error("Send slot reservation failed", zap.String("phone_key", key), zap.Error(err))
		}
		return "", err
	}

	code, err := GenerateCode(e.deps.Random, e.opts.Digits)
	if err != nil {
		return "", err
	}

	hashed, err := e.deps.Hasher.HashOTP(code)
	if err != nil {
		return "", err
	}

	now := e.deps.Clock.Now()
	record := &models.OTPRecord{
		SecretHash:      hashed.Hash,
		Salt:            hashed.Salt,
		PepperVersion:   hashed.PepperVersion,
		ExpiresAt:       now.Add(e.opts.TTL),
		VerifyAttempts:  0,
		SendCount:       int(reservation.PhoneCount),
		SendWindowStart: reservation.WindowStart,
		LastSentAt:      now,
	}
	if err := e.deps.Store.Set(ctx, key, record, e.opts.TTL); err != nil {
		e.logger.Error("Failed to persist OTP record", zap.String("phone_key", key), zap.Error(err))
		return "", fmt.Errorf("failed to store otp: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	message := strings.ReplaceAll(e.opts.MessageTemplate, codePlaceholder, code)
	if err := e.deps.Sender.Deliver(ctx, normalized, message); err != nil {
		e.logger.Warn("OTP delivery failed",
			zap.String("phone_key", key),
			util.Phone("phone", normalized),
			zap.Error(err),
		)
		e.publish(ctx, models.EventOTPDeliveryFailed, key, clientID, ReasonTransport, false)
		return "", fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}

	if err := e.deps.Limiter.MarkSent(ctx, key); err != nil {
		// The code is already delivered.
		e.logger.Warn("Failed to start resend cooldown", zap.String("phone_key", key), zap.Error(err))
	}

	e.publish(ctx, models.EventOTPSent, key, clientID, "", false)
	e.logger.Info("OTP sent",
		zap.String("phone_key", key),
		zap.Int("send_count", record.SendCount),
		zap.Time("expires_at", record.ExpiresAt),
	)
	return code, nil
}

// Verify reports whether code is the live code for phone. Every failure,
// whatever its cause, is the same false. With consume set a match deletes
// the record, and only one caller can win that delete.
func (e *Engine) Verify(ctx context.Context, phone, code string, consume bool) bool {
	err := e.verify(ctx, phone, code, consume)
	return err == nil
}

func (e *Engine) verify(ctx context.Context, phone, code string, consume bool) error {
	normalized, err := e.deps.Normalizer.Normalize(phone)
	code = strings.TrimSpace(code)
	if err != nil || !isCode(code, e.opts.Digits) {
		e.publish(ctx, models.EventOTPVerifyFailed, "", "", ReasonInvalidInput, consume)
		return ErrVerificationFailed
	}
	key := StoreKey(normalized)

	record, err := e.deps.Store.RecordAttempt(ctx, key, e.opts.MaxVerifyAttempts)
	if err != nil {
		reason := ReasonBackendError
		switch {
		case errors.Is(err, repository.ErrNotFound):
			reason = ReasonNotFound
		case errors.Is(err, repository.ErrAttemptsExhausted):
			reason = ReasonExhausted
		default:
			e.logger.Error("Failed to record verify attempt", zap.String("phone_key", key), zap.Error(err))
		}
		return e.fail(ctx, key, reason, consume)
	}

	match, err := e.deps.Hasher.VerifyOTP(code, &hashing.HashResult{
		Hash:          record.SecretHash,
		Salt:          record.Salt,
		PepperVersion: record.PepperVersion,
	})
	if err != nil {
		e.logger.Error("Failed to check OTP hash",
			zap.String("phone_key", key),
			zap.Int("pepper_version", record.PepperVersion),
			zap.Error(err),
		)
		return e.fail(ctx, key, ReasonBackendError, consume)
	}

	if !match {
		if record.VerifyAttempts >= e.opts.MaxVerifyAttempts {
			if _, err := e.deps.Store.CompareAndDelete(ctx, key, record.SecretHash); err != nil {
				e.logger.Warn("Failed to drop exhausted OTP record", zap.String("phone_key", key), zap.Error(err))
			}
			return e.fail(ctx, key, ReasonExhausted, consume)
		}
		return e.fail(ctx, key, ReasonMismatch, consume)
	}

	if consume {
		deleted, err := e.deps.Store.CompareAndDelete(ctx, key, record.SecretHash)
		if err != nil {
			e.logger.Error("Failed to consume OTP record", zap.String("phone_key", key), zap.Error(err))
			return e.fail(ctx, key, ReasonBackendError, consume)
		}
		if !deleted {
			return e.fail(ctx, key, ReasonConsumed, consume)
		}
	}

	e.publish(ctx, models.EventOTPVerified, key, "", "", consume)
	e.logger.Info("OTP verified",
		zap.String("phone_key", key),
		zap.Int("attempts", record.VerifyAttempts),
		zap.Bool("consumed", consume),
	)
	return nil
}

func (e *Engine) fail(ctx context.Context, key, reason string, consume bool) error {
	e.publish(ctx, models.EventOTPVerifyFailed, key, "", reason, consume)
	e.logger.Info("OTP verification failed", zap.String("phone_key", key), zap.String("reason", reason))
	return ErrVerificationFailed
}

func (e *Engine) publish(ctx context.Context, typ models.EventType, key, clientID, reason string, consumed bool) {
	event := &models.OTPEvent{
		ID:         uuid.NewString(),
		Type:       typ,
		PhoneKey:   key,
		ClientID:   clientID,
		Reason:     reason,
		Consumed:   consumed,
		OccurredAt: e.deps.Clock.Now().UTC(),
	}
	if err := e.deps.Publisher.Publish(ctx, event); err != nil {
		e.logger.Warn("Failed to publish OTP event", zap.String("type", string(typ)), zap.Error(err))
	}
}

func isCode(code string, digits int) bool {
	if len(code) != digits {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}
