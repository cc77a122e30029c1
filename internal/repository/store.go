// Package repository defines the storage contracts the OTP engine and rate
// limiter are written against. Backends live in the memory and redis
// subpackages and must behave identically.
package repository

import (
	"context"
	"errors"
	"time"

	"otp-service/internal/models"
)

var (
	ErrNotFound           = errors.New("otp record not found")
	ErrAttemptsExhausted  = errors.New("otp verify attempts exhausted")
	ErrBackendUnavailable = errors.New("store backend unavailable")
	ErrInvalidTTL         = errors.New("ttl must be positive")
)

// CodeStore holds at most one OTP record per key. Records past their
// ExpiresAt are reported as ErrNotFound even before the backend evicts them.
type CodeStore interface {
	Get(ctx context.Context, key string) (*models.OTPRecord, error)

	// Set overwrites any existing record. ttl must be positive.
	Set(ctx context.Context, key string, record *models.OTPRecord, ttl time.Duration) error

	// RecordAttempt is one atomic step: an absent or expired record is
	// deleted and ErrNotFound returned; a record already at maxAttempts is
	// deleted and ErrAttemptsExhausted returned; otherwise VerifyAttempts is
	// incremented, persisted with the remaining TTL, and the updated record
	// returned.
	RecordAttempt(ctx context.Context, key string, maxAttempts int) (*models.OTPRecord, error)

	// CompareAndDelete removes the record only if its SecretHash equals
	// secretHash. It reports whether a delete happened.
	CompareAndDelete(ctx context.Context, key string, secretHash []byte) (bool, error)

	Delete(ctx context.Context, key string) (bool, error)
}

// CounterStore backs the send-rate limiter.
type CounterStore interface {
	// Incr adds one to key. The expiry is applied only when the increment
	// creates the counter.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	SetTimestamp(ctx context.Context, key string, t time.Time, ttl time.Duration) error

	// GetTimestamp reports false when nothing is stored under key.
	GetTimestamp(ctx context.Context, key string) (time.Time, bool, error)
}

// Backend is one storage substrate serving both contracts.
type Backend interface {
	CodeStore
	CounterStore
	HealthCheck(ctx context.Context) error
	Close() error
}
