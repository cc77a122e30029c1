package otp

import (
	"errors"

	"otp-service/internal/ratelimit"
)

var (
	ErrInvalidPhone       = errors.New("invalid phone number")
	ErrCooldownActive     = ratelimit.ErrCooldownActive
	ErrSendLimitExceeded  = ratelimit.ErrSendLimitExceeded
	ErrTransportFailure   = errors.New("otp delivery failed")
	ErrVerificationFailed = errors.New("otp verification failed")
)

// Reasons recorded on audit events. They never reach API callers.
const (
	ReasonInvalidInput = "invalid_input"
	ReasonNotFound     = "not_found"
	ReasonMismatch     = "mismatch"
	ReasonExhausted    = "exhausted"
	ReasonConsumed     = "already_consumed"
	ReasonBackendError = "backend_error"
	ReasonCooldown     = "cooldown"
	ReasonSendLimit    = "send_limit"
	ReasonTransport    = "transport"
)
