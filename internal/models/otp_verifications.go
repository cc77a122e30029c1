package models

import "time"

// OTPRecord is the single live OTP state for one phone. Only the keyed hash
// and its salt are stored; the plaintext code never is.
type OTPRecord struct {
	SecretHash      []byte    `json:"secret_hash"`
	Salt            []byte    `json:"salt"`
	PepperVersion   int       `json:"pepper_version"`
	ExpiresAt       time.Time `json:"expires_at"`
	VerifyAttempts  int       `json:"verify_attempts"`
	SendCount       int       `json:"send_count"`
	SendWindowStart time.Time `json:"send_window_start"`
	LastSentAt      time.Time `json:"last_sent_at"`
}

// Expired reports whether the record is past its expiry at now.
func (r *OTPRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Remaining is the time-to-live left at now, zero once expired.
func (r *OTPRecord) Remaining(now time.Time) time.Duration {
	if d := r.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (r *OTPRecord) Clone() *OTPRecord {
	c := *r
	c.SecretHash = append([]byte(nil), r.SecretHash...)
	c.Salt = append([]byte(nil), r.Salt...)
	return &c
}
