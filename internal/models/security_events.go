package models

import "time"

type EventType string

const (
	EventOTPSent           EventType = "otp.sent"
	EventOTPSendRejected   EventType = "otp.send_rejected"
	EventOTPDeliveryFailed EventType = "otp.delivery_failed"
	EventOTPVerified       EventType = "otp.verified"
	EventOTPVerifyFailed   EventType = "otp.verify_failed"
)

// OTPEvent is an audit entry. PhoneKey is the hashed store key, never the
// phone number itself.
type OTPEvent struct {
	ID         string    `json:"id" ch:"id"`
	Type       EventType `json:"type" ch:"type"`
	PhoneKey   string    `json:"phone_key" ch:"phone_key"`
	ClientID   string    `json:"client_id,omitempty" ch:"client_id"`
	Reason     string    `json:"reason,omitempty" ch:"reason"`
	Consumed   bool      `json:"consumed,omitempty" ch:"consumed"`
	OccurredAt time.Time `json:"occurred_at" ch:"occurred_at"`
}
