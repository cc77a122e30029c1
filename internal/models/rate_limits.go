package models

import "time"

// Reservation is what a successful send-slot reservation charged.
type Reservation struct {
	PhoneCount  int64     `json:"phone_count"`
	ClientCount int64     `json:"client_count"`
	WindowStart time.Time `json:"window_start"`
	Bucket      string    `json:"bucket"`
}
