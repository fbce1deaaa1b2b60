package model

import "time"

// StaffTokenData contains the data stored with a staff scanner token.
type StaffTokenData struct {
	DeviceLabel string    `json:"device_label"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}
