package model

import "time"

// Scan audit outcomes.
const (
	ScanOutcomeOK     = "ok"
	ScanOutcomeFailed = "failed"
)

// ScanAuditEntry records one staff scanner action against a card.
type ScanAuditEntry struct {
	ID        int64     `json:"id"`
	QRCode    string    `json:"qr_code"`
	Action    string    `json:"action"` // register, modify, delete
	Amount    float64   `json:"amount,omitempty"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
