package model

import (
	"sort"
	"strings"
	"time"
)

// MaxVisits is the number of stamps on a full loyalty card.
const MaxVisits = 10

// TempIDPrefix marks visit records created optimistically on this device.
// They are replaced or removed once an authoritative response arrives.
const TempIDPrefix = "temp-"

// Milestone visit counts and their discount tiers.
const (
	MilestoneReward   = 5  // 15% OFF
	MilestoneComplete = 10 // 25% OFF
)

// CardIdentity identifies a loyalty card. QRCode is the opaque token encoded
// in the customer-facing QR symbol and is the primary lookup key for all
// staff actions. CardID is the backend row identity, when known. Created once
// at registration, immutable thereafter.
type CardIdentity struct {
	RUT    string `json:"rut"`
	QRCode string `json:"id"`
	CardID string `json:"card_id,omitempty"`
}

// ChannelKey returns the identity used for realtime subscriptions,
// preferring the backend row identity over the QR token.
func (c CardIdentity) ChannelKey() string {
	if c.CardID != "" {
		return c.CardID
	}
	return c.QRCode
}

// VisitRecord is one recorded scan event.
type VisitRecord struct {
	ID         string    `json:"id"`
	AmountPaid float64   `json:"amount_paid"`
	ScannedAt  time.Time `json:"scanned_at"`
}

// IsTemp reports whether the record is a not-yet-confirmed optimistic entry.
func (v VisitRecord) IsTemp() bool {
	return strings.HasPrefix(v.ID, TempIDPrefix)
}

// Session is the persisted local representation of the current card:
// identity, visit count and visit history. Visits equals the history length
// whenever both are authoritative-sourced; the two may transiently diverge
// while an optimistic update awaits confirmation.
type Session struct {
	Identity     CardIdentity  `json:"identity"`
	RegisteredAt time.Time     `json:"registeredAt"`
	Visits       int           `json:"visits"`
	VisitHistory []VisitRecord `json:"visit_history"`
}

// Clone returns a deep copy. Engine consumers only ever see clones, so the
// engine's own copy cannot be mutated behind its back.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.VisitHistory = make([]VisitRecord, len(s.VisitHistory))
	copy(cp.VisitHistory, s.VisitHistory)
	return &cp
}

// SortedHistory returns the visit history ordered ascending by scan time.
// The backend imposes no order on visit_history, so every consumer must sort
// before deriving "last visit" or positional displays.
func (s *Session) SortedHistory() []VisitRecord {
	sorted := make([]VisitRecord, len(s.VisitHistory))
	copy(sorted, s.VisitHistory)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ScannedAt.Before(sorted[j].ScannedAt)
	})
	return sorted
}

// LastVisit returns the record with the maximum scan time, or nil when the
// history is empty.
func (s *Session) LastVisit() *VisitRecord {
	var last *VisitRecord
	for i := range s.VisitHistory {
		if last == nil || s.VisitHistory[i].ScannedAt.After(last.ScannedAt) {
			last = &s.VisitHistory[i]
		}
	}
	return last
}

// CurrentStep is the visit index shown as "current" on the stepper.
func (s *Session) CurrentStep() int {
	return ClampVisits(s.Visits)
}

// ClampVisits bounds a visit count to [0, MaxVisits].
func ClampVisits(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxVisits {
		return MaxVisits
	}
	return n
}
