package gateway

import (
	"bytes"
	"encoding/json"
	"time"

	"tecnocard-edge-agent/internal/model"
)

// unwrap reduces a raw RPC payload to a single object. The backend sometimes
// returns a one-element array where a newer schema returns a bare object.
// nil means "no data", which is never an error.
func unwrap(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] != '[' {
		return trimmed
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil || len(items) == 0 {
		return nil
	}
	return items[0]
}

// fields decodes an object into its raw members. Non-objects yield nil.
func fields(raw json.RawMessage) map[string]json.RawMessage {
	if raw == nil {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// pick returns the first present field under any of the given names.
func pick(m map[string]json.RawMessage, names ...string) (json.RawMessage, bool) {
	for _, n := range names {
		if v, ok := m[n]; ok && !bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return v, true
		}
	}
	return nil, false
}

func asString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func asInt(raw json.RawMessage) (int, bool) {
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	return n, true
}

func asFloat(raw json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	return f, true
}

func asTime(raw json.RawMessage) (time.Time, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// normalizeRecord maps one history entry. Older schemas carry the amount as
// "amount" and the timestamp as "created_at"; a missing amount is zero, not
// an error.
func normalizeRecord(raw json.RawMessage) (model.VisitRecord, bool) {
	m := fields(raw)
	if m == nil {
		return model.VisitRecord{}, false
	}

	var rec model.VisitRecord
	id, ok := pick(m, "id", "visit_id")
	if !ok {
		return model.VisitRecord{}, false
	}
	rec.ID = asString(id)

	if v, ok := pick(m, "amount_paid", "amount"); ok {
		rec.AmountPaid, _ = asFloat(v)
	}
	if v, ok := pick(m, "scanned_at", "created_at"); ok {
		rec.ScannedAt, _ = asTime(v)
	}
	return rec, rec.ID != ""
}

func normalizeHistory(raw json.RawMessage) []model.VisitRecord {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	history := make([]model.VisitRecord, 0, len(items))
	for _, item := range items {
		if rec, ok := normalizeRecord(item); ok {
			history = append(history, rec)
		}
	}
	return history
}

// normalizeSnapshot maps a raw payload to a full card snapshot. nil means the
// backend returned no record for the identity.
func normalizeSnapshot(raw json.RawMessage) *CardSnapshot {
	m := fields(unwrap(raw))
	if m == nil {
		return nil
	}

	snap := &CardSnapshot{VisitHistory: []model.VisitRecord{}}
	found := false

	if v, ok := pick(m, "card_id"); ok {
		snap.CardID = asString(v)
		found = true
	}
	if v, ok := pick(m, "qr_code", "qrcode"); ok {
		snap.QRCode = asString(v)
		found = true
	}
	if v, ok := pick(m, "visits", "visit_count"); ok {
		if n, okInt := asInt(v); okInt {
			snap.Visits = model.ClampVisits(n)
			found = true
		}
	}
	if v, ok := pick(m, "visit_history", "history"); ok {
		snap.VisitHistory = normalizeHistory(v)
		found = true
	}

	if !found {
		return nil
	}
	return snap
}

// normalizeOutcome maps a visit-mutation payload into the tagged union: a
// full snapshot, a single-record patch, or empty.
func normalizeOutcome(raw json.RawMessage) *VisitOutcome {
	obj := unwrap(raw)
	m := fields(obj)
	if m == nil {
		return &VisitOutcome{Kind: OutcomeEmpty}
	}

	if _, ok := pick(m, "visits", "visit_count", "visit_history", "history"); ok {
		if snap := normalizeSnapshot(obj); snap != nil {
			return &VisitOutcome{Kind: OutcomeSnapshot, Snapshot: snap}
		}
	}

	if rec, ok := normalizeRecord(obj); ok {
		return &VisitOutcome{Kind: OutcomePatch, Patch: &VisitPatch{ID: rec.ID, AmountPaid: rec.AmountPaid}}
	}

	return &VisitOutcome{Kind: OutcomeEmpty}
}

// normalizeMetrics maps the dashboard payload.
func normalizeMetrics(raw json.RawMessage) *model.DashboardMetrics {
	obj := unwrap(raw)
	if obj == nil {
		return nil
	}
	var metrics model.DashboardMetrics
	if err := json.Unmarshal(obj, &metrics); err != nil {
		return nil
	}
	return &metrics
}

// normalizeQRCode extracts the qr_code from a card lookup. "" means no card.
func normalizeQRCode(raw json.RawMessage) string {
	m := fields(unwrap(raw))
	if m == nil {
		return ""
	}
	if v, ok := pick(m, "qr_code", "qrcode"); ok {
		return asString(v)
	}
	return ""
}

// normalizeVisitCount extracts a visit count, clamped to the valid range.
func normalizeVisitCount(raw json.RawMessage) (int, bool) {
	m := fields(unwrap(raw))
	if m == nil {
		return 0, false
	}
	if v, ok := pick(m, "visits", "visit_count"); ok {
		if n, okInt := asInt(v); okInt {
			return model.ClampVisits(n), true
		}
	}
	return 0, false
}
