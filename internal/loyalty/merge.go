package loyalty

import "tecnocard-edge-agent/internal/model"

// dedupeByID drops records repeating an already-seen identifier, keeping the
// first occurrence. Duplicate rows have been observed in backend payloads
// after concurrent writes from two scanners.
func dedupeByID(records []model.VisitRecord) []model.VisitRecord {
	seen := make(map[string]struct{}, len(records))
	out := make([]model.VisitRecord, 0, len(records))
	for _, rec := range records {
		if _, ok := seen[rec.ID]; ok {
			continue
		}
		seen[rec.ID] = struct{}{}
		out = append(out, rec)
	}
	return out
}

// patchAmount updates the mutable field of one record: matched by identifier
// first, falling back to the record with the maximum scan time ("the last
// visit"). Returns false when the history is empty.
func patchAmount(history []model.VisitRecord, id string, amount float64) bool {
	for i := range history {
		if history[i].ID == id {
			history[i].AmountPaid = amount
			return true
		}
	}

	last := -1
	for i := range history {
		if last < 0 || history[i].ScannedAt.After(history[last].ScannedAt) {
			last = i
		}
	}
	if last < 0 {
		return false
	}
	history[last].AmountPaid = amount
	return true
}

// removeLast drops the record with the maximum scan time.
func removeLast(history []model.VisitRecord) []model.VisitRecord {
	last := -1
	for i := range history {
		if last < 0 || history[i].ScannedAt.After(history[last].ScannedAt) {
			last = i
		}
	}
	if last < 0 {
		return history
	}
	return append(history[:last], history[last+1:]...)
}
