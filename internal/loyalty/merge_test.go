package loyalty

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tecnocard-edge-agent/internal/model"
)

func visitAt(id string, amount float64, offset time.Duration) model.VisitRecord {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	return model.VisitRecord{ID: id, AmountPaid: amount, ScannedAt: base.Add(offset)}
}

func TestDedupeByID(t *testing.T) {
	records := []model.VisitRecord{
		visitAt("v1", 100, 0),
		visitAt("v2", 200, time.Minute),
		visitAt("v1", 999, 2*time.Minute),
	}

	out := dedupeByID(records)
	require.Len(t, out, 2)
	assert.Equal(t, float64(100), out[0].AmountPaid, "first occurrence wins")
}

func TestDedupeByID_PreservesDistinctRecords(t *testing.T) {
	records := []model.VisitRecord{
		visitAt("v1", 100, 0),
		visitAt("v2", 200, time.Minute),
		visitAt("v3", 300, 2*time.Minute),
	}

	out := dedupeByID(records)
	assert.Equal(t, records, out)
}

func TestPatchAmount_ByID(t *testing.T) {
	history := []model.VisitRecord{
		visitAt("v1", 100, 0),
		visitAt("v2", 200, time.Minute),
	}

	require.True(t, patchAmount(history, "v1", 5000))
	assert.Equal(t, float64(5000), history[0].AmountPaid)
	assert.Equal(t, float64(200), history[1].AmountPaid)
}

func TestPatchAmount_FallbackToMaxScanTime(t *testing.T) {
	history := []model.VisitRecord{
		visitAt("v2", 200, time.Minute), // unordered on purpose
		visitAt("v3", 300, 2*time.Minute),
		visitAt("v1", 100, 0),
	}

	require.True(t, patchAmount(history, "missing-id", 7777))
	assert.Equal(t, float64(7777), history[1].AmountPaid, "the most recent scan takes the patch")
	assert.Equal(t, float64(200), history[0].AmountPaid)
	assert.Equal(t, float64(100), history[2].AmountPaid)
}

func TestPatchAmount_EmptyHistory(t *testing.T) {
	assert.False(t, patchAmount(nil, "v1", 100))
}

func TestRemoveLast(t *testing.T) {
	history := []model.VisitRecord{
		visitAt("v2", 200, time.Minute),
		visitAt("v3", 300, 2*time.Minute), // most recent, in the middle
		visitAt("v1", 100, 0),
	}

	out := removeLast(history)
	require.Len(t, out, 2)
	for _, rec := range out {
		assert.NotEqual(t, "v3", rec.ID)
	}
}

func TestRemoveLast_Empty(t *testing.T) {
	assert.Empty(t, removeLast(nil))
}
