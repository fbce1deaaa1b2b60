package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tecnocard-edge-agent/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testSession() *model.Session {
	return &model.Session{
		Identity: model.CardIdentity{
			RUT:    "12345678-5",
			QRCode: "3f0c8c1e-3f43-4b5a-9a43-111111111111",
			CardID: "card-42",
		},
		RegisteredAt: time.Now().UTC().Truncate(time.Second),
		Visits:       3,
		VisitHistory: []model.VisitRecord{
			{ID: "v1", AmountPaid: 5000, ScannedAt: time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)},
			{ID: "v2", AmountPaid: 3500, ScannedAt: time.Now().UTC().Add(-1 * time.Hour).Truncate(time.Second)},
			{ID: "v3", AmountPaid: 1200, ScannedAt: time.Now().UTC().Truncate(time.Second)},
		},
	}
}

func TestSQLiteStore_SaveLoadRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := testSession()
	require.NoError(t, s.Save(ctx, want))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.Identity, got.Identity)
	assert.Equal(t, want.Visits, got.Visits)
	assert.Len(t, got.VisitHistory, 3)
}

func TestSQLiteStore_LoadEmpty(t *testing.T) {
	s := newTestStore(t)

	got, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteStore_SaveNilClears(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, testSession()))
	require.NoError(t, s.Save(ctx, nil))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteStore_SchemaMismatchResets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, testSession()))

	// Simulate a blob written by an older agent version.
	_, err := s.db.ExecContext(ctx,
		`UPDATE loyalty_session SET schema_version = ? WHERE slot = 1`, SchemaVersion-1)
	require.NoError(t, err)

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "stale-schema session must be discarded, not migrated")

	// The wipe is durable: a second load still finds nothing.
	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteStore_CorruptPayloadResets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, testSession()))
	_, err := s.db.ExecContext(ctx, `UPDATE loyalty_session SET payload = '{not json' WHERE slot = 1`)
	require.NoError(t, err)

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteStore_WholeObjectReplace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := testSession()
	require.NoError(t, s.Save(ctx, first))

	second := testSession()
	second.Visits = 4
	second.VisitHistory = second.VisitHistory[:1]
	require.NoError(t, s.Save(ctx, second))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 4, got.Visits)
	assert.Len(t, got.VisitHistory, 1, "save must replace the whole object, not merge")
}

func TestSQLiteStore_AuditAppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendScan(ctx, &model.ScanAuditEntry{
			QRCode:  "qr-1",
			Action:  "register",
			Amount:  float64(1000 * (i + 1)),
			Outcome: model.ScanOutcomeOK,
		}))
	}

	entries, total, err := s.RecentScans(ctx, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, entries, 2)
	assert.Equal(t, float64(3000), entries[0].Amount, "newest first")
}

func TestSQLiteStore_Stats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, testSession()))
	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, true, stats["session_present"])
	assert.Equal(t, SchemaVersion, stats["schema_version"])
}

func TestMemoryStore_Roundtrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	want := testSession()
	require.NoError(t, s.Save(ctx, want))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.Identity, got.Identity)

	// Mutating the loaded copy must not leak into the store.
	got.Visits = 9
	again, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want.Visits, again.Visits)
}

func TestMemoryStore_Clear(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, testSession()))
	require.NoError(t, s.Clear(ctx))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}
