package loyalty

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tecnocard-edge-agent/internal/gateway"
	"tecnocard-edge-agent/internal/model"
	"tecnocard-edge-agent/internal/rut"
	"tecnocard-edge-agent/internal/store"
)

const testRut = "12.345.678-5"

// fakeBackend is a stateful in-memory stand-in for the remote backend.
type fakeBackend struct {
	mu      sync.Mutex
	known   bool
	cardID  string
	qrCode  string
	visits  int
	history []model.VisitRecord
	nextID  int

	resolveCalls  int
	registerCalls int

	// Error and behavior overrides.
	registerErr     error
	resolveErr      error
	gone            bool // resolve answers "no such card"
	registerOutcome *gateway.VisitOutcome
	modifyOutcome   *gateway.VisitOutcome

	// When set, each resolve announces itself and waits for its own release,
	// letting a test control response ordering.
	resolveStarted chan chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{cardID: "card-1", nextID: 1}
}

func (b *fakeBackend) snapshotLocked() *gateway.CardSnapshot {
	history := make([]model.VisitRecord, len(b.history))
	copy(history, b.history)
	return &gateway.CardSnapshot{
		CardID:       b.cardID,
		QRCode:       b.qrCode,
		Visits:       b.visits,
		VisitHistory: history,
	}
}

func (b *fakeBackend) ResolveOrCreateCard(ctx context.Context, qrCode, rutKey, localToken string) (*gateway.CardSnapshot, error) {
	if b.resolveStarted != nil {
		release := make(chan struct{})
		b.resolveStarted <- release
		<-release
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolveCalls++
	if b.resolveErr != nil {
		return nil, b.resolveErr
	}
	if b.gone {
		return nil, nil
	}
	if !b.known {
		b.known = true
		b.qrCode = qrCode
	}
	return b.snapshotLocked(), nil
}

func (b *fakeBackend) RegisterVisit(ctx context.Context, qrCode string, amount float64) (*gateway.VisitOutcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registerCalls++
	if b.registerErr != nil {
		return nil, b.registerErr
	}
	if b.registerOutcome != nil {
		return b.registerOutcome, nil
	}
	if b.visits >= model.MaxVisits {
		return nil, gateway.ErrCardFull
	}
	b.visits++
	b.history = append(b.history, model.VisitRecord{
		ID:         fmt.Sprintf("v-%d", b.nextID),
		AmountPaid: amount,
		ScannedAt:  time.Now().UTC().Add(time.Duration(b.nextID) * time.Millisecond),
	})
	b.nextID++
	return &gateway.VisitOutcome{Kind: gateway.OutcomeSnapshot, Snapshot: b.snapshotLocked()}, nil
}

func (b *fakeBackend) DeleteLastVisit(ctx context.Context, qrCode string) (*gateway.VisitOutcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := len(b.history); n > 0 {
		b.history = b.history[:n-1]
		b.visits--
	}
	return &gateway.VisitOutcome{Kind: gateway.OutcomeSnapshot, Snapshot: b.snapshotLocked()}, nil
}

func (b *fakeBackend) ModifyLastVisit(ctx context.Context, qrCode string, amount float64) (*gateway.VisitOutcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.modifyOutcome != nil {
		return b.modifyOutcome, nil
	}
	if n := len(b.history); n > 0 {
		b.history[n-1].AmountPaid = amount
		return &gateway.VisitOutcome{
			Kind:  gateway.OutcomePatch,
			Patch: &gateway.VisitPatch{ID: b.history[n-1].ID, AmountPaid: amount},
		}, nil
	}
	return &gateway.VisitOutcome{Kind: gateway.OutcomeEmpty}, nil
}

func (b *fakeBackend) DashboardStats(ctx context.Context) (*model.DashboardMetrics, error) {
	return &model.DashboardMetrics{}, nil
}

func (b *fakeBackend) ResolveCardByRut(ctx context.Context, rutKey string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.known {
		return b.qrCode, nil
	}
	return "", nil
}

func (b *fakeBackend) CardStatusByQR(ctx context.Context, qrCode string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.visits, nil
}

// milestoneRecorder collects milestone notifications.
type milestoneRecorder struct {
	mu    sync.Mutex
	fired []int
}

func (m *milestoneRecorder) notify(milestone, visits int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fired = append(m.fired, milestone)
}

func (m *milestoneRecorder) all() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int{}, m.fired...)
}

func newTestEngine(t *testing.T, backend *fakeBackend) (*Engine, *milestoneRecorder, store.SessionStore) {
	t.Helper()
	st := store.NewMemoryStore()
	rec := &milestoneRecorder{}
	e, err := New(context.Background(), st, backend, WithMilestoneNotifier(rec.notify))
	require.NoError(t, err)
	return e, rec, st
}

func registeredEngine(t *testing.T, backend *fakeBackend) (*Engine, *milestoneRecorder, store.SessionStore) {
	t.Helper()
	e, rec, st := newTestEngine(t, backend)
	_, err := e.RegisterUser(context.Background(), testRut)
	require.NoError(t, err)
	return e, rec, st
}

func TestRegisterUser_CreatesSession(t *testing.T) {
	backend := newFakeBackend()
	e, _, st := newTestEngine(t, backend)

	session, err := e.RegisterUser(context.Background(), testRut)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "12345678-5", session.Identity.RUT)
	assert.Equal(t, "card-1", session.Identity.CardID)
	assert.NotEmpty(t, session.Identity.QRCode)
	assert.Zero(t, session.Visits)

	persisted, err := st.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, session.Identity, persisted.Identity)
}

func TestRegisterUser_InvalidRutNeverReachesNetwork(t *testing.T) {
	backend := newFakeBackend()
	e, _, _ := newTestEngine(t, backend)

	_, err := e.RegisterUser(context.Background(), "12.345.678-4")
	require.ErrorIs(t, err, rut.ErrInvalid)
	assert.Zero(t, backend.resolveCalls)
}

func TestRegisterUser_ExistingSessionRejected(t *testing.T) {
	backend := newFakeBackend()
	e, _, _ := registeredEngine(t, backend)

	_, err := e.RegisterUser(context.Background(), testRut)
	require.ErrorIs(t, err, ErrSessionExists)
}

func TestScenario_VisitLifecycle(t *testing.T) {
	backend := newFakeBackend()
	e, rec, _ := registeredEngine(t, backend)
	ctx := context.Background()
	qr := e.Session().Identity.QRCode

	// Four visits: no milestone.
	for i := 0; i < 4; i++ {
		result, err := e.RegisterVisit(ctx, qr, float64(1000*(i+1)))
		require.NoError(t, err)
		assert.Zero(t, result.Milestone)
	}
	assert.Equal(t, 4, e.Session().Visits)
	assert.Empty(t, rec.all())

	// Fifth visit crosses the reward tier exactly once.
	before := time.Now().UTC()
	result, err := e.RegisterVisit(ctx, qr, 5000)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Visits)
	assert.Equal(t, model.MilestoneReward, result.Milestone)
	assert.Equal(t, []int{5}, rec.all())

	session := e.Session()
	assert.Equal(t, 5, session.Visits)
	require.Len(t, session.VisitHistory, 5)
	last := session.LastVisit()
	require.NotNil(t, last)
	assert.WithinDuration(t, before, last.ScannedAt, 5*time.Second)

	// Delete the last visit: back to 4, most recent record gone.
	deleted, err := e.DeleteLastVisit(ctx, qr)
	require.NoError(t, err)
	assert.Equal(t, 4, deleted.Visits)
	session = e.Session()
	assert.Equal(t, 4, session.Visits)
	assert.Len(t, session.VisitHistory, 4)
	assert.NotEqual(t, last.ID, session.LastVisit().ID)

	// Modify the new last visit: amount changes, count does not.
	modified, err := e.ModifyLastVisit(ctx, qr, 9999)
	require.NoError(t, err)
	assert.Equal(t, 4, modified.Visits)
	session = e.Session()
	assert.Equal(t, 4, session.Visits)
	assert.Equal(t, float64(9999), session.LastVisit().AmountPaid)

	// Climbing back to 5 is a fresh transition and fires again.
	result, err = e.RegisterVisit(ctx, qr, 100)
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneReward, result.Milestone)
	assert.Equal(t, []int{5, 5}, rec.all())
}

func TestRegisterVisit_NoLeftoverTempAfterConfirmation(t *testing.T) {
	backend := newFakeBackend()
	e, _, _ := registeredEngine(t, backend)
	qr := e.Session().Identity.QRCode

	_, err := e.RegisterVisit(context.Background(), qr, 2500)
	require.NoError(t, err)

	session := e.Session()
	require.Len(t, session.VisitHistory, 1)
	for _, rec := range session.VisitHistory {
		assert.False(t, rec.IsTemp(), "temp record %s must be replaced by its confirmation", rec.ID)
	}
	assert.Equal(t, Stable, e.State())
}

func TestRegisterVisit_TransportFailureKeepsOptimisticState(t *testing.T) {
	backend := newFakeBackend()
	e, _, _ := registeredEngine(t, backend)
	qr := e.Session().Identity.QRCode

	backend.registerErr = errors.New("connection reset")
	_, err := e.RegisterVisit(context.Background(), qr, 1000)
	require.Error(t, err)

	// No automatic rollback: the optimistic entry stays until the next
	// authoritative overwrite.
	session := e.Session()
	assert.Equal(t, 1, session.Visits)
	require.Len(t, session.VisitHistory, 1)
	assert.True(t, session.VisitHistory[0].IsTemp())
	assert.Equal(t, PendingOptimistic, e.State())

	// A later re-fetch reconciles.
	backend.registerErr = nil
	require.NoError(t, e.FetchCardData(context.Background()))
	assert.Zero(t, e.Session().Visits)
	assert.Empty(t, e.Session().VisitHistory)
	assert.Equal(t, Stable, e.State())
}

func TestRegisterVisit_EmptyOutcomeFallsBackToRefetch(t *testing.T) {
	backend := newFakeBackend()
	e, _, _ := registeredEngine(t, backend)
	qr := e.Session().Identity.QRCode
	resolvesBefore := backend.resolveCalls

	backend.registerOutcome = &gateway.VisitOutcome{Kind: gateway.OutcomeEmpty}
	_, err := e.RegisterVisit(context.Background(), qr, 1000)
	require.NoError(t, err)

	assert.Greater(t, backend.resolveCalls, resolvesBefore, "empty payload must trigger a full re-fetch")
	// The re-fetch overwrote the optimistic entry with backend truth (no visit
	// was actually recorded upstream).
	assert.Zero(t, e.Session().Visits)
}

func TestModifyLastVisit_PatchByUnknownIDFallsBackToLastVisit(t *testing.T) {
	backend := newFakeBackend()
	e, _, _ := registeredEngine(t, backend)
	ctx := context.Background()
	qr := e.Session().Identity.QRCode

	_, err := e.RegisterVisit(ctx, qr, 1000)
	require.NoError(t, err)
	_, err = e.RegisterVisit(ctx, qr, 2000)
	require.NoError(t, err)

	backend.modifyOutcome = &gateway.VisitOutcome{
		Kind:  gateway.OutcomePatch,
		Patch: &gateway.VisitPatch{ID: "unknown-id", AmountPaid: 7777},
	}
	_, err = e.ModifyLastVisit(ctx, qr, 7777)
	require.NoError(t, err)

	session := e.Session()
	assert.Equal(t, float64(7777), session.LastVisit().AmountPaid, "patch must land on the max scanned_at record")
	assert.Equal(t, 2, session.Visits)
}

func TestFetchCardData_GoneCardClearsWholeSession(t *testing.T) {
	backend := newFakeBackend()
	e, _, st := registeredEngine(t, backend)
	ctx := context.Background()

	_, err := e.RegisterVisit(ctx, e.Session().Identity.QRCode, 500)
	require.NoError(t, err)

	backend.gone = true
	require.NoError(t, e.FetchCardData(ctx))

	assert.Nil(t, e.Session(), "identity must be cleared too, not just visit fields")
	persisted, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, persisted)
}

func TestFetchCardData_NoSession(t *testing.T) {
	backend := newFakeBackend()
	e, _, _ := newTestEngine(t, backend)
	require.ErrorIs(t, e.FetchCardData(context.Background()), ErrNoSession)
}

func TestMilestone_NotRefiredOnRepeatedRefetch(t *testing.T) {
	backend := newFakeBackend()
	e, rec, _ := registeredEngine(t, backend)
	ctx := context.Background()
	qr := e.Session().Identity.QRCode

	for i := 0; i < 5; i++ {
		_, err := e.RegisterVisit(ctx, qr, 1000)
		require.NoError(t, err)
	}
	assert.Equal(t, []int{5}, rec.all())

	// Two re-fetches returning the same count must not re-fire.
	require.NoError(t, e.FetchCardData(ctx))
	require.NoError(t, e.FetchCardData(ctx))
	assert.Equal(t, []int{5}, rec.all())
}

func TestMilestone_FiresOnRefetchCrossing(t *testing.T) {
	backend := newFakeBackend()
	e, rec, _ := registeredEngine(t, backend)
	ctx := context.Background()

	// Another device pushes the card to 10; this device only sees the
	// invalidation and re-fetches.
	backend.mu.Lock()
	backend.visits = 10
	backend.mu.Unlock()

	e.Invalidate(ctx)
	assert.Equal(t, []int{10}, rec.all())
	assert.Equal(t, 10, e.Session().Visits)
}

func TestVisits_AlwaysClamped(t *testing.T) {
	backend := newFakeBackend()
	e, _, _ := registeredEngine(t, backend)
	ctx := context.Background()
	qr := e.Session().Identity.QRCode

	// Deleting below zero stays at zero.
	_, err := e.DeleteLastVisit(ctx, qr)
	require.NoError(t, err)
	assert.Zero(t, e.Session().Visits)

	// Registering beyond the cap fails upstream and the count never exceeds it.
	for i := 0; i < model.MaxVisits; i++ {
		_, err := e.RegisterVisit(ctx, qr, 100)
		require.NoError(t, err)
	}
	assert.Equal(t, model.MaxVisits, e.Session().Visits)

	_, err = e.RegisterVisit(ctx, qr, 100)
	require.ErrorIs(t, err, gateway.ErrCardFull)
	assert.Equal(t, model.MaxVisits, e.Session().Visits)
}

func TestForeignCard_NoLocalMutation(t *testing.T) {
	backend := newFakeBackend()
	e, rec, _ := registeredEngine(t, backend)
	ctx := context.Background()

	// Staff scans a different customer's card on this device.
	backend.mu.Lock()
	backend.qrCode = "someone-elses-card"
	backend.visits = 4
	backend.history = nil
	backend.mu.Unlock()

	result, err := e.RegisterVisit(ctx, "someone-elses-card", 3000)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Visits)
	assert.Equal(t, model.MilestoneReward, result.Milestone, "staff still see the celebration")

	assert.Zero(t, e.Session().Visits, "the device's own session is untouched")
	assert.Empty(t, rec.all(), "no local milestone notification for foreign cards")
}

func TestStaleResponse_Discarded(t *testing.T) {
	backend := newFakeBackend()
	e, _, _ := registeredEngine(t, backend)
	ctx := context.Background()

	backend.resolveStarted = make(chan chan struct{}, 2)

	olderDone := make(chan struct{})
	newerDone := make(chan struct{})
	go func() {
		defer close(olderDone)
		_ = e.FetchCardData(ctx)
	}()
	releaseOlder := <-backend.resolveStarted

	go func() {
		defer close(newerDone)
		_ = e.FetchCardData(ctx)
	}()
	releaseNewer := <-backend.resolveStarted

	// The newer call's response lands first.
	backend.mu.Lock()
	backend.visits = 7
	backend.mu.Unlock()
	close(releaseNewer)
	<-newerDone

	// Then the older call's response arrives carrying a different count;
	// its sequence number is behind, so it must be discarded.
	backend.mu.Lock()
	backend.visits = 3
	backend.mu.Unlock()
	close(releaseOlder)
	<-olderDone

	assert.Equal(t, 7, e.Session().Visits, "older response must not overwrite a newer result")
}

func TestEngine_RestoresPersistedSession(t *testing.T) {
	backend := newFakeBackend()
	st := store.NewMemoryStore()
	require.NoError(t, st.Save(context.Background(), &model.Session{
		Identity: model.CardIdentity{RUT: "12345678-5", QRCode: "restored-qr"},
		Visits:   6,
	}))

	rec := &milestoneRecorder{}
	e, err := New(context.Background(), st, backend, WithMilestoneNotifier(rec.notify))
	require.NoError(t, err)

	session := e.Session()
	require.NotNil(t, session)
	assert.Equal(t, 6, session.Visits)
	assert.Empty(t, rec.all(), "restoring a session is a baseline, not a transition")
}

func TestLogout_ClearsStore(t *testing.T) {
	backend := newFakeBackend()
	e, _, st := registeredEngine(t, backend)
	ctx := context.Background()

	require.NoError(t, e.Logout(ctx))
	assert.Nil(t, e.Session())

	persisted, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, persisted)
}

func TestIdentityListener_Notified(t *testing.T) {
	backend := newFakeBackend()
	st := store.NewMemoryStore()

	var mu sync.Mutex
	var keys []string
	listener := func(key string) {
		mu.Lock()
		defer mu.Unlock()
		keys = append(keys, key)
	}

	e, err := New(context.Background(), st, backend, WithIdentityListener(listener))
	require.NoError(t, err)

	_, err = e.RegisterUser(context.Background(), testRut)
	require.NoError(t, err)
	require.NoError(t, e.Logout(context.Background()))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(keys) == 2 && keys[0] == "card-1" && keys[1] == ""
	}, time.Second, 10*time.Millisecond)
}

func TestIdentityListener_SlowListenerKeepsTransitionOrder(t *testing.T) {
	backend := newFakeBackend()
	st := store.NewMemoryStore()

	// A listener that is slow on non-empty keys. If each notification ran on
	// its own goroutine, the stalled registration key would land after the
	// logout's empty key and leave a subscriber tracking a dead identity.
	var mu sync.Mutex
	var keys []string
	listener := func(key string) {
		if key != "" {
			time.Sleep(50 * time.Millisecond)
		}
		mu.Lock()
		defer mu.Unlock()
		keys = append(keys, key)
	}

	e, err := New(context.Background(), st, backend, WithIdentityListener(listener))
	require.NoError(t, err)

	_, err = e.RegisterUser(context.Background(), testRut)
	require.NoError(t, err)
	require.NoError(t, e.Logout(context.Background()))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(keys) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"card-1", ""}, keys, "the session's final identity must be the last one delivered")
}
