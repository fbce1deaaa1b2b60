// Package loyalty holds the reconciliation engine: the single place where
// optimistic local edits, authoritative RPC responses and realtime-triggered
// re-fetches are merged into one consistent Session view.
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"tecnocard-edge-agent/internal/gateway"
	"tecnocard-edge-agent/internal/model"
	"tecnocard-edge-agent/internal/rut"
	"tecnocard-edge-agent/internal/store"
	"tecnocard-edge-agent/pkg/uid"
)

var (
	// ErrNoSession is returned by operations that need an active session.
	ErrNoSession = errors.New("no active session on this device")

	// ErrSessionExists is returned when registering over a live session.
	ErrSessionExists = errors.New("a session already exists on this device")
)

// State describes the session's visit fields relative to the backend.
type State int

const (
	// Stable means the visit fields match the last known authoritative source.
	Stable State = iota

	// PendingOptimistic means a local edit is applied ahead of confirmation.
	PendingOptimistic

	// Reconciling means a full re-fetch is in flight.
	Reconciling
)

func (s State) String() string {
	switch s {
	case PendingOptimistic:
		return "pending_optimistic"
	case Reconciling:
		return "reconciling"
	default:
		return "stable"
	}
}

// MilestoneFunc is notified when a visit transition crosses a discount tier.
type MilestoneFunc func(milestone, visits int)

// IdentityFunc is notified when the subscription identity changes.
// An empty key means no session.
type IdentityFunc func(channelKey string)

// ActionResult reports the outcome of a scanner action.
type ActionResult struct {
	Visits    int `json:"visits"`
	Milestone int `json:"milestone,omitempty"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithMilestoneNotifier registers the milestone callback.
func WithMilestoneNotifier(fn MilestoneFunc) Option {
	return func(e *Engine) { e.onMilestone = fn }
}

// WithIdentityListener registers the identity-change callback.
func WithIdentityListener(fn IdentityFunc) Option {
	return func(e *Engine) { e.onIdentity = fn }
}

// Engine serializes every Session mutation behind one mutex. All writes are
// whole-object replaces into the store; the in-memory session is the current
// value and the store is write-through.
//
// Responses carry the sequence number of the action that triggered them; a
// response older than the last applied one is discarded, so an in-flight
// result can never overwrite the effect of a newer action.
type Engine struct {
	store store.SessionStore
	gw    gateway.Gateway

	mu         sync.Mutex
	session    *model.Session
	state      State
	observed   int // visits value milestones were last evaluated against
	seq        uint64
	applied    uint64
	localToken string

	onMilestone MilestoneFunc
	onIdentity  IdentityFunc
	identityCh  chan string
}

// New creates an engine, loading any persisted session.
func New(ctx context.Context, st store.SessionStore, gw gateway.Gateway, opts ...Option) (*Engine, error) {
	session, err := st.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load persisted session: %w", err)
	}

	e := &Engine{
		store:   st,
		gw:      gw,
		session: session,
	}
	if session != nil {
		e.observed = session.Visits
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.onIdentity != nil {
		e.identityCh = make(chan string, 16)
		go e.dispatchIdentity()
	}

	if session != nil {
		log.Printf("[Engine] Restored session for RUT %s (%d visits)", session.Identity.RUT, session.Visits)
		e.notifyIdentity(session.Identity.ChannelKey())
	}
	return e, nil
}

// Session returns a copy of the current session, nil when absent.
func (e *Engine) Session() *model.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone()
}

// State returns the current reconciliation state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SetLocalToken stores a tokenized local-access credential forwarded to the
// backend on the next registration.
func (e *Engine) SetLocalToken(token string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.localToken = token
}

// RegisterUser creates or resolves the card for the given RUT and starts a
// session. Validation failures never reach the network.
func (e *Engine) RegisterUser(ctx context.Context, rawRut string) (*model.Session, error) {
	rutKey, err := rut.Normalize(rawRut)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.session != nil {
		e.mu.Unlock()
		return nil, ErrSessionExists
	}
	seq := e.nextSeqLocked()
	localToken := e.localToken
	e.mu.Unlock()

	qrCode := uid.New()
	snap, err := e.gw.ResolveOrCreateCard(ctx, qrCode, rutKey, localToken)
	if err != nil {
		return nil, fmt.Errorf("registration call failed: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	session := &model.Session{
		Identity: model.CardIdentity{
			RUT:    rutKey,
			QRCode: qrCode,
		},
		RegisteredAt: time.Now().UTC(),
		VisitHistory: []model.VisitRecord{},
	}
	if snap != nil {
		if snap.QRCode != "" {
			session.Identity.QRCode = snap.QRCode
		}
		session.Identity.CardID = snap.CardID
		session.Visits = model.ClampVisits(snap.Visits)
		session.VisitHistory = dedupeByID(snap.VisitHistory)
	}

	e.session = session
	e.state = Stable
	e.observed = session.Visits // baseline, never a milestone
	e.applied = seq
	e.persistLocked(ctx)
	e.notifyIdentity(session.Identity.ChannelKey())

	log.Printf("[Engine] Registered session for RUT %s (qr=%s)", rutKey, session.Identity.QRCode)
	return session.Clone(), nil
}

// RegisterVisit appends one visit for the scanned card. When the card is this
// device's own session, the visit is applied optimistically first.
func (e *Engine) RegisterVisit(ctx context.Context, qrCode string, amount float64) (*ActionResult, error) {
	e.mu.Lock()
	seq := e.nextSeqLocked()
	own := e.ownsLocked(qrCode)
	milestone := 0
	if own {
		record := model.VisitRecord{
			ID:         uid.NewTemp(),
			AmountPaid: amount,
			ScannedAt:  time.Now().UTC(),
		}
		e.session.VisitHistory = append([]model.VisitRecord{record}, e.session.VisitHistory...)
		e.session.Visits = model.ClampVisits(e.session.Visits + 1)
		e.state = PendingOptimistic
		milestone = e.crossedLocked(e.session.Visits)
		e.persistLocked(ctx)
	}
	e.mu.Unlock()
	e.fireMilestone(milestone)

	outcome, err := e.gw.RegisterVisit(ctx, qrCode, amount)
	if err != nil {
		// The optimistic change is deliberately left in place; the next
		// authoritative response or re-fetch reconciles it.
		return nil, err
	}

	return e.applyOutcome(ctx, seq, qrCode, own, outcome, milestone, true)
}

// DeleteLastVisit removes the most recent visit from the scanned card.
func (e *Engine) DeleteLastVisit(ctx context.Context, qrCode string) (*ActionResult, error) {
	e.mu.Lock()
	seq := e.nextSeqLocked()
	own := e.ownsLocked(qrCode)
	if own {
		e.session.VisitHistory = removeLast(e.session.VisitHistory)
		e.session.Visits = model.ClampVisits(e.session.Visits - 1)
		e.state = PendingOptimistic
		e.observed = e.session.Visits
		e.persistLocked(ctx)
	}
	e.mu.Unlock()

	outcome, err := e.gw.DeleteLastVisit(ctx, qrCode)
	if err != nil {
		return nil, err
	}

	return e.applyOutcome(ctx, seq, qrCode, own, outcome, 0, false)
}

// ModifyLastVisit updates the amount on the most recent visit of the scanned
// card. The visit count is unchanged.
func (e *Engine) ModifyLastVisit(ctx context.Context, qrCode string, amount float64) (*ActionResult, error) {
	e.mu.Lock()
	seq := e.nextSeqLocked()
	own := e.ownsLocked(qrCode)
	if own {
		if last := e.session.LastVisit(); last != nil {
			last.AmountPaid = amount
		}
		e.state = PendingOptimistic
		e.persistLocked(ctx)
	}
	e.mu.Unlock()

	outcome, err := e.gw.ModifyLastVisit(ctx, qrCode, amount)
	if err != nil {
		return nil, err
	}

	return e.applyOutcome(ctx, seq, qrCode, own, outcome, 0, false)
}

// FetchCardData re-fetches the authoritative card state and overwrites the
// visit fields unconditionally. When the backend no longer knows the card,
// the whole session is cleared, identity included.
func (e *Engine) FetchCardData(ctx context.Context) error {
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return ErrNoSession
	}
	seq := e.nextSeqLocked()
	qrCode := e.session.Identity.QRCode
	rutKey := e.session.Identity.RUT
	localToken := e.localToken
	e.state = Reconciling
	e.mu.Unlock()

	snap, err := e.gw.ResolveOrCreateCard(ctx, qrCode, rutKey, localToken)

	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return nil
	}
	if err != nil {
		e.state = Stable
		e.mu.Unlock()
		return fmt.Errorf("re-fetch failed: %w", err)
	}
	if seq < e.applied {
		e.state = Stable
		e.mu.Unlock()
		log.Printf("[Engine] Discarding stale re-fetch (seq %d < %d)", seq, e.applied)
		return nil
	}
	e.applied = seq

	if snap == nil {
		// Authoritative deletion: the card no longer exists upstream, so
		// stale local data must not survive.
		log.Printf("[Engine] Backend no longer knows card %s, clearing session", qrCode)
		e.clearLocked(ctx)
		e.mu.Unlock()
		return nil
	}

	milestone := e.applyAuthoritativeLocked(ctx, snap)
	e.mu.Unlock()
	e.fireMilestone(milestone)
	return nil
}

// Invalidate handles a realtime push: the event payload is never inspected,
// it is purely an invalidation signal triggering a re-fetch. Errors are
// swallowed so one bad event cannot tear down the subscription.
func (e *Engine) Invalidate(ctx context.Context) {
	if err := e.FetchCardData(ctx); err != nil && !errors.Is(err, ErrNoSession) {
		log.Printf("[Engine] Invalidation re-fetch error: %v", err)
	}
}

// Logout destroys the session locally.
func (e *Engine) Logout(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	e.clearLocked(ctx)
	return nil
}

// applyOutcome merges a visit-mutation response into the session.
func (e *Engine) applyOutcome(ctx context.Context, seq uint64, qrCode string, own bool, outcome *gateway.VisitOutcome, optimisticMilestone int, isRegister bool) (*ActionResult, error) {
	if !own {
		// Foreign card: nothing local to reconcile. A register that lands
		// exactly on a tier is still reported so staff see the celebration.
		result := &ActionResult{}
		if outcome.Kind == gateway.OutcomeSnapshot {
			result.Visits = outcome.Snapshot.Visits
			if isRegister && (result.Visits == model.MilestoneReward || result.Visits == model.MilestoneComplete) {
				result.Milestone = result.Visits
			}
		}
		return result, nil
	}

	if outcome.Kind == gateway.OutcomeEmpty {
		// Unrecognized payload: fall back to a full re-fetch.
		if err := e.FetchCardData(ctx); err != nil {
			return nil, err
		}
		return e.currentResult(optimisticMilestone), nil
	}

	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return &ActionResult{Milestone: optimisticMilestone}, nil
	}
	if seq < e.applied {
		log.Printf("[Engine] Discarding stale response (seq %d < %d)", seq, e.applied)
		result := &ActionResult{Visits: e.session.Visits, Milestone: optimisticMilestone}
		e.mu.Unlock()
		return result, nil
	}
	e.applied = seq

	milestone := 0
	switch outcome.Kind {
	case gateway.OutcomeSnapshot:
		milestone = e.applyAuthoritativeLocked(ctx, outcome.Snapshot)
	case gateway.OutcomePatch:
		patchAmount(e.session.VisitHistory, outcome.Patch.ID, outcome.Patch.AmountPaid)
		e.state = Stable
		e.persistLocked(ctx)
	}
	if milestone == 0 {
		milestone = optimisticMilestone
	}
	result := &ActionResult{Visits: e.session.Visits, Milestone: milestone}
	e.mu.Unlock()

	if milestone != optimisticMilestone {
		e.fireMilestone(milestone)
	}
	return result, nil
}

// applyAuthoritativeLocked overwrites the visit fields with a full backend
// payload. Temporary records are discarded in favor of authoritative ones.
// Returns the milestone crossed, if any.
func (e *Engine) applyAuthoritativeLocked(ctx context.Context, snap *gateway.CardSnapshot) int {
	if snap.CardID != "" && e.session.Identity.CardID == "" {
		e.session.Identity.CardID = snap.CardID
		e.notifyIdentity(e.session.Identity.ChannelKey())
	}
	e.session.Visits = model.ClampVisits(snap.Visits)
	e.session.VisitHistory = dedupeByID(snap.VisitHistory)
	e.state = Stable
	milestone := e.crossedLocked(e.session.Visits)
	e.persistLocked(ctx)
	return milestone
}

// crossedLocked diffs the new visits value against the previously observed
// one and reports the tier crossed. The diff is what prevents re-firing on a
// re-fetch that returns the same count twice in a row.
func (e *Engine) crossedLocked(visits int) int {
	prev := e.observed
	e.observed = visits
	if prev < model.MilestoneComplete && visits >= model.MilestoneComplete {
		return model.MilestoneComplete
	}
	if prev < model.MilestoneReward && visits >= model.MilestoneReward {
		return model.MilestoneReward
	}
	return 0
}

func (e *Engine) currentResult(milestone int) *ActionResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := &ActionResult{Milestone: milestone}
	if e.session != nil {
		result.Visits = e.session.Visits
	}
	return result
}

func (e *Engine) ownsLocked(qrCode string) bool {
	return e.session != nil && e.session.Identity.QRCode == qrCode
}

func (e *Engine) nextSeqLocked() uint64 {
	e.seq++
	return e.seq
}

func (e *Engine) clearLocked(ctx context.Context) {
	if err := e.store.Clear(ctx); err != nil {
		log.Printf("[Engine] Failed to clear persisted session: %v", err)
	}
	e.session = nil
	e.state = Stable
	e.observed = 0
	e.notifyIdentity("")
}

func (e *Engine) persistLocked(ctx context.Context) {
	if err := e.store.Save(ctx, e.session); err != nil {
		log.Printf("[Engine] Failed to persist session: %v", err)
	}
}

func (e *Engine) fireMilestone(milestone int) {
	if milestone == 0 || e.onMilestone == nil {
		return
	}
	e.mu.Lock()
	visits := 0
	if e.session != nil {
		visits = e.session.Visits
	}
	e.mu.Unlock()
	e.onMilestone(milestone, visits)
}

// notifyIdentity queues an identity change for the dispatcher. Queued from
// under the engine mutex, so delivery happens elsewhere; the listener must
// not call back into the engine.
func (e *Engine) notifyIdentity(channelKey string) {
	if e.identityCh == nil {
		return
	}
	e.identityCh <- channelKey
}

// dispatchIdentity delivers identity notifications one at a time, in the
// order the transitions happened. A single consumer is what keeps a logout's
// empty key from being overtaken by the registration that preceded it.
func (e *Engine) dispatchIdentity() {
	for key := range e.identityCh {
		e.onIdentity(key)
	}
}
