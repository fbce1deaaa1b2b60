// Package gateway is the call boundary to the remote loyalty backend.
//
// Every remote procedure returns either a normalized result or an error,
// never both. The backend is duck-typed: the same logical result may arrive
// as an array, a single object, or with different field names across schema
// versions. All of that is flattened here into explicit result variants so
// the reconciliation engine never inspects raw shapes.
package gateway

import (
	"context"
	"errors"

	"tecnocard-edge-agent/internal/model"
)

// ErrCardFull is returned when the backend rejects a visit because the card
// already holds the maximum number of visits.
var ErrCardFull = errors.New("card already at maximum visits")

// CardSnapshot is a full authoritative card payload.
type CardSnapshot struct {
	CardID       string
	QRCode       string
	Visits       int
	VisitHistory []model.VisitRecord
}

// VisitPatch is a single-record result carrying only the mutable field.
type VisitPatch struct {
	ID         string
	AmountPaid float64
}

// OutcomeKind tags a VisitOutcome variant.
type OutcomeKind int

const (
	// OutcomeEmpty means the backend succeeded but returned no usable
	// payload; the caller must fall back to a full re-fetch.
	OutcomeEmpty OutcomeKind = iota

	// OutcomeSnapshot carries a full authoritative {visits, visit_history}.
	OutcomeSnapshot

	// OutcomePatch carries a single updated record.
	OutcomePatch
)

// VisitOutcome is the tagged union returned by visit-mutating procedures.
type VisitOutcome struct {
	Kind     OutcomeKind
	Snapshot *CardSnapshot
	Patch    *VisitPatch
}

// Gateway exposes one call per remote procedure. Calls are not retried; a
// transient failure is surfaced to the caller, who decides whether to
// re-trigger. Register/delete calls are not idempotent.
type Gateway interface {
	// ResolveOrCreateCard looks up the card for (qrCode, rut), creating it on
	// first contact. A (nil, nil) return means the backend knows no such
	// card, which callers must treat as an authoritative deletion.
	ResolveOrCreateCard(ctx context.Context, qrCode, rut, localToken string) (*CardSnapshot, error)

	// RegisterVisit appends one visit. Fails with ErrCardFull at the cap.
	RegisterVisit(ctx context.Context, qrCode string, amount float64) (*VisitOutcome, error)

	// DeleteLastVisit removes the most recent visit.
	DeleteLastVisit(ctx context.Context, qrCode string) (*VisitOutcome, error)

	// ModifyLastVisit updates the amount of the most recent visit.
	ModifyLastVisit(ctx context.Context, qrCode string, amount float64) (*VisitOutcome, error)

	// DashboardStats returns aggregate business metrics.
	DashboardStats(ctx context.Context) (*model.DashboardMetrics, error)

	// ResolveCardByRut maps a RUT to its card's QR token. Returns "" when no
	// card is associated.
	ResolveCardByRut(ctx context.Context, rutKey string) (string, error)

	// CardStatusByQR returns the current visit count for a card.
	CardStatusByQR(ctx context.Context, qrCode string) (int, error)
}
