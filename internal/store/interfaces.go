package store

import (
	"context"

	"tecnocard-edge-agent/internal/model"
)

// SchemaVersion tags the persisted session blob. On mismatch the entire
// persisted session is discarded (hard reset), never migrated.
const SchemaVersion = 3

// SessionStore persists the local Session as a single versioned blob.
// Every mutation replaces the whole object; there are no field-level patches.
type SessionStore interface {
	// Load reads the persisted session. On schema-version mismatch it clears
	// all persisted state and returns nil. A missing session is (nil, nil).
	Load(ctx context.Context) (*model.Session, error)

	// Save writes the whole session. A nil session clears persisted state.
	Save(ctx context.Context, session *model.Session) error

	// Clear removes the persisted session.
	Clear(ctx context.Context) error

	// Stats returns statistics about the store for the ops endpoint.
	Stats(ctx context.Context) (map[string]interface{}, error)

	// Close closes the store.
	Close() error
}

// AuditLog records staff scanner actions.
type AuditLog interface {
	// AppendScan records one scanner action.
	AppendScan(ctx context.Context, entry *model.ScanAuditEntry) error

	// RecentScans returns scan entries newest-first with the total count.
	RecentScans(ctx context.Context, limit, offset int) ([]model.ScanAuditEntry, int64, error)
}
