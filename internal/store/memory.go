package store

import (
	"context"
	"sync"
	"time"

	"tecnocard-edge-agent/internal/model"
)

// MemoryStore is an in-memory implementation of SessionStore and AuditLog.
// Use this for development/testing; nothing survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	session *model.Session
	audit   []model.ScanAuditEntry
	nextID  int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

// Load returns a copy of the held session.
func (s *MemoryStore) Load(ctx context.Context) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.Clone(), nil
}

// Save replaces the held session. A nil session clears it.
func (s *MemoryStore) Save(ctx context.Context, session *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session.Clone()
	return nil
}

// Clear removes the held session.
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = nil
	return nil
}

// AppendScan records one scanner action.
func (s *MemoryStore) AppendScan(ctx context.Context, entry *model.ScanAuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := *entry
	e.ID = s.nextID
	e.CreatedAt = time.Now().UTC()
	s.nextID++
	s.audit = append(s.audit, e)
	return nil
}

// RecentScans returns scan entries newest-first with the total count.
func (s *MemoryStore) RecentScans(ctx context.Context, limit, offset int) ([]model.ScanAuditEntry, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := int64(len(s.audit))
	entries := []model.ScanAuditEntry{}
	for i := len(s.audit) - 1 - offset; i >= 0 && len(entries) < limit; i-- {
		entries = append(entries, s.audit[i])
	}
	return entries, total, nil
}

// Stats returns statistics about the store.
func (s *MemoryStore) Stats(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"type":            "memory",
		"schema_version":  SchemaVersion,
		"session_present": s.session != nil,
		"audit_entries":   int64(len(s.audit)),
	}, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
