package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"tecnocard-edge-agent/internal/model"
)

// MySQLStore implements SessionStore and AuditLog on a shared MySQL server.
// Used for fleet deployments where several kiosks report into one ops
// database; each agent owns one row keyed by its device name.
type MySQLStore struct {
	db     *sql.DB
	device string
}

// NewMySQLStore creates a MySQL session store. The db handle is owned by the
// caller. device distinguishes rows when multiple agents share the server.
func NewMySQLStore(db *sql.DB, device string) (*MySQLStore, error) {
	if device == "" {
		device = "default"
	}

	if err := createMySQLTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	log.Printf("[MySQLStore] Initialized for device: %s", device)
	return &MySQLStore{db: db, device: device}, nil
}

func createMySQLTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS loyalty_session (
			device VARCHAR(64) PRIMARY KEY,
			schema_version INT NOT NULL,
			payload TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scan_audit (
			id BIGINT PRIMARY KEY AUTO_INCREMENT,
			device VARCHAR(64) NOT NULL,
			qr_code VARCHAR(128) NOT NULL,
			action VARCHAR(16) NOT NULL,
			amount DOUBLE DEFAULT 0,
			outcome VARCHAR(16) NOT NULL,
			error TEXT,
			request_id VARCHAR(64),
			created_at DATETIME NOT NULL,
			INDEX idx_scan_audit_device_created (device, created_at)
		)`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// Load reads the persisted session, hard-resetting on schema mismatch.
func (s *MySQLStore) Load(ctx context.Context) (*model.Session, error) {
	var version int
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT schema_version, payload FROM loyalty_session WHERE device = ?`, s.device,
	).Scan(&version, &payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if version != SchemaVersion {
		log.Printf("[MySQLStore] Schema version mismatch (have %d, want %d), resetting session", version, SchemaVersion)
		if err := s.Clear(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	}

	var session model.Session
	if err := json.Unmarshal([]byte(payload), &session); err != nil {
		log.Printf("[MySQLStore] Corrupt session payload, resetting: %v", err)
		if err := s.Clear(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return &session, nil
}

// Save writes the whole session object. A nil session clears persisted state.
func (s *MySQLStore) Save(ctx context.Context, session *model.Session) error {
	if session == nil {
		return s.Clear(ctx)
	}

	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to serialize session: %w", err)
	}

	query := `
		INSERT INTO loyalty_session (device, schema_version, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			schema_version = VALUES(schema_version),
			payload = VALUES(payload),
			updated_at = VALUES(updated_at)`

	_, err = s.db.ExecContext(ctx, query, s.device, SchemaVersion, string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Clear removes the persisted session for this device.
func (s *MySQLStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM loyalty_session WHERE device = ?`, s.device)
	if err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// AppendScan records one scanner action.
func (s *MySQLStore) AppendScan(ctx context.Context, entry *model.ScanAuditEntry) error {
	query := `
		INSERT INTO scan_audit (device, qr_code, action, amount, outcome, error, request_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		s.device, entry.QRCode, entry.Action, entry.Amount, entry.Outcome, entry.Error, entry.RequestID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append scan audit: %w", err)
	}
	return nil
}

// RecentScans returns scan entries newest-first with the total count.
func (s *MySQLStore) RecentScans(ctx context.Context, limit, offset int) ([]model.ScanAuditEntry, int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, qr_code, action, amount, outcome, error, request_id, created_at
		FROM scan_audit WHERE device = ?
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, s.device, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query scan audit: %w", err)
	}
	defer rows.Close()

	entries := []model.ScanAuditEntry{}
	for rows.Next() {
		var e model.ScanAuditEntry
		var errMsg, reqID sql.NullString
		if err := rows.Scan(&e.ID, &e.QRCode, &e.Action, &e.Amount, &e.Outcome, &errMsg, &reqID, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan audit row: %w", err)
		}
		e.Error = errMsg.String
		e.RequestID = reqID.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scan_audit WHERE device = ?`, s.device).Scan(&total); err != nil {
		return nil, 0, err
	}

	return entries, total, nil
}

// Stats returns statistics about the store.
func (s *MySQLStore) Stats(ctx context.Context) (map[string]interface{}, error) {
	stats := map[string]interface{}{
		"type":           "mysql",
		"device":         s.device,
		"schema_version": SchemaVersion,
	}

	var sessionCount int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM loyalty_session WHERE device = ?`, s.device).Scan(&sessionCount); err != nil {
		return nil, err
	}
	stats["session_present"] = sessionCount > 0

	var auditCount int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scan_audit WHERE device = ?`, s.device).Scan(&auditCount); err != nil {
		return nil, err
	}
	stats["audit_entries"] = auditCount

	return stats, nil
}

// Close is a no-op; the underlying handle is owned by the caller.
func (s *MySQLStore) Close() error {
	return nil
}
