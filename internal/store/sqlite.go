package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"tecnocard-edge-agent/internal/model"

	_ "modernc.org/sqlite" // Pure Go SQLite driver - no CGO required
)

// SQLiteStore implements SessionStore and AuditLog using SQLite.
// Thread-safe with WAL mode for high-concurrency reads.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore creates a new SQLite session store.
// dbPath is the path to the SQLite database file (e.g., "./data/session.db")
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	// SQLite only supports 1 writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := createSQLiteTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	log.Printf("[SQLiteStore] Initialized with database: %s", dbPath)
	return &SQLiteStore{db: db}, nil
}

func createSQLiteTables(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS loyalty_session (
		slot INTEGER PRIMARY KEY CHECK (slot = 1),
		schema_version INTEGER NOT NULL,
		payload TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS scan_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		qr_code TEXT NOT NULL,
		action TEXT NOT NULL,
		amount REAL DEFAULT 0,
		outcome TEXT NOT NULL,
		error TEXT DEFAULT '',
		request_id TEXT DEFAULT '',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_scan_audit_created ON scan_audit(created_at);
	`
	_, err := db.Exec(query)
	return err
}

// Load reads the persisted session. A schema-version mismatch wipes all
// persisted session state, including tables left behind by older versions,
// and returns nil.
func (s *SQLiteStore) Load(ctx context.Context) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var version int
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT schema_version, payload FROM loyalty_session WHERE slot = 1`,
	).Scan(&version, &payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if version != SchemaVersion {
		log.Printf("[SQLiteStore] Schema version mismatch (have %d, want %d), resetting session", version, SchemaVersion)
		if err := s.wipeLocked(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	}

	var session model.Session
	if err := json.Unmarshal([]byte(payload), &session); err != nil {
		// Corrupt blob is treated like a schema mismatch: hard reset.
		log.Printf("[SQLiteStore] Corrupt session payload, resetting: %v", err)
		if err := s.wipeLocked(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return &session, nil
}

// Save writes the whole session object. A nil session clears persisted state.
func (s *SQLiteStore) Save(ctx context.Context, session *model.Session) error {
	if session == nil {
		return s.Clear(ctx)
	}

	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to serialize session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO loyalty_session (slot, schema_version, payload, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			schema_version = excluded.schema_version,
			payload = excluded.payload,
			updated_at = excluded.updated_at`

	_, err = s.db.ExecContext(ctx, query, SchemaVersion, string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Clear removes the persisted session.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wipeLocked(ctx)
}

func (s *SQLiteStore) wipeLocked(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM loyalty_session`); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	// Cleanup of tables used by pre-v3 schemas.
	_, _ = s.db.ExecContext(ctx, `DROP TABLE IF EXISTS loyalty_visits`)
	_, _ = s.db.ExecContext(ctx, `DROP TABLE IF EXISTS loyalty_card_state`)
	return nil
}

// AppendScan records one scanner action.
func (s *SQLiteStore) AppendScan(ctx context.Context, entry *model.ScanAuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO scan_audit (qr_code, action, amount, outcome, error, request_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		entry.QRCode, entry.Action, entry.Amount, entry.Outcome, entry.Error, entry.RequestID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append scan audit: %w", err)
	}
	return nil
}

// RecentScans returns scan entries newest-first with the total count.
func (s *SQLiteStore) RecentScans(ctx context.Context, limit, offset int) ([]model.ScanAuditEntry, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, qr_code, action, amount, outcome, error, request_id, created_at
		FROM scan_audit ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query scan audit: %w", err)
	}
	defer rows.Close()

	entries := []model.ScanAuditEntry{}
	for rows.Next() {
		var e model.ScanAuditEntry
		if err := rows.Scan(&e.ID, &e.QRCode, &e.Action, &e.Amount, &e.Outcome, &e.Error, &e.RequestID, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan audit row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scan_audit`).Scan(&total); err != nil {
		return nil, 0, err
	}

	return entries, total, nil
}

// Stats returns statistics about the store.
func (s *SQLiteStore) Stats(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]interface{}{
		"type":           "sqlite",
		"schema_version": SchemaVersion,
	}

	var sessionCount int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM loyalty_session`).Scan(&sessionCount); err != nil {
		return nil, err
	}
	stats["session_present"] = sessionCount > 0

	var auditCount int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scan_audit`).Scan(&auditCount); err != nil {
		return nil, err
	}
	stats["audit_entries"] = auditCount

	return stats, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
