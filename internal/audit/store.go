// Package audit provides an append-only SQLite record of car-session
// lifecycle and command-acknowledgement history, for after-the-fact
// diagnosis of a car that keeps dropping its session or a module whose
// commands never get acknowledged.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// driverName is the sql.Open driver used by OpenFile in production.
// Tests open their own *sql.DB with the pure-Go modernc.org/sqlite
// driver and call NewStore directly, exactly as the teacher's
// watchlist store does.
const driverName = "sqlite3"

// Kind discriminates the events an audit Record captures.
type Kind string

const (
	KindSessionStarted Kind = "session_started"
	KindSessionStopped Kind = "session_stopped"
	KindSessionError   Kind = "session_error"
	KindCommandAcked   Kind = "command_acked"
)

// Record is a single append-only audit entry.
type Record struct {
	ID        string
	Timestamp time.Time
	Company   string
	Car       string
	SessionID string
	Kind      Kind
	Detail    string // terminal error message, or "" for routine events
	ModuleID  int    // 0 when not applicable
}

// Summary holds a per-Kind count of audit records within a window.
type Summary struct {
	TotalRecords int
	ByKind       map[Kind]int
}

// Store is an append-only SQLite store for session audit records. All
// public methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-open *sql.DB, running migrations on first
// use. Driver-agnostic: production opens db with the mattn/go-sqlite3
// (cgo) driver via OpenFile, tests open it with the pure-Go
// modernc.org/sqlite driver.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}
	return s, nil
}

// OpenFile opens (creating if necessary) the audit database at dbPath
// with the production SQLite driver.
func OpenFile(dbPath string) (*Store, error) {
	db, err := sql.Open(driverName, dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_records (
		id         TEXT PRIMARY KEY,
		timestamp  TEXT NOT NULL,
		company    TEXT NOT NULL,
		car        TEXT NOT NULL,
		session_id TEXT,
		kind       TEXT NOT NULL,
		detail     TEXT,
		module_id  INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_car ON audit_records(company, car);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists rec. If rec.ID is empty a UUIDv7 is generated; if
// rec.Timestamp is zero the current time is used.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate audit record id: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_records (id, timestamp, company, car, session_id, kind, detail, module_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.Company,
		rec.Car,
		rec.SessionID,
		string(rec.Kind),
		rec.Detail,
		rec.ModuleID,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// Summary aggregates record counts by kind within [start, end), for
// one car.
func (s *Store) Summary(company, car string, start, end time.Time) (*Summary, error) {
	rows, err := s.db.Query(
		`SELECT kind, COUNT(*) FROM audit_records
		 WHERE company = ? AND car = ? AND timestamp >= ? AND timestamp < ?
		 GROUP BY kind`,
		company, car,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query audit summary: %w", err)
	}
	defer rows.Close()

	sum := &Summary{ByKind: make(map[Kind]int)}
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("scan audit summary row: %w", err)
		}
		sum.ByKind[Kind(kind)] = count
		sum.TotalRecords += count
	}
	return sum, rows.Err()
}

// Recent returns the most recent n audit records for one car, newest first.
func (s *Store) Recent(company, car string, n int) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT id, timestamp, company, car, session_id, kind, detail, module_id
		 FROM audit_records WHERE company = ? AND car = ?
		 ORDER BY timestamp DESC LIMIT ?`,
		company, car, n,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent audit records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var ts, kind string
		if err := rows.Scan(&rec.ID, &ts, &rec.Company, &rec.Car, &rec.SessionID, &kind, &rec.Detail, &rec.ModuleID); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339, ts)
		rec.Kind = Kind(kind)
		out = append(out, rec)
	}
	return out, rows.Err()
}
