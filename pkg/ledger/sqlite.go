package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kubegate-labs/kubegate/pkg/contracts"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
    sequence     INTEGER PRIMARY KEY,
    id           TEXT NOT NULL UNIQUE,
    timestamp    TEXT NOT NULL,
    type         TEXT NOT NULL,
    actor_id     TEXT NOT NULL,
    plan_id      TEXT NOT NULL DEFAULT '',
    payload      BLOB,
    payload_hash TEXT NOT NULL,
    prev_hash    TEXT NOT NULL,
    entry_hash   TEXT NOT NULL,
    archived     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_entries_plan ON audit_entries(plan_id);
CREATE INDEX IF NOT EXISTS idx_audit_entries_type ON audit_entries(type);
`

// SQLiteStore persists the chain in an embedded SQLite database. Timestamps
// are stored as RFC 3339 with nanoseconds so rehydrated entries hash to the
// same bytes they were written with.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at path. Use ":memory:"
// for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}
	// Chain appends are strictly serialized upstream; one connection avoids
	// SQLITE_BUSY under concurrent readers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) AppendEntry(ctx context.Context, e *Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries
		  (sequence, id, timestamp, type, actor_id, plan_id, payload, payload_hash, prev_hash, entry_hash, archived)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		e.Sequence, e.ID, e.Timestamp.Format(time.RFC3339Nano), string(e.Type),
		e.ActorID, e.PlanID, []byte(e.Payload), e.PayloadHash, e.PrevHash, e.EntryHash)
	if err != nil {
		return fmt.Errorf("insert entry %d: %w", e.Sequence, err)
	}
	return nil
}

func (s *SQLiteStore) Head(ctx context.Context) (uint64, string, error) {
	var seq uint64
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT sequence, entry_hash FROM audit_entries ORDER BY sequence DESC LIMIT 1`).
		Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, genesisHash, nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("read head: %w", err)
	}
	return seq, hash, nil
}

func (s *SQLiteStore) Walk(ctx context.Context, fn func(*Entry) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, id, timestamp, type, actor_id, plan_id, payload, payload_hash, prev_hash, entry_hash, archived
		FROM audit_entries ORDER BY sequence ASC`)
	if err != nil {
		return fmt.Errorf("walk: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	query := `
		SELECT sequence, id, timestamp, type, actor_id, plan_id, payload, payload_hash, prev_hash, entry_hash, archived
		FROM audit_entries WHERE 1=1`
	var args []any
	if !f.IncludeArchived {
		query += ` AND archived = 0`
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(f.Type))
	}
	if f.PlanID != "" {
		query += ` AND plan_id = ?`
		args = append(args, f.PlanID)
	}
	if f.ActorID != "" {
		query += ` AND actor_id = ?`
		args = append(args, f.ActorID)
	}
	if f.After != nil {
		query += ` AND timestamp >= ?`
		args = append(args, f.After.UTC().Format(time.RFC3339Nano))
	}
	if f.Before != nil {
		query += ` AND timestamp <= ?`
		args = append(args, f.Before.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY sequence ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkArchived(ctx context.Context, upToSeq uint64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE audit_entries SET archived = 1 WHERE sequence <= ? AND archived = 0`, upToSeq)
	if err != nil {
		return 0, fmt.Errorf("archive: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("archive count: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e        Entry
		ts       string
		typ      string
		payload  []byte
		archived int
	)
	if err := row.Scan(&e.Sequence, &e.ID, &ts, &typ, &e.ActorID, &e.PlanID,
		&payload, &e.PayloadHash, &e.PrevHash, &e.EntryHash, &archived); err != nil {
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
	}
	e.Timestamp = parsed
	e.Type = contracts.EventType(typ)
	e.Payload = payload
	e.Archived = archived != 0
	return &e, nil
}
