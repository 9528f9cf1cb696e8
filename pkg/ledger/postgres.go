package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/kubegate-labs/kubegate/pkg/contracts"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
    sequence     BIGINT PRIMARY KEY,
    id           TEXT NOT NULL UNIQUE,
    timestamp    TEXT NOT NULL,
    type         TEXT NOT NULL,
    actor_id     TEXT NOT NULL,
    plan_id      TEXT NOT NULL DEFAULT '',
    payload      BYTEA,
    payload_hash TEXT NOT NULL,
    prev_hash    TEXT NOT NULL,
    entry_hash   TEXT NOT NULL,
    archived     BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_audit_entries_plan ON audit_entries(plan_id);
CREATE INDEX IF NOT EXISTS idx_audit_entries_type ON audit_entries(type);
`

// PostgresStore persists the chain in PostgreSQL for multi-replica
// deployments. Timestamps are stored as RFC 3339 text, not timestamptz:
// the database must return the exact bytes that were hashed, and timestamptz
// round-trips lose sub-microsecond precision.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against dsn and ensures the
// schema exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open postgres: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: migrate postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreWithDB wraps an existing handle. The schema is assumed to
// exist; tests inject mocked handles here.
func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) AppendEntry(ctx context.Context, e *Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries
		  (sequence, id, timestamp, type, actor_id, plan_id, payload, payload_hash, prev_hash, entry_hash, archived)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE)`,
		e.Sequence, e.ID, e.Timestamp.Format(time.RFC3339Nano), string(e.Type),
		e.ActorID, e.PlanID, []byte(e.Payload), e.PayloadHash, e.PrevHash, e.EntryHash)
	if err != nil {
		return fmt.Errorf("insert entry %d: %w", e.Sequence, err)
	}
	return nil
}

func (s *PostgresStore) Head(ctx context.Context) (uint64, string, error) {
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

func (s *PostgresStore) Walk(ctx context.Context, fn func(*Entry) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, id, timestamp, type, actor_id, plan_id, payload, payload_hash, prev_hash, entry_hash, archived
		FROM audit_entries ORDER BY sequence ASC`)
	if err != nil {
		return fmt.Errorf("walk: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanPostgresEntry(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	query := `
		SELECT sequence, id, timestamp, type, actor_id, plan_id, payload, payload_hash, prev_hash, entry_hash, archived
		FROM audit_entries WHERE TRUE`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if !f.IncludeArchived {
		query += ` AND archived = FALSE`
	}
	if f.Type != "" {
		query += ` AND type = ` + arg(string(f.Type))
	}
	if f.PlanID != "" {
		query += ` AND plan_id = ` + arg(f.PlanID)
	}
	if f.ActorID != "" {
		query += ` AND actor_id = ` + arg(f.ActorID)
	}
	if f.After != nil {
		query += ` AND timestamp >= ` + arg(f.After.UTC().Format(time.RFC3339Nano))
	}
	if f.Before != nil {
		query += ` AND timestamp <= ` + arg(f.Before.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY sequence ASC`
	if f.Limit > 0 {
		query += ` LIMIT ` + arg(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanPostgresEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkArchived(ctx context.Context, upToSeq uint64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE audit_entries SET archived = TRUE WHERE sequence <= $1 AND archived = FALSE`, upToSeq)
	if err != nil {
		return 0, fmt.Errorf("archive: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("archive count: %w", err)
	}
	return int(n), nil
}

func scanPostgresEntry(row rowScanner) (*Entry, error) {
	var (
		e       Entry
		ts      string
		typ     string
		payload []byte
	)
	if err := row.Scan(&e.Sequence, &e.ID, &ts, &typ, &e.ActorID, &e.PlanID,
		&payload, &e.PayloadHash, &e.PrevHash, &e.EntryHash, &e.Archived); err != nil {
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
	}
	e.Timestamp = parsed
	e.Type = contracts.EventType(typ)
	e.Payload = payload
	return &e, nil
}
