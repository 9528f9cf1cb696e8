package api

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// PostgresIdempotencyStore provides durable idempotency enforcement backed by
// PostgreSQL, surviving process restarts where the memory store does not.
type PostgresIdempotencyStore struct {
	db     *sql.DB
	ttl    time.Duration
	logger *slog.Logger
}

// NewPostgresIdempotencyStore creates a PostgreSQL-backed idempotency store.
func NewPostgresIdempotencyStore(db *sql.DB, ttl time.Duration, logger *slog.Logger) *PostgresIdempotencyStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresIdempotencyStore{db: db, ttl: ttl, logger: logger.With("component", "idempotency")}
}

// Check returns a cached response if the key was seen within the TTL.
func (s *PostgresIdempotencyStore) Check(key string) (*CachedResponse, bool) {
	var statusCode int
	var headers []byte
	var body []byte
	var cachedAt time.Time

	err := s.db.QueryRow(
		`SELECT status_code, headers, body, cached_at FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&statusCode, &headers, &body, &cachedAt)
	if err != nil {
		return nil, false
	}
	if time.Since(cachedAt) > s.ttl {
		_, _ = s.db.Exec(`DELETE FROM idempotency_keys WHERE key = $1`, key)
		return nil, false
	}

	hdr := make(http.Header)
	if err := json.Unmarshal(headers, &hdr); err != nil {
		hdr.Set("Content-Type", "application/json")
	}
	return &CachedResponse{
		StatusCode: statusCode,
		Headers:    hdr,
		Body:       body,
		CachedAt:   cachedAt,
	}, true
}

// Set stores an idempotency key and its response. Best effort: a storage
// failure is logged, not surfaced, so idempotency never blocks the response
// the client already earned.
func (s *PostgresIdempotencyStore) Set(key string, statusCode int, headers http.Header, body []byte) {
	hdr, err := json.Marshal(headers)
	if err != nil {
		hdr = []byte("{}")
	}
	_, err = s.db.Exec(
		`INSERT INTO idempotency_keys (key, status_code, headers, body, cached_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (key) DO UPDATE SET status_code = $2, headers = $3, body = $4, cached_at = NOW()`,
		key, statusCode, hdr, body,
	)
	if err != nil {
		s.logger.Warn("failed to persist idempotency key", "key", key, "error", err)
	}
}

// Cleanup removes idempotency keys older than the TTL.
func (s *PostgresIdempotencyStore) Cleanup() {
	_, _ = s.db.Exec(
		`DELETE FROM idempotency_keys WHERE cached_at < $1`,
		time.Now().Add(-s.ttl),
	)
}
