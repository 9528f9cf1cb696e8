package api

import (
	"bytes"
	"net/http"
	"sync"
	"time"
)

// CachedResponse is a recorded response replayed for a repeated
// Idempotency-Key.
type CachedResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	CachedAt   time.Time
}

// IdempotencyStorer persists responses keyed by idempotency key.
type IdempotencyStorer interface {
	Check(key string) (*CachedResponse, bool)
	Set(key string, statusCode int, headers http.Header, body []byte)
}

// MemoryIdempotencyStore is the in-process IdempotencyStorer. Entries expire
// after the configured TTL; a janitor sweeps them out.
type MemoryIdempotencyStore struct {
	mu    sync.RWMutex
	byKey map[string]*CachedResponse
	ttl   time.Duration
}

// NewIdempotencyStore creates an in-memory idempotency store with the given
// replay window.
func NewIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	s := &MemoryIdempotencyStore{
		byKey: make(map[string]*CachedResponse),
		ttl:   ttl,
	}
	go s.sweep()
	return s
}

func (s *MemoryIdempotencyStore) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-s.ttl)
		s.mu.Lock()
		for key, cached := range s.byKey {
			if cached.CachedAt.Before(cutoff) {
				delete(s.byKey, key)
			}
		}
		s.mu.Unlock()
	}
}

// Check returns the recorded response for the key, if still inside the
// replay window.
func (s *MemoryIdempotencyStore) Check(key string) (*CachedResponse, bool) {
	s.mu.RLock()
	cached, ok := s.byKey[key]
	s.mu.RUnlock()
	if !ok || time.Since(cached.CachedAt) >= s.ttl {
		return nil, false
	}
	return cached, true
}

// Set records a response against the key.
func (s *MemoryIdempotencyStore) Set(key string, statusCode int, headers http.Header, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey[key] = &CachedResponse{
		StatusCode: statusCode,
		Headers:    headers,
		Body:       body,
		CachedAt:   time.Now(),
	}
}

// responseCapture tees what the handler writes so it can be recorded.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the recorded response for a repeated
// Idempotency-Key instead of re-running the handler, so a retried approve or
// execute cannot take effect twice. Only successful (2xx) responses are
// recorded; a failure may be retried for real.
func IdempotencyMiddleware(store IdempotencyStorer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch:
			default:
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			if cached, ok := store.Check(key); ok {
				for name, vals := range cached.Headers {
					for _, v := range vals {
						w.Header().Set(name, v)
					}
				}
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode >= 200 && capture.statusCode < 300 {
				store.Set(key, capture.statusCode, w.Header().Clone(), capture.body.Bytes())
			}
		})
	}
}
