package sanitize

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SignalStore accumulates multi-stage attack signal per session. It is the
// only stateful dependency of the sanitizer; updates for one session are
// serialized by the implementation so concurrent requests from the same
// session cannot race the stage counter.
type SignalStore interface {
	// Advance records that the session matched the next stage of the shape,
	// but only if stage equals the session's current progress for that shape
	// (stages must be observed in order). It returns the resulting progress.
	Advance(ctx context.Context, sessionID, shapeID string, stage int) (int, error)

	// Progress returns the session's current stage index for the shape.
	Progress(ctx context.Context, sessionID, shapeID string) (int, error)

	// Reset clears all accumulated signal for the session.
	Reset(ctx context.Context, sessionID string) error
}

// MemorySignalStore is the in-process SignalStore with TTL eviction.
type MemorySignalStore struct {
	mu       sync.Mutex
	sessions map[string]*sessionSignal
	ttl      time.Duration
	clock    func() time.Time
	done     chan struct{}
	once     sync.Once
}

type sessionSignal struct {
	progress map[string]int
	touched  time.Time
}

// NewMemorySignalStore creates a store whose sessions are evicted after ttl
// of inactivity.
func NewMemorySignalStore(ttl time.Duration) *MemorySignalStore {
	s := &MemorySignalStore{
		sessions: make(map[string]*sessionSignal),
		ttl:      ttl,
		clock:    time.Now,
		done:     make(chan struct{}),
	}
	go s.janitor()
	return s
}

// WithClock overrides the clock for deterministic testing.
func (s *MemorySignalStore) WithClock(clock func() time.Time) *MemorySignalStore {
	s.clock = clock
	return s
}

// Close stops the eviction goroutine.
func (s *MemorySignalStore) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *MemorySignalStore) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

func (s *MemorySignalStore) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.clock().Add(-s.ttl)
	for id, sig := range s.sessions {
		if sig.touched.Before(cutoff) {
			delete(s.sessions, id)
		}
	}
}

func (s *MemorySignalStore) Advance(_ context.Context, sessionID, shapeID string, stage int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sig, ok := s.sessions[sessionID]
	if !ok {
		sig = &sessionSignal{progress: make(map[string]int)}
		s.sessions[sessionID] = sig
	}
	sig.touched = s.clock()

	current := sig.progress[shapeID]
	if stage == current {
		sig.progress[shapeID] = current + 1
		return current + 1, nil
	}
	return current, nil
}

func (s *MemorySignalStore) Progress(_ context.Context, sessionID, shapeID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.sessions[sessionID]
	if !ok {
		return 0, nil
	}
	return sig.progress[shapeID], nil
}

func (s *MemorySignalStore) Reset(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// advanceScript performs the in-order stage advance atomically in Redis, so
// concurrent requests from one session serialize on the server.
// KEYS[1] = session/shape key, ARGV[1] = expected stage, ARGV[2] = ttl seconds.
var advanceScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local expected = tonumber(ARGV[1])
if current == expected then
    current = current + 1
    redis.call("SET", KEYS[1], current)
end
redis.call("EXPIRE", KEYS[1], ARGV[2])
return current
`)

// RedisSignalStore shares multi-stage signal across pipeline replicas.
type RedisSignalStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSignalStore creates a Redis-backed SignalStore.
func NewRedisSignalStore(addr, password string, db int, ttl time.Duration) *RedisSignalStore {
	return &RedisSignalStore{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		ttl:    ttl,
	}
}

func (s *RedisSignalStore) key(sessionID, shapeID string) string {
	return fmt.Sprintf("kubegate:signal:%s:%s", sessionID, shapeID)
}

func (s *RedisSignalStore) Advance(ctx context.Context, sessionID, shapeID string, stage int) (int, error) {
	res, err := advanceScript.Run(ctx, s.client,
		[]string{s.key(sessionID, shapeID)}, stage, int(s.ttl.Seconds())).Int()
	if err != nil {
		return 0, fmt.Errorf("sanitize: redis advance: %w", err)
	}
	return res, nil
}

func (s *RedisSignalStore) Progress(ctx context.Context, sessionID, shapeID string) (int, error) {
	res, err := s.client.Get(ctx, s.key(sessionID, shapeID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sanitize: redis progress: %w", err)
	}
	return res, nil
}

func (s *RedisSignalStore) Reset(ctx context.Context, sessionID string) error {
	iter := s.client.Scan(ctx, 0, fmt.Sprintf("kubegate:signal:%s:*", sessionID), 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("sanitize: redis reset: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("sanitize: redis reset scan: %w", err)
	}
	return nil
}
