package auth

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kubegate-labs/kubegate/pkg/api"
)

// ActorRateLimiter enforces per-actor request limits. Authenticated requests
// are keyed by principal id, unauthenticated ones by remote IP, so one noisy
// session cannot starve the approval endpoints for everyone.
type ActorRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewActorRateLimiter creates a limiter allowing rps requests per second with
// the given burst per actor.
func NewActorRateLimiter(rps, burst int) *ActorRateLimiter {
	rl := &ActorRateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go rl.evictStale()
	return rl
}

func (rl *ActorRateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// evictStale drops actors idle for more than three minutes.
func (rl *ActorRateLimiter) evictStale() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for key, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware returns a handler enforcing the limit.
func (rl *ActorRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ActorID(r.Context())
		if key == "" {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = strings.Trim(r.RemoteAddr, "[]")
			}
			key = "ip/" + ip
		}
		if !rl.limiterFor(key).Allow() {
			api.WriteTooManyRequests(w, 5)
			return
		}
		next.ServeHTTP(w, r)
	})
}
