package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// maxTrackedClients caps the number of per-IP buckets so a scan across
// many source addresses cannot exhaust memory.
const maxTrackedClients = 100_000

// RateLimiter enforces a per-client-IP token bucket.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rps     float64
	burst   int
	now     func() time.Time
}

type bucket struct {
	tokens   float64
	refilled time.Time
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing rps sustained requests per
// second with the given burst per client IP.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		rps:     rps,
		burst:   burst,
		now:     time.Now,
	}
}

// Handler wraps next with rate limiting. Rejected requests get a 429
// with a Retry-After header.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remaining, retryAfter, ok := rl.take(clientIP(r))

		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter))))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// take consumes one token for ip. It reports the remaining tokens, the
// seconds until the next token when denied, and whether the request may
// proceed.
func (rl *RateLimiter) take(ip string) (remaining int, retryAfter float64, ok bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, exists := rl.buckets[ip]
	if !exists {
		if len(rl.buckets) >= maxTrackedClients {
			return 0, 1 / rl.rps, false
		}
		b = &bucket{tokens: float64(rl.burst) - 1, refilled: now, lastSeen: now}
		rl.buckets[ip] = b
		return int(b.tokens), 0, true
	}

	b.tokens = math.Min(b.tokens+now.Sub(b.refilled).Seconds()*rl.rps, float64(rl.burst))
	b.refilled = now
	b.lastSeen = now

	if b.tokens < 1 {
		return 0, (1 - b.tokens) / rl.rps, false
	}
	b.tokens--
	return int(b.tokens), 0, true
}

// RunCleanup evicts buckets idle longer than maxIdle every interval
// until ctx is cancelled. It always returns ctx.Err().
func (rl *RateLimiter) RunCleanup(ctx context.Context, interval, maxIdle time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			rl.evictIdle(maxIdle)
		}
	}
}

func (rl *RateLimiter) evictIdle(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-maxIdle)
	for ip, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, ip)
		}
	}
}

// TrackedClients returns the number of per-IP buckets currently held.
func (rl *RateLimiter) TrackedClients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// clientIP uses RemoteAddr only. Forwarding headers are spoofable and
// would let a client dodge its bucket.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
