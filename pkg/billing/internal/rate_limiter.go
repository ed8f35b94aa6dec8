package internal

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter limits webhook requests per client IP. Each IP gets a token
// bucket refilled at limit/window with a burst of limit.
type RateLimiter struct {
	mu            sync.Mutex
	clients       map[string]*client
	limit         rate.Limit
	burst         int
	idleTTL       time.Duration // clients unseen for this long are dropped
	requestCount  int           // counter for deterministic cleanup
	cleanupEvery  int           // cleanup every N requests (default: 100)
	cleanupAtSize int           // cleanup when map size exceeds this (default: 200)
	now           func() time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows limit requests per window for each client IP.
// A non-positive limit disables limiting.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	rl := &RateLimiter{
		clients:       make(map[string]*client),
		limit:         rate.Inf,
		burst:         limit,
		idleTTL:       window,
		cleanupEvery:  100,
		cleanupAtSize: 200,
		now:           time.Now,
	}
	if limit > 0 {
		rl.limit = rate.Limit(float64(limit) / window.Seconds())
	}
	return rl
}

func (rl *RateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	rl.requestCount++
	if rl.requestCount%rl.cleanupEvery == 0 || len(rl.clients) > rl.cleanupAtSize {
		rl.cleanupIdle(now)
		if rl.requestCount >= rl.cleanupEvery*10 {
			rl.requestCount = 0
		}
	}

	c, exists := rl.clients[ip]
	if !exists {
		c = &client{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// cleanupIdle removes clients not seen within idleTTL.
func (rl *RateLimiter) cleanupIdle(now time.Time) {
	for ip, c := range rl.clients {
		if now.Sub(c.lastSeen) > rl.idleTTL {
			delete(rl.clients, ip)
		}
	}
}

// Middleware wraps an HTTP handler with rate limiting.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(GetClientIP(r)) {
			//nolint:errcheck // response already committed
			_ = WriteJSON(w, http.StatusTooManyRequests, map[string]string{"message": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetClientIP returns the request's RemoteAddr without its port. Forwarding
// headers are not read here; the router's RealIP middleware resolves them once.
func GetClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
