package gateway

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles connect attempts and HTTP requests per remote IP.
// rpm <= 0 disables limiting entirely.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
	enabled  bool
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a per-remote limiter at rpm requests per minute
// with the given burst.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Limit(float64(rpm) / 60.0),
		burst:    burst,
		enabled:  rpm > 0,
	}
}

// Enabled reports whether limiting is active.
func (r *RateLimiter) Enabled() bool { return r.enabled }

// Allow reports whether the remote may proceed. remoteAddr may carry a port.
func (r *RateLimiter) Allow(remoteAddr string) bool {
	if !r.enabled {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.limiters[host]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(r.limit, r.burst)}
		r.limiters[host] = e
		// Opportunistic sweep keeps the map from growing with one-shot
		// scanners.
		if len(r.limiters) > 1024 {
			cutoff := time.Now().Add(-10 * time.Minute)
			for k, v := range r.limiters {
				if v.lastSeen.Before(cutoff) {
					delete(r.limiters, k)
				}
			}
		}
	}
	e.lastSeen = time.Now()
	return e.lim.Allow()
}
