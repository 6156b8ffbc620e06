package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter hands out a token bucket per client, behind an optional
// service-wide bucket.
type RateLimiter struct {
	globalLimiter  *rate.Limiter
	clientLimiters map[string]*clientLimiter
	mu             sync.Mutex
	now            func() time.Time

	// Configuration
	requestsPerSecond float64
	burst             int
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a per-client rate limiter.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		clientLimiters:    make(map[string]*clientLimiter),
		now:               time.Now,
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
	}
}

// WithGlobalLimit adds a bucket shared by every client.
func (rl *RateLimiter) WithGlobalLimit(requestsPerSecond float64, burst int) *RateLimiter {
	rl.globalLimiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	return rl
}

// Allow checks if a request should be allowed
func (rl *RateLimiter) Allow(clientID string) bool {
	if rl.globalLimiter != nil && !rl.globalLimiter.Allow() {
		return false
	}
	return rl.getClientLimiter(clientID).Allow()
}

// Prune forgets clients not seen for longer than idle and returns how many
// were dropped.
func (rl *RateLimiter) Prune(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-idle)
	n := 0
	for id, c := range rl.clientLimiters {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clientLimiters, id)
			n++
		}
	}
	return n
}

// Clients returns the number of tracked clients.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clientLimiters)
}

// getClientLimiter gets or creates a rate limiter for a specific client
func (rl *RateLimiter) getClientLimiter(clientID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, exists := rl.clientLimiters[clientID]
	if !exists {
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.requestsPerSecond), rl.burst)}
		rl.clientLimiters[clientID] = c
	}
	c.lastSeen = rl.now()
	return c.limiter
}
