package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages rate limits per client key (usually the caller's IP)
type Limiter struct {
	clients map[string]*client
	mu      sync.Mutex
	rate    rate.Limit
	burst   int
	perHour int
	now     func() time.Time
}

// NewLimiter creates a new rate limiter
// requestsPerHour: total requests allowed per hour per client (e.g., 100)
// burst: max requests in a burst (e.g., 10)
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	// Convert requests per hour to requests per second
	r := rate.Limit(float64(requestsPerHour) / 3600.0)
	if requestsPerHour <= 0 {
		r = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}

	return &Limiter{
		clients: make(map[string]*client),
		rate:    r,
		burst:   burst,
		perHour: requestsPerHour,
		now:     time.Now,
	}
}

// RequestsPerHour returns the configured hourly allowance
func (l *Limiter) RequestsPerHour() int {
	return l.perHour
}

// Unlimited reports whether limiting is switched off
func (l *Limiter) Unlimited() bool {
	return l.rate == rate.Inf
}

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, exists := l.clients[key]
	if !exists {
		c = &client{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = l.now()

	return c.limiter
}

// Allow checks if a request is allowed for the given client
func (l *Limiter) Allow(key string) bool {
	return l.get(key).AllowN(l.now(), 1)
}

// Tokens returns the current number of available tokens for a client
func (l *Limiter) Tokens(key string) float64 {
	return l.get(key).TokensAt(l.now())
}

// Sweep forgets clients idle for longer than maxIdle and returns how many
// were removed
func (l *Limiter) Sweep(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxIdle)
	removed := 0
	for key, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
