package internal

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	rateLimitWindow = 3 * time.Second
	rateLimitBurst  = 5
)

type limiterEntry struct {
	limiter *rate.Limiter
	refs    int
}

// RateLimiter hands out one token bucket per key. Keys are identities, so all
// tabs of a user share the same budget. Entries live while they are acquired.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
}

func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		entries: make(map[string]*limiterEntry),
		limit:   rate.Limit(perSecond),
		burst:   burst,
	}
}

func (r *RateLimiter) Acquire(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.entries[key] = entry
	}
	entry.refs++
}

func (r *RateLimiter) Release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(r.entries, key)
	}
}

// Allow consumes a token for key. Unknown keys get a throwaway bucket and are
// always allowed once.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	entry, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		return true
	}
	return entry.limiter.Allow()
}

func (r *RateLimiter) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
