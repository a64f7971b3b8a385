package replication

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/radicle-dev/radicle-link-sub006/internal/peerid"
	"github.com/radicle-dev/radicle-link-sub006/internal/urn"
)

// ErrRateLimited is returned when a fetch is dropped because its
// (remote, urn) token bucket is exhausted (spec §4.4 "Rate limiting").
// The caller must drop the request without demoting the remote.
type rateLimitedError struct{}

func (rateLimitedError) Error() string { return "replication: rate limited" }

// ErrRateLimited is the sentinel matched via errors.Is.
var ErrRateLimited error = rateLimitedError{}

// RateLimiter tracks one token bucket per (remote, urn) pair.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

// NewRateLimiter constructs a RateLimiter where each (remote, urn) bucket
// refills at r events/sec with the given burst size.
func NewRateLimiter(r rate.Limit, burst int) *RateLimiter {
	return &RateLimiter{limiters: make(map[string]*rate.Limiter), r: r, burst: burst}
}

func rlKey(remote peerid.PeerID, u urn.URN) string {
	return remote.String() + "/" + u.Root().String()
}

// Allow consumes one token from the bucket for (remote, u), creating it on
// first use.
func (rl *RateLimiter) Allow(remote peerid.PeerID, u urn.URN) bool {
	rl.mu.Lock()
	key := rlKey(remote, u)
	lim, ok := rl.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rl.r, rl.burst)
		rl.limiters[key] = lim
	}
	rl.mu.Unlock()
	return lim.Allow()
}
