package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const errRateLimited = "Too many requests"

// sweepThreshold caps how many client keys accumulate before a full prune.
const sweepThreshold = 4096

// RateLimit rejects clients exceeding max requests per sliding window,
// keyed by client IP. Rejections carry a Retry-After header naming the
// seconds until the oldest counted request ages out of the window.
func RateLimit(max int, window time.Duration) gin.HandlerFunc {
	rl := &rateLimiter{
		max:    max,
		window: window,
		seen:   make(map[string][]time.Time),
	}
	return func(c *gin.Context) {
		retryAfter, ok := rl.allow(c.ClientIP(), time.Now())
		if !ok {
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": errRateLimited})
			return
		}
		c.Next()
	}
}

type rateLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	seen   map[string][]time.Time
}

// allow records the request unless the key is over budget. When rejected,
// the first return value is the Retry-After seconds, always >= 1.
func (rl *rateLimiter) allow(key string, now time.Time) (int, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := now.Add(-rl.window)
	kept := prune(rl.seen[key], cutoff)

	if len(kept) >= rl.max {
		rl.seen[key] = kept
		secs := int(rl.window.Seconds()-now.Sub(kept[0]).Seconds()) + 1
		if secs < 1 {
			secs = 1
		}
		return secs, false
	}

	rl.seen[key] = append(kept, now)
	if len(rl.seen) > sweepThreshold {
		rl.sweepLocked(cutoff)
	}
	return 0, true
}

// sweepLocked drops keys whose every request has aged out, so one-off
// clients do not pin map entries forever.
func (rl *rateLimiter) sweepLocked(cutoff time.Time) {
	for key, times := range rl.seen {
		kept := prune(times, cutoff)
		if len(kept) == 0 {
			delete(rl.seen, key)
		} else {
			rl.seen[key] = kept
		}
	}
}

func prune(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, ts := range times {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
