package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/smallbiznis/pantry-auth/internal/telemetry"
)

const idleClientTTL = 5 * time.Minute

// RateLimiter is a token bucket per client IP. A nil *RateLimiter allows everything.
type RateLimiter struct {
	name  string
	limit rate.Limit
	burst int
	clock func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewRateLimiter sizes the bucket from a requests-per-minute budget with a burst of a
// tenth of the budget. A non-positive budget disables throttling and returns nil.
func NewRateLimiter(name string, requestsPerMinute int) *RateLimiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	return &RateLimiter{
		name:    name,
		limit:   rate.Every(time.Minute / time.Duration(requestsPerMinute)),
		burst:   max(requestsPerMinute/10, 1),
		clock:   time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Handler rejects over-budget requests with 429 and a Retry-After hint derived from
// the bucket's refill rate.
func (r *RateLimiter) Handler() gin.HandlerFunc {
	if r == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		wait, ok := r.take(c.ClientIP())
		if ok {
			c.Next()
			return
		}
		telemetry.RateLimitedTotal.WithLabelValues(r.name).Inc()
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":             "slow_down",
			"error_description": "too many requests",
		})
	}
}

// take consumes one token for key, or reports how long until one is available.
func (r *RateLimiter) take(key string) (time.Duration, bool) {
	now := r.clock()

	r.mu.Lock()
	b, found := r.buckets[key]
	if !found {
		b = &bucket{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.buckets[key] = b
	}
	b.seen = now
	if now.Sub(r.lastSweep) > idleClientTTL {
		for k, other := range r.buckets {
			if now.Sub(other.seen) > idleClientTTL {
				delete(r.buckets, k)
			}
		}
		r.lastSweep = now
	}
	r.mu.Unlock()

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return idleClientTTL, false
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return delay, false
	}
	return 0, true
}
