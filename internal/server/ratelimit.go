package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	// limiterTTL is how long an idle client's bucket survives before a sweep
	// drops it.
	limiterTTL = 10 * time.Minute

	// sweepInterval bounds how often the registry scans for idle buckets.
	// Sweeping happens inline on the request path, so the registry needs no
	// background goroutine and dies with the router.
	sweepInterval = 5 * time.Minute
)

// clientLimiters tracks one token bucket per client IP.
type clientLimiters struct {
	mu        sync.Mutex
	rps       rate.Limit
	burst     int
	buckets   map[string]*clientBucket
	lastSweep time.Time
}

type clientBucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

func newClientLimiters(rps, burst int) *clientLimiters {
	return &clientLimiters{
		rps:       rate.Limit(rps),
		burst:     burst,
		buckets:   make(map[string]*clientBucket),
		lastSweep: time.Now(),
	}
}

// allow reports whether the client may proceed, creating its bucket on first
// sight and sweeping idle buckets when the interval has passed.
func (cl *clientLimiters) allow(ip string) bool {
	now := time.Now()

	cl.mu.Lock()
	if now.Sub(cl.lastSweep) >= sweepInterval {
		for addr, b := range cl.buckets {
			if now.Sub(b.seen) > limiterTTL {
				delete(cl.buckets, addr)
			}
		}
		cl.lastSweep = now
	}

	b, ok := cl.buckets[ip]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(cl.rps, cl.burst)}
		cl.buckets[ip] = b
	}
	b.seen = now
	cl.mu.Unlock()

	return b.limiter.Allow()
}

// RateLimiter returns a Gin middleware enforcing per-client request rates on
// the audit API. rps is the steady-state requests per second; burst is the
// maximum burst size. Rejections are counted in the rate-limited metric and
// answered with 429 and a Retry-After hint.
func RateLimiter(rps, burst int) gin.HandlerFunc {
	cl := newClientLimiters(rps, burst)

	return func(c *gin.Context) {
		if !cl.allow(c.ClientIP()) {
			RecordRateLimited()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
