package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// idleBucketAge is how long an IP can stay quiet before its bucket is
// dropped. Buckets are pruned lazily on the allow path.
const idleBucketAge = 10 * time.Minute

// IPRateLimiter throttles callers per client IP with a token bucket.
// It shields the OAuth endpoints from credential-stuffing style bursts
// without touching the per-provider limiter that guards outbound calls.
type IPRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*ipBucket
	rate    time.Duration
	burst   float64

	lastPrune time.Time
}

type ipBucket struct {
	tokens     float64
	lastRefill time.Time
}

func newIPRateLimiter(rate time.Duration, burst int) *IPRateLimiter {
	return &IPRateLimiter{
		buckets:   make(map[string]*ipBucket),
		rate:      rate,
		burst:     float64(burst),
		lastPrune: time.Now(),
	}
}

// allow takes one token for the IP, refilling on elapsed time.
func (l *IPRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.pruneLocked(now)

	bucket, ok := l.buckets[ip]
	if !ok {
		l.buckets[ip] = &ipBucket{tokens: l.burst - 1, lastRefill: now}
		return true
	}

	refills := now.Sub(bucket.lastRefill).Nanoseconds() / l.rate.Nanoseconds()
	if refills > 0 {
		bucket.tokens = min(l.burst, bucket.tokens+float64(refills))
		bucket.lastRefill = now
	}

	if bucket.tokens >= 1 {
		bucket.tokens--
		return true
	}
	return false
}

// pruneLocked drops buckets idle past idleBucketAge so the map does not
// grow with every IP ever seen. Runs at most once per idleBucketAge.
func (l *IPRateLimiter) pruneLocked(now time.Time) {
	if now.Sub(l.lastPrune) < idleBucketAge {
		return
	}
	for ip, bucket := range l.buckets {
		if now.Sub(bucket.lastRefill) > idleBucketAge {
			delete(l.buckets, ip)
		}
	}
	l.lastPrune = now
}

// rateLimitMiddleware rejects over-limit clients with 429. Health and
// metrics stay open so monitoring probes never burn request tokens.
func rateLimitMiddleware(limiter *IPRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.URL.Path {
		case "/health", "/metrics":
			c.Next()
			return
		}

		if !limiter.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"message":     "Too many requests. Please try again later.",
				"retry_after": limiter.rate.String(),
			})
			return
		}
		c.Next()
	}
}

// bodyLimitMiddleware caps request body size. No endpoint accepts
// uploads, so anything past maxSize is junk.
func bodyLimitMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength == 0 && c.Request.Method == http.MethodGet {
			c.Next()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}
