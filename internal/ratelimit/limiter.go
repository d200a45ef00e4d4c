package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/tokengate/tokengate/internal/config"
	"github.com/tokengate/tokengate/internal/logging"
)

// Limiter enforces per-service request limits using a token bucket for
// short-term rate plus fixed minute and day windows. Acquire blocks the
// caller until a slot is available rather than failing the request.
type Limiter struct {
	mu      sync.Mutex
	limits  map[string]config.ServiceLimits
	buckets map[string]*serviceBucket
	logger  *logging.Logger

	now func() time.Time
}

// serviceBucket tracks consumption for a single service.
type serviceBucket struct {
	tokens     float64
	lastRefill time.Time

	minuteCount int
	minuteReset time.Time

	dayCount int
	dayReset time.Time
}

// Status is a non-consuming snapshot of a service's limiter state.
type Status struct {
	Service         string    `json:"service"`
	AvailableTokens float64   `json:"available_tokens"`
	BurstSize       int       `json:"burst_size"`
	MinuteUsed      int       `json:"minute_used"`
	MinuteLimit     int       `json:"minute_limit"`
	MinuteReset     time.Time `json:"minute_reset"`
	DayUsed         int       `json:"day_used"`
	DayLimit        int       `json:"day_limit"`
	DayReset        time.Time `json:"day_reset"`
}

// NewLimiter creates a limiter with per-service limits. Services without
// an entry fall back to the default limits.
func NewLimiter(limits map[string]config.ServiceLimits, logger *logging.Logger) *Limiter {
	if logger == nil {
		logger = logging.NewLogger()
	}
	return &Limiter{
		limits:  limits,
		buckets: make(map[string]*serviceBucket),
		logger:  logger.With("ratelimit"),
		now:     time.Now,
	}
}

// Acquire blocks until the service may issue one more request, or until
// the context is cancelled.
func (l *Limiter) Acquire(ctx context.Context, service string) error {
	for {
		wait := l.tryAcquire(service)
		if wait <= 0 {
			return nil
		}

		l.logger.Debug("rate limit backpressure", "service", service, "wait_ms", wait.Milliseconds())

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire consumes a slot if one is available, otherwise returns how
// long until the tightest constraint clears.
func (l *Limiter) tryAcquire(service string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	limits := l.limitsFor(service)
	bucket := l.bucketFor(service, limits, now)

	l.refill(bucket, limits, now)

	if bucket.tokens >= 1 && bucket.minuteCount < limits.RequestsPerMinute && bucket.dayCount < limits.RequestsPerDay {
		bucket.tokens--
		bucket.minuteCount++
		bucket.dayCount++
		return 0
	}

	// Wait until the most distant blocking constraint clears.
	var wait time.Duration
	if bucket.tokens < 1 && limits.RequestsPerSecond > 0 {
		deficit := 1 - bucket.tokens
		d := time.Duration(deficit / limits.RequestsPerSecond * float64(time.Second))
		if d > wait {
			wait = d
		}
	}
	if bucket.minuteCount >= limits.RequestsPerMinute {
		if d := bucket.minuteReset.Sub(now); d > wait {
			wait = d
		}
	}
	if bucket.dayCount >= limits.RequestsPerDay {
		if d := bucket.dayReset.Sub(now); d > wait {
			wait = d
		}
	}
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait
}

// Status returns the current limiter state for a service without
// consuming a slot.
func (l *Limiter) Status(service string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	limits := l.limitsFor(service)
	bucket := l.bucketFor(service, limits, now)
	l.refill(bucket, limits, now)

	return Status{
		Service:         service,
		AvailableTokens: bucket.tokens,
		BurstSize:       limits.BurstSize,
		MinuteUsed:      bucket.minuteCount,
		MinuteLimit:     limits.RequestsPerMinute,
		MinuteReset:     bucket.minuteReset,
		DayUsed:         bucket.dayCount,
		DayLimit:        limits.RequestsPerDay,
		DayReset:        bucket.dayReset,
	}
}

// Services lists every service with configured or observed limits.
func (l *Limiter) Services() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]struct{}, len(l.limits)+len(l.buckets))
	var out []string
	for name := range l.limits {
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	for name := range l.buckets {
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}

func (l *Limiter) limitsFor(service string) config.ServiceLimits {
	if limits, ok := l.limits[service]; ok {
		return limits
	}
	return config.DefaultServiceLimits()
}

func (l *Limiter) bucketFor(service string, limits config.ServiceLimits, now time.Time) *serviceBucket {
	bucket, ok := l.buckets[service]
	if !ok {
		bucket = &serviceBucket{
			tokens:      float64(limits.BurstSize),
			lastRefill:  now,
			minuteReset: now.Add(time.Minute),
			dayReset:    now.Add(24 * time.Hour),
		}
		l.buckets[service] = bucket
	}
	return bucket
}

// refill adds tokens proportional to elapsed time and rolls the minute
// and day windows forward when they lapse.
func (l *Limiter) refill(bucket *serviceBucket, limits config.ServiceLimits, now time.Time) {
	elapsed := now.Sub(bucket.lastRefill)
	if elapsed > 0 && limits.RequestsPerSecond > 0 {
		bucket.tokens = min(float64(limits.BurstSize), bucket.tokens+elapsed.Seconds()*limits.RequestsPerSecond)
		bucket.lastRefill = now
	}

	if !now.Before(bucket.minuteReset) {
		bucket.minuteCount = 0
		bucket.minuteReset = now.Add(time.Minute)
	}
	if !now.Before(bucket.dayReset) {
		bucket.dayCount = 0
		bucket.dayReset = now.Add(24 * time.Hour)
	}
}
