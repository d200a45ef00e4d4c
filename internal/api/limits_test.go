package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestIPRateLimiterBurst(t *testing.T) {
	l := newIPRateLimiter(time.Minute, 3)

	for i := 0; i < 3; i++ {
		if !l.allow("10.0.0.1") {
			t.Fatalf("request %d within burst should be allowed", i+1)
		}
	}
	if l.allow("10.0.0.1") {
		t.Error("request past burst should be rejected")
	}
	if !l.allow("10.0.0.2") {
		t.Error("a different IP has its own bucket")
	}
}

func TestIPRateLimiterRefill(t *testing.T) {
	l := newIPRateLimiter(50*time.Millisecond, 1)

	if !l.allow("10.0.0.1") {
		t.Fatal("first request should be allowed")
	}
	if l.allow("10.0.0.1") {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(60 * time.Millisecond)
	if !l.allow("10.0.0.1") {
		t.Error("bucket should refill after the rate interval")
	}
}

func TestIPRateLimiterPrunesIdleBuckets(t *testing.T) {
	l := newIPRateLimiter(time.Minute, 5)

	old := time.Now().Add(-2 * idleBucketAge)
	l.buckets["10.0.0.9"] = &ipBucket{tokens: 5, lastRefill: old}
	l.lastPrune = old

	l.allow("10.0.0.1")
	if _, ok := l.buckets["10.0.0.9"]; ok {
		t.Error("idle bucket should be pruned")
	}
	if _, ok := l.buckets["10.0.0.1"]; !ok {
		t.Error("active bucket should survive the prune")
	}
}

func TestRateLimitMiddlewareExemptsHealthAndMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(rateLimitMiddleware(newIPRateLimiter(time.Minute, 1)))
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	router.GET("/health", ok)
	router.GET("/metrics", ok)
	router.GET("/tenants", ok)

	get := func(path string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "10.0.0.1:1234"
		router.ServeHTTP(w, req)
		return w.Code
	}

	if code := get("/tenants"); code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", code)
	}
	if code := get("/tenants"); code != http.StatusTooManyRequests {
		t.Errorf("second request should be limited, got %d", code)
	}
	for i := 0; i < 5; i++ {
		if code := get("/health"); code != http.StatusOK {
			t.Fatalf("health should never be limited, got %d", code)
		}
		if code := get("/metrics"); code != http.StatusOK {
			t.Fatalf("metrics should never be limited, got %d", code)
		}
	}
}
