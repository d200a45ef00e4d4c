package metrics

import (
	"bytes"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
	"github.com/tokengate/tokengate/internal/logging"
)

func TestMiddlewareRecordsMetricsAndErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)

	m := NewMetrics("testmw")
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.WithOutput(&buf), logging.WithLevel(logging.LevelDebug))

	r := gin.New()
	r.Use(Middleware(m, logger))

	r.GET("/ok", func(c *gin.Context) {
		c.Status(200)
	})
	r.GET("/err", func(c *gin.Context) {
		_ = c.Error(errors.New("boom"))
		c.Status(500)
	})
	r.NoRoute(func(c *gin.Context) {
		c.Status(404)
	})

	for _, path := range []string{"/ok", "/err", "/missing"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", path, nil)
		r.ServeHTTP(w, req)
	}

	if !bytes.Contains(buf.Bytes(), []byte("request error")) {
		t.Fatalf("expected error log to be recorded")
	}

	families, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	if !metricHasLabel(families, "testmw_http_requests_total", "endpoint", "/ok") {
		t.Fatalf("expected metrics for /ok endpoint")
	}
	if !metricHasLabel(families, "testmw_http_requests_total", "endpoint", "/missing") {
		t.Fatalf("expected metrics for /missing endpoint")
	}
}

func TestCredentialOpAndSweepCounters(t *testing.T) {
	m := NewMetrics("testops")

	m.RecordCredentialOp("refresh", "github", "success")
	m.RecordCredentialOp("refresh", "github", "success")
	m.RecordSweep("github", 2, 1, 0)
	m.SetNeedsReauth("github", 3)
	m.SetBreakerState("provider:github", 1)

	families, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	if !metricHasLabel(families, "testops_credential_operations_total", "operation", "refresh") {
		t.Error("expected credential operation counter")
	}
	if !metricHasLabel(families, "testops_scheduler_sweep_tenants_total", "outcome", "refreshed") {
		t.Error("expected sweep counter")
	}
	if !metricHasLabel(families, "testops_circuit_breaker_state", "dependency", "provider:github") {
		t.Error("expected breaker state gauge")
	}
}

func metricHasLabel(families []*dto.MetricFamily, name, key, value string) bool {
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.Metric {
			for _, label := range metric.Label {
				if label.GetName() == key && label.GetValue() == value {
					return true
				}
			}
		}
	}
	return false
}
