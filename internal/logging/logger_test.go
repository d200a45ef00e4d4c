package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf), WithLevel(LevelWarn))

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %q", len(lines), buf.String())
	}
}

func TestLoggerStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf), WithService("test-service"))

	logger.Info("credential refreshed", "tenant_id", "acme", "attempt", 2)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not valid JSON: %v", err)
	}
	if entry["service"] != "test-service" {
		t.Errorf("unexpected service: %v", entry["service"])
	}
	if entry["message"] != "credential refreshed" {
		t.Errorf("unexpected message: %v", entry["message"])
	}
	fields, ok := entry["fields"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected fields to be a map, got %T", entry["fields"])
	}
	if fields["tenant_id"] != "acme" {
		t.Errorf("unexpected tenant_id field: %v", fields["tenant_id"])
	}
}

func TestLoggerWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf)).With("scheduler")

	logger.Info("sweep complete")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not valid JSON: %v", err)
	}
	if entry["component"] != "scheduler" {
		t.Errorf("unexpected component: %v", entry["component"])
	}
}

func TestLoggerCorrelationIDFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf))

	ctx := WithCorrelationID(context.Background(), "corr-123")
	logger.InfoWithContext(ctx, "handled")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not valid JSON: %v", err)
	}
	if entry["correlation_id"] != "corr-123" {
		t.Errorf("unexpected correlation id: %v", entry["correlation_id"])
	}
}

func TestGetCorrelationIDMissing(t *testing.T) {
	if id := GetCorrelationID(context.Background()); id != "" {
		t.Errorf("expected empty correlation id, got %q", id)
	}
}
