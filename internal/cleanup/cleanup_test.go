package cleanup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tokengate/tokengate/internal/models"
	"github.com/tokengate/tokengate/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "cleanup.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seed(t *testing.T, st *store.SQLiteStore, tenantID string, expiresAt int64, refreshToken string) {
	t.Helper()
	err := st.ForProvider("google").StoreCredentials(context.Background(), tenantID, &models.TenantCredential{
		TenantID:     tenantID,
		Provider:     "google",
		AccessToken:  "at",
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
		UpdatedAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("failed to seed credential: %v", err)
	}
}

func TestPurgeAbandonedCredentials(t *testing.T) {
	st := newTestStore(t)
	now := time.Now()

	// Abandoned: expired beyond retention, no refresh token.
	seed(t, st, "abandoned", now.Add(-48*time.Hour).Unix(), "")
	// Expired but refreshable: kept.
	seed(t, st, "refreshable", now.Add(-48*time.Hour).Unix(), "rt")
	// Recently expired: inside retention, kept.
	seed(t, st, "recent", now.Add(-time.Hour).Unix(), "")
	// Never expires: kept.
	seed(t, st, "eternal", 0, "")

	m := NewManager(st.DB(), Config{Interval: time.Hour, Retention: 24 * time.Hour}, nil)
	m.Run(context.Background())

	stats := m.Stats()
	if stats.TotalPurged != 1 {
		t.Errorf("expected 1 purged credential, got %d", stats.TotalPurged)
	}
	if stats.LastRunError != "" {
		t.Errorf("unexpected run error: %s", stats.LastRunError)
	}

	ids, err := st.ForProvider("google").ListTenantIDs(context.Background())
	if err != nil {
		t.Fatalf("failed to list tenants: %v", err)
	}
	want := map[string]bool{"refreshable": true, "recent": true, "eternal": true}
	if len(ids) != len(want) {
		t.Fatalf("expected %d tenants, got %d: %v", len(want), len(ids), ids)
	}
	for _, id := range ids {
		if !want[id] {
			t.Errorf("tenant %q should not have been purged", id)
		}
	}
}

func TestPurgeDisabledByZeroRetention(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, "abandoned", time.Now().Add(-720*time.Hour).Unix(), "")

	m := NewManager(st.DB(), Config{Interval: time.Hour, Retention: 0}, nil)
	m.Run(context.Background())

	if got := m.Stats().TotalPurged; got != 0 {
		t.Errorf("expected no purges with zero retention, got %d", got)
	}
}

func TestStartStop(t *testing.T) {
	st := newTestStore(t)

	m := NewManager(st.DB(), Config{Interval: 10 * time.Millisecond, Retention: time.Hour}, nil)
	m.Start()
	m.Start() // idempotent
	time.Sleep(30 * time.Millisecond)
	m.Stop()
	m.Stop() // idempotent

	if m.Stats().TotalRuns == 0 {
		t.Error("expected at least one maintenance run")
	}
}
