package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tokengate/tokengate/internal/breaker"
	"github.com/tokengate/tokengate/internal/config"
	"github.com/tokengate/tokengate/internal/models"
	"github.com/tokengate/tokengate/internal/oauth"
	"github.com/tokengate/tokengate/internal/store"
)

// fakeRefresher implements TokenRefresher over a memory store with a
// scripted refresh outcome per tenant.
type fakeRefresher struct {
	provider string
	store    store.Store
	creds    store.CredentialStore

	mu       sync.Mutex
	calls    map[string]int
	outcomes map[string]error // nil means success
}

func newFakeRefresher(t *testing.T, provider string) *fakeRefresher {
	t.Helper()
	st := store.NewMemoryStoreWithBuffer(5 * time.Minute)
	t.Cleanup(func() { _ = st.Close() })
	return &fakeRefresher{
		provider: provider,
		store:    st,
		creds:    st.ForProvider(provider),
		calls:    make(map[string]int),
		outcomes: make(map[string]error),
	}
}

func (f *fakeRefresher) Provider() string { return f.provider }

func (f *fakeRefresher) Credentials() store.CredentialStore { return f.creds }

func (f *fakeRefresher) RefreshToken(ctx context.Context, tenantID string) (*models.TenantCredential, error) {
	f.mu.Lock()
	f.calls[tenantID]++
	err := f.outcomes[tenantID]
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	cred := &models.TenantCredential{
		AccessToken:  "refreshed",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
		TokenType:    "Bearer",
	}
	if storeErr := f.creds.StoreCredentials(ctx, tenantID, cred); storeErr != nil {
		return nil, storeErr
	}
	return cred, nil
}

func (f *fakeRefresher) callCount(tenantID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[tenantID]
}

func (f *fakeRefresher) seed(t *testing.T, tenantID string, expiresIn time.Duration, refreshToken string) {
	t.Helper()
	cred := &models.TenantCredential{
		AccessToken:  "old",
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
	}
	if expiresIn != 0 {
		cred.ExpiresAt = time.Now().Add(expiresIn).Unix()
	}
	if err := f.creds.StoreCredentials(context.Background(), tenantID, cred); err != nil {
		t.Fatalf("failed to seed credential: %v", err)
	}
}

type captureNotifier struct {
	mu       sync.Mutex
	reauth   []string
	failures []string
}

func (n *captureNotifier) NotifyReauthRequired(provider, tenantID string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reauth = append(n.reauth, provider+"/"+tenantID)
}

func (n *captureNotifier) NotifyRefreshFailed(provider, tenantID string, attempts int, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, provider+"/"+tenantID)
}

func testRefreshConfig() config.RefreshConfig {
	return config.RefreshConfig{
		Buffer:           5 * time.Minute,
		CheckInterval:    time.Minute,
		MaxRetryAttempts: 3,
		RetryBackoff:     time.Millisecond,
		StateTTL:         10 * time.Minute,
	}
}

func TestSweepRefreshesExpiringOnly(t *testing.T) {
	f := newFakeRefresher(t, "github")
	f.seed(t, "expiring", time.Minute, "rt")
	f.seed(t, "fresh", time.Hour, "rt")
	f.seed(t, "permanent", 0, "rt") // no expiry, never refreshed

	s := New([]TokenRefresher{f}, nil, testRefreshConfig(), nil, nil, nil)
	s.Sweep(context.Background())

	if f.callCount("expiring") != 1 {
		t.Errorf("expected 1 refresh for expiring tenant, got %d", f.callCount("expiring"))
	}
	if f.callCount("fresh") != 0 {
		t.Errorf("fresh tenant must not be refreshed, got %d", f.callCount("fresh"))
	}
	if f.callCount("permanent") != 0 {
		t.Errorf("non-expiring tenant must not be refreshed, got %d", f.callCount("permanent"))
	}
}

func TestSweepRetriesTransientFailures(t *testing.T) {
	f := newFakeRefresher(t, "github")
	f.seed(t, "flaky", time.Minute, "rt")
	f.outcomes["flaky"] = &oauth.OAuthError{TenantID: "flaky", Provider: "github", Op: "refresh", Err: context.DeadlineExceeded}

	n := &captureNotifier{}
	s := New([]TokenRefresher{f}, nil, testRefreshConfig(), nil, n, nil)
	s.Sweep(context.Background())

	if got := f.callCount("flaky"); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
	if len(n.failures) != 1 {
		t.Errorf("expected 1 failure notification, got %d", len(n.failures))
	}
	if len(n.reauth) != 0 {
		t.Errorf("transient failure must not mark needs-reauth, got %v", n.reauth)
	}
	if s.Conditions().Has("github", "flaky") {
		t.Error("transient failure must not set a standing condition")
	}
}

func TestSweepMarksNeedsReauth(t *testing.T) {
	f := newFakeRefresher(t, "github")
	f.seed(t, "dead", time.Minute, "rt")
	f.outcomes["dead"] = &oauth.OAuthError{TenantID: "dead", Provider: "github", Op: "refresh", ReauthRequired: true, Err: oauth.ErrNoRefreshToken}

	n := &captureNotifier{}
	s := New([]TokenRefresher{f}, nil, testRefreshConfig(), nil, n, nil)
	s.Sweep(context.Background())

	// Terminal failure: one attempt, no retries.
	if got := f.callCount("dead"); got != 1 {
		t.Errorf("expected 1 attempt for terminal failure, got %d", got)
	}
	if !s.Conditions().Has("github", "dead") {
		t.Error("expected standing needs-reauth condition")
	}
	if len(n.reauth) != 1 {
		t.Errorf("expected 1 reauth notification, got %d", len(n.reauth))
	}

	// Conditioned tenants are skipped on later sweeps.
	s.Sweep(context.Background())
	if got := f.callCount("dead"); got != 1 {
		t.Errorf("conditioned tenant must be skipped, got %d attempts", got)
	}

	// A fresh authorization clears the condition and sweeping resumes.
	s.Conditions().Clear("github", "dead")
	f.mu.Lock()
	f.outcomes["dead"] = nil
	f.mu.Unlock()
	s.Sweep(context.Background())
	if got := f.callCount("dead"); got != 2 {
		t.Errorf("expected refresh after condition cleared, got %d attempts", got)
	}
}

func TestSweepStopsRetryingOnOpenCircuit(t *testing.T) {
	f := newFakeRefresher(t, "github")
	f.seed(t, "blocked", time.Minute, "rt")
	f.outcomes["blocked"] = &oauth.OAuthError{
		TenantID: "blocked", Provider: "github", Op: "refresh",
		Err: &breaker.CircuitOpenError{Name: "provider:github", Failures: 5},
	}

	s := New([]TokenRefresher{f}, nil, testRefreshConfig(), nil, nil, nil)
	s.Sweep(context.Background())

	if got := f.callCount("blocked"); got != 1 {
		t.Errorf("open circuit must not be retried within a sweep, got %d attempts", got)
	}
	if s.Conditions().Has("github", "blocked") {
		t.Error("open circuit must not set a standing condition")
	}
}

func TestSchedulerStartStop(t *testing.T) {
	f := newFakeRefresher(t, "github")
	f.seed(t, "expiring", time.Minute, "rt")

	cfg := testRefreshConfig()
	cfg.CheckInterval = 10 * time.Millisecond
	s := New([]TokenRefresher{f}, nil, cfg, nil, nil, nil)

	s.Start()
	// The initial sweep fires immediately.
	deadline := time.After(time.Second)
	for f.callCount("expiring") == 0 {
		select {
		case <-deadline:
			t.Fatal("initial sweep never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
	s.Stop()

	// Idempotent stop and start-after-stop do not panic.
	s.Stop()
}

func TestConditions(t *testing.T) {
	c := NewConditions()

	c.Set("github", "tenant-a", "invalid_grant")
	if !c.Has("github", "tenant-a") {
		t.Error("expected condition to be set")
	}
	if c.Has("slack", "tenant-a") {
		t.Error("condition must be scoped to its provider")
	}

	cond, ok := c.Get("github", "tenant-a")
	if !ok || cond.Reason != "invalid_grant" {
		t.Errorf("unexpected condition: %+v", cond)
	}
	since := cond.Since

	// Re-setting updates the reason but keeps the original timestamp.
	c.Set("github", "tenant-a", "still broken")
	cond, _ = c.Get("github", "tenant-a")
	if cond.Reason != "still broken" || !cond.Since.Equal(since) {
		t.Errorf("unexpected condition after update: %+v", cond)
	}

	c.Set("github", "tenant-b", "x")
	c.Set("slack", "tenant-a", "y")
	if got := len(c.List()); got != 3 {
		t.Errorf("expected 3 conditions, got %d", got)
	}
	if counts := c.CountByProvider(); counts["github"] != 2 || counts["slack"] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}

	if !c.Clear("github", "tenant-a") {
		t.Error("expected Clear to report an existing condition")
	}
	if c.Clear("github", "tenant-a") {
		t.Error("expected Clear to report a missing condition")
	}
}
