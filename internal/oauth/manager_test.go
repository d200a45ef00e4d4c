package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tokengate/tokengate/internal/breaker"
	"github.com/tokengate/tokengate/internal/config"
	"github.com/tokengate/tokengate/internal/models"
	"github.com/tokengate/tokengate/internal/ratelimit"
	"github.com/tokengate/tokengate/internal/store"
)

// fakeProvider is an httptest OAuth provider with a counting token
// endpoint and a revocation endpoint.
type fakeProvider struct {
	server       *httptest.Server
	tokenCalls   atomic.Int32
	revokeCalls  atomic.Int32
	tokenStatus  int
	tokenBody    map[string]interface{}
	revokeStatus int
	lastGrant    atomic.Value // string
}

func newFakeProvider() *fakeProvider {
	fp := &fakeProvider{
		tokenStatus: http.StatusOK,
		tokenBody: map[string]interface{}{
			"access_token":  "fresh-access",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "fresh-refresh",
			"scope":         "read write",
		},
		revokeStatus: http.StatusOK,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		fp.tokenCalls.Add(1)
		_ = r.ParseForm()
		fp.lastGrant.Store(r.Form.Get("grant_type"))
		// Widen the race window for deduplication tests.
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(fp.tokenStatus)
		_ = json.NewEncoder(w).Encode(fp.tokenBody)
	})
	mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		fp.revokeCalls.Add(1)
		w.WriteHeader(fp.revokeStatus)
	})
	fp.server = httptest.NewServer(mux)
	return fp
}

func (fp *fakeProvider) close() { fp.server.Close() }

func newTestManager(t *testing.T, fp *fakeProvider) (*Manager, store.Store) {
	t.Helper()

	st := store.NewMemoryStoreWithBuffer(5 * time.Minute)
	t.Cleanup(func() { _ = st.Close() })

	pcfg := config.ProviderConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		AuthURL:      fp.server.URL + "/authorize",
		TokenURL:     fp.server.URL + "/token",
		RevokeURL:    fp.server.URL + "/revoke",
		RedirectURL:  "http://localhost:8319/oauth/callback",
		Scopes:       []string{"read", "write"},
		HTTPTimeout:  5 * time.Second,
		Limits: config.ServiceLimits{
			RequestsPerSecond: 1000,
			RequestsPerMinute: 100000,
			RequestsPerDay:    1000000,
			BurstSize:         1000,
		},
	}

	limiter := ratelimit.NewLimiter(map[string]config.ServiceLimits{"github": pcfg.Limits}, nil)
	m := NewManager("github", pcfg,
		config.RefreshConfig{Buffer: 5 * time.Minute, StateTTL: 10 * time.Minute},
		config.CacheConfig{TTL: 30 * time.Second, CleanupInterval: 5 * time.Minute},
		ManagerDeps{
			Store:    st,
			Breakers: breaker.NewRegistry(breaker.DefaultConfig()),
			Limiter:  limiter,
		})
	return m, st
}

func seedCredential(t *testing.T, st store.Store, tenantID string, expiresIn time.Duration, refreshToken string) {
	t.Helper()
	cred := &models.TenantCredential{
		AccessToken:  "seeded-access",
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		Scope:        "read write",
	}
	if expiresIn != 0 {
		cred.ExpiresAt = time.Now().Add(expiresIn).Unix()
	}
	if err := st.ForProvider("github").StoreCredentials(context.Background(), tenantID, cred); err != nil {
		t.Fatalf("failed to seed credential: %v", err)
	}
}

func TestGenerateAuthorizationURL(t *testing.T) {
	fp := newFakeProvider()
	defer fp.close()
	m, _ := newTestManager(t, fp)

	authURL, state, err := m.GenerateAuthorizationURL(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("GenerateAuthorizationURL failed: %v", err)
	}

	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("invalid auth URL: %v", err)
	}
	q := u.Query()
	if q.Get("state") != state {
		t.Errorf("URL state %q does not match returned state %q", q.Get("state"), state)
	}
	if q.Get("client_id") != "client-id" {
		t.Errorf("unexpected client_id: %s", q.Get("client_id"))
	}
	if q.Get("access_type") != "offline" {
		t.Errorf("expected offline access, got %s", q.Get("access_type"))
	}
	if !strings.Contains(q.Get("scope"), "read") {
		t.Errorf("expected scopes in URL, got %s", q.Get("scope"))
	}
}

func TestGenerateAuthorizationURLExtraScopes(t *testing.T) {
	fp := newFakeProvider()
	defer fp.close()
	m, _ := newTestManager(t, fp)

	authURL, _, err := m.GenerateAuthorizationURL(context.Background(), "tenant-a", "admin")
	if err != nil {
		t.Fatalf("GenerateAuthorizationURL failed: %v", err)
	}

	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("invalid auth URL: %v", err)
	}
	scope := u.Query().Get("scope")
	if !strings.Contains(scope, "read") || !strings.Contains(scope, "admin") {
		t.Errorf("expected configured and extra scopes, got %q", scope)
	}
}

func TestHandleCallbackStoresCredential(t *testing.T) {
	fp := newFakeProvider()
	defer fp.close()
	m, st := newTestManager(t, fp)
	ctx := context.Background()

	_, state, err := m.GenerateAuthorizationURL(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("GenerateAuthorizationURL failed: %v", err)
	}

	tenantID, err := m.HandleCallback(ctx, state, "auth-code")
	if err != nil {
		t.Fatalf("HandleCallback failed: %v", err)
	}
	if tenantID != "tenant-a" {
		t.Errorf("expected tenant-a, got %s", tenantID)
	}
	if grant, _ := fp.lastGrant.Load().(string); grant != "authorization_code" {
		t.Errorf("expected authorization_code grant, got %s", grant)
	}

	cred, err := st.ForProvider("github").GetCredentials(ctx, "tenant-a")
	if err != nil || cred == nil {
		t.Fatalf("expected stored credential, got %v %v", cred, err)
	}
	if cred.AccessToken != "fresh-access" || cred.RefreshToken != "fresh-refresh" {
		t.Errorf("unexpected credential: %+v", cred)
	}
	if cred.NeverExpires() {
		t.Error("expected expiry from expires_in")
	}
}

func TestHandleCallbackExpiryInSeconds(t *testing.T) {
	fp := newFakeProvider()
	defer fp.close()
	m, st := newTestManager(t, fp)
	ctx := context.Background()

	_, state, _ := m.GenerateAuthorizationURL(ctx, "tenant-a")
	before := time.Now()
	if _, err := m.HandleCallback(ctx, state, "auth-code"); err != nil {
		t.Fatalf("HandleCallback failed: %v", err)
	}

	cred, err := st.ForProvider("github").GetCredentials(ctx, "tenant-a")
	if err != nil || cred == nil {
		t.Fatalf("expected stored credential, got %v %v", cred, err)
	}

	// expires_in=3600 must land about an hour out in epoch seconds; a
	// unit slip (milliseconds) puts it millennia in the future and
	// silently disables every expiry check.
	want := before.Add(time.Hour)
	got := cred.ExpiryTime()
	if got.Before(want.Add(-time.Minute)) || got.After(want.Add(time.Minute)) {
		t.Errorf("expected expiry near %v, got %v", want, got)
	}
	if !cred.ExpiredAt(before.Add(2*time.Hour), 0) {
		t.Error("credential should read as expired two hours out")
	}
}

func TestHandleCallbackRejectsReplayedState(t *testing.T) {
	fp := newFakeProvider()
	defer fp.close()
	m, _ := newTestManager(t, fp)
	ctx := context.Background()

	_, state, _ := m.GenerateAuthorizationURL(ctx, "tenant-a")
	if _, err := m.HandleCallback(ctx, state, "auth-code"); err != nil {
		t.Fatalf("first callback failed: %v", err)
	}
	if _, err := m.HandleCallback(ctx, state, "auth-code"); err != ErrInvalidState {
		t.Errorf("expected ErrInvalidState on replay, got %v", err)
	}
	if fp.tokenCalls.Load() != 1 {
		t.Errorf("replayed callback must not hit the token endpoint, got %d calls", fp.tokenCalls.Load())
	}
}

func TestGetValidTokenWithoutRefresh(t *testing.T) {
	fp := newFakeProvider()
	defer fp.close()
	m, st := newTestManager(t, fp)
	seedCredential(t, st, "tenant-a", time.Hour, "seeded-refresh")

	tok, err := m.GetValidToken(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("GetValidToken failed: %v", err)
	}
	if tok.AccessToken != "seeded-access" {
		t.Errorf("expected seeded token, got %s", tok.AccessToken)
	}
	if fp.tokenCalls.Load() != 0 {
		t.Errorf("valid token must not trigger a refresh, got %d calls", fp.tokenCalls.Load())
	}
}

func TestGetValidTokenRefreshesExpired(t *testing.T) {
	fp := newFakeProvider()
	defer fp.close()
	m, st := newTestManager(t, fp)
	// Expires inside the 5 minute buffer, so it counts as expired.
	seedCredential(t, st, "tenant-a", time.Minute, "seeded-refresh")

	tok, err := m.GetValidToken(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("GetValidToken failed: %v", err)
	}
	if tok.AccessToken != "fresh-access" {
		t.Errorf("expected refreshed token, got %s", tok.AccessToken)
	}
	if fp.tokenCalls.Load() != 1 {
		t.Errorf("expected exactly 1 refresh call, got %d", fp.tokenCalls.Load())
	}
	if grant, _ := fp.lastGrant.Load().(string); grant != "refresh_token" {
		t.Errorf("expected refresh_token grant, got %s", grant)
	}
}

func TestGetValidTokenCacheStopsAtRefreshDeadline(t *testing.T) {
	fp := newFakeProvider()
	defer fp.close()
	m, st := newTestManager(t, fp)
	seedCredential(t, st, "tenant-a", 10*time.Minute, "seeded-refresh")

	// A cache TTL longer than the credential's remaining lifetime must
	// not keep serving past the refresh deadline.
	m.cache = newTokenCache(time.Hour)
	clock := time.Now()
	m.cache.now = func() time.Time { return clock }

	if _, err := m.GetValidToken(context.Background(), "tenant-a"); err != nil {
		t.Fatalf("GetValidToken failed: %v", err)
	}

	// Rotate the stored token behind the cache's back.
	rotated := &models.TenantCredential{
		AccessToken:  "rotated-access",
		RefreshToken: "seeded-refresh",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
	}
	if err := st.ForProvider("github").StoreCredentials(context.Background(), "tenant-a", rotated); err != nil {
		t.Fatalf("failed to rotate credential: %v", err)
	}

	tok, err := m.GetValidToken(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("GetValidToken failed: %v", err)
	}
	if tok.AccessToken != "seeded-access" {
		t.Errorf("expected cached token before the deadline, got %s", tok.AccessToken)
	}

	// Past expiry minus the 5 minute buffer the cache must yield.
	clock = clock.Add(6 * time.Minute)
	tok, err = m.GetValidToken(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("GetValidToken failed: %v", err)
	}
	if tok.AccessToken != "rotated-access" {
		t.Errorf("expected store read past the deadline, got %s", tok.AccessToken)
	}
}

func TestConcurrentRefreshCollapses(t *testing.T) {
	fp := newFakeProvider()
	defer fp.close()
	m, st := newTestManager(t, fp)
	seedCredential(t, st, "tenant-a", time.Minute, "seeded-refresh")

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := m.GetValidToken(context.Background(), "tenant-a")
			if err != nil {
				errs <- err
				return
			}
			if tok.AccessToken != "fresh-access" {
				errs <- &OAuthError{Op: "test", Err: ErrNoCredentials}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent GetValidToken failed: %v", err)
	}

	if calls := fp.tokenCalls.Load(); calls != 1 {
		t.Errorf("expected exactly 1 provider refresh, got %d", calls)
	}
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	fp := newFakeProvider()
	defer fp.close()
	m, st := newTestManager(t, fp)
	seedCredential(t, st, "tenant-a", time.Minute, "")

	_, err := m.GetValidToken(context.Background(), "tenant-a")
	if !IsReauthRequired(err) {
		t.Fatalf("expected reauth-required error, got %v", err)
	}
	if fp.tokenCalls.Load() != 0 {
		t.Errorf("missing refresh token must not hit the provider, got %d calls", fp.tokenCalls.Load())
	}
}

func TestRefreshUnknownTenant(t *testing.T) {
	fp := newFakeProvider()
	defer fp.close()
	m, _ := newTestManager(t, fp)

	_, err := m.GetValidToken(context.Background(), "nobody")
	if !IsReauthRequired(err) {
		t.Fatalf("expected reauth-required error, got %v", err)
	}
}

func TestRefreshInvalidGrant(t *testing.T) {
	fp := newFakeProvider()
	defer fp.close()
	fp.tokenStatus = http.StatusBadRequest
	fp.tokenBody = map[string]interface{}{"error": "invalid_grant"}

	m, st := newTestManager(t, fp)
	seedCredential(t, st, "tenant-a", time.Minute, "dead-refresh")

	_, err := m.RefreshToken(context.Background(), "tenant-a")
	if !IsReauthRequired(err) {
		t.Fatalf("expected reauth-required error for invalid_grant, got %v", err)
	}
}

func TestRefreshPreservesRefreshToken(t *testing.T) {
	fp := newFakeProvider()
	defer fp.close()
	// Provider does not rotate the refresh token.
	fp.tokenBody = map[string]interface{}{
		"access_token": "fresh-access",
		"token_type":   "Bearer",
		"expires_in":   3600,
	}

	m, st := newTestManager(t, fp)
	seedCredential(t, st, "tenant-a", time.Minute, "keep-me")

	cred, err := m.RefreshToken(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("RefreshToken failed: %v", err)
	}
	if cred.RefreshToken != "keep-me" {
		t.Errorf("expected preserved refresh token, got %s", cred.RefreshToken)
	}

	stored, _ := st.ForProvider("github").GetCredentials(context.Background(), "tenant-a")
	if stored.RefreshToken != "keep-me" {
		t.Errorf("stored credential lost the refresh token: %s", stored.RefreshToken)
	}
}

func TestRevokeDeletesLocallyEvenIfRemoteFails(t *testing.T) {
	fp := newFakeProvider()
	defer fp.close()
	fp.revokeStatus = http.StatusInternalServerError

	m, st := newTestManager(t, fp)
	seedCredential(t, st, "tenant-a", time.Hour, "seeded-refresh")

	if err := m.RevokeCredentials(context.Background(), "tenant-a"); err != nil {
		t.Fatalf("RevokeCredentials failed: %v", err)
	}
	if fp.revokeCalls.Load() != 1 {
		t.Errorf("expected 1 revocation attempt, got %d", fp.revokeCalls.Load())
	}

	cred, _ := st.ForProvider("github").GetCredentials(context.Background(), "tenant-a")
	if cred != nil {
		t.Error("expected credential deleted despite remote failure")
	}

	// And the cached token is gone too.
	_, err := m.GetValidToken(context.Background(), "tenant-a")
	if !IsReauthRequired(err) {
		t.Errorf("expected reauth-required after revoke, got %v", err)
	}
}

func TestRevokeMissingTenantIsNoop(t *testing.T) {
	fp := newFakeProvider()
	defer fp.close()
	m, _ := newTestManager(t, fp)

	if err := m.RevokeCredentials(context.Background(), "nobody"); err != nil {
		t.Errorf("revoking a missing credential should not error: %v", err)
	}
	if fp.revokeCalls.Load() != 0 {
		t.Errorf("no revocation call expected, got %d", fp.revokeCalls.Load())
	}
}

func TestTenantState(t *testing.T) {
	fp := newFakeProvider()
	defer fp.close()
	m, st := newTestManager(t, fp)
	ctx := context.Background()

	state, _, err := m.TenantState(ctx, "nobody")
	if err != nil {
		t.Fatalf("TenantState failed: %v", err)
	}
	if state != models.AuthStateUnauthenticated {
		t.Errorf("expected unauthenticated, got %s", state)
	}

	seedCredential(t, st, "fresh", time.Hour, "rt")
	if state, _, _ = m.TenantState(ctx, "fresh"); state != models.AuthStateAuthenticated {
		t.Errorf("expected authenticated, got %s", state)
	}

	seedCredential(t, st, "stale", time.Minute, "rt")
	if state, _, _ = m.TenantState(ctx, "stale"); state != models.AuthStateNeedsRefresh {
		t.Errorf("expected needs_refresh, got %s", state)
	}

	seedCredential(t, st, "dead", -time.Minute, "")
	if state, _, _ = m.TenantState(ctx, "dead"); state != models.AuthStateNeedsReauth {
		t.Errorf("expected needs_reauth, got %s", state)
	}
}

func TestBreakerRejectsAfterProviderOutage(t *testing.T) {
	fp := newFakeProvider()
	defer fp.close()
	fp.tokenStatus = http.StatusServiceUnavailable
	fp.tokenBody = map[string]interface{}{"error": "temporarily_unavailable"}

	m, st := newTestManager(t, fp)
	seedCredential(t, st, "tenant-a", time.Minute, "rt")
	ctx := context.Background()

	// Drive the provider breaker open.
	for i := 0; i < 5; i++ {
		if _, err := m.RefreshToken(ctx, "tenant-a"); err == nil {
			t.Fatal("expected refresh failure during outage")
		}
	}

	calls := fp.tokenCalls.Load()
	_, err := m.RefreshToken(ctx, "tenant-a")
	if err == nil {
		t.Fatal("expected rejection while circuit is open")
	}
	if !breaker.IsCircuitOpen(err) {
		t.Errorf("expected circuit-open cause, got %v", err)
	}
	if IsReauthRequired(err) {
		t.Error("an open circuit is not a terminal credential failure")
	}
	if fp.tokenCalls.Load() != calls {
		t.Error("open circuit must not let calls through to the provider")
	}
}
