package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/tokengate/tokengate/internal/breaker"
	"github.com/tokengate/tokengate/internal/config"
	"github.com/tokengate/tokengate/internal/logging"
	"github.com/tokengate/tokengate/internal/models"
	"github.com/tokengate/tokengate/internal/providers"
	"github.com/tokengate/tokengate/internal/ratelimit"
	"github.com/tokengate/tokengate/internal/store"
)

// Token is a usable access token handed to callers.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// MetricsRecorder receives credential operation outcomes. Implementations
// must be safe for concurrent use.
type MetricsRecorder interface {
	RecordCredentialOp(operation, provider, status string)
	SetPendingStates(provider string, count int)
	SetCachedTokens(provider string, count int)
}

// Manager drives the full credential lifecycle for one provider:
// authorization URLs, callback exchange, refresh, and revocation. All
// provider calls go through the provider's circuit breaker and rate
// limiter; store calls go through the store breaker. Concurrent refreshes
// for the same tenant collapse into a single provider call.
type Manager struct {
	provider string
	cfg      config.ProviderConfig
	oauthCfg *oauth2.Config

	creds           store.CredentialStore
	providerBreaker *breaker.CircuitBreaker
	storeBreaker    *breaker.CircuitBreaker
	limiter         *ratelimit.Limiter
	states          *PendingStates
	cache           *tokenCache
	refreshBuffer   time.Duration
	group           singleflight.Group
	httpClient      *http.Client
	logger          *logging.Logger
	metrics         MetricsRecorder

	// Janitor loop state
	mu              sync.Mutex
	running         bool
	stopCh          chan struct{}
	wg              sync.WaitGroup
	cleanupInterval time.Duration
}

// ManagerDeps are the shared collaborators a Manager is built on.
type ManagerDeps struct {
	Store    store.Store
	Breakers *breaker.Registry
	Limiter  *ratelimit.Limiter
	Logger   *logging.Logger
	Metrics  MetricsRecorder
}

// NewManager creates a manager for one configured provider.
func NewManager(provider string, cfg config.ProviderConfig, refresh config.RefreshConfig, cache config.CacheConfig, deps ManagerDeps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewLogger()
	}
	return &Manager{
		provider: provider,
		cfg:      cfg,
		oauthCfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
			RedirectURL: cfg.RedirectURL,
			Scopes:      cfg.Scopes,
		},
		creds:           deps.Store.ForProvider(provider),
		providerBreaker: deps.Breakers.Get("provider:" + provider),
		storeBreaker:    deps.Breakers.Get("store"),
		limiter:         deps.Limiter,
		states:          NewPendingStates(refresh.StateTTL),
		cache:           newTokenCache(cache.TTL),
		refreshBuffer:   refresh.Buffer,
		httpClient:      providers.NewHTTPClient(cfg.UseUTLS, cfg.HTTPTimeout),
		logger:          logger.With("oauth"),
		metrics:         deps.Metrics,
		cleanupInterval: cache.CleanupInterval,
	}
}

// Provider returns the provider name this manager serves.
func (m *Manager) Provider() string {
	return m.provider
}

// Credentials exposes the provider-scoped store view, used by the
// refresh scheduler to enumerate tenants.
func (m *Manager) Credentials() store.CredentialStore {
	return m.creds
}

// GenerateAuthorizationURL starts the authorization flow for a tenant and
// returns the URL the tenant must visit, together with the state bound to
// this attempt. Extra scopes are requested on top of the configured ones.
func (m *Manager) GenerateAuthorizationURL(ctx context.Context, tenantID string, extraScopes ...string) (string, string, error) {
	state, err := m.states.Create(tenantID, m.provider)
	if err != nil {
		return "", "", &OAuthError{TenantID: tenantID, Provider: m.provider, Op: "authorize", Err: err}
	}

	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if len(extraScopes) > 0 {
		scopes := append(append([]string{}, m.oauthCfg.Scopes...), extraScopes...)
		opts = append(opts, oauth2.SetAuthURLParam("scope", strings.Join(scopes, " ")))
	}
	authURL := m.oauthCfg.AuthCodeURL(state, opts...)
	m.logger.InfoWithContext(ctx, "authorization started",
		"tenant_id", tenantID, "provider", m.provider)
	m.reportGauges()
	return authURL, state, nil
}

// HandleCallback completes the authorization flow: it validates and
// consumes the state, exchanges the code for tokens, and persists the
// credential. It returns the tenant the state was issued for.
func (m *Manager) HandleCallback(ctx context.Context, state, code string) (string, error) {
	pending, err := m.states.Consume(state)
	if err != nil {
		m.recordOp("exchange", "rejected")
		return "", err
	}
	tenantID := pending.TenantID

	if err := m.limiter.Acquire(ctx, m.provider); err != nil {
		return "", &OAuthError{TenantID: tenantID, Provider: m.provider, Op: "exchange", Err: err}
	}

	var tok *oauth2.Token
	err = m.providerBreaker.Execute(ctx, func() error {
		var exchangeErr error
		tok, exchangeErr = m.oauthCfg.Exchange(m.clientContext(ctx), code)
		return exchangeErr
	})
	if err != nil {
		m.recordOp("exchange", "error")
		return "", &OAuthError{TenantID: tenantID, Provider: m.provider, Op: "exchange", Err: err}
	}

	cred := m.credentialFromToken(tenantID, tok, nil)
	if err := m.storeBreaker.Execute(ctx, func() error {
		return m.creds.StoreCredentials(ctx, tenantID, cred)
	}); err != nil {
		m.recordOp("exchange", "error")
		return "", &OAuthError{TenantID: tenantID, Provider: m.provider, Op: "store", Err: err}
	}

	m.cache.set(tenantID, cred.AccessToken, cred.TokenType, m.cacheDeadline(cred))
	m.recordOp("exchange", "success")
	m.reportGauges()
	m.logger.InfoWithContext(ctx, "authorization completed",
		"tenant_id", tenantID, "provider", m.provider,
		"has_refresh_token", cred.RefreshToken != "")
	return tenantID, nil
}

// GetValidToken returns an access token that is valid for at least the
// configured safety buffer, refreshing it first when needed.
func (m *Manager) GetValidToken(ctx context.Context, tenantID string) (*Token, error) {
	if entry, ok := m.cache.get(tenantID); ok {
		return &Token{AccessToken: entry.accessToken, TokenType: entry.tokenType}, nil
	}

	cred, err := m.readCredentials(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		m.recordOp("get_token", "unauthenticated")
		return nil, &OAuthError{TenantID: tenantID, Provider: m.provider, Op: "get_token", ReauthRequired: true, Err: ErrNoCredentials}
	}

	if !m.creds.IsTokenExpired(cred) {
		m.cache.set(tenantID, cred.AccessToken, cred.TokenType, m.cacheDeadline(cred))
		return &Token{AccessToken: cred.AccessToken, TokenType: cred.TokenType}, nil
	}

	refreshed, err := m.RefreshToken(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &Token{AccessToken: refreshed.AccessToken, TokenType: refreshed.TokenType}, nil
}

// RefreshToken refreshes a tenant's credential. Concurrent calls for the
// same tenant share a single refresh; every caller gets the same result.
func (m *Manager) RefreshToken(ctx context.Context, tenantID string) (*models.TenantCredential, error) {
	v, err, _ := m.group.Do(tenantID, func() (interface{}, error) {
		return m.doRefresh(ctx, tenantID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.TenantCredential), nil
}

func (m *Manager) doRefresh(ctx context.Context, tenantID string) (*models.TenantCredential, error) {
	cred, err := m.readCredentials(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		m.recordOp("refresh", "unauthenticated")
		return nil, &OAuthError{TenantID: tenantID, Provider: m.provider, Op: "refresh", ReauthRequired: true, Err: ErrNoCredentials}
	}

	// Another caller sharing this flight may have refreshed already.
	if !m.creds.IsTokenExpired(cred) {
		return cred, nil
	}

	if cred.RefreshToken == "" {
		m.recordOp("refresh", "reauth_required")
		return nil, &OAuthError{TenantID: tenantID, Provider: m.provider, Op: "refresh", ReauthRequired: true, Err: ErrNoRefreshToken}
	}

	if err := m.limiter.Acquire(ctx, m.provider); err != nil {
		return nil, &OAuthError{TenantID: tenantID, Provider: m.provider, Op: "refresh", Err: err}
	}

	var tok *oauth2.Token
	err = m.providerBreaker.Execute(ctx, func() error {
		src := m.oauthCfg.TokenSource(m.clientContext(ctx), &oauth2.Token{RefreshToken: cred.RefreshToken})
		var refreshErr error
		tok, refreshErr = src.Token()
		return refreshErr
	})
	if err != nil {
		if isTerminalTokenError(err) {
			m.recordOp("refresh", "reauth_required")
			m.logger.WarnWithContext(ctx, "refresh token rejected by provider",
				"tenant_id", tenantID, "provider", m.provider, "error", err.Error())
			return nil, &OAuthError{TenantID: tenantID, Provider: m.provider, Op: "refresh", ReauthRequired: true, Err: err}
		}
		m.recordOp("refresh", "error")
		return nil, &OAuthError{TenantID: tenantID, Provider: m.provider, Op: "refresh", Err: err}
	}

	updated := m.credentialFromToken(tenantID, tok, cred)
	if err := m.storeBreaker.Execute(ctx, func() error {
		return m.creds.StoreCredentials(ctx, tenantID, updated)
	}); err != nil {
		m.recordOp("refresh", "error")
		return nil, &OAuthError{TenantID: tenantID, Provider: m.provider, Op: "store", Err: err}
	}

	m.cache.set(tenantID, updated.AccessToken, updated.TokenType, m.cacheDeadline(updated))
	m.recordOp("refresh", "success")
	m.logger.InfoWithContext(ctx, "token refreshed",
		"tenant_id", tenantID, "provider", m.provider,
		"expires_at", updated.ExpiresAt)
	return updated, nil
}

// RevokeCredentials revokes a tenant's credential at the provider on a
// best-effort basis and always removes it locally.
func (m *Manager) RevokeCredentials(ctx context.Context, tenantID string) error {
	cred, err := m.readCredentials(ctx, tenantID)
	if err != nil {
		return err
	}
	if cred == nil {
		m.logger.DebugWithContext(ctx, "revoke for tenant without credentials",
			"tenant_id", tenantID, "provider", m.provider)
		return nil
	}

	if m.cfg.RevokeURL != "" && cred.AccessToken != "" {
		if err := m.limiter.Acquire(ctx, m.provider); err != nil {
			return &OAuthError{TenantID: tenantID, Provider: m.provider, Op: "revoke", Err: err}
		}
		if err := m.providerBreaker.Execute(ctx, func() error {
			return m.revokeRemote(ctx, cred)
		}); err != nil {
			// Local deletion proceeds regardless.
			m.logger.WarnWithContext(ctx, "provider revocation failed",
				"tenant_id", tenantID, "provider", m.provider, "error", err.Error())
		}
	}

	if err := m.storeBreaker.Execute(ctx, func() error {
		return m.creds.DeleteCredentials(ctx, tenantID)
	}); err != nil {
		m.recordOp("revoke", "error")
		return &OAuthError{TenantID: tenantID, Provider: m.provider, Op: "revoke", Err: err}
	}

	m.cache.evict(tenantID)
	m.states.EvictTenant(tenantID)
	m.recordOp("revoke", "success")
	m.reportGauges()
	m.logger.InfoWithContext(ctx, "credentials revoked",
		"tenant_id", tenantID, "provider", m.provider)
	return nil
}

// TenantState classifies a tenant's credential for status reporting.
func (m *Manager) TenantState(ctx context.Context, tenantID string) (models.AuthState, *models.TenantCredential, error) {
	cred, err := m.readCredentials(ctx, tenantID)
	if err != nil {
		return models.AuthStateUnauthenticated, nil, err
	}
	if cred == nil {
		return models.AuthStateUnauthenticated, nil, nil
	}
	if m.creds.IsTokenExpired(cred) {
		if cred.RefreshToken == "" {
			return models.AuthStateNeedsReauth, cred, nil
		}
		return models.AuthStateNeedsRefresh, cred, nil
	}
	return models.AuthStateAuthenticated, cred, nil
}

// HasPendingState reports whether this manager issued the given
// authorization state and it has not yet been consumed.
func (m *Manager) HasPendingState(state string) bool {
	return m.states.Has(state)
}

// InvalidateCache drops the cached token for a tenant.
func (m *Manager) InvalidateCache(tenantID string) {
	m.cache.evict(tenantID)
	m.reportGauges()
}

// Start launches the janitor that sweeps expired cache entries and
// pending states.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.janitorLoop()
}

// Stop halts the janitor and waits for it to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) janitorLoop() {
	defer m.wg.Done()

	interval := m.cleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			removed := m.cache.cleanup()
			dropped := m.states.Sweep()
			if removed > 0 || dropped > 0 {
				m.logger.Debug("janitor sweep",
					"provider", m.provider,
					"cache_removed", removed,
					"states_dropped", dropped)
			}
			m.reportGauges()
		}
	}
}

func (m *Manager) readCredentials(ctx context.Context, tenantID string) (*models.TenantCredential, error) {
	var cred *models.TenantCredential
	err := m.storeBreaker.Execute(ctx, func() error {
		var readErr error
		cred, readErr = m.creds.GetCredentials(ctx, tenantID)
		return readErr
	})
	if err != nil {
		return nil, &OAuthError{TenantID: tenantID, Provider: m.provider, Op: "read", Err: err}
	}
	return cred, nil
}

func (m *Manager) revokeRemote(ctx context.Context, cred *models.TenantCredential) error {
	form := url.Values{}
	form.Set("token", cred.AccessToken)
	form.Set("client_id", m.cfg.ClientID)
	form.Set("client_secret", m.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &OAuthError{TenantID: cred.TenantID, Provider: m.provider, Op: "revoke",
			Err: fmt.Errorf("revocation endpoint returned %d", resp.StatusCode)}
	}
	return nil
}

func (m *Manager) credentialFromToken(tenantID string, tok *oauth2.Token, prev *models.TenantCredential) *models.TenantCredential {
	cred := &models.TenantCredential{
		TenantID:    tenantID,
		Provider:    m.provider,
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
	}
	if !tok.Expiry.IsZero() {
		cred.ExpiresAt = tok.Expiry.Unix()
	}
	cred.RefreshToken = tok.RefreshToken
	if cred.RefreshToken == "" && prev != nil {
		// Providers that do not rotate keep the old refresh token valid.
		cred.RefreshToken = prev.RefreshToken
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		cred.Scope = scope
	} else if prev != nil {
		cred.Scope = prev.Scope
	}
	return cred
}

// cacheDeadline is the moment a cached copy of cred must stop being
// served: the refresh point, not the hard expiry. Zero for credentials
// that never expire.
func (m *Manager) cacheDeadline(cred *models.TenantCredential) time.Time {
	if cred.NeverExpires() {
		return time.Time{}
	}
	return cred.ExpiryTime().Add(-m.refreshBuffer)
}

// clientContext injects the provider HTTP client so the oauth2 package
// uses the configured transport and timeout.
func (m *Manager) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

func (m *Manager) recordOp(operation, status string) {
	if m.metrics != nil {
		m.metrics.RecordCredentialOp(operation, m.provider, status)
	}
}

func (m *Manager) reportGauges() {
	if m.metrics != nil {
		m.metrics.SetPendingStates(m.provider, m.states.Len())
		m.metrics.SetCachedTokens(m.provider, m.cache.len())
	}
}
