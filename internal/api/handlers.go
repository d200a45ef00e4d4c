package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tokengate/tokengate/internal/breaker"
	"github.com/tokengate/tokengate/internal/models"
	"github.com/tokengate/tokengate/internal/oauth"
	"github.com/tokengate/tokengate/internal/ratelimit"
)

// tenantInfo is the wire representation of one tenant's credential state
// for a single provider.
type tenantInfo struct {
	TenantID     string     `json:"tenant_id"`
	Provider     string     `json:"provider"`
	State        string     `json:"state"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Scope        string     `json:"scope,omitempty"`
	ReauthReason string     `json:"reauth_reason,omitempty"`
	ReauthSince  *time.Time `json:"reauth_since,omitempty"`
}

// handleAuthorize starts the authorization flow for a tenant and returns
// the URL the tenant must visit.
func (s *Server) handleAuthorize(c *gin.Context) {
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "tenant_id query parameter is required",
			Code:    http.StatusBadRequest,
		})
		return
	}

	mgr, ok := s.managerFor(c)
	if !ok {
		return
	}

	var extraScopes []string
	if raw := c.Query("scopes"); raw != "" {
		extraScopes = strings.Split(raw, ",")
	}

	authURL, state, err := mgr.GenerateAuthorizationURL(c.Request.Context(), tenantID, extraScopes...)
	if err != nil {
		s.logger.ErrorWithContext(c.Request.Context(), "failed to generate authorization URL",
			"tenant_id", tenantID, "provider", mgr.Provider(), "error", err.Error())
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "failed to start authorization flow",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"authorization_url": authURL,
		"state":             state,
		"tenant_id":         tenantID,
		"provider":          mgr.Provider(),
	})
}

// handleCallback completes the authorization flow. Providers redirect the
// tenant's browser here with either code+state or an error.
func (s *Server) handleCallback(c *gin.Context) {
	if errCode := c.Query("error"); errCode != "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   errCode,
			"message": c.Query("error_description"),
		})
		return
	}

	state := c.Query("state")
	code := c.Query("code")
	if state == "" || code == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "state and code query parameters are required",
			Code:    http.StatusBadRequest,
		})
		return
	}

	mgr := s.managerForState(c.Query("provider"), state)
	if mgr == nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_state",
			Message: "unknown, expired, or already-used authorization state",
			Code:    http.StatusBadRequest,
		})
		return
	}

	tenantID, err := mgr.HandleCallback(c.Request.Context(), state, code)
	if err != nil {
		s.respondOAuthError(c, mgr.Provider(), err)
		return
	}

	// A fresh authorization supersedes any standing needs-reauth
	// condition and its alert debounce.
	s.clearCondition(mgr.Provider(), tenantID)

	c.JSON(http.StatusOK, gin.H{
		"status":    "authorized",
		"tenant_id": tenantID,
		"provider":  mgr.Provider(),
	})
}

// handleRevoke revokes a tenant's credential and removes it from storage.
func (s *Server) handleRevoke(c *gin.Context) {
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "tenant_id query parameter is required",
			Code:    http.StatusBadRequest,
		})
		return
	}

	mgr, ok := s.managerFor(c)
	if !ok {
		return
	}

	if err := mgr.RevokeCredentials(c.Request.Context(), tenantID); err != nil {
		s.respondOAuthError(c, mgr.Provider(), err)
		return
	}

	s.clearCondition(mgr.Provider(), tenantID)

	c.JSON(http.StatusOK, gin.H{
		"status":    "revoked",
		"tenant_id": tenantID,
		"provider":  mgr.Provider(),
	})
}

// handleListTenants lists every known tenant across all providers.
func (s *Server) handleListTenants(c *gin.Context) {
	ctx := c.Request.Context()
	tenants := make([]tenantInfo, 0)

	for _, mgr := range s.managers.All() {
		ids, err := mgr.Credentials().ListTenantIDs(ctx)
		if err != nil {
			s.logger.ErrorWithContext(ctx, "failed to list tenants",
				"provider", mgr.Provider(), "error", err.Error())
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "internal_error",
				Message: "failed to list tenants",
				Code:    http.StatusInternalServerError,
			})
			return
		}
		for _, id := range ids {
			info, err := s.tenantInfoFor(ctx, mgr, id)
			if err != nil {
				continue
			}
			tenants = append(tenants, info)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"tenants": tenants,
		"count":   len(tenants),
	})
}

// handleGetTenant returns the credential state of one tenant across all
// providers that know it.
func (s *Server) handleGetTenant(c *gin.Context) {
	ctx := c.Request.Context()
	tenantID := c.Param("tenant_id")

	entries := make([]tenantInfo, 0)
	for _, mgr := range s.managers.All() {
		info, err := s.tenantInfoFor(ctx, mgr, tenantID)
		if err != nil {
			continue
		}
		if info.State == string(models.AuthStateUnauthenticated) && info.ReauthReason == "" {
			continue
		}
		entries = append(entries, info)
	}

	if len(entries) == 0 {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "no credentials stored for tenant " + tenantID,
			Code:    http.StatusNotFound,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tenant_id": tenantID,
		"providers": entries,
	})
}

// handleTenantToken returns a valid access token for the tenant,
// refreshing it first if needed.
func (s *Server) handleTenantToken(c *gin.Context) {
	tenantID := c.Param("tenant_id")

	mgr, ok := s.managerFor(c)
	if !ok {
		return
	}

	token, err := mgr.GetValidToken(c.Request.Context(), tenantID)
	if err != nil {
		s.respondOAuthError(c, mgr.Provider(), err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": token.AccessToken,
		"token_type":   token.TokenType,
		"tenant_id":    tenantID,
		"provider":     mgr.Provider(),
	})
}

// handleListLimits returns rate limiter status for every known service.
func (s *Server) handleListLimits(c *gin.Context) {
	services := s.limiter.Services()
	statuses := make([]ratelimit.Status, 0, len(services))
	for _, svc := range services {
		statuses = append(statuses, s.limiter.Status(svc))
	}
	c.JSON(http.StatusOK, gin.H{
		"services": statuses,
		"count":    len(statuses),
	})
}

// handleGetLimits returns rate limiter status for one service.
func (s *Server) handleGetLimits(c *gin.Context) {
	service := c.Param("service")
	st := s.limiter.Status(service)
	s.metrics.SetLimiterTokensAvailable(service, st.AvailableTokens)
	c.JSON(http.StatusOK, st)
}

// managerFor resolves the provider query parameter to a manager. With a
// single configured provider the parameter may be omitted. Responds with
// an error and returns false when resolution fails.
func (s *Server) managerFor(c *gin.Context) (*oauth.Manager, bool) {
	provider := c.Query("provider")
	if provider == "" {
		if providers := s.managers.Providers(); len(providers) == 1 {
			provider = providers[0]
		} else {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_request",
				Message: "provider query parameter is required",
				Code:    http.StatusBadRequest,
			})
			return nil, false
		}
	}

	mgr, err := s.managers.ForProvider(provider)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "unknown_provider",
			Message: err.Error(),
			Code:    http.StatusNotFound,
		})
		return nil, false
	}
	return mgr, true
}

// managerForState finds the manager that issued an authorization state.
// An explicit provider hint wins; otherwise the pending state registries
// are probed.
func (s *Server) managerForState(provider, state string) *oauth.Manager {
	if provider != "" {
		mgr, err := s.managers.ForProvider(provider)
		if err != nil {
			return nil
		}
		return mgr
	}
	for _, mgr := range s.managers.All() {
		if mgr.HasPendingState(state) {
			return mgr
		}
	}
	return nil
}

func (s *Server) tenantInfoFor(ctx context.Context, mgr *oauth.Manager, tenantID string) (tenantInfo, error) {
	state, cred, err := mgr.TenantState(ctx, tenantID)
	if err != nil {
		return tenantInfo{}, err
	}

	info := tenantInfo{
		TenantID: tenantID,
		Provider: mgr.Provider(),
		State:    string(state),
	}
	if cred != nil {
		info.Scope = cred.Scope
		if !cred.NeverExpires() {
			t := cred.ExpiryTime().UTC()
			info.ExpiresAt = &t
		}
	}
	if s.scheduler != nil {
		if cond, ok := s.scheduler.Conditions().Get(mgr.Provider(), tenantID); ok {
			info.State = string(models.AuthStateNeedsReauth)
			info.ReauthReason = cond.Reason
			since := cond.Since.UTC()
			info.ReauthSince = &since
		}
	}
	return info, nil
}

// clearCondition resets the standing needs-reauth condition and alert
// debounce after a tenant successfully re-authorizes or revokes.
func (s *Server) clearCondition(provider, tenantID string) {
	if s.scheduler != nil {
		s.scheduler.Conditions().Clear(provider, tenantID)
	}
	if s.alerts != nil {
		s.alerts.Recovered(provider, tenantID)
	}
}

// respondOAuthError maps credential lifecycle errors to HTTP responses.
func (s *Server) respondOAuthError(c *gin.Context, provider string, err error) {
	switch {
	case stderrors.Is(err, oauth.ErrInvalidState):
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_state",
			Message: "unknown, expired, or already-used authorization state",
			Code:    http.StatusBadRequest,
		})
	case oauth.IsReauthRequired(err):
		c.JSON(http.StatusForbidden, gin.H{
			"error":    "reauth_required",
			"message":  err.Error(),
			"provider": provider,
			"code":     http.StatusForbidden,
		})
	case breaker.IsCircuitOpen(err):
		var open *breaker.CircuitOpenError
		retryAfter := ""
		if stderrors.As(err, &open) {
			retryAfter = open.RetryAfter.Round(time.Millisecond).String()
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":       "circuit_open",
			"message":     err.Error(),
			"provider":    provider,
			"retry_after": retryAfter,
			"code":        http.StatusServiceUnavailable,
		})
	default:
		s.logger.ErrorWithContext(c.Request.Context(), "credential operation failed",
			"provider", provider, "error", err.Error())
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "provider_error",
			Message: err.Error(),
			Code:    http.StatusBadGateway,
		})
	}
}
