package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tokengate/tokengate/internal/alerts"
	"github.com/tokengate/tokengate/internal/breaker"
	"github.com/tokengate/tokengate/internal/config"
	"github.com/tokengate/tokengate/internal/errors"
	"github.com/tokengate/tokengate/internal/logging"
	"github.com/tokengate/tokengate/internal/metrics"
	"github.com/tokengate/tokengate/internal/oauth"
	"github.com/tokengate/tokengate/internal/ratelimit"
	"github.com/tokengate/tokengate/internal/scheduler"
	"github.com/tokengate/tokengate/internal/store"
)

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	config      config.ServerConfig
	apiConfig   config.APIConfig
	store       store.Store
	managers    *oauth.Registry
	scheduler   *scheduler.Scheduler
	alerts      *alerts.Service
	breakers    *breaker.Registry
	limiter     *ratelimit.Limiter
	metrics     *metrics.Metrics
	logger      *logging.Logger
	rateLimiter *IPRateLimiter
	httpServer  *http.Server
	tlsConfig   config.TLSConfig
}

// Components are the wired subsystems the server fronts. Scheduler and
// Alerts may be nil; the related handlers degrade gracefully.
type Components struct {
	Store     store.Store
	Managers  *oauth.Registry
	Scheduler *scheduler.Scheduler
	Alerts    *alerts.Service
	Breakers  *breaker.Registry
	Limiter   *ratelimit.Limiter
	Metrics   *metrics.Metrics
	Logger    *logging.Logger
}

// Router returns the gin router for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, apiCfg config.APIConfig, comps Components) *Server {
	gin.SetMode(gin.ReleaseMode)

	m := comps.Metrics
	if m == nil {
		m = metrics.NewMetrics("tokengate")
	}
	logger := comps.Logger
	if logger == nil {
		logger = logging.NewLogger()
	}

	// Initialize rate limiter from config with sane defaults
	requestsPerMinute := apiCfg.RateLimit.RequestsPerMinute
	if requestsPerMinute <= 0 {
		requestsPerMinute = 1000
	}
	burst := apiCfg.RateLimit.Burst
	if burst <= 0 {
		burst = 100
	}
	rateLimiter := newIPRateLimiter(time.Minute/time.Duration(requestsPerMinute), burst)

	server := &Server{
		router:      gin.New(),
		config:      cfg,
		apiConfig:   apiCfg,
		store:       comps.Store,
		managers:    comps.Managers,
		scheduler:   comps.Scheduler,
		alerts:      comps.Alerts,
		breakers:    comps.Breakers,
		limiter:     comps.Limiter,
		metrics:     m,
		logger:      logger,
		rateLimiter: rateLimiter,
		tlsConfig:   cfg.TLS,
	}
	server.router.HandleMethodNotAllowed = true

	// Add recovery middleware with logging
	server.router.Use(gin.Recovery())

	// Add rate limiting middleware
	server.router.Use(rateLimitMiddleware(rateLimiter))

	// Add body size limit (1MB)
	server.router.Use(bodyLimitMiddleware(1 << 20))

	// Add metrics and logging middleware
	server.router.Use(metrics.Middleware(m, logger))

	// Add logging middleware for structured logs
	server.router.Use(loggingMiddleware(logger))

	server.setupRoutes()
	return server
}

// loggingMiddleware provides structured logging for all requests
func loggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		// Get or generate correlation ID
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = logging.GenerateCorrelationID()
		}

		// Add to context
		ctx := logging.WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)

		// Process request
		c.Next()

		// Log request completion
		duration := time.Since(start).Seconds()
		logger.InfoWithContext(ctx, "request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_seconds", duration,
		)
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// Prometheus metrics endpoint - NO authentication required
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	// Health check - NO authentication required
	s.router.GET("/health", s.handleHealth)

	// OAuth callback - NO authentication required; providers redirect
	// the tenant's browser here and cannot carry an API key.
	s.router.GET("/oauth/callback", s.handleCallback)

	// Create auth middleware based on configuration
	authMiddleware := APIKeyAuth(s.apiConfig.Auth.APIKeys, s.apiConfig.Auth.HeaderName, s.logger)

	// OAuth endpoints - require authentication
	oauthGroup := s.router.Group("")
	oauthGroup.Use(authMiddleware)
	{
		oauthGroup.GET("/oauth/authorize", s.handleAuthorize)
		oauthGroup.DELETE("/oauth/revoke", s.handleRevoke)
	}

	// Tenant endpoints - require authentication
	tenantGroup := s.router.Group("")
	tenantGroup.Use(authMiddleware)
	{
		tenantGroup.GET("/tenants", s.handleListTenants)
		tenantGroup.GET("/tenants/:tenant_id", s.handleGetTenant)
		tenantGroup.GET("/tenants/:tenant_id/token", s.handleTenantToken)
	}

	// Limiter endpoints - require authentication
	limitsGroup := s.router.Group("")
	limitsGroup.Use(authMiddleware)
	{
		limitsGroup.GET("/limits", s.handleListLimits)
		limitsGroup.GET("/limits/:service", s.handleGetLimits)
	}
}

// Run starts the HTTP or HTTPS server based on TLS configuration
func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.HTTPPort)

	if s.tlsConfig.Enabled {
		return s.RunTLS()
	}

	// Create http server if not already created
	if s.httpServer == nil {
		s.httpServer = NewHTTPServer(addr, s.router)
	}

	s.logger.Info("starting HTTP server", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// RunTLS starts the HTTPS server with TLS configuration
func (s *Server) RunTLS() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.HTTPPort)

	s.logger.Info("starting HTTPS server", "addr", addr, "cert_file", s.tlsConfig.CertFile, "min_version", s.tlsConfig.MinVersion)

	srv, err := NewHTTPSServerWithConfig(addr, s.tlsConfig.CertFile, s.tlsConfig.KeyFile, s.tlsConfig.MinVersion, s.router)
	if err != nil {
		return &errors.ErrServerStart{Addr: addr, Err: err}
	}
	s.httpServer = srv

	return s.httpServer.ListenAndServeTLS("", "")
}

// StartWithServer starts the server with a pre-configured http.Server
func (s *Server) StartWithServer(srv *http.Server) error {
	s.httpServer = srv
	s.logger.Info("starting HTTP server", "addr", srv.Addr)
	return srv.ListenAndServe()
}

// Shutdown gracefully shuts down the server and its components
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	var wg sync.WaitGroup
	errs := make(chan error, 4)

	// Stop accepting new connections
	if s.httpServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.logger.Info("shutting down HTTP server")
			if err := s.httpServer.Shutdown(ctx); err != nil {
				s.logger.Error("HTTP server shutdown error", "error", err.Error())
				errs <- &errors.ErrServerShutdown{Err: err}
			}
		}()
	}

	// Stop the refresh scheduler
	if s.scheduler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.scheduler.Stop()
		}()
	}

	// Stop per-provider janitors
	if s.managers != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.managers.Stop()
		}()
	}

	// Drain and stop the alert pipeline
	if s.alerts != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.alerts.Stop(); err != nil {
				errs <- fmt.Errorf("alerts stop: %w", err)
			}
		}()
	}

	// Close store connections
	if s.store != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.store.Close(); err != nil {
				errs <- fmt.Errorf("store close: %w", err)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	close(errs)
	var errList []error
	for err := range errs {
		if err != nil {
			errList = append(errList, err)
		}
	}
	if len(errList) > 0 {
		return fmt.Errorf("shutdown errors: %v", errList)
	}

	s.logger.Info("graceful shutdown completed")
	return nil
}

// handleHealth returns health status including store reachability and the
// state of every circuit breaker.
func (s *Server) handleHealth(c *gin.Context) {
	storeHealthy := s.store != nil && s.store.HealthCheck(c.Request.Context())

	var breakerStates []breaker.Metrics
	if s.breakers != nil {
		breakerStates = s.breakers.Snapshot()
		for _, bm := range breakerStates {
			s.metrics.SetBreakerState(bm.Name, stateCode(bm.State))
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !storeHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"store":     storeHealthy,
		"breakers":  breakerStates,
	})
}

func stateCode(state string) int {
	switch state {
	case breaker.CircuitOpen.String():
		return 1
	case breaker.CircuitHalfOpen.String():
		return 2
	default:
		return 0
	}
}
