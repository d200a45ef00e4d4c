package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/tokengate/tokengate/internal/breaker"
	"github.com/tokengate/tokengate/internal/config"
	"github.com/tokengate/tokengate/internal/logging"
	"github.com/tokengate/tokengate/internal/models"
	"github.com/tokengate/tokengate/internal/oauth"
	"github.com/tokengate/tokengate/internal/store"
)

// TokenRefresher is the slice of the OAuth manager the scheduler needs.
type TokenRefresher interface {
	Provider() string
	Credentials() store.CredentialStore
	RefreshToken(ctx context.Context, tenantID string) (*models.TenantCredential, error)
}

// Notifier receives operator-facing events from the scheduler.
type Notifier interface {
	NotifyReauthRequired(provider, tenantID string, err error)
	NotifyRefreshFailed(provider, tenantID string, attempts int, err error)
}

// Recorder receives sweep outcomes for metrics.
type Recorder interface {
	RecordSweep(provider string, refreshed, failed, skipped int)
	SetNeedsReauth(provider string, count int)
}

// Scheduler proactively refreshes credentials before they expire. Each
// sweep walks every tenant of every provider, refreshing those inside
// the expiry buffer with bounded retries. Terminal failures mark the
// tenant needs-reauth; the tenant is then skipped until a new
// authorization clears the condition.
type Scheduler struct {
	refreshers []TokenRefresher
	conditions *Conditions
	cfg        config.RefreshConfig
	logger     *logging.Logger
	notifier   Notifier
	recorder   Recorder

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler over the given refreshers.
func New(refreshers []TokenRefresher, conditions *Conditions, cfg config.RefreshConfig, logger *logging.Logger, notifier Notifier, recorder Recorder) *Scheduler {
	if logger == nil {
		logger = logging.NewLogger()
	}
	if conditions == nil {
		conditions = NewConditions()
	}
	return &Scheduler{
		refreshers: refreshers,
		conditions: conditions,
		cfg:        cfg,
		logger:     logger.With("scheduler"),
		notifier:   notifier,
		recorder:   recorder,
	}
}

// Conditions exposes the standing needs-reauth registry.
func (s *Scheduler) Conditions() *Conditions {
	return s.conditions
}

// Start launches the periodic sweep loop. An initial sweep runs
// immediately.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.loop()
	s.logger.Info("refresh scheduler started",
		"check_interval_ms", s.cfg.CheckInterval.Milliseconds(),
		"buffer_ms", s.cfg.Buffer.Milliseconds(),
		"max_retry_attempts", s.cfg.MaxRetryAttempts)
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("refresh scheduler stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	s.Sweep(context.Background())

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep(context.Background())
		}
	}
}

// Sweep runs one pass over all providers and tenants.
func (s *Scheduler) Sweep(ctx context.Context) {
	for _, r := range s.refreshers {
		select {
		case <-s.stopped():
			return
		default:
		}
		s.sweepProvider(ctx, r)
	}
}

func (s *Scheduler) stopped() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		// Never started: a closed channel would stop a manual Sweep.
		return make(chan struct{})
	}
	return s.stopCh
}

func (s *Scheduler) sweepProvider(ctx context.Context, r TokenRefresher) {
	provider := r.Provider()
	creds := r.Credentials()

	tenants, err := creds.ListTenantIDs(ctx)
	if err != nil {
		s.logger.Error("failed to list tenants for sweep",
			"provider", provider, "error", err.Error())
		return
	}

	var refreshed, failed, skipped int
	for _, tenantID := range tenants {
		if s.conditions.Has(provider, tenantID) {
			skipped++
			continue
		}

		cred, err := creds.GetCredentials(ctx, tenantID)
		if err != nil {
			s.logger.Error("failed to read credential during sweep",
				"provider", provider, "tenant_id", tenantID, "error", err.Error())
			failed++
			continue
		}
		if cred == nil || cred.NeverExpires() || !creds.IsTokenExpired(cred) {
			continue
		}

		if s.refreshWithRetry(ctx, r, tenantID) {
			refreshed++
		} else {
			failed++
		}
	}

	if refreshed > 0 || failed > 0 || skipped > 0 {
		s.logger.Info("refresh sweep completed",
			"provider", provider,
			"tenants", len(tenants),
			"refreshed", refreshed,
			"failed", failed,
			"skipped", skipped)
	}
	if s.recorder != nil {
		s.recorder.RecordSweep(provider, refreshed, failed, skipped)
		s.recorder.SetNeedsReauth(provider, s.conditions.CountByProvider()[provider])
	}
}

// refreshWithRetry attempts one tenant's refresh with bounded retries
// and linear backoff. It reports whether the refresh succeeded.
func (s *Scheduler) refreshWithRetry(ctx context.Context, r TokenRefresher, tenantID string) bool {
	provider := r.Provider()
	attempts := s.cfg.MaxRetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		_, err := r.RefreshToken(ctx, tenantID)
		if err == nil {
			return true
		}
		lastErr = err

		if oauth.IsReauthRequired(err) {
			s.conditions.Set(provider, tenantID, err.Error())
			s.logger.Warn("tenant requires re-authorization",
				"provider", provider, "tenant_id", tenantID, "error", err.Error())
			if s.notifier != nil {
				s.notifier.NotifyReauthRequired(provider, tenantID, err)
			}
			return false
		}

		if breaker.IsCircuitOpen(err) {
			// No point retrying into an open circuit; next sweep will try again.
			s.logger.Warn("refresh skipped, circuit open",
				"provider", provider, "tenant_id", tenantID)
			return false
		}

		if attempt < attempts {
			backoff := time.Duration(attempt) * s.cfg.RetryBackoff
			select {
			case <-ctx.Done():
				return false
			case <-time.After(backoff):
			}
		}
	}

	s.logger.Error("refresh failed after retries",
		"provider", provider,
		"tenant_id", tenantID,
		"attempts", attempts,
		"error", lastErr.Error())
	if s.notifier != nil {
		s.notifier.NotifyRefreshFailed(provider, tenantID, attempts, lastErr)
	}
	return false
}
