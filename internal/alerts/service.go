package alerts

import (
	"fmt"
	"sync"
	"time"

	"github.com/tokengate/tokengate/internal/config"
	"github.com/tokengate/tokengate/internal/logging"
	"github.com/tokengate/tokengate/internal/telegram"
)

// TelegramBot interface for Telegram bot operations
type TelegramBot interface {
	SendMessage(text string) error
	SendAlert(alert telegram.Alert) error
	IsEnabled() bool
}

// Service manages operator alerts: deduplication, rate limiting, and
// delivery through the Telegram bot. It also implements the scheduler's
// Notifier interface.
type Service struct {
	config    config.AlertsConfig
	bot       TelegramBot
	logger    *logging.Logger
	dedup     *DedupStore
	throttler *Throttler
	muteState *MuteState

	alertChan chan Alert

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewService creates a new alert service
func NewService(cfg config.AlertsConfig, bot TelegramBot, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewLogger()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 30 * time.Minute
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 25 * time.Second
	}

	return &Service{
		config:    cfg,
		bot:       bot,
		logger:    logger.With("alerts"),
		dedup:     NewDedupStore(cfg.Debounce),
		throttler: NewThrottler(cfg.RateLimitPerMinute, cfg.RateLimitPerMinute),
		muteState: &MuteState{},
		alertChan: make(chan Alert, 100),
	}
}

// Start starts the alert delivery worker
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(2)
	go s.processAlerts()
	go s.cleanupLoop()
}

// Stop gracefully stops the alert service
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		return fmt.Errorf("timeout waiting for alert service to stop")
	}
}

// IsRunning returns whether the service is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// NotifyReauthRequired reports a tenant whose grant is dead.
func (s *Service) NotifyReauthRequired(provider, tenantID string, err error) {
	s.Process(Alert{
		Provider: provider,
		TenantID: tenantID,
		Type:     AlertTypeReauthRequired,
		Severity: SeverityCritical,
		Title:    "Re-authorization required",
		Message:  fmt.Sprintf("Token refresh hit a terminal failure: %v. The tenant must run the authorization flow again.", err),
	})
}

// NotifyRefreshFailed reports a refresh that exhausted its retries.
func (s *Service) NotifyRefreshFailed(provider, tenantID string, attempts int, err error) {
	s.Process(Alert{
		Provider: provider,
		TenantID: tenantID,
		Type:     AlertTypeRefreshFailed,
		Severity: SeverityWarning,
		Title:    "Token refresh failing",
		Message:  fmt.Sprintf("Refresh failed %d times, will retry next sweep: %v", attempts, err),
	})
}

// NotifyBreakerOpen reports a dependency circuit opening.
func (s *Service) NotifyBreakerOpen(dependency string, failures int) {
	s.Process(Alert{
		Provider: dependency,
		Type:     AlertTypeBreakerOpen,
		Severity: SeverityCritical,
		Title:    "Circuit breaker open",
		Message:  fmt.Sprintf("Dependency %s tripped its circuit after %d failures.", dependency, failures),
	})
}

// Process queues an alert, applying mute, dedup, and rate limits.
func (s *Service) Process(alert Alert) {
	if !s.config.Enabled {
		return
	}
	if s.muteState.IsMuted() {
		return
	}

	key := alert.AlertKey()
	if s.dedup.IsDuplicate(key) {
		return
	}
	if !s.throttler.Allow() {
		s.logger.Warn("alert dropped by rate limit",
			"type", string(alert.Type), "provider", alert.Provider, "tenant_id", alert.TenantID)
		return
	}

	if alert.ID == "" {
		alert.ID = fmt.Sprintf("alert-%d", time.Now().UnixNano())
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	select {
	case s.alertChan <- alert:
		s.dedup.Record(key)
	default:
		s.logger.Warn("alert channel full, dropping alert",
			"type", string(alert.Type), "provider", alert.Provider)
	}
}

// Recovered clears the dedup record for a tenant so a relapse alerts
// again without waiting out the debounce window.
func (s *Service) Recovered(provider, tenantID string) {
	for _, t := range []AlertType{AlertTypeReauthRequired, AlertTypeRefreshFailed} {
		a := Alert{Provider: provider, TenantID: tenantID, Type: t}
		s.dedup.Forget(a.AlertKey())
	}
}

// MuteAlerts mutes alerts for the specified duration
func (s *Service) MuteAlerts(duration time.Duration, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.muteState.Muted = true
	s.muteState.Until = time.Now().Add(duration)
	s.muteState.Reason = reason
}

// UnmuteAlerts unmutes alerts
func (s *Service) UnmuteAlerts() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.muteState.Muted = false
	s.muteState.Until = time.Time{}
	s.muteState.Reason = ""
}

// IsMuted returns whether alerts are muted
func (s *Service) IsMuted() bool {
	return s.muteState.IsMuted()
}

// DedupSize returns the current dedup store size
func (s *Service) DedupSize() int {
	return s.dedup.Size()
}

// processAlerts delivers alerts from the channel
func (s *Service) processAlerts() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			// Drain anything already queued before exiting.
			for {
				select {
				case alert := <-s.alertChan:
					s.deliver(alert)
				default:
					return
				}
			}
		case alert := <-s.alertChan:
			s.deliver(alert)
		}
	}
}

// cleanupLoop runs periodic cleanup tasks
func (s *Service) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.dedup.Cleanup()
		}
	}
}

func (s *Service) deliver(alert Alert) {
	if s.bot == nil || !s.bot.IsEnabled() {
		return
	}

	err := s.bot.SendAlert(telegram.Alert{
		Severity:  string(alert.Severity),
		Title:     alert.Title,
		Message:   alert.Message,
		Provider:  alert.Provider,
		TenantID:  alert.TenantID,
		Timestamp: alert.Timestamp,
	})
	if err != nil {
		s.logger.Error("failed to deliver alert",
			"type", string(alert.Type), "error", err.Error())
	}
}
