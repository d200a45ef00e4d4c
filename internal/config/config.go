package config

import (
	"fmt"
	"time"
)

// Config represents the complete application configuration.
type Config struct {
	Version   string                    `yaml:"version"`
	Server    ServerConfig              `yaml:"server"`
	API       APIConfig                 `yaml:"api"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Refresh   RefreshConfig             `yaml:"refresh"`
	Breaker   BreakerConfig             `yaml:"breaker"`
	Cache     CacheConfig               `yaml:"cache"`
	Cleanup   CleanupConfig             `yaml:"cleanup"`
	Telegram  TelegramConfig            `yaml:"telegram"`
	Alerts    AlertsConfig              `yaml:"alerts"`
}

// ServerConfig contains server-related configuration.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	TLS             TLSConfig     `yaml:"tls"`
}

// TLSConfig contains TLS configuration.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	MinVersion string `yaml:"min_version"` // "1.2" or "1.3"
}

// APIConfig contains API-related configuration.
type APIConfig struct {
	BasePath  string          `yaml:"base_path"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// AuthConfig contains API authentication configuration.
type AuthConfig struct {
	Enabled    bool     `yaml:"enabled"`
	APIKeys    []string `yaml:"api_keys"`
	HeaderName string   `yaml:"header_name"`
}

// RateLimitConfig contains inbound API rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// ProviderConfig describes one OAuth provider integration.
type ProviderConfig struct {
	ClientID     string         `yaml:"client_id"`
	ClientSecret string         `yaml:"client_secret"`
	AuthURL      string         `yaml:"auth_url"`
	TokenURL     string         `yaml:"token_url"`
	RevokeURL    string         `yaml:"revoke_url"`
	RedirectURL  string         `yaml:"redirect_url"`
	Scopes       []string       `yaml:"scopes"`
	Limits       ServiceLimits  `yaml:"limits"`
	UseUTLS      bool           `yaml:"use_utls"`
	HTTPTimeout  time.Duration  `yaml:"http_timeout"`
}

// ServiceLimits contains the outbound token-bucket limits for one provider.
type ServiceLimits struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	RequestsPerMinute int     `yaml:"requests_per_minute"`
	RequestsPerDay    int     `yaml:"requests_per_day"`
	BurstSize         int     `yaml:"burst_size"`
}

// RefreshConfig contains proactive refresh scheduler configuration.
type RefreshConfig struct {
	// Buffer is how long before expiry a credential becomes due for refresh.
	// Default: 5m
	Buffer time.Duration `yaml:"buffer"`
	// CheckInterval is the time between scheduler sweeps.
	// Default: 1m
	CheckInterval time.Duration `yaml:"check_interval"`
	// MaxRetryAttempts bounds per-cycle retries for a transiently failing
	// refresh. Default: 3
	MaxRetryAttempts int `yaml:"max_retry_attempts"`
	// RetryBackoff is the base backoff between retry attempts.
	// Default: 1s
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// StateTTL is the lifetime of a pending authorization state.
	// Default: 10m
	StateTTL time.Duration `yaml:"state_ttl"`
}

// BreakerConfig contains circuit breaker configuration.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	WindowDuration   time.Duration `yaml:"window_duration"`
}

// CacheConfig contains the in-memory credential cache configuration.
type CacheConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// CleanupConfig contains database maintenance configuration.
type CleanupConfig struct {
	Enabled bool `yaml:"enabled"`
	// Interval between maintenance runs. Default: 1h
	Interval time.Duration `yaml:"interval"`
	// Retention is how long expired, non-refreshable credentials are kept.
	// Default: 720h (30 days)
	Retention time.Duration `yaml:"retention"`
}

// TelegramConfig contains Telegram notifier configuration.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

// AlertsConfig contains alert service configuration.
type AlertsConfig struct {
	Enabled bool `yaml:"enabled"`
	// Debounce is the minimum time between duplicate alerts.
	// Default: 30m
	Debounce time.Duration `yaml:"debounce"`
	// RateLimitPerMinute limits the number of alerts per minute.
	// Default: 30
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
	// ShutdownTimeout is the timeout for graceful shutdown.
	// Default: 25s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	for name, p := range c.Providers {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("provider %q: %w", name, err)
		}
		c.Providers[name] = p
	}

	if err := c.Refresh.Validate(); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}

	if err := c.Breaker.Validate(); err != nil {
		return fmt.Errorf("breaker: %w", err)
	}

	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	if err := c.Cleanup.Validate(); err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}

	if err := c.Alerts.Validate(); err != nil {
		return fmt.Errorf("alerts: %w", err)
	}

	return nil
}

// Validate validates server configuration.
func (s *ServerConfig) Validate() error {
	if s.Host == "" {
		return fmt.Errorf("host is required")
	}
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be between 1 and 65535")
	}
	if s.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 30 * time.Second
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.LogFormat == "" {
		s.LogFormat = "json"
	}
	if s.TLS.Enabled {
		if s.TLS.CertFile == "" {
			return fmt.Errorf("tls cert_file is required when TLS is enabled")
		}
		if s.TLS.KeyFile == "" {
			return fmt.Errorf("tls key_file is required when TLS is enabled")
		}
		if s.TLS.MinVersion != "" && s.TLS.MinVersion != "1.2" && s.TLS.MinVersion != "1.3" {
			return fmt.Errorf("tls min_version must be either \"1.2\" or \"1.3\"")
		}
		if s.TLS.MinVersion == "" {
			s.TLS.MinVersion = "1.3"
		}
	}
	return nil
}

// Validate validates API configuration.
func (a *APIConfig) Validate() error {
	if a.BasePath == "" {
		a.BasePath = "/"
	}
	if a.Auth.Enabled && len(a.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth: api_keys is required when auth is enabled")
	}
	if a.RateLimit.RequestsPerMinute <= 0 {
		a.RateLimit.RequestsPerMinute = 1000
	}
	if a.RateLimit.RequestsPerMinute > 100000 {
		a.RateLimit.RequestsPerMinute = 100000
	}
	if a.RateLimit.Burst <= 0 {
		a.RateLimit.Burst = 100
	}
	if a.RateLimit.Burst > 10000 {
		a.RateLimit.Burst = 10000
	}
	return nil
}

// Validate validates a provider configuration and applies defaults.
func (p *ProviderConfig) Validate() error {
	if p.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if p.AuthURL == "" {
		return fmt.Errorf("auth_url is required")
	}
	if p.TokenURL == "" {
		return fmt.Errorf("token_url is required")
	}
	if p.RedirectURL == "" {
		return fmt.Errorf("redirect_url is required")
	}
	if p.HTTPTimeout <= 0 {
		p.HTTPTimeout = 20 * time.Second
	}
	p.Limits.applyDefaults()
	return nil
}

// DefaultServiceLimits returns the limits applied to services without
// an explicit configuration entry.
func DefaultServiceLimits() ServiceLimits {
	var l ServiceLimits
	l.applyDefaults()
	return l
}

func (l *ServiceLimits) applyDefaults() {
	if l.RequestsPerSecond <= 0 {
		l.RequestsPerSecond = 5
	}
	if l.RequestsPerMinute <= 0 {
		l.RequestsPerMinute = 100
	}
	if l.RequestsPerDay <= 0 {
		l.RequestsPerDay = 10000
	}
	if l.BurstSize <= 0 {
		l.BurstSize = 10
	}
}

// Validate validates refresh configuration and applies defaults.
func (r *RefreshConfig) Validate() error {
	if r.Buffer <= 0 {
		r.Buffer = 5 * time.Minute
	}
	if r.CheckInterval <= 0 {
		r.CheckInterval = time.Minute
	}
	if r.MaxRetryAttempts < 0 {
		return fmt.Errorf("max_retry_attempts cannot be negative")
	}
	if r.MaxRetryAttempts == 0 {
		r.MaxRetryAttempts = 3
	}
	if r.RetryBackoff <= 0 {
		r.RetryBackoff = time.Second
	}
	if r.StateTTL <= 0 {
		r.StateTTL = 10 * time.Minute
	}
	return nil
}

// Validate validates breaker configuration and applies defaults.
func (b *BreakerConfig) Validate() error {
	if b.FailureThreshold <= 0 {
		b.FailureThreshold = 5
	}
	if b.SuccessThreshold <= 0 {
		b.SuccessThreshold = 2
	}
	if b.ResetTimeout <= 0 {
		b.ResetTimeout = time.Minute
	}
	if b.WindowDuration <= 0 {
		b.WindowDuration = 10 * time.Second
	}
	return nil
}

// Validate validates cache configuration and applies defaults.
func (c *CacheConfig) Validate() error {
	if c.TTL <= 0 {
		c.TTL = 30 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
	return nil
}

// Validate validates cleanup configuration and applies defaults.
func (c *CleanupConfig) Validate() error {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.Retention < 0 {
		return fmt.Errorf("retention cannot be negative")
	}
	if c.Retention == 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	return nil
}

// Validate validates alerts configuration and applies defaults.
func (a *AlertsConfig) Validate() error {
	if a.Debounce <= 0 {
		a.Debounce = 30 * time.Minute
	}
	if a.RateLimitPerMinute <= 0 {
		a.RateLimitPerMinute = 30
	}
	if a.ShutdownTimeout <= 0 {
		a.ShutdownTimeout = 25 * time.Second
	}
	return nil
}
