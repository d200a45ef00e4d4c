package config

import (
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/tokengate/tokengate/internal/errors"
	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading and hot-reloading
type Loader struct {
	path     string
	mu       sync.RWMutex
	config   *Config
	onChange func(*Config)
	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewLoader creates a new configuration loader
func NewLoader(path string) *Loader {
	return &Loader{
		path:     path,
		stopChan: make(chan struct{}),
	}
}

// Load reads the configuration from the file
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := os.Stat(l.path); err != nil {
		if os.IsNotExist(err) {
			return nil, &errors.ErrConfigNotFound{Path: l.path}
		}
		return nil, err
	}

	content, err := os.ReadFile(l.path)
	if err != nil {
		return nil, &errors.ErrFileRead{Path: l.path, Err: err}
	}

	content = substituteEnvVars(content)
	config, err := Parse(content)
	if err != nil {
		return nil, err
	}

	l.config = config
	return config, nil
}

// Reload forces a reload of the configuration
func (l *Loader) Reload() (*Config, error) {
	config, err := l.Load()
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	onChange := l.onChange
	l.mu.RUnlock()

	if onChange != nil {
		onChange(config)
	}

	return config, nil
}

// Get returns the current configuration
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// SetOnChange sets a callback to be called when configuration changes
func (l *Loader) SetOnChange(fn func(*Config)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

// StartWatcher watches the config file for changes and reloads on write.
func (l *Loader) StartWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(l.path); err != nil {
		watcher.Close()
		return err
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go func() {
		for {
			select {
			case <-l.stopChan:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					_, _ = l.Reload()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return nil
}

// StopWatcher stops the file watcher
func (l *Loader) StopWatcher() {
	l.stopOnce.Do(func() {
		close(l.stopChan)
		l.mu.Lock()
		if l.watcher != nil {
			l.watcher.Close()
		}
		l.mu.Unlock()
	})
}

// Parse parses configuration from a byte slice and applies environment
// variable overrides.
func Parse(data []byte) (*Config, error) {
	var config Config

	config.Server.HTTPPort = 8319
	config.Server.ShutdownTimeout = 30 * time.Second
	config.Server.LogLevel = "info"
	config.Server.LogFormat = "json"

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, &errors.ErrConfigParse{Err: err}
	}

	applyEnvOverrides(&config)

	if err := config.Validate(); err != nil {
		return nil, &errors.ErrConfigValidation{Err: err}
	}

	return &config, nil
}

// applyEnvOverrides maps the environment configuration surface onto the
// parsed config. Durations are given in milliseconds.
func applyEnvOverrides(c *Config) {
	if v, ok := envMillis("REFRESH_BUFFER_MS"); ok {
		c.Refresh.Buffer = v
	}
	if v, ok := envMillis("CHECK_INTERVAL_MS"); ok {
		c.Refresh.CheckInterval = v
	}
	if v, ok := envInt("MAX_RETRY_ATTEMPTS"); ok {
		c.Refresh.MaxRetryAttempts = v
	}
	if v, ok := envInt("CB_FAILURE_THRESHOLD"); ok {
		c.Breaker.FailureThreshold = v
	}
	if v, ok := envInt("CB_SUCCESS_THRESHOLD"); ok {
		c.Breaker.SuccessThreshold = v
	}
	if v, ok := envMillis("CB_RESET_TIMEOUT_MS"); ok {
		c.Breaker.ResetTimeout = v
	}
	if v, ok := envMillis("CB_WINDOW_DURATION_MS"); ok {
		c.Breaker.WindowDuration = v
	}
	if v, ok := envMillis("CACHE_TTL_MS"); ok {
		c.Cache.TTL = v
	}
	if v, ok := envMillis("CACHE_CLEANUP_INTERVAL_MS"); ok {
		c.Cache.CleanupInterval = v
	}
}

func envInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envMillis(key string) (time.Duration, bool) {
	v, ok := envInt(key)
	if !ok {
		return 0, false
	}
	return time.Duration(v) * time.Millisecond, true
}

// LoadFromEnv loads configuration using path from environment variable or default
func LoadFromEnv() (*Config, error) {
	path := os.Getenv("TOKENGATE_CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	loader := NewLoader(path)
	return loader.Load()
}

func substituteEnvVars(content []byte) []byte {
	return []byte(os.ExpandEnv(string(content)))
}
