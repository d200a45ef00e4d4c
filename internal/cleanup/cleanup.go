package cleanup

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/tokengate/tokengate/internal/logging"
	"github.com/tokengate/tokengate/internal/models"
)

// Config contains the maintenance manager configuration.
type Config struct {
	// Interval between maintenance runs.
	Interval time.Duration `yaml:"interval"`
	// Retention is how long an expired credential without a refresh token
	// is kept before being purged. Zero disables purging.
	Retention time.Duration `yaml:"retention"`
	// AnalyzeEnabled runs ANALYZE after each purge pass.
	AnalyzeEnabled bool `yaml:"analyze_enabled"`
}

// DefaultConfig returns the default maintenance configuration.
func DefaultConfig() Config {
	return Config{
		Interval:       time.Hour,
		Retention:      30 * 24 * time.Hour,
		AnalyzeEnabled: true,
	}
}

// Stats contains maintenance statistics.
type Stats struct {
	TotalRuns    int       `json:"total_runs"`
	TotalPurged  int64     `json:"total_purged"`
	LastRunAt    time.Time `json:"last_run_at"`
	LastRunError string    `json:"last_run_error,omitempty"`
}

// Manager periodically purges abandoned credentials and keeps the SQLite
// file healthy (WAL checkpoint, ANALYZE). A credential is abandoned when
// it expired more than Retention ago and has no refresh token, so the
// tenant must re-authorize regardless.
type Manager struct {
	db     *sql.DB
	config Config
	logger *logging.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	stats   Stats

	now func() time.Time
}

// NewManager creates a maintenance manager over the store's database.
func NewManager(db *sql.DB, cfg Config, logger *logging.Logger) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if logger == nil {
		logger = logging.NewLogger()
	}
	return &Manager{
		db:     db,
		config: cfg,
		logger: logger.With("cleanup"),
		now:    time.Now,
	}
}

// Start launches the periodic maintenance loop.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.loop()
	m.logger.Info("maintenance started",
		"interval", m.config.Interval.String(),
		"retention", m.config.Retention.String())
}

// Stop halts the loop and waits for an in-flight run to finish.
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

// Stats returns a copy of the maintenance statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Manager) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Run(context.Background())
		}
	}
}

// Run executes one maintenance pass.
func (m *Manager) Run(ctx context.Context) {
	purged, err := m.purgeAbandoned(ctx)

	m.mu.Lock()
	m.stats.TotalRuns++
	m.stats.TotalPurged += purged
	m.stats.LastRunAt = m.now()
	m.stats.LastRunError = ""
	if err != nil {
		m.stats.LastRunError = err.Error()
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("maintenance run failed", "error", err.Error())
		return
	}

	if purged > 0 {
		m.logger.Info("purged abandoned credentials", "count", purged)
	}

	m.checkpoint(ctx)
}

// purgeAbandoned deletes credentials that expired more than Retention ago
// and carry no refresh token. Rows are decoded in Go because the token
// material lives in a JSON column.
func (m *Manager) purgeAbandoned(ctx context.Context) (int64, error) {
	if m.config.Retention <= 0 {
		return 0, nil
	}
	cutoff := m.now().Add(-m.config.Retention).Unix()

	rows, err := m.db.QueryContext(ctx, "SELECT tenant_id, provider, data FROM tenant_credentials")
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	type key struct{ tenant, provider string }
	var abandoned []key
	for rows.Next() {
		var k key
		var data string
		if err := rows.Scan(&k.tenant, &k.provider, &data); err != nil {
			return 0, err
		}
		var cred models.TenantCredential
		if err := json.Unmarshal([]byte(data), &cred); err != nil {
			continue
		}
		if cred.NeverExpires() || cred.RefreshToken != "" {
			continue
		}
		if cred.ExpiresAt < cutoff {
			abandoned = append(abandoned, k)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var purged int64
	for _, k := range abandoned {
		res, err := m.db.ExecContext(ctx,
			"DELETE FROM tenant_credentials WHERE tenant_id = ? AND provider = ?",
			k.tenant, k.provider)
		if err != nil {
			return purged, err
		}
		if n, err := res.RowsAffected(); err == nil {
			purged += n
		}
	}
	return purged, nil
}

// checkpoint trims the WAL file and refreshes planner statistics.
func (m *Manager) checkpoint(ctx context.Context) {
	if _, err := m.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		m.logger.Warn("wal checkpoint failed", "error", err.Error())
	}
	if m.config.AnalyzeEnabled {
		if _, err := m.db.ExecContext(ctx, "ANALYZE"); err != nil {
			m.logger.Warn("analyze failed", "error", err.Error())
		}
	}
}
