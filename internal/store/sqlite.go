package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tokengate/tokengate/internal/errors"
	"github.com/tokengate/tokengate/internal/logging"
	"github.com/tokengate/tokengate/internal/models"
	_ "modernc.org/sqlite"
)

// DefaultExpiryBuffer is the safety margin subtracted from a credential's
// expiry when deciding whether it is still usable.
const DefaultExpiryBuffer = 30 * time.Second

// SQLiteStore persists tenant credentials in SQLite with WAL mode.
// It is thread-safe and supports concurrent access.
type SQLiteStore struct {
	mu           sync.RWMutex
	db           *sql.DB
	logger       *logging.Logger
	expiryBuffer time.Duration
}

// NewSQLiteStore creates a new SQLite store with WAL mode enabled.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithBuffer(dbPath, DefaultExpiryBuffer)
}

// NewSQLiteStoreWithBuffer creates a SQLite store with a custom expiry
// safety buffer.
func NewSQLiteStoreWithBuffer(dbPath string, expiryBuffer time.Duration) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &errors.ErrDirectoryCreate{Path: dir, Err: err}
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)&_pragma=cache_size(2000)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{
		db:           db,
		logger:       logging.NewLogger().With("store"),
		expiryBuffer: expiryBuffer,
	}, nil
}

// runMigrations runs database migrations
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "create migrations table", Err: err}
	}

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "get current migration version", Err: err}
	}

	migrations := []struct {
		version int
		up      string
	}{
		{
			version: 1,
			up: `
				CREATE TABLE IF NOT EXISTS tenant_credentials (
					tenant_id TEXT NOT NULL,
					provider TEXT NOT NULL,
					data TEXT NOT NULL,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (tenant_id, provider)
				);

				CREATE INDEX IF NOT EXISTS idx_tenant_credentials_provider ON tenant_credentials(provider);
			`,
		},
	}

	tx, err := db.Begin()
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "begin transaction", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, m := range migrations {
		if m.version > currentVersion {
			if _, err := tx.Exec(m.up); err != nil {
				return &errors.ErrDatabaseMigration{Version: m.version, Err: err}
			}
			if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
				return &errors.ErrDatabaseMigration{Version: m.version, Err: err}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "commit migrations", Err: err}
	}

	return nil
}

// ForProvider returns the provider-scoped credential view.
func (s *SQLiteStore) ForProvider(provider string) CredentialStore {
	return &sqliteProviderStore{store: s, provider: provider}
}

// DB exposes the underlying handle for maintenance tasks.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// HealthCheck reports whether the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// sqliteProviderStore is the per-provider view over the shared database.
type sqliteProviderStore struct {
	store    *SQLiteStore
	provider string
}

// GetCredentials retrieves the credential for a tenant, nil when absent.
func (p *sqliteProviderStore) GetCredentials(ctx context.Context, tenantID string) (*models.TenantCredential, error) {
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()

	var data string
	var updatedAt time.Time
	err := p.store.db.QueryRowContext(ctx, `
		SELECT data, updated_at FROM tenant_credentials WHERE tenant_id = ? AND provider = ?
	`, tenantID, p.provider).Scan(&data, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "get credentials", Err: err}
	}

	var cred models.TenantCredential
	if err := json.Unmarshal([]byte(data), &cred); err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "decode credentials", Err: err}
	}
	cred.TenantID = tenantID
	cred.Provider = p.provider
	cred.UpdatedAt = updatedAt
	return &cred, nil
}

// StoreCredentials creates or overwrites the credential for a tenant.
func (p *sqliteProviderStore) StoreCredentials(ctx context.Context, tenantID string, cred *models.TenantCredential) error {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()

	if cred == nil {
		return nil
	}
	cred.TenantID = tenantID
	cred.Provider = p.provider
	cred.UpdatedAt = time.Now()
	data, err := json.Marshal(cred)
	if err != nil {
		return err
	}

	_, err = p.store.db.ExecContext(ctx, `
		INSERT INTO tenant_credentials (tenant_id, provider, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, provider) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`, tenantID, p.provider, string(data), cred.UpdatedAt)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "store credentials", Err: err}
	}
	return nil
}

// DeleteCredentials removes the credential for a tenant.
func (p *sqliteProviderStore) DeleteCredentials(ctx context.Context, tenantID string) error {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()

	_, err := p.store.db.ExecContext(ctx, `
		DELETE FROM tenant_credentials WHERE tenant_id = ? AND provider = ?
	`, tenantID, p.provider)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "delete credentials", Err: err}
	}
	return nil
}

// ListTenantIDs returns every tenant with a credential under this provider.
func (p *sqliteProviderStore) ListTenantIDs(ctx context.Context) ([]string, error) {
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()

	rows, err := p.store.db.QueryContext(ctx, `
		SELECT tenant_id FROM tenant_credentials WHERE provider = ? ORDER BY tenant_id
	`, p.provider)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "list tenants", Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IsTokenExpired applies the safety buffer to the credential expiry.
func (p *sqliteProviderStore) IsTokenExpired(cred *models.TenantCredential) bool {
	if cred == nil {
		return true
	}
	return cred.ExpiredAt(time.Now(), p.store.expiryBuffer)
}

// HealthCheck reports whether the database is reachable.
func (p *sqliteProviderStore) HealthCheck(ctx context.Context) bool {
	return p.store.HealthCheck(ctx)
}
