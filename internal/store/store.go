package store

import (
	"context"

	"github.com/tokengate/tokengate/internal/models"
)

// CredentialStore is the secret-store contract consumed by the OAuth manager
// and the refresh scheduler. Implementations are scoped to one provider; the
// same tenant id may hold independent credentials under different providers.
type CredentialStore interface {
	// GetCredentials returns the stored credential for a tenant, or nil when
	// none exists.
	GetCredentials(ctx context.Context, tenantID string) (*models.TenantCredential, error)

	// StoreCredentials creates or overwrites the credential for a tenant.
	StoreCredentials(ctx context.Context, tenantID string, cred *models.TenantCredential) error

	// DeleteCredentials removes the credential for a tenant. Deleting a
	// missing credential is not an error.
	DeleteCredentials(ctx context.Context, tenantID string) error

	// ListTenantIDs returns every tenant holding a credential under this
	// provider. Used by the refresh scheduler sweep.
	ListTenantIDs(ctx context.Context) ([]string, error)

	// IsTokenExpired reports whether the credential's expiry minus the
	// configured safety buffer has passed.
	IsTokenExpired(cred *models.TenantCredential) bool

	// HealthCheck reports whether the backing storage is reachable.
	HealthCheck(ctx context.Context) bool
}

// Store is the root secret store holding credentials for all providers.
type Store interface {
	// ForProvider returns the provider-scoped credential view.
	ForProvider(provider string) CredentialStore

	// HealthCheck reports whether the backing storage is reachable.
	HealthCheck(ctx context.Context) bool

	// Close releases the underlying resources.
	Close() error
}
