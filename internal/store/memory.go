package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tokengate/tokengate/internal/models"
)

// MemoryStore is an in-memory credential store used in tests and for
// ephemeral deployments.
type MemoryStore struct {
	mu           sync.RWMutex
	creds        map[string]map[string]*models.TenantCredential // provider -> tenant -> cred
	expiryBuffer time.Duration
	closed       bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithBuffer(DefaultExpiryBuffer)
}

// NewMemoryStoreWithBuffer creates an in-memory store with a custom
// expiry safety buffer.
func NewMemoryStoreWithBuffer(expiryBuffer time.Duration) *MemoryStore {
	return &MemoryStore{
		creds:        make(map[string]map[string]*models.TenantCredential),
		expiryBuffer: expiryBuffer,
	}
}

// ForProvider returns the provider-scoped credential view.
func (s *MemoryStore) ForProvider(provider string) CredentialStore {
	return &memoryProviderStore{store: s, provider: provider}
}

// HealthCheck reports whether the store is usable.
func (s *MemoryStore) HealthCheck(ctx context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type memoryProviderStore struct {
	store    *MemoryStore
	provider string
}

func (p *memoryProviderStore) GetCredentials(ctx context.Context, tenantID string) (*models.TenantCredential, error) {
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()

	byTenant, ok := p.store.creds[p.provider]
	if !ok {
		return nil, nil
	}
	cred, ok := byTenant[tenantID]
	if !ok {
		return nil, nil
	}
	return cred.Clone(), nil
}

func (p *memoryProviderStore) StoreCredentials(ctx context.Context, tenantID string, cred *models.TenantCredential) error {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()

	if cred == nil {
		return nil
	}
	c := cred.Clone()
	c.TenantID = tenantID
	c.Provider = p.provider
	c.UpdatedAt = time.Now()

	byTenant, ok := p.store.creds[p.provider]
	if !ok {
		byTenant = make(map[string]*models.TenantCredential)
		p.store.creds[p.provider] = byTenant
	}
	byTenant[tenantID] = c
	return nil
}

func (p *memoryProviderStore) DeleteCredentials(ctx context.Context, tenantID string) error {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()

	if byTenant, ok := p.store.creds[p.provider]; ok {
		delete(byTenant, tenantID)
	}
	return nil
}

func (p *memoryProviderStore) ListTenantIDs(ctx context.Context) ([]string, error) {
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()

	byTenant := p.store.creds[p.provider]
	ids := make([]string, 0, len(byTenant))
	for id := range byTenant {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *memoryProviderStore) IsTokenExpired(cred *models.TenantCredential) bool {
	if cred == nil {
		return true
	}
	return cred.ExpiredAt(time.Now(), p.store.expiryBuffer)
}

func (p *memoryProviderStore) HealthCheck(ctx context.Context) bool {
	return p.store.HealthCheck(ctx)
}
