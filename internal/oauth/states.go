package oauth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/tokengate/tokengate/internal/models"
)

// PendingStates holds authorization states awaiting their callback. A
// state is single use: consuming it removes it, so a replayed callback
// with the same state is rejected.
type PendingStates struct {
	mu     sync.Mutex
	states map[string]*models.PendingAuthState
	ttl    time.Duration

	now func() time.Time
}

// NewPendingStates creates a registry with the given state lifetime.
func NewPendingStates(ttl time.Duration) *PendingStates {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &PendingStates{
		states: make(map[string]*models.PendingAuthState),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Create generates a fresh random state for a tenant and records it.
func (p *PendingStates) Create(tenantID, provider string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	state := hex.EncodeToString(buf)

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.states[state] = &models.PendingAuthState{
		State:     state,
		TenantID:  tenantID,
		Provider:  provider,
		CreatedAt: now,
		ExpiresAt: now.Add(p.ttl),
	}
	return state, nil
}

// Consume retrieves and removes a pending state. It returns
// ErrInvalidState for unknown, expired, or already-consumed states.
func (p *PendingStates) Consume(state string) (*models.PendingAuthState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pending, ok := p.states[state]
	if !ok {
		return nil, ErrInvalidState
	}
	delete(p.states, state)

	if pending.Expired(p.now()) {
		return nil, ErrInvalidState
	}
	return pending, nil
}

// Sweep removes expired states and returns how many were dropped.
func (p *PendingStates) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	dropped := 0
	for state, pending := range p.states {
		if pending.Expired(now) {
			delete(p.states, state)
			dropped++
		}
	}
	return dropped
}

// Has reports whether a non-expired pending state exists without
// consuming it.
func (p *PendingStates) Has(state string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	pending, ok := p.states[state]
	return ok && !pending.Expired(p.now())
}

// EvictTenant drops any pending states issued for a tenant. Used on
// revocation so a stale authorization cannot complete afterwards.
func (p *PendingStates) EvictTenant(tenantID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	dropped := 0
	for state, pending := range p.states {
		if pending.TenantID == tenantID {
			delete(p.states, state)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of pending states.
func (p *PendingStates) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.states)
}
