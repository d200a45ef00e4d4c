package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Condition is a standing needs-reauth marker for a tenant. Once set,
// the scheduler stops retrying the tenant until the condition is cleared
// by a fresh authorization.
type Condition struct {
	Provider string    `json:"provider"`
	TenantID string    `json:"tenant_id"`
	Reason   string    `json:"reason"`
	Since    time.Time `json:"since"`
}

// Conditions tracks needs-reauth conditions across providers.
type Conditions struct {
	mu    sync.RWMutex
	items map[string]Condition
}

// NewConditions creates an empty condition registry.
func NewConditions() *Conditions {
	return &Conditions{items: make(map[string]Condition)}
}

func conditionKey(provider, tenantID string) string {
	return provider + "/" + tenantID
}

// Set records a needs-reauth condition, keeping the original timestamp
// if one already exists.
func (c *Conditions) Set(provider, tenantID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := conditionKey(provider, tenantID)
	if existing, ok := c.items[key]; ok {
		existing.Reason = reason
		c.items[key] = existing
		return
	}
	c.items[key] = Condition{
		Provider: provider,
		TenantID: tenantID,
		Reason:   reason,
		Since:    time.Now(),
	}
}

// Clear removes the condition for a tenant, returning whether one existed.
func (c *Conditions) Clear(provider, tenantID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := conditionKey(provider, tenantID)
	_, ok := c.items[key]
	delete(c.items, key)
	return ok
}

// Has reports whether a tenant is marked as needing re-authorization.
func (c *Conditions) Has(provider, tenantID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.items[conditionKey(provider, tenantID)]
	return ok
}

// Get returns the condition for a tenant if one exists.
func (c *Conditions) Get(provider, tenantID string) (Condition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cond, ok := c.items[conditionKey(provider, tenantID)]
	return cond, ok
}

// List returns all standing conditions ordered by provider then tenant.
func (c *Conditions) List() []Condition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Condition, 0, len(c.items))
	for _, cond := range c.items {
		out = append(out, cond)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].TenantID < out[j].TenantID
	})
	return out
}

// CountByProvider returns how many conditions stand per provider.
func (c *Conditions) CountByProvider() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	counts := make(map[string]int)
	for _, cond := range c.items {
		counts[cond.Provider]++
	}
	return counts
}
