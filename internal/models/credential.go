package models

import "time"

// TenantCredential stores the OAuth token material for a (tenant, provider)
// pair. It is persisted by the secret store; everything held in memory is an
// advisory copy.
type TenantCredential struct {
	TenantID     string    `json:"tenant_id"`
	Provider     string    `json:"provider"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    int64     `json:"expires_at,omitempty"` // epoch seconds, 0 = never expires
	TokenType    string    `json:"token_type,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NeverExpires reports whether the provider issued the token without an
// expiry.
func (c *TenantCredential) NeverExpires() bool {
	return c.ExpiresAt == 0
}

// ExpiryTime returns the expiry as a time.Time. Only meaningful when
// NeverExpires is false.
func (c *TenantCredential) ExpiryTime() time.Time {
	return time.Unix(c.ExpiresAt, 0)
}

// ExpiredAt reports whether the credential is expired at the given instant,
// once the safety buffer is subtracted from the stored expiry.
func (c *TenantCredential) ExpiredAt(now time.Time, buffer time.Duration) bool {
	if c.NeverExpires() {
		return false
	}
	return !now.Before(c.ExpiryTime().Add(-buffer))
}

// Clone returns a copy so callers can mutate without racing the cache.
func (c *TenantCredential) Clone() *TenantCredential {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}
