package models

import "time"

// PendingAuthState is the ephemeral CSRF-protection record created when an
// authorization URL is issued. It is consumed at most once by a matching
// callback and self-destructs after its TTL.
type PendingAuthState struct {
	State     string    `json:"state"`
	TenantID  string    `json:"tenant_id"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the record's TTL has elapsed.
func (p *PendingAuthState) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// AuthState describes where a tenant sits in the credential lifecycle.
type AuthState string

const (
	// AuthStateUnauthenticated means no credential is stored for the tenant.
	AuthStateUnauthenticated AuthState = "unauthenticated"
	// AuthStateAuthenticated means a non-expired credential is stored.
	AuthStateAuthenticated AuthState = "authenticated"
	// AuthStateNeedsRefresh means the credential is within the safety buffer
	// of expiry but can still be refreshed.
	AuthStateNeedsRefresh AuthState = "needs_refresh"
	// AuthStateNeedsReauth means refresh is impossible (no refresh token) and
	// the tenant must run the authorization flow again.
	AuthStateNeedsReauth AuthState = "needs_reauth"
)
