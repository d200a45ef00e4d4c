package oauth

import (
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// OAuthError wraps a failed credential operation with its tenant and
// provider context. ReauthRequired marks terminal failures that no retry
// can fix; the tenant has to go through the authorization flow again.
type OAuthError struct {
	TenantID       string
	Provider       string
	Op             string
	ReauthRequired bool
	Err            error
}

func (e *OAuthError) Error() string {
	msg := fmt.Sprintf("oauth %s failed for tenant %s (provider %s)", e.Op, e.TenantID, e.Provider)
	if e.ReauthRequired {
		msg += ", re-authorization required"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OAuthError) Unwrap() error {
	return e.Err
}

// IsReauthRequired reports whether err represents a terminal credential
// failure that requires the tenant to re-authorize.
func IsReauthRequired(err error) bool {
	var oe *OAuthError
	return errors.As(err, &oe) && oe.ReauthRequired
}

// ErrInvalidState is returned when a callback carries an unknown,
// expired, or already-consumed state parameter.
var ErrInvalidState = errors.New("invalid or expired authorization state")

// ErrNoCredentials is the cause inside an OAuthError when the tenant has
// no stored credential.
var ErrNoCredentials = errors.New("no credentials stored")

// ErrNoRefreshToken is the cause inside an OAuthError when a refresh was
// attempted without a refresh token on file.
var ErrNoRefreshToken = errors.New("no refresh token available")

// isTerminalTokenError reports whether a token endpoint error means the
// grant itself is dead rather than the provider being unavailable.
func isTerminalTokenError(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	if re.ErrorCode == "invalid_grant" {
		return true
	}
	return re.Response != nil && (re.Response.StatusCode == 400 || re.Response.StatusCode == 401)
}
