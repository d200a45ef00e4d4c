package alerts

import (
	"time"
)

// Severity represents alert severity level
type Severity string

const (
	// SeverityInfo is for informational alerts
	SeverityInfo Severity = "info"
	// SeverityWarning is for warning alerts
	SeverityWarning Severity = "warning"
	// SeverityCritical is for critical alerts
	SeverityCritical Severity = "critical"
)

// AlertType represents the type of alert
type AlertType string

const (
	// AlertTypeReauthRequired fires when a tenant's refresh token is dead
	// and a human has to re-run the authorization flow.
	AlertTypeReauthRequired AlertType = "reauth_required"
	// AlertTypeRefreshFailed fires when a refresh keeps failing after the
	// configured retries.
	AlertTypeRefreshFailed AlertType = "refresh_failed"
	// AlertTypeBreakerOpen fires when a dependency's circuit opens.
	AlertTypeBreakerOpen AlertType = "breaker_open"
)

// Alert represents an alert to be sent
type Alert struct {
	ID        string
	Provider  string
	TenantID  string
	Type      AlertType
	Severity  Severity
	Title     string
	Message   string
	Timestamp time.Time
}

// AlertKey creates a unique key for deduplication
func (a *Alert) AlertKey() string {
	return a.Provider + ":" + a.TenantID + ":" + string(a.Type)
}

// AlertRecord represents a sent alert record for deduplication
type AlertRecord struct {
	AlertKey string
	SentAt   time.Time
	Count    int
}

// MuteState represents the mute state for alerts
type MuteState struct {
	Muted  bool
	Until  time.Time
	Reason string
}

// IsMuted checks if alerts are currently muted
func (m *MuteState) IsMuted() bool {
	if !m.Muted {
		return false
	}
	if time.Now().After(m.Until) {
		m.Muted = false
		return false
	}
	return true
}

// RemainingMuteTime returns the remaining mute duration
func (m *MuteState) RemainingMuteTime() time.Duration {
	if !m.IsMuted() {
		return 0
	}
	return time.Until(m.Until)
}
