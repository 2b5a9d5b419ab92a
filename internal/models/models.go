// Package models defines types shared across internal packages: the
// domain values the engine exposes and the JSON shapes of the wire
// contract.
package models

import "time"

// AuthStatus is the single authoritative status of a session manager.
type AuthStatus string

const (
	StatusIdle            AuthStatus = "idle"
	StatusLoading         AuthStatus = "loading"
	StatusAuthenticated   AuthStatus = "authenticated"
	StatusUnauthenticated AuthStatus = "unauthenticated"
	StatusRequires2FA     AuthStatus = "requires_2fa"
)

// SessionStatus is the server-side lifecycle state of a device session.
type SessionStatus string

const (
	SessionActive     SessionStatus = "active"
	SessionExpired    SessionStatus = "expired"
	SessionRevoked    SessionStatus = "revoked"
	SessionPending2FA SessionStatus = "pending_2fa"
)

// OAuthMode selects what a completed OAuth flow produces.
type OAuthMode string

const (
	OAuthModeLogin OAuthMode = "login"
	OAuthModeLink  OAuthMode = "link"
)

// TokenPair is the current access/refresh token pair.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Empty reports whether the pair carries no access token.
func (p TokenPair) Empty() bool {
	return p.AccessToken == ""
}

// User is the cached profile of the authenticated user.
type User struct {
	ID               string   `json:"id"`
	Email            string   `json:"email"`
	Name             string   `json:"name,omitempty"`
	AvatarURL        string   `json:"avatar_url,omitempty"`
	TwoFactorEnabled bool     `json:"two_factor_enabled"`
	LinkedProviders  []string `json:"linked_providers,omitempty"`
}

// DeviceInfo describes the calling device. Sent as device_info with every
// session-creating request; used for labeling only.
type DeviceInfo struct {
	DeviceID  string `json:"device_id"`
	Name      string `json:"name,omitempty"`
	Platform  string `json:"platform,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Session is a known device session of the current user.
type Session struct {
	ID           string        `json:"id"`
	DeviceID     string        `json:"device_id"`
	DeviceInfo   DeviceInfo    `json:"device_info"`
	IPAddress    string        `json:"ip_address,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
	Status       SessionStatus `json:"status"`
	Current      bool          `json:"current"`
}

// OAuthFlowState is the in-progress state of a redirect-based OAuth flow.
type OAuthFlowState struct {
	Provider string    `json:"provider"`
	State    string    `json:"state"`
	Mode     OAuthMode `json:"mode"`
}
