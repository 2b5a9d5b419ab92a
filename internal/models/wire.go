package models

import "encoding/json"

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email      string     `json:"email"`
	Password   string     `json:"password"`
	DeviceInfo DeviceInfo `json:"device_info"`
}

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Email      string     `json:"email"`
	Password   string     `json:"password"`
	Name       string     `json:"name,omitempty"`
	DeviceInfo DeviceInfo `json:"device_info"`
}

// AuthResponse is the login-shaped response shared by login, register,
// 2FA verify and the OAuth callback. Error is kept raw because servers
// send either a string or a {code,message} object.
type AuthResponse struct {
	Success        bool            `json:"success"`
	User           *User           `json:"user,omitempty"`
	Tokens         *TokenPair      `json:"tokens,omitempty"`
	SessionID      string          `json:"sessionId,omitempty"`
	Requires2FA    bool            `json:"requires2FA,omitempty"`
	TwoFactorToken string          `json:"twoFactorToken,omitempty"`
	Error          json.RawMessage `json:"error,omitempty"`
}

// RefreshRequest is the body of POST /auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// RefreshResponse is the response of POST /auth/refresh.
type RefreshResponse struct {
	Success bool            `json:"success"`
	Tokens  *TokenPair      `json:"tokens,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// Verify2FARequest is the body of POST /auth/2fa/verify.
type Verify2FARequest struct {
	TwoFactorToken string     `json:"two_factor_token"`
	Code           string     `json:"code"`
	IsBackupCode   bool       `json:"is_backup_code"`
	DeviceInfo     DeviceInfo `json:"device_info"`
}

// OAuthAuthorizeResponse is the response of GET /auth/oauth/{provider}/authorize.
type OAuthAuthorizeResponse struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

// OAuthCallbackRequest is the body of the OAuth callback and link exchanges.
type OAuthCallbackRequest struct {
	Code       string      `json:"code"`
	State      string      `json:"state"`
	DeviceInfo *DeviceInfo `json:"device_info,omitempty"`
}

// SessionsResponse is the response of GET /auth/sessions.
type SessionsResponse struct {
	Sessions []Session `json:"sessions"`
}

// LogoutRequest is the body of POST /auth/logout.
type LogoutRequest struct {
	SessionID string `json:"session_id"`
}

// LogoutAllRequest is the body of POST /auth/logout-all.
type LogoutAllRequest struct {
	ExceptSessionID string `json:"except_session_id,omitempty"`
}

// LogoutAllResponse is the response of POST /auth/logout-all.
type LogoutAllResponse struct {
	Success      bool `json:"success"`
	RevokedCount int  `json:"revoked_count"`
}

// SuccessResponse is the generic {success, error?} response.
type SuccessResponse struct {
	Success bool            `json:"success"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// Enable2FAResponse is the response of POST /auth/2fa/enable.
type Enable2FAResponse struct {
	Success    bool   `json:"success"`
	Secret     string `json:"secret"`
	OTPAuthURL string `json:"otpauth_url"`
}

// CodeRequest carries a single 2FA code.
type CodeRequest struct {
	Code string `json:"code"`
}

// Disable2FARequest is the body of POST /auth/2fa/disable.
type Disable2FARequest struct {
	Code     string `json:"code"`
	Password string `json:"password"`
}

// BackupCodesResponse carries freshly generated backup codes.
type BackupCodesResponse struct {
	Success     bool     `json:"success"`
	BackupCodes []string `json:"backup_codes"`
}

// ForgotPasswordRequest is the body of POST /auth/password/forgot.
type ForgotPasswordRequest struct {
	Email string `json:"email"`
}

// ResetPasswordRequest is the body of POST /auth/password/reset.
type ResetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// ChangePasswordRequest is the body of POST /auth/password/change.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// ProfileUpdate is the body of PATCH /auth/me.
type ProfileUpdate struct {
	Name      *string `json:"name,omitempty"`
	AvatarURL *string `json:"avatar_url,omitempty"`
}

// UserResponse is the response of GET/PATCH /auth/me and the OAuth link
// exchange.
type UserResponse struct {
	Success bool            `json:"success"`
	User    *User           `json:"user,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// SessionEvent is a frame of the session event stream.
type SessionEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// Session event types.
const (
	EventSessionRevoked = "session_revoked"
	EventLogoutAll      = "logout_all"
)
