package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	skerrors "github.com/alexjbarnes/sessionkeeper/internal/errors"
	"github.com/alexjbarnes/sessionkeeper/internal/models"
)

// Login authenticates with email and password. The response either
// carries a token pair or a two-factor challenge.
func (c *Client) Login(ctx context.Context, req models.LoginRequest) (*models.AuthResponse, error) {
	var resp models.AuthResponse
	if err := c.do(ctx, c.httpClient, http.MethodPost, "/auth/login", req, &resp); err != nil {
		return nil, fmt.Errorf("logging in: %w", err)
	}

	return &resp, nil
}

// Register creates an account and signs it in.
func (c *Client) Register(ctx context.Context, req models.RegisterRequest) (*models.AuthResponse, error) {
	var resp models.AuthResponse
	if err := c.do(ctx, c.httpClient, http.MethodPost, "/auth/register", req, &resp); err != nil {
		return nil, fmt.Errorf("registering: %w", err)
	}

	return &resp, nil
}

// Refresh exchanges a refresh token for a new pair. It never goes through
// the authenticated transport.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (models.TokenPair, error) {
	var resp models.RefreshResponse

	err := c.do(ctx, c.httpClient, http.MethodPost, "/auth/refresh", models.RefreshRequest{RefreshToken: refreshToken}, &resp)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("refreshing tokens: %w", err)
	}

	if resp.Tokens == nil || resp.Tokens.AccessToken == "" || resp.Tokens.RefreshToken == "" {
		// Only an explicit rejection may end the session.
		return models.TokenPair{}, &skerrors.TransientError{Err: fmt.Errorf("refreshing tokens: %w: missing tokens", skerrors.ErrAPIResponse)}
	}

	return *resp.Tokens, nil
}

// Verify2FA completes a login challenge with a TOTP or backup code.
func (c *Client) Verify2FA(ctx context.Context, req models.Verify2FARequest) (*models.AuthResponse, error) {
	var resp models.AuthResponse
	if err := c.do(ctx, c.httpClient, http.MethodPost, "/auth/2fa/verify", req, &resp); err != nil {
		return nil, fmt.Errorf("verifying two-factor code: %w", err)
	}

	return &resp, nil
}

// OAuthAuthorize asks the server for a provider authorization URL and the
// state nonce bound to it. Link mode requires an authenticated session.
func (c *Client) OAuthAuthorize(ctx context.Context, provider string, mode models.OAuthMode) (*models.OAuthAuthorizeResponse, error) {
	endpoint := "/auth/oauth/" + url.PathEscape(provider) + "/authorize"
	hc := c.httpClient

	if mode == models.OAuthModeLink {
		endpoint += "?mode=link"
		hc = c.authClient
	}

	var resp models.OAuthAuthorizeResponse
	if err := c.do(ctx, hc, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("starting %s oauth: %w", provider, err)
	}

	if resp.URL == "" || resp.State == "" {
		return nil, fmt.Errorf("starting %s oauth: %w: missing url or state", provider, skerrors.ErrAPIResponse)
	}

	return &resp, nil
}

// OAuthCallback exchanges an authorization code for a session.
func (c *Client) OAuthCallback(ctx context.Context, provider string, req models.OAuthCallbackRequest) (*models.AuthResponse, error) {
	var resp models.AuthResponse

	endpoint := "/auth/oauth/" + url.PathEscape(provider) + "/callback"
	if err := c.do(ctx, c.httpClient, http.MethodPost, endpoint, req, &resp); err != nil {
		return nil, fmt.Errorf("completing %s oauth: %w", provider, err)
	}

	return &resp, nil
}

// OAuthLink attaches a provider identity to the signed-in account.
func (c *Client) OAuthLink(ctx context.Context, provider string, req models.OAuthCallbackRequest) (*models.User, error) {
	var resp models.UserResponse

	endpoint := "/auth/oauth/" + url.PathEscape(provider) + "/link"
	if err := c.do(ctx, c.authClient, http.MethodPost, endpoint, req, &resp); err != nil {
		return nil, fmt.Errorf("linking %s: %w", provider, err)
	}

	return resp.User, nil
}

// OAuthUnlink detaches a provider identity.
func (c *Client) OAuthUnlink(ctx context.Context, provider string) error {
	endpoint := "/auth/oauth/" + url.PathEscape(provider) + "/link"
	if err := c.do(ctx, c.authClient, http.MethodDelete, endpoint, nil, nil); err != nil {
		return fmt.Errorf("unlinking %s: %w", provider, err)
	}

	return nil
}

// Sessions lists the user's device sessions.
func (c *Client) Sessions(ctx context.Context) ([]models.Session, error) {
	var resp models.SessionsResponse
	if err := c.do(ctx, c.authClient, http.MethodGet, "/auth/sessions", nil, &resp); err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	return resp.Sessions, nil
}

// RevokeSession revokes one session by id.
func (c *Client) RevokeSession(ctx context.Context, id string) error {
	if err := c.do(ctx, c.authClient, http.MethodDelete, "/auth/sessions/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}

	return nil
}

// Logout ends the given session server-side.
func (c *Client) Logout(ctx context.Context, sessionID string) error {
	if err := c.do(ctx, c.authClient, http.MethodPost, "/auth/logout", models.LogoutRequest{SessionID: sessionID}, nil); err != nil {
		return fmt.Errorf("logging out: %w", err)
	}

	return nil
}

// LogoutAll revokes every session except exceptSessionID, if set, and
// returns how many were revoked.
func (c *Client) LogoutAll(ctx context.Context, exceptSessionID string) (int, error) {
	var resp models.LogoutAllResponse

	err := c.do(ctx, c.authClient, http.MethodPost, "/auth/logout-all", models.LogoutAllRequest{ExceptSessionID: exceptSessionID}, &resp)
	if err != nil {
		return 0, fmt.Errorf("logging out all devices: %w", err)
	}

	return resp.RevokedCount, nil
}

// Enable2FA starts two-factor enrolment.
func (c *Client) Enable2FA(ctx context.Context) (*models.Enable2FAResponse, error) {
	var resp models.Enable2FAResponse
	if err := c.do(ctx, c.authClient, http.MethodPost, "/auth/2fa/enable", struct{}{}, &resp); err != nil {
		return nil, fmt.Errorf("enabling two-factor: %w", err)
	}

	return &resp, nil
}

// Confirm2FA finishes enrolment and returns the initial backup codes.
func (c *Client) Confirm2FA(ctx context.Context, code string) ([]string, error) {
	var resp models.BackupCodesResponse
	if err := c.do(ctx, c.authClient, http.MethodPost, "/auth/2fa/confirm", models.CodeRequest{Code: code}, &resp); err != nil {
		return nil, fmt.Errorf("confirming two-factor: %w", err)
	}

	return resp.BackupCodes, nil
}

// Disable2FA turns two-factor off.
func (c *Client) Disable2FA(ctx context.Context, code, password string) error {
	req := models.Disable2FARequest{Code: code, Password: password}
	if err := c.do(ctx, c.authClient, http.MethodPost, "/auth/2fa/disable", req, nil); err != nil {
		return fmt.Errorf("disabling two-factor: %w", err)
	}

	return nil
}

// RegenerateBackupCodes replaces the backup codes.
func (c *Client) RegenerateBackupCodes(ctx context.Context, code string) ([]string, error) {
	var resp models.BackupCodesResponse
	if err := c.do(ctx, c.authClient, http.MethodPost, "/auth/2fa/backup-codes", models.CodeRequest{Code: code}, &resp); err != nil {
		return nil, fmt.Errorf("regenerating backup codes: %w", err)
	}

	return resp.BackupCodes, nil
}

// ForgotPassword requests a reset email.
func (c *Client) ForgotPassword(ctx context.Context, email string) error {
	if err := c.do(ctx, c.httpClient, http.MethodPost, "/auth/password/forgot", models.ForgotPasswordRequest{Email: email}, nil); err != nil {
		return fmt.Errorf("requesting password reset: %w", err)
	}

	return nil
}

// ResetPassword sets a new password using a reset token.
func (c *Client) ResetPassword(ctx context.Context, token, password string) error {
	req := models.ResetPasswordRequest{Token: token, Password: password}
	if err := c.do(ctx, c.httpClient, http.MethodPost, "/auth/password/reset", req, nil); err != nil {
		return fmt.Errorf("resetting password: %w", err)
	}

	return nil
}

// ChangePassword changes the password of the signed-in user.
func (c *Client) ChangePassword(ctx context.Context, current, next string) error {
	req := models.ChangePasswordRequest{CurrentPassword: current, NewPassword: next}
	if err := c.do(ctx, c.authClient, http.MethodPost, "/auth/password/change", req, nil); err != nil {
		return fmt.Errorf("changing password: %w", err)
	}

	return nil
}

// Me fetches the profile of the signed-in user.
func (c *Client) Me(ctx context.Context) (*models.User, error) {
	var resp models.UserResponse
	if err := c.do(ctx, c.authClient, http.MethodGet, "/auth/me", nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching profile: %w", err)
	}

	if resp.User == nil {
		return nil, fmt.Errorf("fetching profile: %w: missing user", skerrors.ErrAPIResponse)
	}

	return resp.User, nil
}

// UpdateProfile patches the profile and returns the updated user.
func (c *Client) UpdateProfile(ctx context.Context, update models.ProfileUpdate) (*models.User, error) {
	var resp models.UserResponse
	if err := c.do(ctx, c.authClient, http.MethodPatch, "/auth/me", update, &resp); err != nil {
		return nil, fmt.Errorf("updating profile: %w", err)
	}

	if resp.User == nil {
		return nil, fmt.Errorf("updating profile: %w: missing user", skerrors.ErrAPIResponse)
	}

	return resp.User, nil
}

// EventsURL returns the WebSocket URL of the session event stream.
func (c *Client) EventsURL() string {
	u, err := url.Parse(c.baseURL + "/auth/sessions/events")
	if err != nil {
		return ""
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	return u.String()
}
