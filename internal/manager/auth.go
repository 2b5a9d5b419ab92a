package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/sessionkeeper/internal/credentials"
	skerrors "github.com/alexjbarnes/sessionkeeper/internal/errors"
	"github.com/alexjbarnes/sessionkeeper/internal/models"
	"github.com/alexjbarnes/sessionkeeper/internal/stepup"
)

// RegisterInput is the account registration form.
type RegisterInput struct {
	Email           string
	Password        string
	ConfirmPassword string
	Name            string
}

// Login submits primary credentials. When the account has two-factor on
// the status becomes requires_2fa and Result.Requires2FA is set.
func (m *Manager) Login(ctx context.Context, email, password string) (*Result, error) {
	m.begin("")

	email, err := credentials.ValidateEmail(email)
	if err != nil {
		return m.fail(skerrors.CodeLoginError, err)
	}

	if password == "" {
		return m.fail(skerrors.CodeLoginError, fmt.Errorf("%w: password", skerrors.ErrMissingField))
	}

	m.setStatus(models.StatusLoading)

	out, err := m.step.Submit(ctx, email, password)

	return m.afterStep(ctx, skerrors.CodeLoginError, out, err)
}

// Verify2FA answers the pending challenge. A wrong code keeps the status
// at requires_2fa so the user can try again.
func (m *Manager) Verify2FA(ctx context.Context, code string, isBackupCode bool) (*Result, error) {
	m.begin("")

	if code == "" {
		return m.fail(skerrors.CodeVerify2FAError, fmt.Errorf("%w: code", skerrors.ErrMissingField))
	}

	out, err := m.step.VerifyCode(ctx, code, isBackupCode)

	return m.afterStep(ctx, skerrors.CodeVerify2FAError, out, err)
}

// Cancel2FA abandons a pending challenge.
func (m *Manager) Cancel2FA() {
	m.begin("")
	m.step.Cancel()

	if m.Status() == models.StatusRequires2FA {
		m.settle()
	}
}

// afterStep folds a step-up outcome into the status.
func (m *Manager) afterStep(ctx context.Context, code string, out stepup.Outcome, err error) (*Result, error) {
	if errors.Is(err, stepup.ErrSuperseded) || errors.Is(err, skerrors.ErrNoChallenge) {
		return m.fail(code, err)
	}

	switch out.State {
	case stepup.StateAwaiting2FA:
		m.setStatus(models.StatusRequires2FA)

		if err != nil {
			res, ferr := m.fail(code, err)
			res.Requires2FA = true

			return res, ferr
		}

		return m.ok(func(r *Result) { r.Success = false; r.Requires2FA = true }), nil

	case stepup.StateAuthenticated:
		return m.establish(ctx, out.Tokens, out.SessionID, out.User)
	}

	m.settle()

	if err == nil {
		err = fmt.Errorf("%w: sign-in ended in state %s", skerrors.ErrAPIResponse, out.State)
	}

	return m.fail(code, err)
}

// settle moves to the status implied by the installed pair after an
// attempt that did not produce a new session.
func (m *Manager) settle() {
	if m.coord.Pair().Empty() {
		m.setStatus(models.StatusUnauthenticated)
		return
	}

	m.setStatus(models.StatusAuthenticated)
}

// establish installs a new session and moves to authenticated.
func (m *Manager) establish(ctx context.Context, pair models.TokenPair, sessionID string, user *models.User) (*Result, error) {
	if sessionID == "" {
		if c, ok := m.codec.Decode(pair.AccessToken); ok {
			sessionID = c.SessionID
		}
	}

	if err := m.coord.InstallSession(ctx, pair, sessionID, user); err != nil {
		m.settle()
		return m.fail(skerrors.CodeSessionError, err)
	}

	if user == nil {
		u, err := m.api.Me(ctx)
		if err != nil {
			m.logger.Warn("fetching profile failed", slog.String("error", err.Error()))
		} else {
			user = u
			m.cacheUser(ctx, user)
		}
	}

	m.setUser(user)
	m.setStatus(models.StatusAuthenticated)

	m.logger.Info("signed in", slog.String("session_id", sessionID))

	return m.ok(func(r *Result) { r.User = user }), nil
}

// Register creates an account and signs in.
func (m *Manager) Register(ctx context.Context, in RegisterInput) (*Result, error) {
	m.begin("")

	email, err := credentials.ValidateEmail(in.Email)
	if err != nil {
		return m.fail(skerrors.CodeRegisterError, err)
	}

	if err := credentials.ValidateNewPassword(in.Password, in.ConfirmPassword); err != nil {
		return m.fail(skerrors.CodeRegisterError, err)
	}

	m.step.Cancel()
	m.setStatus(models.StatusLoading)

	info, err := m.device.Info(ctx)
	if err != nil {
		m.settle()
		return m.fail(skerrors.CodeRegisterError, err)
	}

	resp, err := m.api.Register(ctx, models.RegisterRequest{
		Email:      email,
		Password:   in.Password,
		Name:       in.Name,
		DeviceInfo: info,
	})
	if err != nil {
		m.settle()
		return m.fail(skerrors.CodeRegisterError, err)
	}

	if resp.Tokens == nil || resp.Tokens.AccessToken == "" || resp.Tokens.RefreshToken == "" {
		m.settle()
		return m.fail(skerrors.CodeRegisterError, fmt.Errorf("%w: missing tokens", skerrors.ErrAPIResponse))
	}

	return m.establish(ctx, *resp.Tokens, resp.SessionID, resp.User)
}

// Logout ends this device's session. The local session is cleared even
// when the server cannot be reached.
func (m *Manager) Logout(ctx context.Context) (*Result, error) {
	m.begin("")

	id, err := m.store.SessionID(ctx)
	if err != nil {
		m.logger.Warn("reading session id failed", slog.String("error", err.Error()))
	}

	if !m.coord.Pair().Empty() {
		if err := m.api.Logout(ctx, id); err != nil {
			m.logger.Warn("server logout failed", slog.String("error", err.Error()))
		}
	}

	m.endSession(ctx)
	m.logger.Info("signed out", slog.String("session_id", id))

	return m.ok(nil), nil
}

// LogoutAllDevices revokes every session. With keepCurrent this device
// stays signed in; otherwise it is signed out too.
func (m *Manager) LogoutAllDevices(ctx context.Context, keepCurrent bool) (*Result, error) {
	m.begin("")

	n, err := m.sessions.LogoutAll(ctx, keepCurrent)
	if err != nil {
		return m.fail(skerrors.CodeSessionError, err)
	}

	if !keepCurrent {
		m.endSession(ctx)
	}

	return m.ok(func(r *Result) { r.RevokedCount = n }), nil
}

// BeginOAuthLogin starts a provider sign-in and returns the
// authorization URL.
func (m *Manager) BeginOAuthLogin(ctx context.Context, provider string) (*Result, error) {
	return m.beginOAuth(ctx, provider, models.OAuthModeLogin)
}

// BeginOAuthLink starts linking a provider to the signed-in account.
func (m *Manager) BeginOAuthLink(ctx context.Context, provider string) (*Result, error) {
	if !m.IsAuthenticated() {
		return m.fail(skerrors.CodeOAuthError, skerrors.ErrNotAuthenticated)
	}

	return m.beginOAuth(ctx, provider, models.OAuthModeLink)
}

func (m *Manager) beginOAuth(ctx context.Context, provider string, mode models.OAuthMode) (*Result, error) {
	m.begin("")

	if provider == "" {
		return m.fail(skerrors.CodeOAuthError, fmt.Errorf("%w: provider", skerrors.ErrMissingField))
	}

	url, err := m.linker.BeginFlow(ctx, provider, mode)
	if err != nil {
		return m.fail(skerrors.CodeOAuthError, err)
	}

	return m.ok(func(r *Result) { r.URL = url }), nil
}

// CompleteOAuthLogin exchanges the callback parameters for a session. An
// account with two-factor on moves to requires_2fa.
func (m *Manager) CompleteOAuthLogin(ctx context.Context, provider, code, state string) (*Result, error) {
	m.begin("")
	m.setStatus(models.StatusLoading)

	c, err := m.linker.CompleteFlow(ctx, models.OAuthModeLogin, provider, code, state)
	if err != nil {
		m.settle()
		return m.fail(skerrors.CodeOAuthError, err)
	}

	if c.TwoFactorToken != "" {
		m.step.Challenge(c.TwoFactorToken)
		m.setStatus(models.StatusRequires2FA)

		return m.ok(func(r *Result) { r.Success = false; r.Requires2FA = true }), nil
	}

	m.step.Cancel()

	return m.establish(ctx, c.Tokens, c.SessionID, c.User)
}

// CompleteOAuthLink confirms a provider link and updates the cached user.
func (m *Manager) CompleteOAuthLink(ctx context.Context, provider, code, state string) (*Result, error) {
	m.begin("")

	c, err := m.linker.CompleteFlow(ctx, models.OAuthModeLink, provider, code, state)
	if err != nil {
		return m.fail(skerrors.CodeOAuthError, err)
	}

	user := c.User
	if user == nil {
		return m.reloadUser(ctx, skerrors.CodeOAuthError)
	}

	m.cacheUser(ctx, user)

	return m.ok(func(r *Result) { r.User = user }), nil
}

// UnlinkOAuth removes a provider link.
func (m *Manager) UnlinkOAuth(ctx context.Context, provider string) (*Result, error) {
	m.begin("")

	if provider == "" {
		return m.fail(skerrors.CodeOAuthError, fmt.Errorf("%w: provider", skerrors.ErrMissingField))
	}

	if err := m.api.OAuthUnlink(ctx, provider); err != nil {
		return m.fail(skerrors.CodeOAuthError, err)
	}

	return m.reloadUser(ctx, skerrors.CodeOAuthError)
}
