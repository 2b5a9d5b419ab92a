package manager

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/sessionkeeper/internal/credentials"
	skerrors "github.com/alexjbarnes/sessionkeeper/internal/errors"
	"github.com/alexjbarnes/sessionkeeper/internal/models"
)

// Enable2FA starts two-factor enrolment. The returned secret is
// confirmed with Confirm2FA.
func (m *Manager) Enable2FA(ctx context.Context) (*Result, error) {
	m.begin("")

	resp, err := m.api.Enable2FA(ctx)
	if err != nil {
		return m.fail(skerrors.CodeTwoFactorError, err)
	}

	return m.ok(func(r *Result) {
		r.Secret = resp.Secret
		r.OTPAuthURL = resp.OTPAuthURL
	}), nil
}

// Confirm2FA finishes enrolment and returns the backup codes.
func (m *Manager) Confirm2FA(ctx context.Context, code string) (*Result, error) {
	m.begin("")

	if code == "" {
		return m.fail(skerrors.CodeTwoFactorError, fmt.Errorf("%w: code", skerrors.ErrMissingField))
	}

	codes, err := m.api.Confirm2FA(ctx, code)
	if err != nil {
		return m.fail(skerrors.CodeTwoFactorError, err)
	}

	user := m.updateUser(ctx, func(u *models.User) { u.TwoFactorEnabled = true })

	return m.ok(func(r *Result) {
		r.BackupCodes = codes
		r.User = user
	}), nil
}

// Disable2FA turns two-factor off. Both a current code and the password
// are required.
func (m *Manager) Disable2FA(ctx context.Context, code, password string) (*Result, error) {
	m.begin("")

	if code == "" || password == "" {
		return m.fail(skerrors.CodeTwoFactorError, fmt.Errorf("%w: code and password", skerrors.ErrMissingField))
	}

	if err := m.api.Disable2FA(ctx, code, password); err != nil {
		return m.fail(skerrors.CodeTwoFactorError, err)
	}

	user := m.updateUser(ctx, func(u *models.User) { u.TwoFactorEnabled = false })

	return m.ok(func(r *Result) { r.User = user }), nil
}

// RegenerateBackupCodes replaces the backup codes.
func (m *Manager) RegenerateBackupCodes(ctx context.Context, code string) (*Result, error) {
	m.begin("")

	if code == "" {
		return m.fail(skerrors.CodeTwoFactorError, fmt.Errorf("%w: code", skerrors.ErrMissingField))
	}

	codes, err := m.api.RegenerateBackupCodes(ctx, code)
	if err != nil {
		return m.fail(skerrors.CodeTwoFactorError, err)
	}

	return m.ok(func(r *Result) { r.BackupCodes = codes }), nil
}

// FetchSessions lists this user's sessions with this device's marked
// current.
func (m *Manager) FetchSessions(ctx context.Context) (*Result, error) {
	m.begin("")

	list, err := m.sessions.List(ctx)
	if err != nil {
		return m.fail(skerrors.CodeSessionError, err)
	}

	return m.ok(func(r *Result) { r.Sessions = list }), nil
}

// RevokeSession revokes one session. Revoking this device's own session
// signs it out.
func (m *Manager) RevokeSession(ctx context.Context, id string) (*Result, error) {
	m.begin("")

	if id == "" {
		return m.fail(skerrors.CodeSessionError, fmt.Errorf("%w: session id", skerrors.ErrMissingField))
	}

	if err := m.sessions.Revoke(ctx, id); err != nil {
		return m.fail(skerrors.CodeSessionError, err)
	}

	if current, err := m.store.SessionID(ctx); err == nil && current == id {
		m.endSession(ctx)
	}

	return m.ok(nil), nil
}

// ForgotPassword asks the server to send a reset link.
func (m *Manager) ForgotPassword(ctx context.Context, email string) (*Result, error) {
	m.begin("")

	email, err := credentials.ValidateEmail(email)
	if err != nil {
		return m.fail(skerrors.CodePasswordError, err)
	}

	if err := m.api.ForgotPassword(ctx, email); err != nil {
		return m.fail(skerrors.CodePasswordError, err)
	}

	return m.ok(nil), nil
}

// ResetPassword sets a new password with a reset token.
func (m *Manager) ResetPassword(ctx context.Context, resetToken, password, confirm string) (*Result, error) {
	m.begin("")

	if resetToken == "" {
		return m.fail(skerrors.CodePasswordError, fmt.Errorf("%w: reset token", skerrors.ErrMissingField))
	}

	if err := credentials.ValidateNewPassword(password, confirm); err != nil {
		return m.fail(skerrors.CodePasswordError, err)
	}

	if err := m.api.ResetPassword(ctx, resetToken, password); err != nil {
		return m.fail(skerrors.CodePasswordError, err)
	}

	return m.ok(nil), nil
}

// ChangePassword replaces the signed-in user's password.
func (m *Manager) ChangePassword(ctx context.Context, current, next, confirm string) (*Result, error) {
	m.begin("")

	if current == "" {
		return m.fail(skerrors.CodePasswordError, fmt.Errorf("%w: current password", skerrors.ErrMissingField))
	}

	if err := credentials.ValidateNewPassword(next, confirm); err != nil {
		return m.fail(skerrors.CodePasswordError, err)
	}

	if err := m.api.ChangePassword(ctx, current, next); err != nil {
		return m.fail(skerrors.CodePasswordError, err)
	}

	return m.ok(nil), nil
}

// CurrentUser returns the cached profile, fetching it when none is
// cached.
func (m *Manager) CurrentUser(ctx context.Context) (*Result, error) {
	m.begin("")

	if u := m.cachedUser(); u != nil {
		return m.ok(func(r *Result) { r.User = u }), nil
	}

	return m.reloadUser(ctx, skerrors.CodeProfileError)
}

// UpdateProfile changes the name or avatar.
func (m *Manager) UpdateProfile(ctx context.Context, update models.ProfileUpdate) (*Result, error) {
	m.begin("")

	if update.Name == nil && update.AvatarURL == nil {
		return m.fail(skerrors.CodeProfileError, fmt.Errorf("%w: nothing to update", skerrors.ErrMissingField))
	}

	user, err := m.api.UpdateProfile(ctx, update)
	if err != nil {
		return m.fail(skerrors.CodeProfileError, err)
	}

	m.cacheUser(ctx, user)

	return m.ok(func(r *Result) { r.User = user }), nil
}

// reloadUser fetches the profile from the server and caches it.
func (m *Manager) reloadUser(ctx context.Context, code string) (*Result, error) {
	user, err := m.api.Me(ctx)
	if err != nil {
		return m.fail(code, err)
	}

	m.cacheUser(ctx, user)

	return m.ok(func(r *Result) { r.User = user }), nil
}

func (m *Manager) cacheUser(ctx context.Context, user *models.User) {
	m.setUser(user)

	if err := m.store.SaveUser(ctx, *user); err != nil {
		m.logger.Warn("caching user failed", slog.String("error", err.Error()))
	}
}

// updateUser applies f to a copy of the cached user and caches the copy.
func (m *Manager) updateUser(ctx context.Context, f func(*models.User)) *models.User {
	cur := m.cachedUser()
	if cur == nil {
		return nil
	}

	next := *cur
	f(&next)
	m.cacheUser(ctx, &next)

	return &next
}
