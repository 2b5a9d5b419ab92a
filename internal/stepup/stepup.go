// Package stepup runs the primary-credential then second-factor sign-in
// as an explicit state machine.
//
//	idle -> awaiting_primary -> authenticated
//	                         -> awaiting_2fa -> authenticated
//	                         -> failed
//
// A wrong second-factor code keeps awaiting_2fa with an error set so the
// user can retry. Cancel returns to idle from any state. The two-factor
// token of an attempt is dropped once it resolves or a new Submit begins.
package stepup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	skerrors "github.com/alexjbarnes/sessionkeeper/internal/errors"
	"github.com/alexjbarnes/sessionkeeper/internal/logging"
	"github.com/alexjbarnes/sessionkeeper/internal/models"
)

//go:generate mockgen -source=stepup.go -destination=mock_stepup_test.go -package=stepup

// State of the sign-in attempt.
type State string

const (
	StateIdle            State = "idle"
	StateAwaitingPrimary State = "awaiting_primary"
	StateAwaiting2FA     State = "awaiting_2fa"
	StateAuthenticated   State = "authenticated"
	StateFailed          State = "failed"
)

// ErrSuperseded is returned to an attempt that was cancelled or replaced
// while its request was in flight. Its result is discarded.
var ErrSuperseded = errors.New("sign-in attempt superseded")

// API is the slice of the wire client the state machine drives.
type API interface {
	Login(ctx context.Context, req models.LoginRequest) (*models.AuthResponse, error)
	Verify2FA(ctx context.Context, req models.Verify2FARequest) (*models.AuthResponse, error)
}

// DeviceSource supplies device_info for session-creating requests.
type DeviceSource interface {
	Info(ctx context.Context) (models.DeviceInfo, error)
}

// Outcome is the state reached by a step, with the session material when
// it is authenticated.
type Outcome struct {
	State     State
	Tokens    models.TokenPair
	User      *models.User
	SessionID string
}

// Authenticator holds one sign-in attempt at a time.
type Authenticator struct {
	api    API
	device DeviceSource
	logger *slog.Logger

	mu             sync.Mutex
	state          State
	twoFactorToken string
	attempt        uint64
	err            error
}

// New returns an Authenticator in the idle state.
func New(api API, device DeviceSource, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		api:    api,
		device: device,
		logger: logging.OrDiscard(logger),
		state:  StateIdle,
	}
}

// State returns the current state.
func (a *Authenticator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.state
}

// Err returns the error recorded by the last step, if any.
func (a *Authenticator) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.err
}

// Cancel abandons the attempt from any state. An in-flight request
// completes but its result is discarded.
func (a *Authenticator) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.attempt++
	a.state = StateIdle
	a.twoFactorToken = ""
	a.err = nil
}

// Challenge enters awaiting_2fa with a two-factor token obtained outside
// Submit, such as from an OAuth sign-in.
func (a *Authenticator) Challenge(twoFactorToken string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.attempt++
	a.state = StateAwaiting2FA
	a.twoFactorToken = twoFactorToken
	a.err = nil
}

// Submit starts a new attempt with primary credentials. Any challenge
// from a previous attempt is discarded first.
func (a *Authenticator) Submit(ctx context.Context, email, password string) (Outcome, error) {
	a.mu.Lock()
	a.attempt++
	attempt := a.attempt
	a.state = StateAwaitingPrimary
	a.twoFactorToken = ""
	a.err = nil
	a.mu.Unlock()

	info, err := a.device.Info(ctx)
	if err != nil {
		return a.fail(attempt, err)
	}

	resp, err := a.api.Login(ctx, models.LoginRequest{
		Email:      email,
		Password:   password,
		DeviceInfo: info,
	})
	if err != nil {
		return a.fail(attempt, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.attempt != attempt {
		return Outcome{State: a.state}, ErrSuperseded
	}

	if resp.Requires2FA {
		if resp.TwoFactorToken == "" {
			a.state = StateFailed
			a.err = fmt.Errorf("%w: challenge without two-factor token", skerrors.ErrAPIResponse)

			return Outcome{State: a.state}, a.err
		}

		a.state = StateAwaiting2FA
		a.twoFactorToken = resp.TwoFactorToken
		a.logger.Debug("two-factor challenge issued")

		return Outcome{State: a.state}, nil
	}

	return a.authenticatedLocked(resp)
}

// VerifyCode answers the pending challenge with a TOTP or backup code.
func (a *Authenticator) VerifyCode(ctx context.Context, code string, isBackupCode bool) (Outcome, error) {
	a.mu.Lock()
	if a.state != StateAwaiting2FA || a.twoFactorToken == "" {
		state := a.state
		a.mu.Unlock()

		return Outcome{State: state}, skerrors.ErrNoChallenge
	}

	attempt := a.attempt
	tok := a.twoFactorToken
	a.err = nil
	a.mu.Unlock()

	info, err := a.device.Info(ctx)
	if err != nil {
		return a.retryable(attempt, err)
	}

	resp, err := a.api.Verify2FA(ctx, models.Verify2FARequest{
		TwoFactorToken: tok,
		Code:           code,
		IsBackupCode:   isBackupCode,
		DeviceInfo:     info,
	})

	switch {
	case err == nil:
	case isWrongCode(err):
		return a.retryable(attempt, fmt.Errorf("%w: %w", skerrors.ErrInvalid2FACode, err))
	case skerrors.IsTransient(err):
		return a.retryable(attempt, err)
	default:
		return a.fail(attempt, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.attempt != attempt {
		return Outcome{State: a.state}, ErrSuperseded
	}

	a.twoFactorToken = ""

	return a.authenticatedLocked(resp)
}

func (a *Authenticator) authenticatedLocked(resp *models.AuthResponse) (Outcome, error) {
	if resp.Tokens == nil || resp.Tokens.AccessToken == "" || resp.Tokens.RefreshToken == "" {
		a.state = StateFailed
		a.twoFactorToken = ""
		a.err = fmt.Errorf("%w: missing tokens", skerrors.ErrAPIResponse)

		return Outcome{State: a.state}, a.err
	}

	a.state = StateAuthenticated
	a.err = nil

	return Outcome{
		State:     a.state,
		Tokens:    *resp.Tokens,
		User:      resp.User,
		SessionID: resp.SessionID,
	}, nil
}

// fail ends the attempt and discards any challenge.
func (a *Authenticator) fail(attempt uint64, err error) (Outcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.attempt != attempt {
		return Outcome{State: a.state}, ErrSuperseded
	}

	a.state = StateFailed
	a.twoFactorToken = ""
	a.err = err

	return Outcome{State: a.state}, err
}

// retryable records err and keeps the challenge open.
func (a *Authenticator) retryable(attempt uint64, err error) (Outcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.attempt != attempt {
		return Outcome{State: a.state}, ErrSuperseded
	}

	a.err = err

	return Outcome{State: a.state}, err
}

// isWrongCode reports a rejected code, as opposed to a rejected or
// expired challenge.
func isWrongCode(err error) bool {
	ae, ok := skerrors.AsAuthError(err)
	if !ok {
		return false
	}

	switch ae.Code {
	case "INVALID_2FA_CODE", "INVALID_CODE", skerrors.CodeVerify2FAError:
		return true
	case "":
		return ae.Status == http.StatusBadRequest || ae.Status == http.StatusUnauthorized ||
			ae.Status == http.StatusUnprocessableEntity
	}

	return false
}
