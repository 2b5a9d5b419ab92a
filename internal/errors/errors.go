// Package errors defines the error taxonomy shared by the session engine.
package errors

import (
	"errors"
	"fmt"
)

// Validation errors. These are raised locally and never reach the network.
var (
	ErrPasswordMismatch = errors.New("passwords do not match")
	ErrWeakPassword     = errors.New("password does not meet the password policy")
	ErrInvalidEmail     = errors.New("invalid email address")
	ErrMissingField     = errors.New("required field is missing")
)

// Authentication errors.
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrSessionExpired     = errors.New("session expired")
	ErrInvalid2FACode     = errors.New("invalid two-factor code")
	ErrInvalidState       = errors.New("invalid oauth state")
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrNoChallenge        = errors.New("no two-factor challenge in progress")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)

// Error codes surfaced to collaborators alongside human readable messages.
const (
	CodeLoginError      = "LOGIN_ERROR"
	CodeRegisterError   = "REGISTER_ERROR"
	CodeVerify2FAError  = "VERIFY_2FA_ERROR"
	CodeTwoFactorError  = "TWO_FACTOR_ERROR"
	CodeInvalidState    = "INVALID_STATE"
	CodeOAuthError      = "OAUTH_ERROR"
	CodeSessionExpired  = "SESSION_EXPIRED"
	CodeValidationError = "VALIDATION_ERROR"
	CodeSessionError    = "SESSION_ERROR"
	CodePasswordError   = "PASSWORD_ERROR"
	CodeProfileError    = "PROFILE_ERROR"
	CodeNetworkError    = "NETWORK_ERROR"
)

// AuthError is an authentication failure reported by the server. Code and
// Message are surfaced verbatim.
type AuthError struct {
	Status  int
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	if e.Code == "" {
		return e.Message
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// TransientError wraps an error that is likely temporary, such as a
// network failure or a 5xx response.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// AsAuthError returns the AuthError in err's chain, if any.
func AsAuthError(err error) (*AuthError, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae, true
	}

	return nil, false
}

// Is and As re-export the standard library helpers so callers importing
// this package under its own name do not need a second errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }
