package manager

import (
	"errors"

	skerrors "github.com/alexjbarnes/sessionkeeper/internal/errors"
	"github.com/alexjbarnes/sessionkeeper/internal/models"
)

// Result is the outcome of a Manager action. Expected failures such as a
// wrong password or a pending 2FA challenge are reported here with
// Success false; only transport and storage failures are also returned
// as errors.
type Result struct {
	Success bool   `json:"success" yaml:"success"`
	Error   string `json:"error,omitempty" yaml:"error,omitempty"`
	// ErrorCode is the action code (LOGIN_ERROR, VALIDATION_ERROR, ...).
	ErrorCode string `json:"error_code,omitempty" yaml:"error_code,omitempty"`
	// ServerCode is the code the server attached to the error, if any.
	ServerCode string `json:"server_code,omitempty" yaml:"server_code,omitempty"`

	Status      models.AuthStatus `json:"status" yaml:"status"`
	Requires2FA bool              `json:"requires_2fa,omitempty" yaml:"requires_2fa,omitempty"`

	User         *models.User     `json:"user,omitempty" yaml:"user,omitempty"`
	Sessions     []models.Session `json:"sessions,omitempty" yaml:"sessions,omitempty"`
	RevokedCount int              `json:"revoked_count,omitempty" yaml:"revoked_count,omitempty"`
	BackupCodes  []string         `json:"backup_codes,omitempty" yaml:"backup_codes,omitempty"`
	Secret       string           `json:"secret,omitempty" yaml:"secret,omitempty"`
	OTPAuthURL   string           `json:"otpauth_url,omitempty" yaml:"otpauth_url,omitempty"`
	URL          string           `json:"url,omitempty" yaml:"url,omitempty"`
}

// Failure is the error currently held by the Manager.
type Failure struct {
	Code       string
	ServerCode string
	Message    string
	Err        error
}

func (f *Failure) Error() string { return f.Message }
func (f *Failure) Unwrap() error { return f.Err }

// classify maps err to a Failure. transport reports whether the error is
// exceptional and must also be returned to the caller.
func classify(code string, err error) (f *Failure, transport bool) {
	f = &Failure{Code: code, Message: err.Error(), Err: err}

	switch {
	case errors.Is(err, skerrors.ErrPasswordMismatch),
		errors.Is(err, skerrors.ErrWeakPassword),
		errors.Is(err, skerrors.ErrInvalidEmail),
		errors.Is(err, skerrors.ErrMissingField):
		f.Code = skerrors.CodeValidationError

		return f, false

	case errors.Is(err, skerrors.ErrInvalidState):
		f.Code = skerrors.CodeInvalidState

		return f, false

	case errors.Is(err, skerrors.ErrSessionExpired), errors.Is(err, skerrors.ErrNotAuthenticated):
		f.Code = skerrors.CodeSessionExpired

		return f, false

	case errors.Is(err, skerrors.ErrNoChallenge):
		return f, false
	}

	if ae, ok := skerrors.AsAuthError(err); ok {
		f.ServerCode = ae.Code
		if ae.Message != "" {
			f.Message = ae.Message
		}

		return f, false
	}

	if skerrors.IsTransient(err) || errors.Is(err, skerrors.ErrAPIRequest) {
		f.Code = skerrors.CodeNetworkError
	}

	return f, true
}
