// Package oauth drives redirect-based authorization-code sign-in and
// account linking. The state nonce issued with each authorization URL is
// kept in ephemeral storage, keyed by mode, and authorizes exactly one
// completion attempt.
package oauth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"

	skerrors "github.com/alexjbarnes/sessionkeeper/internal/errors"
	"github.com/alexjbarnes/sessionkeeper/internal/logging"
	"github.com/alexjbarnes/sessionkeeper/internal/models"
	"github.com/alexjbarnes/sessionkeeper/internal/storage"
)

// API is the slice of the wire client used by the linker.
type API interface {
	OAuthAuthorize(ctx context.Context, provider string, mode models.OAuthMode) (*models.OAuthAuthorizeResponse, error)
	OAuthCallback(ctx context.Context, provider string, req models.OAuthCallbackRequest) (*models.AuthResponse, error)
	OAuthLink(ctx context.Context, provider string, req models.OAuthCallbackRequest) (*models.User, error)
}

// DeviceSource supplies device_info for the login exchange.
type DeviceSource interface {
	Info(ctx context.Context) (models.DeviceInfo, error)
}

// Redirector sends the user agent to an authorization URL.
type Redirector interface {
	Redirect(ctx context.Context, url string) error
}

// RedirectFunc adapts a function to Redirector.
type RedirectFunc func(ctx context.Context, url string) error

func (f RedirectFunc) Redirect(ctx context.Context, url string) error { return f(ctx, url) }

// Completion is the result of a successful exchange. Login mode fills
// Tokens or, when the account has two-factor on, TwoFactorToken. Link
// mode fills User only.
type Completion struct {
	Mode           models.OAuthMode
	Provider       string
	Tokens         models.TokenPair
	User           *models.User
	SessionID      string
	TwoFactorToken string
}

// Linker runs OAuth flows.
type Linker struct {
	api       API
	ephemeral storage.Store
	device    DeviceSource
	redirect  Redirector
	logger    *slog.Logger
}

// New returns a Linker. ephemeral must be scoped to the current client
// session; it should not be the durable token store.
func New(api API, ephemeral storage.Store, device DeviceSource, redirect Redirector, logger *slog.Logger) *Linker {
	return &Linker{
		api:       api,
		ephemeral: ephemeral,
		device:    device,
		redirect:  redirect,
		logger:    logging.OrDiscard(logger),
	}
}

func stateKey(mode models.OAuthMode) string {
	if mode == models.OAuthModeLink {
		return storage.KeyOAuthLinkState
	}

	return storage.KeyOAuthState
}

// BeginFlow obtains an authorization URL, stores its state and hands the
// URL to the redirector. The URL is returned too.
func (l *Linker) BeginFlow(ctx context.Context, provider string, mode models.OAuthMode) (string, error) {
	if provider == "" {
		return "", fmt.Errorf("provider: %w", skerrors.ErrMissingField)
	}

	if mode != models.OAuthModeLink {
		mode = models.OAuthModeLogin
	}

	resp, err := l.api.OAuthAuthorize(ctx, provider, mode)
	if err != nil {
		return "", err
	}

	flow, err := json.Marshal(models.OAuthFlowState{Provider: provider, State: resp.State, Mode: mode})
	if err != nil {
		return "", fmt.Errorf("encoding oauth state: %w", err)
	}

	if err := l.ephemeral.Set(ctx, map[string]string{stateKey(mode): string(flow)}); err != nil {
		return "", fmt.Errorf("saving oauth state: %w", err)
	}

	l.logger.Debug("oauth flow started", slog.String("provider", provider), slog.String("mode", string(mode)))

	if l.redirect != nil {
		if err := l.redirect.Redirect(ctx, resp.URL); err != nil {
			return resp.URL, fmt.Errorf("redirecting to %s: %w", provider, err)
		}
	}

	return resp.URL, nil
}

// CompleteFlow checks state against the stored value for mode and, only
// on a match, exchanges code. The stored state is consumed before the
// exchange, so it authorizes one attempt whatever the outcome.
func (l *Linker) CompleteFlow(ctx context.Context, mode models.OAuthMode, provider, code, state string) (*Completion, error) {
	if mode != models.OAuthModeLink {
		mode = models.OAuthModeLogin
	}

	flow, err := l.consume(ctx, mode)
	if err != nil {
		return nil, err
	}

	if flow == nil || state == "" || flow.Provider != provider ||
		subtle.ConstantTimeCompare([]byte(flow.State), []byte(state)) != 1 {
		l.logger.Warn("oauth state mismatch", slog.String("provider", provider), slog.String("mode", string(mode)))
		return nil, fmt.Errorf("%w: state does not match the pending %s flow", skerrors.ErrInvalidState, mode)
	}

	if code == "" {
		return nil, fmt.Errorf("code: %w", skerrors.ErrMissingField)
	}

	if mode == models.OAuthModeLink {
		user, err := l.api.OAuthLink(ctx, provider, models.OAuthCallbackRequest{Code: code, State: state})
		if err != nil {
			return nil, err
		}

		return &Completion{Mode: mode, Provider: provider, User: user}, nil
	}

	info, err := l.device.Info(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := l.api.OAuthCallback(ctx, provider, models.OAuthCallbackRequest{Code: code, State: state, DeviceInfo: &info})
	if err != nil {
		return nil, err
	}

	c := &Completion{Mode: mode, Provider: provider, User: resp.User, SessionID: resp.SessionID}

	switch {
	case resp.Requires2FA && resp.TwoFactorToken != "":
		c.TwoFactorToken = resp.TwoFactorToken
	case resp.Tokens != nil && resp.Tokens.AccessToken != "" && resp.Tokens.RefreshToken != "":
		c.Tokens = *resp.Tokens
	default:
		return nil, fmt.Errorf("completing %s oauth: %w: missing tokens", provider, skerrors.ErrAPIResponse)
	}

	return c, nil
}

// Pending returns the stored flow for mode without consuming it.
func (l *Linker) Pending(ctx context.Context, mode models.OAuthMode) (*models.OAuthFlowState, error) {
	raw, ok, err := storage.GetOne(ctx, l.ephemeral, stateKey(mode))
	if err != nil || !ok {
		return nil, err
	}

	var flow models.OAuthFlowState
	if json.Unmarshal([]byte(raw), &flow) != nil {
		return nil, nil
	}

	return &flow, nil
}

// consume reads and clears the stored flow. A corrupt entry reads as nil.
func (l *Linker) consume(ctx context.Context, mode models.OAuthMode) (*models.OAuthFlowState, error) {
	key := stateKey(mode)

	flow, err := l.Pending(ctx, mode)
	if err != nil {
		return nil, fmt.Errorf("loading oauth state: %w", err)
	}

	if err := l.ephemeral.Clear(ctx, key); err != nil {
		return nil, fmt.Errorf("clearing oauth state: %w", err)
	}

	return flow, nil
}
