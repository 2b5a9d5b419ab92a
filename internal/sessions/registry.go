// Package sessions lists and revokes the user's device sessions.
package sessions

import (
	"context"
	"log/slog"
	"net/http"

	skerrors "github.com/alexjbarnes/sessionkeeper/internal/errors"
	"github.com/alexjbarnes/sessionkeeper/internal/logging"
	"github.com/alexjbarnes/sessionkeeper/internal/models"
)

//go:generate mockgen -source=registry.go -destination=mock_registry_test.go -package=sessions

// API is the slice of the wire client used by the registry.
type API interface {
	Sessions(ctx context.Context) ([]models.Session, error)
	RevokeSession(ctx context.Context, id string) error
	LogoutAll(ctx context.Context, exceptSessionID string) (int, error)
}

// SessionIDSource returns the id of this device's session, or "".
type SessionIDSource interface {
	SessionID(ctx context.Context) (string, error)
}

// Registry wraps the session endpoints.
type Registry struct {
	api    API
	ids    SessionIDSource
	logger *slog.Logger
}

func New(api API, ids SessionIDSource, logger *slog.Logger) *Registry {
	return &Registry{api: api, ids: ids, logger: logging.OrDiscard(logger)}
}

// List returns the sessions with this device's entry marked Current.
func (r *Registry) List(ctx context.Context) ([]models.Session, error) {
	list, err := r.api.Sessions(ctx)
	if err != nil {
		return nil, err
	}

	current, err := r.ids.SessionID(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]models.Session, len(list))
	for i, s := range list {
		s.Current = current != "" && s.ID == current
		out[i] = s
	}

	return out, nil
}

// Revoke revokes id. Unknown or already revoked sessions count as
// revoked.
func (r *Registry) Revoke(ctx context.Context, id string) error {
	err := r.api.RevokeSession(ctx, id)
	if err == nil || alreadyGone(err) {
		if err != nil {
			r.logger.Debug("session already gone", slog.String("session_id", id))
		}

		return nil
	}

	return err
}

// LogoutAll revokes every session, keeping this device's when
// keepCurrent is set, and returns how many were revoked.
func (r *Registry) LogoutAll(ctx context.Context, keepCurrent bool) (int, error) {
	except := ""

	if keepCurrent {
		id, err := r.ids.SessionID(ctx)
		if err != nil {
			return 0, err
		}

		except = id
	}

	n, err := r.api.LogoutAll(ctx, except)
	if err != nil {
		return 0, err
	}

	r.logger.Info("sessions revoked", slog.Int("count", n), slog.Bool("kept_current", except != ""))

	return n, nil
}

func alreadyGone(err error) bool {
	ae, ok := skerrors.AsAuthError(err)
	if !ok {
		return false
	}

	switch ae.Code {
	case "SESSION_NOT_FOUND", "SESSION_REVOKED", "ALREADY_REVOKED":
		return true
	}

	return ae.Status == http.StatusNotFound || ae.Status == http.StatusGone
}
