package authserver

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

type contextKey int

const (
	ctxUserID contextKey = iota
	ctxSessionID
	ctxRemoteIP
)

// RequestUserID returns the authenticated user ID from the context, or "".
func RequestUserID(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

// RequestSessionID returns the caller's session ID from the context, or "".
func RequestSessionID(ctx context.Context) string {
	v, _ := ctx.Value(ctxSessionID).(string)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// Middleware returns HTTP middleware that validates access tokens.
// Requests without a valid token for an active session get a 401 whose
// WWW-Authenticate header tells the client whether a refresh may help.
func Middleware(store *Store, tokens *issuer, logger *slog.Logger) func(http.Handler) http.Handler {
	// RFC 6750 Section 3.1: no error attribute when no token was provided.
	const wwwAuthNoToken = `Bearer realm="sessionkeeper"`
	// error="invalid_token" signals the client should attempt a refresh.
	const wwwAuthInvalid = `Bearer realm="sessionkeeper", error="invalid_token"`

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			ip := remoteIP(r)

			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")

				return
			}

			c, err := tokens.parse(strings.TrimPrefix(authHeader, "Bearer "), typeAccess)
			if err != nil {
				logger.Debug("middleware: invalid access token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
				writeError(w, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired access token")

				return
			}

			if _, ok := store.activeSession(c.SessionID, c.Subject); !ok {
				logger.Debug("middleware: session not active",
					slog.String("session_id", c.SessionID),
					slog.String("ip", ip),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
				writeError(w, http.StatusUnauthorized, "SESSION_REVOKED", "session is no longer active")

				return
			}

			ctx := r.Context()
			ctx = context.WithValue(ctx, ctxUserID, c.Subject)
			ctx = context.WithValue(ctx, ctxSessionID, c.SessionID)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
