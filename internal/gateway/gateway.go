// Package gateway provides the http.RoundTripper that authenticates
// outbound requests and recovers from an expired access token with a
// single refresh and replay.
package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	skerrors "github.com/alexjbarnes/sessionkeeper/internal/errors"
	"github.com/alexjbarnes/sessionkeeper/internal/logging"
	"github.com/alexjbarnes/sessionkeeper/internal/metrics"
)

// TokenSource supplies the current access token and refreshes it after
// the server rejected stale. *refresh.Coordinator satisfies it.
type TokenSource interface {
	AccessToken() string
	RefreshStale(ctx context.Context, stale string) (string, error)
}

// Transport attaches the bearer token to every request. On a 401 it
// refreshes once and replays the request once; the replay's response is
// returned whatever its status.
type Transport struct {
	base    http.RoundTripper
	tokens  TokenSource
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// New wraps base. A nil base uses http.DefaultTransport.
func New(base http.RoundTripper, tokens TokenSource, logger *slog.Logger, rec *metrics.Recorder) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}

	return &Transport{
		base:    base,
		tokens:  tokens,
		logger:  logging.OrDiscard(logger),
		metrics: rec,
	}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	tok := t.tokens.AccessToken()

	resp, err := t.base.RoundTrip(withBearer(req, tok, req.Body))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	// Without a token there is no session to recover.
	if tok == "" {
		return resp, nil
	}

	var body io.ReadCloser

	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return resp, nil
		}

		body, err = req.GetBody()
		if err != nil {
			return resp, nil
		}
	}

	drain(resp)

	fresh, err := t.tokens.RefreshStale(req.Context(), tok)
	if err != nil {
		if body != nil {
			body.Close()
		}

		if req.Context().Err() != nil {
			return nil, req.Context().Err()
		}

		t.logger.Info("session ended after 401",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
		)
		t.metrics.GatewayRetry("session_expired")

		if skerrors.Is(err, skerrors.ErrSessionExpired) {
			return nil, err
		}

		return nil, fmt.Errorf("%w: %w", skerrors.ErrSessionExpired, err)
	}

	retry, err := t.base.RoundTrip(withBearer(req, fresh, body))
	if err != nil {
		t.metrics.GatewayRetry("error")
		return nil, err
	}

	t.metrics.GatewayRetry(strconv.Itoa(retry.StatusCode))

	if retry.StatusCode == http.StatusUnauthorized {
		t.logger.Warn("request rejected after refresh",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
		)
	}

	return retry, nil
}

// withBearer clones req with body and the Authorization header set. The
// caller's request is never modified.
func withBearer(req *http.Request, tok string, body io.ReadCloser) *http.Request {
	r := req.Clone(req.Context())
	r.Body = body

	if tok != "" {
		r.Header.Set("Authorization", "Bearer "+tok)
	}

	return r
}

// drain discards up to 4KB so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.CopyN(io.Discard, resp.Body, 4<<10)
	resp.Body.Close()
}
