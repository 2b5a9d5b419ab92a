// Package events follows the server's session event stream over a
// WebSocket so that a revocation made elsewhere ends the local session
// without waiting for the next failed request.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/alexjbarnes/sessionkeeper/internal/device"
	skerrors "github.com/alexjbarnes/sessionkeeper/internal/errors"
	"github.com/alexjbarnes/sessionkeeper/internal/logging"
	"github.com/alexjbarnes/sessionkeeper/internal/metrics"
	"github.com/alexjbarnes/sessionkeeper/internal/models"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	reconnectMin = 1 * time.Second
	reconnectMax = 60 * time.Second
	pingEvery    = 30 * time.Second
	readLimit    = 64 * 1024
)

// TokenSource supplies a usable access token for the handshake.
// RefreshStale is called when the server rejects one; it fails once the
// session is gone.
type TokenSource interface {
	EnsureFreshToken(ctx context.Context) (string, error)
	RefreshStale(ctx context.Context, stale string) (string, error)
}

// Handler receives each event. It runs on the watcher goroutine.
type Handler func(ctx context.Context, ev models.SessionEvent)

// Options configures a Watcher. Zero durations take the defaults.
type Options struct {
	HTTPClient   *http.Client
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	PingEvery    time.Duration
}

// Watcher holds the stream open until its context ends or the session
// can no longer authenticate.
type Watcher struct {
	url     string
	tokens  TokenSource
	handler Handler

	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Recorder

	minBackoff, maxBackoff, pingEvery time.Duration
}

// New returns a Watcher for the stream at url.
func New(url string, tokens TokenSource, handler Handler, opts Options) *Watcher {
	w := &Watcher{
		url:        url,
		tokens:     tokens,
		handler:    handler,
		httpClient: opts.HTTPClient,
		logger:     logging.OrDiscard(opts.Logger),
		metrics:    opts.Metrics,
		minBackoff: opts.ReconnectMin,
		maxBackoff: opts.ReconnectMax,
		pingEvery:  opts.PingEvery,
	}

	if w.minBackoff <= 0 {
		w.minBackoff = reconnectMin
	}

	if w.maxBackoff <= 0 {
		w.maxBackoff = reconnectMax
	}

	if w.pingEvery <= 0 {
		w.pingEvery = pingEvery
	}

	return w
}

// isPermanentError reports errors that reconnecting cannot fix.
func isPermanentError(err error) bool {
	return errors.Is(err, skerrors.ErrNotAuthenticated) || errors.Is(err, skerrors.ErrSessionExpired)
}

// Run connects and dispatches events, reconnecting with jittered
// exponential backoff. It returns ctx.Err() on cancellation or the
// error that made reconnecting pointless.
func (w *Watcher) Run(ctx context.Context) error {
	backoff := w.minBackoff

	for {
		connected, err := w.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if isPermanentError(err) {
			return fmt.Errorf("session event stream: %w", err)
		}

		if connected {
			backoff = w.minBackoff
		}

		w.logger.Warn("event stream lost, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int64N(int64(backoff)/2 + 1))
		timer := time.NewTimer(backoff + jitter)

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if !connected {
			backoff = min(backoff*2, w.maxBackoff)
		}
	}
}

// session runs one connection. connected reports whether the handshake
// succeeded.
func (w *Watcher) session(ctx context.Context) (connected bool, err error) {
	tok, err := w.tokens.EnsureFreshToken(ctx)
	if err != nil {
		return false, err
	}

	conn, resp, err := websocket.Dial(ctx, w.url, &websocket.DialOptions{
		HTTPClient: w.httpClient,
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + tok},
			"User-Agent":    []string{device.UserAgent},
		},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			// A revoked session keeps an unexpired access token, so only a
			// refresh can tell whether it is gone.
			if _, rerr := w.tokens.RefreshStale(ctx, tok); rerr != nil {
				return false, rerr
			}

			return false, fmt.Errorf("event stream handshake rejected: %w", err)
		}

		return false, fmt.Errorf("dialing event stream: %w", err)
	}
	defer conn.CloseNow()

	conn.SetReadLimit(readLimit)
	w.logger.Info("event stream connected")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go w.heartbeat(connCtx, conn)

	for {
		typ, data, err := conn.Read(connCtx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return true, errors.New("server closed event stream")
			}

			return true, err
		}

		if typ != websocket.MessageText {
			continue
		}

		w.dispatch(ctx, data)
	}
}

func (w *Watcher) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(w.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, w.pingEvery)
			err := conn.Ping(pingCtx)
			cancel()

			if err != nil {
				conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

// dispatch decodes one frame. Frames with an unknown or missing type are
// ignored.
func (w *Watcher) dispatch(ctx context.Context, data []byte) {
	if !gjson.ValidBytes(data) {
		w.logger.Debug("ignoring malformed event frame")
		return
	}

	frame := gjson.ParseBytes(data)
	ev := models.SessionEvent{
		Type:      frame.Get("type").String(),
		SessionID: frame.Get("session_id").String(),
	}

	switch ev.Type {
	case models.EventSessionRevoked, models.EventLogoutAll:
	default:
		w.logger.Debug("ignoring event", slog.String("type", ev.Type))
		return
	}

	w.metrics.EventReceived(ev.Type)
	w.logger.Info("session event", slog.String("type", ev.Type), slog.String("session_id", ev.SessionID))

	if w.handler != nil {
		w.handler(ctx, ev)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
