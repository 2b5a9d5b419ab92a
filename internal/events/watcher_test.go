package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	skerrors "github.com/alexjbarnes/sessionkeeper/internal/errors"
	"github.com/alexjbarnes/sessionkeeper/internal/metrics"
	"github.com/alexjbarnes/sessionkeeper/internal/models"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTokens struct {
	tok string
	err error
}

func (s staticTokens) EnsureFreshToken(context.Context) (string, error) { return s.tok, s.err }

func (s staticTokens) RefreshStale(context.Context, string) (string, error) { return s.tok, s.err }

// rotatingTokens hands out tok until a refresh swaps in next, or fails
// with refreshErr.
type rotatingTokens struct {
	mu         sync.Mutex
	tok, next  string
	refreshErr error
	refreshes  int
}

func (r *rotatingTokens) EnsureFreshToken(context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.tok, nil
}

func (r *rotatingTokens) RefreshStale(context.Context, string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refreshes++
	if r.refreshErr != nil {
		return "", r.refreshErr
	}

	r.tok = r.next

	return r.tok, nil
}

// eventServer accepts connections bearing "good" and writes frames to
// each connection, then closes it.
func eventServer(t *testing.T, frames ...string) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var conns atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		conns.Add(1)

		for _, f := range frames {
			if err := conn.Write(r.Context(), websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}

		conn.Close(websocket.StatusNormalClosure, "done")
	}))
	t.Cleanup(srv.Close)

	return srv, &conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type collector struct {
	mu     sync.Mutex
	events []models.SessionEvent
}

func (c *collector) handle(_ context.Context, ev models.SessionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = append(c.events, ev)
}

func (c *collector) snapshot() []models.SessionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]models.SessionEvent(nil), c.events...)
}

func fastOptions() Options {
	return Options{ReconnectMin: 10 * time.Millisecond, ReconnectMax: 20 * time.Millisecond}
}

func TestRun_DispatchesKnownEvents(t *testing.T) {
	srv, _ := eventServer(t,
		`{"type":"session_revoked","session_id":"s2"}`,
		`{"type":"heartbeat"}`,
		`not json`,
		`{"type":"logout_all"}`,
	)

	c := &collector{}
	rec := metrics.New()
	opts := fastOptions()
	opts.Metrics = rec

	w := New(wsURL(srv), staticTokens{tok: "good"}, c.handle, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return len(c.snapshot()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	events := c.snapshot()
	assert.Equal(t, models.SessionEvent{Type: models.EventSessionRevoked, SessionID: "s2"}, events[0])
	assert.Equal(t, models.EventLogoutAll, events[1].Type)
}

func TestRun_ReconnectsAfterClose(t *testing.T) {
	srv, conns := eventServer(t)

	w := New(wsURL(srv), staticTokens{tok: "good"}, nil, fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Run(ctx)

	require.Eventually(t, func() bool { return conns.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestRun_StopsWhenSessionEnded(t *testing.T) {
	srv, conns := eventServer(t)

	w := New(wsURL(srv), staticTokens{err: skerrors.ErrSessionExpired}, nil, fastOptions())

	err := w.Run(context.Background())
	require.ErrorIs(t, err, skerrors.ErrSessionExpired)
	assert.Zero(t, conns.Load())
}

func TestRun_RejectedHandshakeRetries(t *testing.T) {
	srv, conns := eventServer(t)

	w := New(wsURL(srv), staticTokens{tok: "bad"}, nil, fastOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := w.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, conns.Load())
}

func TestRun_RejectedHandshakeRefreshes(t *testing.T) {
	srv, conns := eventServer(t)

	tokens := &rotatingTokens{tok: "stale", next: "good"}
	w := New(wsURL(srv), tokens, nil, fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Run(ctx)

	require.Eventually(t, func() bool { return conns.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	tokens.mu.Lock()
	defer tokens.mu.Unlock()
	assert.Equal(t, 1, tokens.refreshes)
}

func TestRun_RejectedHandshakeEndsWhenRefreshFails(t *testing.T) {
	srv, conns := eventServer(t)

	tokens := &rotatingTokens{tok: "revoked", refreshErr: skerrors.ErrSessionExpired}
	w := New(wsURL(srv), tokens, nil, fastOptions())

	err := w.Run(context.Background())
	require.ErrorIs(t, err, skerrors.ErrSessionExpired)
	assert.Zero(t, conns.Load())
}

func TestIsPermanentError(t *testing.T) {
	assert.True(t, isPermanentError(skerrors.ErrNotAuthenticated))
	assert.True(t, isPermanentError(skerrors.ErrSessionExpired))
	assert.False(t, isPermanentError(context.DeadlineExceeded))
}
