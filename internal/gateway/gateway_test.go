package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	skerrors "github.com/alexjbarnes/sessionkeeper/internal/errors"
	"github.com/alexjbarnes/sessionkeeper/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokens struct {
	mu       sync.Mutex
	current  string
	next     string
	err      error
	refreshs atomic.Int32
	stale    []string
}

func (f *fakeTokens) AccessToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.current
}

func (f *fakeTokens) RefreshStale(_ context.Context, stale string) (string, error) {
	f.refreshs.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stale = append(f.stale, stale)
	if f.err != nil {
		return "", f.err
	}

	f.current = f.next

	return f.current, nil
}

// authServer accepts only the listed tokens and records every
// Authorization header and body it sees.
type authServer struct {
	*httptest.Server

	mu     sync.Mutex
	valid  map[string]bool
	seen   []string
	bodies []string
}

func newAuthServer(t *testing.T, valid ...string) *authServer {
	t.Helper()

	s := &authServer{valid: map[string]bool{}}
	for _, v := range valid {
		s.valid[v] = true
	}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		s.mu.Lock()
		s.seen = append(s.seen, r.Header.Get("Authorization"))
		s.bodies = append(s.bodies, string(body))
		ok := s.valid[tok]
		s.mu.Unlock()

		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"success":false,"error":"unauthorized"}`))

			return
		}

		w.Write([]byte(`{"success":true}`))
	}))
	t.Cleanup(s.Close)

	return s
}

func (s *authServer) requests() ([]string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.seen...), append([]string(nil), s.bodies...)
}

func post(t *testing.T, rt http.RoundTripper, url, body string) (*http.Response, error) {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)

	return (&http.Client{Transport: rt}).Do(req)
}

func TestRoundTrip_AttachesBearer(t *testing.T) {
	srv := newAuthServer(t, "good")
	tokens := &fakeTokens{current: "good"}

	resp, err := post(t, New(nil, tokens, nil, nil), srv.URL, "{}")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	seen, _ := srv.requests()
	assert.Equal(t, []string{"Bearer good"}, seen)
	assert.Zero(t, tokens.refreshs.Load())
}

func TestRoundTrip_RefreshesOnceAndReplays(t *testing.T) {
	srv := newAuthServer(t, "fresh")
	tokens := &fakeTokens{current: "stale", next: "fresh"}

	resp, err := post(t, New(nil, tokens, nil, nil), srv.URL, `{"name":"x"}`)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), tokens.refreshs.Load())
	assert.Equal(t, []string{"stale"}, tokens.stale)

	seen, bodies := srv.requests()
	assert.Equal(t, []string{"Bearer stale", "Bearer fresh"}, seen)
	assert.Equal(t, []string{`{"name":"x"}`, `{"name":"x"}`}, bodies)
}

func TestRoundTrip_SecondUnauthorizedIsReturned(t *testing.T) {
	srv := newAuthServer(t)
	tokens := &fakeTokens{current: "stale", next: "also-bad"}
	rec := metrics.New()

	resp, err := post(t, New(nil, tokens, nil, rec), srv.URL, "{}")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(1), tokens.refreshs.Load())

	seen, _ := srv.requests()
	assert.Len(t, seen, 2)
}

func TestRoundTrip_RefreshFailureEndsSession(t *testing.T) {
	srv := newAuthServer(t)
	tokens := &fakeTokens{current: "stale", err: skerrors.ErrSessionExpired}

	_, err := post(t, New(nil, tokens, nil, nil), srv.URL, "{}")
	require.Error(t, err)
	assert.ErrorIs(t, err, skerrors.ErrSessionExpired)

	seen, _ := srv.requests()
	assert.Len(t, seen, 1)
}

func TestRoundTrip_RefreshErrorIsWrapped(t *testing.T) {
	srv := newAuthServer(t)
	tokens := &fakeTokens{current: "stale", err: errors.New("boom")}

	_, err := post(t, New(nil, tokens, nil, nil), srv.URL, "{}")
	assert.ErrorIs(t, err, skerrors.ErrSessionExpired)
	assert.ErrorContains(t, err, "boom")
}

func TestRoundTrip_NoTokenPassesThrough(t *testing.T) {
	srv := newAuthServer(t)
	tokens := &fakeTokens{}

	resp, err := post(t, New(nil, tokens, nil, nil), srv.URL, "{}")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, tokens.refreshs.Load())

	seen, _ := srv.requests()
	assert.Equal(t, []string{""}, seen)
}

func TestRoundTrip_UnreplayableBodyIsNotRetried(t *testing.T) {
	srv := newAuthServer(t, "fresh")
	tokens := &fakeTokens{current: "stale", next: "fresh"}

	req, err := http.NewRequest(http.MethodPost, srv.URL, io.NopCloser(strings.NewReader("{}")))
	require.NoError(t, err)
	require.Nil(t, req.GetBody)

	resp, err := (&http.Client{Transport: New(nil, tokens, nil, nil)}).Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, tokens.refreshs.Load())
}

func TestRoundTrip_DoesNotMutateCallerRequest(t *testing.T) {
	srv := newAuthServer(t, "good")
	tokens := &fakeTokens{current: "good"}

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := New(nil, tokens, nil, nil).RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Empty(t, req.Header.Get("Authorization"))
}
