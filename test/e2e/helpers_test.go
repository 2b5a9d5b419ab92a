package e2e_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/alexjbarnes/sessionkeeper/internal/authserver"
	"github.com/alexjbarnes/sessionkeeper/internal/events"
	"github.com/alexjbarnes/sessionkeeper/internal/manager"
	"github.com/alexjbarnes/sessionkeeper/internal/metrics"
	"github.com/alexjbarnes/sessionkeeper/internal/models"
	"github.com/alexjbarnes/sessionkeeper/internal/refresh"
	"github.com/alexjbarnes/sessionkeeper/internal/storage"
)

const (
	plainEmail    = "plain@example.com"
	twoFactorMail = "twofa@example.com"
	testPassword  = "Correct#Horse1"
	twoFactorCode = "123456"
)

var csrfPattern = regexp.MustCompile(`name="csrf_token" value="([0-9a-f]+)"`)

// harness is a reference auth server on a real listener. Clients built
// from it are independent sessions, as separate processes would be.
type harness struct {
	URL string

	mu          sync.Mutex
	resetTokens map[string]string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{resetTokens: make(map[string]string)}

	// Use NewUnstartedServer so the public URL is known before the
	// consent redirects are built.
	ts := httptest.NewUnstartedServer(nil)
	h.URL = "http://" + ts.Listener.Addr().String()

	srv, err := authserver.New(authserver.Config{
		SigningKey: []byte("e2e-signing-key-0123456789abcdef"),
		PublicURL:  h.URL,
		BcryptCost: bcrypt.MinCost,
		Users: []authserver.Seed{
			{Email: plainEmail, Password: testPassword, Name: "Plain"},
			{Email: twoFactorMail, Password: testPassword, TwoFactor: true},
		},
		OnResetToken: func(email, token string) {
			h.mu.Lock()
			defer h.mu.Unlock()

			h.resetTokens[email] = token
		},
	})
	require.NoError(t, err)

	ts.Config.Handler = srv.Handler()
	ts.Start()
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})

	return h
}

func (h *harness) resetToken(email string) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.resetTokens[email]
}

type noopStopper struct{}

func (noopStopper) Stop() bool { return true }

// noTimers disables the proactive refresh so only the calls a test makes
// reach the server.
func noTimers(time.Duration, func()) refresh.Stopper { return noopStopper{} }

// client holds one Manager plus the knobs the tests turn.
type client struct {
	*manager.Manager

	metrics *metrics.Recorder

	// skew moves the client's clock forward so tokens look stale.
	skew atomic.Int64

	mu        sync.Mutex
	redirects []string
}

type clientOption func(*manager.Options)

func withStore(s storage.Store) clientOption {
	return func(o *manager.Options) { o.Durable = s }
}

func withDevice(name string) clientOption {
	return func(o *manager.Options) { o.DeviceName = name }
}

func (h *harness) newClient(t *testing.T, opts ...clientOption) *client {
	t.Helper()

	c := &client{metrics: metrics.New()}

	o := manager.Options{
		BaseURL:    h.URL,
		Timeout:    5 * time.Second,
		DeviceName: "e2e",
		Metrics:    c.metrics,
		Clock: func() time.Time {
			return time.Now().Add(time.Duration(c.skew.Load()))
		},
		Redirector: redirectRecorder{c},
		AfterFunc:  noTimers,
	}

	for _, opt := range opts {
		opt(&o)
	}

	m, err := manager.New(o)
	require.NoError(t, err)
	t.Cleanup(m.Close)

	c.Manager = m

	return c
}

type redirectRecorder struct{ c *client }

func (r redirectRecorder) Redirect(_ context.Context, u string) error {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()

	r.c.redirects = append(r.c.redirects, u)

	return nil
}

func (c *client) lastRedirect() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.redirects) == 0 {
		return ""
	}

	return c.redirects[len(c.redirects)-1]
}

// signIn logs in an account without two-factor.
func (c *client) signIn(t *testing.T, email string) {
	t.Helper()

	res, err := c.Login(t.Context(), email, testPassword)
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	require.Equal(t, models.StatusAuthenticated, c.Status())
}

// watch runs the event stream in the background until the test ends.
func (c *client) watch(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)

		_ = c.WatchEvents(ctx, events.Options{
			ReconnectMin: 10 * time.Millisecond,
			ReconnectMax: 50 * time.Millisecond,
		})
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// networkRefreshes reads how many refresh calls c sent to the server.
func (c *client) networkRefreshes(t *testing.T) float64 {
	t.Helper()

	families, err := c.metrics.Registry().Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != "sessionkeeper_refresh_network_calls_total" {
			continue
		}

		var total float64
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}

		return total
	}

	return 0
}

// consent plays the user on the provider's consent page: it scrapes the
// CSRF token, submits email and returns the code and state from the
// redirect.
func consent(t *testing.T, consentURL, email string) (code, state string) {
	t.Helper()

	hc := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}

	resp, err := hc.Get(consentURL)
	require.NoError(t, err)

	page, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	m := csrfPattern.FindSubmatch(page)
	require.NotNil(t, m, "consent page has no CSRF token")

	u, err := url.Parse(consentURL)
	require.NoError(t, err)

	resp, err = hc.PostForm(consentURL, url.Values{
		"csrf_token": {string(m[1])},
		"state":      {u.Query().Get("state")},
		"email":      {email},
	})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)

	return loc.Query().Get("code"), loc.Query().Get("state")
}
