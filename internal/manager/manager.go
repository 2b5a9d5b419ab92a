// Package manager composes the session engine into one Manager with a
// single observable AuthStatus. It sequences the step-up authenticator,
// OAuth linker, refresh coordinator and session registry and holds the
// cached user and the current error; the rules live in those packages.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alexjbarnes/sessionkeeper/internal/api"
	"github.com/alexjbarnes/sessionkeeper/internal/device"
	skerrors "github.com/alexjbarnes/sessionkeeper/internal/errors"
	"github.com/alexjbarnes/sessionkeeper/internal/events"
	"github.com/alexjbarnes/sessionkeeper/internal/gateway"
	"github.com/alexjbarnes/sessionkeeper/internal/logging"
	"github.com/alexjbarnes/sessionkeeper/internal/metrics"
	"github.com/alexjbarnes/sessionkeeper/internal/models"
	"github.com/alexjbarnes/sessionkeeper/internal/oauth"
	"github.com/alexjbarnes/sessionkeeper/internal/refresh"
	"github.com/alexjbarnes/sessionkeeper/internal/sessions"
	"github.com/alexjbarnes/sessionkeeper/internal/stepup"
	"github.com/alexjbarnes/sessionkeeper/internal/storage"
	"github.com/alexjbarnes/sessionkeeper/internal/token"
	"github.com/alexjbarnes/sessionkeeper/internal/tokenstore"
)

// Options configures a Manager. Only BaseURL is required.
type Options struct {
	BaseURL string

	// HTTPClient carries the transport timeout. Defaults to
	// api.NewHTTPClient(Timeout).
	HTTPClient *http.Client
	Timeout    time.Duration

	// Durable holds the token pair, cached identity and device id.
	// Ephemeral holds in-progress OAuth state. Both default to memory.
	Durable   storage.Store
	Ephemeral storage.Store

	DeviceName  string
	RefreshLead time.Duration
	ClockSkew   time.Duration

	// Redirector sends the user agent to an OAuth authorization URL. When
	// nil the URL is only returned in the Result.
	Redirector oauth.Redirector

	Logger  *slog.Logger
	Metrics *metrics.Recorder

	Clock     func() time.Time
	AfterFunc refresh.AfterFunc
}

// Manager is one independent client session.
type Manager struct {
	api      *api.Client
	store    *tokenstore.Store
	durable  storage.Store
	coord    *refresh.Coordinator
	step     *stepup.Authenticator
	linker   *oauth.Linker
	sessions *sessions.Registry
	device   *device.Identity
	codec    *token.Codec
	logger   *slog.Logger
	metrics  *metrics.Recorder
	httpc    *http.Client

	mu        sync.Mutex
	status    models.AuthStatus
	user      *models.User
	err       *Failure
	listeners map[int]func(models.AuthStatus)
	nextID    int
}

// New wires a Manager. The persisted session is not loaded until Restore.
func New(opts Options) (*Manager, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL", skerrors.ErrMissingField)
	}

	logger := logging.OrDiscard(opts.Logger)

	hc := opts.HTTPClient
	if hc == nil {
		hc = api.NewHTTPClient(opts.Timeout)
	}

	durable := opts.Durable
	if durable == nil {
		durable = storage.NewMemory()
	}

	ephemeral := opts.Ephemeral
	if ephemeral == nil {
		ephemeral = storage.NewMemory()
	}

	redirect := opts.Redirector
	if redirect == nil {
		redirect = oauth.RedirectFunc(func(context.Context, string) error { return nil })
	}

	codec := token.NewCodec(opts.Clock)
	store := tokenstore.New(durable)
	ident := device.New(durable, opts.DeviceName)
	anon := api.NewClient(opts.BaseURL, hc)

	m := &Manager{
		store:     store,
		durable:   durable,
		device:    ident,
		codec:     codec,
		logger:    logger,
		metrics:   opts.Metrics,
		status:    models.StatusIdle,
		listeners: make(map[int]func(models.AuthStatus)),
	}

	m.coord = refresh.New(anon, store, refresh.Options{
		Lead:              opts.RefreshLead,
		Skew:              opts.ClockSkew,
		Timeout:           opts.Timeout,
		Logger:            logger.With(slog.String("component", "refresh")),
		Metrics:           opts.Metrics,
		Codec:             codec,
		OnUnauthenticated: m.sessionExpired,
		AfterFunc:         opts.AfterFunc,
	})

	gw := gateway.New(anon.Transport(), m.coord, logger.With(slog.String("component", "gateway")), opts.Metrics)
	m.api = anon.WithAuthTransport(gw)

	m.httpc = &http.Client{
		Transport:     gw,
		Timeout:       hc.Timeout,
		CheckRedirect: hc.CheckRedirect,
	}

	m.step = stepup.New(m.api, ident, logger.With(slog.String("component", "stepup")))
	m.linker = oauth.New(m.api, ephemeral, ident, redirect, logger.With(slog.String("component", "oauth")))
	m.sessions = sessions.New(m.api, store, logger.With(slog.String("component", "sessions")))

	return m, nil
}

// Status returns the current status.
func (m *Manager) Status() models.AuthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.status
}

// IsAuthenticated reports whether the status is authenticated.
func (m *Manager) IsAuthenticated() bool {
	return m.Status() == models.StatusAuthenticated
}

// Error returns the error held from the last action, or nil.
func (m *Manager) Error() *Failure {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.err
}

// AccessToken returns an access token that is unexpired within the clock
// skew, refreshing first when needed.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	return m.coord.EnsureFreshToken(ctx)
}

// HTTPClient returns a client that attaches the access token to every
// request and recovers once from a 401.
func (m *Manager) HTTPClient() *http.Client {
	return m.httpc
}

// Subscribe registers f to run on every status change and returns a
// function that removes it. f runs without the Manager's lock held.
func (m *Manager) Subscribe(f func(models.AuthStatus)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = f
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Restore loads the persisted session, if any, and revalidates it by
// fetching the profile. A network failure keeps the cached profile.
func (m *Manager) Restore(ctx context.Context) (*Result, error) {
	m.begin(models.StatusLoading)

	ok, err := m.coord.Load(ctx)
	if err != nil {
		m.setStatus(models.StatusUnauthenticated)
		return m.fail(skerrors.CodeSessionError, err)
	}

	if !ok {
		m.setStatus(models.StatusUnauthenticated)
		return m.ok(nil), nil
	}

	cached, err := m.store.User(ctx)
	if err != nil {
		m.logger.Warn("cached user unreadable", slog.String("error", err.Error()))
	}

	user, err := m.api.Me(ctx)

	switch {
	case err == nil:
		if err := m.store.SaveUser(ctx, *user); err != nil {
			m.logger.Warn("caching user failed", slog.String("error", err.Error()))
		}

	case errors.Is(err, skerrors.ErrSessionExpired), errors.Is(err, skerrors.ErrNotAuthenticated),
		api.IsStatus(err, http.StatusUnauthorized):
		m.endSession(ctx)
		return m.fail(skerrors.CodeSessionExpired, fmt.Errorf("%w: %w", skerrors.ErrSessionExpired, err))

	case skerrors.IsTransient(err):
		m.logger.Warn("profile refresh failed, using cached profile", slog.String("error", err.Error()))
		user = cached

	default:
		m.setStatus(models.StatusUnauthenticated)
		return m.fail(skerrors.CodeSessionError, err)
	}

	m.setUser(user)
	m.setStatus(models.StatusAuthenticated)

	m.logger.Info("session restored")

	return m.ok(func(r *Result) { r.User = user }), nil
}

// WatchEvents holds the server's session event stream open until ctx
// ends or the session ends. A revocation aimed at this device ends the
// session locally.
func (m *Manager) WatchEvents(ctx context.Context, opts events.Options) error {
	if opts.Logger == nil {
		opts.Logger = m.logger.With(slog.String("component", "events"))
	}

	if opts.Metrics == nil {
		opts.Metrics = m.metrics
	}

	return events.New(m.api.EventsURL(), m.coord, m.handleEvent, opts).Run(ctx)
}

func (m *Manager) handleEvent(ctx context.Context, ev models.SessionEvent) {
	switch ev.Type {
	case models.EventSessionRevoked:
		current, err := m.store.SessionID(ctx)
		if err != nil || current == "" || current != ev.SessionID {
			return
		}
	case models.EventLogoutAll:
	default:
		return
	}

	m.logger.Info("session revoked remotely", slog.String("event", ev.Type))

	// The failure is recorded first so listeners see it with the status.
	m.setErr(&Failure{
		Code:    skerrors.CodeSessionExpired,
		Message: "session revoked",
		Err:     skerrors.ErrSessionExpired,
	})
	m.endSession(ctx)
}

type watcher interface {
	Watch(ctx context.Context, onChange func()) error
}

// WatchStore reloads the session whenever another process rewrites the
// durable store. It returns immediately when the store cannot be watched.
func (m *Manager) WatchStore(ctx context.Context) error {
	w, ok := m.durable.(watcher)
	if !ok {
		return nil
	}

	return w.Watch(ctx, func() { m.reload(ctx) })
}

func (m *Manager) reload(ctx context.Context) {
	ok, err := m.coord.Load(ctx)
	if err != nil {
		m.logger.Warn("reloading store failed", slog.String("error", err.Error()))
		return
	}

	if !ok {
		m.logger.Info("session removed by another process")
		m.step.Cancel()
		m.setUser(nil)
		m.setStatus(models.StatusUnauthenticated)

		return
	}

	user, err := m.store.User(ctx)
	if err != nil {
		m.logger.Warn("cached user unreadable", slog.String("error", err.Error()))
	}

	m.logger.Info("session replaced by another process")
	m.setUser(user)
	m.setStatus(models.StatusAuthenticated)
}

// Close stops the refresh timer. The persisted session is kept.
func (m *Manager) Close() {
	m.coord.Close()
}

// sessionExpired runs when the coordinator has cleared an unrefreshable
// session.
func (m *Manager) sessionExpired() {
	m.step.Cancel()
	m.setUser(nil)
	m.setErr(&Failure{
		Code:    skerrors.CodeSessionExpired,
		Message: skerrors.ErrSessionExpired.Error(),
		Err:     skerrors.ErrSessionExpired,
	})
	m.setStatus(models.StatusUnauthenticated)
}

// endSession clears the local session without contacting the server.
func (m *Manager) endSession(ctx context.Context) {
	if err := m.coord.Clear(ctx); err != nil {
		m.logger.Warn("clearing session failed", slog.String("error", err.Error()))
	}

	m.step.Cancel()
	m.setUser(nil)
	m.setStatus(models.StatusUnauthenticated)
}

// begin clears the held error and, when status is set, moves to it.
func (m *Manager) begin(status models.AuthStatus) {
	m.setErr(nil)

	if status != "" {
		m.setStatus(status)
	}
}

func (m *Manager) setErr(f *Failure) {
	m.mu.Lock()
	m.err = f
	m.mu.Unlock()
}

func (m *Manager) setUser(u *models.User) {
	m.mu.Lock()
	m.user = u
	m.mu.Unlock()
}

func (m *Manager) cachedUser() *models.User {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.user
}

func (m *Manager) setStatus(s models.AuthStatus) {
	m.mu.Lock()
	if m.status == s {
		m.mu.Unlock()
		return
	}

	m.status = s
	fns := make([]func(models.AuthStatus), 0, len(m.listeners))
	for _, f := range m.listeners {
		fns = append(fns, f)
	}
	m.mu.Unlock()

	m.metrics.StatusChanged(string(s))

	for _, f := range fns {
		f(s)
	}
}

// fail records err as the held error and builds the failed Result.
func (m *Manager) fail(code string, err error) (*Result, error) {
	f, transport := classify(code, err)
	m.setErr(f)

	res := &Result{
		Error:      f.Message,
		ErrorCode:  f.Code,
		ServerCode: f.ServerCode,
		Status:     m.Status(),
	}

	if transport {
		return res, err
	}

	return res, nil
}

func (m *Manager) ok(fill func(*Result)) *Result {
	res := &Result{Success: true, Status: m.Status()}
	if fill != nil {
		fill(res)
	}

	return res
}
