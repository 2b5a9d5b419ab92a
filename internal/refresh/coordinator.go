// Package refresh keeps the token pair fresh. It is the only writer of
// the pair: it installs pairs after sign-in, rotates them on refresh and
// clears them on logout or a rejected refresh.
//
// Concurrent refresh requests share one network call. A proactive timer
// refreshes shortly before the access token expires.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	skerrors "github.com/alexjbarnes/sessionkeeper/internal/errors"
	"github.com/alexjbarnes/sessionkeeper/internal/logging"
	"github.com/alexjbarnes/sessionkeeper/internal/metrics"
	"github.com/alexjbarnes/sessionkeeper/internal/models"
	"github.com/alexjbarnes/sessionkeeper/internal/token"
	"github.com/alexjbarnes/sessionkeeper/internal/tokenstore"
	"golang.org/x/sync/singleflight"
)

//go:generate mockgen -source=coordinator.go -destination=mock_refresher_test.go -package=refresh

// Refresher exchanges a refresh token for a new pair. *api.Client
// satisfies it.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (models.TokenPair, error)
}

// Defaults for zero Options fields, and the trigger labels recorded in
// refresh metrics.
const (
	DefaultLead    = 60 * time.Second
	DefaultSkew    = 30 * time.Second
	DefaultTimeout = 30 * time.Second

	TriggerCaller = "caller"
	TriggerTimer  = "timer"

	flightKey = "refresh"

	// minRescheduleDelay bounds how soon a just-rotated pair is refreshed
	// again.
	minRescheduleDelay = time.Second
)

// Options configures a Coordinator. Zero values take the defaults.
type Options struct {
	// Lead is how long before access expiry the proactive refresh fires.
	Lead time.Duration
	// Skew is the safety margin for treating a token as expired.
	Skew time.Duration
	// Timeout bounds the shared refresh call, which runs detached from
	// any single caller's context.
	Timeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Codec   *token.Codec

	// OnUnauthenticated runs after the coordinator clears the pair
	// because the session can no longer be refreshed.
	OnUnauthenticated func()

	AfterFunc AfterFunc
}

// Coordinator owns the current token pair.
type Coordinator struct {
	api     Refresher
	store   *tokenstore.Store
	codec   *token.Codec
	logger  *slog.Logger
	metrics *metrics.Recorder

	lead, skew, timeout time.Duration
	afterFunc           AfterFunc
	onUnauthenticated   func()

	group singleflight.Group

	// writeMu serializes writers so persisted and in-memory state move
	// together. mu guards the fields below and is never held across I/O.
	writeMu sync.Mutex
	mu      sync.Mutex
	pair    models.TokenPair
	gen     uint64
	timer   Stopper
	closed  bool
}

// New returns a Coordinator with no pair loaded.
func New(api Refresher, store *tokenstore.Store, opts Options) *Coordinator {
	c := &Coordinator{
		api:               api,
		store:             store,
		codec:             opts.Codec,
		logger:            logging.OrDiscard(opts.Logger),
		metrics:           opts.Metrics,
		lead:              opts.Lead,
		skew:              opts.Skew,
		timeout:           opts.Timeout,
		afterFunc:         opts.AfterFunc,
		onUnauthenticated: opts.OnUnauthenticated,
	}

	if c.codec == nil {
		c.codec = token.NewCodec(nil)
	}

	if c.lead <= 0 {
		c.lead = DefaultLead
	}

	if c.skew <= 0 {
		c.skew = DefaultSkew
	}

	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}

	if c.afterFunc == nil {
		c.afterFunc = realAfterFunc
	}

	return c
}

// SetOnUnauthenticated replaces the callback run when the session ends.
func (c *Coordinator) SetOnUnauthenticated(f func()) {
	c.mu.Lock()
	c.onUnauthenticated = f
	c.mu.Unlock()
}

// Load reads the persisted pair and schedules the proactive refresh. It
// reports whether a pair was found.
func (c *Coordinator) Load(ctx context.Context) (bool, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	pair, ok, err := c.store.Load(ctx)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++

	if !ok {
		c.pair = models.TokenPair{}
		c.stopTimerLocked()

		return false, nil
	}

	c.pair = pair
	c.scheduleLocked(false)

	return true, nil
}

// Install persists pair as the current pair and reschedules the timer.
func (c *Coordinator) Install(ctx context.Context, pair models.TokenPair) error {
	return c.install(pair, func() error { return c.store.Save(ctx, pair) })
}

// InstallSession is Install plus the session id and user, persisted in
// the same batch. Used after login, 2FA verification and OAuth sign-in.
func (c *Coordinator) InstallSession(ctx context.Context, pair models.TokenPair, sessionID string, user *models.User) error {
	return c.install(pair, func() error { return c.store.SaveSession(ctx, pair, sessionID, user) })
}

func (c *Coordinator) install(pair models.TokenPair, persist func() error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := persist(); err != nil {
		return err
	}

	c.mu.Lock()
	c.pair = pair
	c.gen++
	c.scheduleLocked(false)
	c.mu.Unlock()

	return nil
}

// Clear stops the timer and removes the pair from memory and storage.
func (c *Coordinator) Clear(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	c.pair = models.TokenPair{}
	c.gen++
	c.stopTimerLocked()
	c.mu.Unlock()

	return c.store.Clear(ctx)
}

// Close stops the timer. The pair stays persisted.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.stopTimerLocked()
	c.mu.Unlock()
}

// Pair returns the current pair.
func (c *Coordinator) Pair() models.TokenPair {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.pair
}

// AccessToken returns the current access token without any check.
func (c *Coordinator) AccessToken() string {
	return c.Pair().AccessToken
}

// EnsureFreshToken returns an access token that is not expired within the
// clock skew, refreshing first if needed.
func (c *Coordinator) EnsureFreshToken(ctx context.Context) (string, error) {
	pair := c.Pair()
	if pair.Empty() {
		return "", skerrors.ErrNotAuthenticated
	}

	if !c.codec.IsExpired(pair.AccessToken, c.skew) {
		return pair.AccessToken, nil
	}

	return c.RefreshStale(ctx, pair.AccessToken)
}

// Refresh rotates the pair and returns the new access token. Concurrent
// calls share one network call. If ctx ends first the caller stops
// waiting; the shared call carries on.
//
// Any failure ends the session: the pair is cleared and the error wraps
// ErrSessionExpired.
func (c *Coordinator) Refresh(ctx context.Context) (string, error) {
	return c.RefreshStale(ctx, c.AccessToken())
}

// RefreshStale is Refresh for a caller that found stale rejected. If the
// pair has already moved past stale, the current access token is returned
// without a network call.
func (c *Coordinator) RefreshStale(ctx context.Context, stale string) (string, error) {
	res, err := c.refresh(ctx, TriggerCaller, stale)
	if err == nil {
		c.metrics.RefreshRequested(TriggerCaller, metrics.OutcomeSuccess)
		return res.access, nil
	}

	if !isSettled(err) {
		c.metrics.RefreshRequested(TriggerCaller, metrics.OutcomeError)
		return "", err
	}

	if skerrors.Is(err, skerrors.ErrNotAuthenticated) {
		c.metrics.RefreshRequested(TriggerCaller, metrics.OutcomeExpired)
		return "", fmt.Errorf("%w: %w", skerrors.ErrSessionExpired, err)
	}

	// Transient failures end the session too when a caller asked.
	if res.used != "" {
		c.expire(res.used)
	}

	c.metrics.RefreshRequested(TriggerCaller, metrics.OutcomeRejected)

	if skerrors.Is(err, skerrors.ErrSessionExpired) {
		return "", err
	}

	return "", fmt.Errorf("%w: %w", skerrors.ErrSessionExpired, err)
}

type result struct {
	access string
	// used is the refresh token the call presented.
	used string
}

// errAbandoned marks a caller that stopped waiting on the shared call.
type errAbandoned struct{ err error }

func (e *errAbandoned) Error() string { return e.err.Error() }
func (e *errAbandoned) Unwrap() error { return e.err }

func isSettled(err error) bool {
	var ab *errAbandoned
	return !skerrors.As(err, &ab)
}

func (c *Coordinator) refresh(ctx context.Context, trigger, stale string) (result, error) {
	ch := c.group.DoChan(flightKey, func() (any, error) {
		return c.doRefresh(ctx, trigger, stale)
	})

	select {
	case <-ctx.Done():
		return result{}, &errAbandoned{err: ctx.Err()}
	case r := <-ch:
		res, _ := r.Val.(result)
		return res, r.Err
	}
}

// doRefresh runs once per flight.
func (c *Coordinator) doRefresh(ctx context.Context, trigger, stale string) (result, error) {
	pair := c.Pair()
	if pair.RefreshToken == "" {
		return result{}, skerrors.ErrNotAuthenticated
	}

	// A flight that settled after the caller read the pair already
	// rotated it.
	if pair.AccessToken != stale {
		return result{access: pair.AccessToken}, nil
	}

	res := result{used: pair.RefreshToken}

	// An opaque refresh token is left for the server to judge.
	if exp, ok := c.codec.ExpiryInstant(pair.RefreshToken); ok && !c.codec.Now().Before(exp) {
		c.logger.Info("refresh token expired locally", slog.String("trigger", trigger))
		c.expire(pair.RefreshToken)

		return res, fmt.Errorf("%w: refresh token expired", skerrors.ErrSessionExpired)
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	start := time.Now()
	next, err := c.api.Refresh(callCtx, pair.RefreshToken)
	c.metrics.RefreshCall(time.Since(start).Seconds())

	if err != nil {
		// Only the server saying no is a rejection. Network failures and
		// unreadable replies leave the pair in place.
		if _, rejected := skerrors.AsAuthError(err); !rejected {
			c.logger.Warn("token refresh failed", slog.String("trigger", trigger), slog.String("error", err.Error()))
			return res, err
		}

		c.logger.Info("refresh token rejected", slog.String("trigger", trigger), slog.String("error", err.Error()))
		c.expire(pair.RefreshToken)

		return res, fmt.Errorf("%w: %w", skerrors.ErrSessionExpired, err)
	}

	access, err := c.adopt(callCtx, pair.RefreshToken, next)
	if err != nil {
		return res, err
	}

	res.access = access

	if claims, ok := c.codec.Decode(next.AccessToken); ok {
		c.logger.Debug("tokens refreshed",
			slog.String("trigger", trigger),
			slog.String("session_id", claims.SessionID),
			slog.String("token_id", claims.TokenID),
		)
	}

	return res, nil
}

// adopt installs next unless the pair changed while the call was in
// flight, in which case next is discarded.
func (c *Coordinator) adopt(ctx context.Context, used string, next models.TokenPair) (string, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	current := c.pair
	c.mu.Unlock()

	if current.RefreshToken != used {
		if current.Empty() {
			return "", skerrors.ErrNotAuthenticated
		}

		return current.AccessToken, nil
	}

	// The server has rotated the old pair, so keep next in memory even
	// if persisting it fails.
	if err := c.store.Save(ctx, next); err != nil {
		c.logger.Error("persisting refreshed tokens", slog.String("error", err.Error()))
	}

	c.mu.Lock()
	c.pair = next
	c.gen++
	c.scheduleLocked(true)
	c.mu.Unlock()

	return next.AccessToken, nil
}

// expire clears the pair if it still holds used, then reports the session
// as ended.
func (c *Coordinator) expire(used string) {
	c.writeMu.Lock()

	c.mu.Lock()
	if c.pair.RefreshToken != used {
		c.mu.Unlock()
		c.writeMu.Unlock()

		return
	}

	c.pair = models.TokenPair{}
	c.gen++
	c.stopTimerLocked()
	cb := c.onUnauthenticated
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	if err := c.store.Clear(ctx); err != nil {
		c.logger.Error("clearing expired session", slog.String("error", err.Error()))
	}
	cancel()

	c.writeMu.Unlock()

	if cb != nil {
		cb()
	}
}

func (c *Coordinator) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// scheduleLocked replaces the proactive timer for the current pair. A
// token without an expiry gets no timer.
//
// The lead never exceeds half the token's issued lifetime, so a short
// lived token is refreshed at its midpoint. A pair that looks due at once
// fires immediately, unless it was minted by the refresh that just ran:
// then the local clock is not to be trusted and the timer waits instead
// of starting a refresh loop.
func (c *Coordinator) scheduleLocked(minted bool) {
	c.stopTimerLocked()

	if c.closed || c.pair.Empty() {
		return
	}

	ttl, ok := c.codec.TimeToExpiry(c.pair.AccessToken)
	if !ok {
		return
	}

	lead := c.lead
	if lifetime, ok := c.codec.Lifetime(c.pair.AccessToken); ok {
		lead = min(lead, lifetime/2)
	}

	delay := ttl - lead
	if delay <= 0 {
		delay = 0

		if minted {
			delay = max(lead, minRescheduleDelay)
		}
	}

	gen := c.gen
	c.timer = c.afterFunc(delay, func() { c.fire(gen) })
}

func (c *Coordinator) fire(gen uint64) {
	c.mu.Lock()
	stale := c.gen != gen || c.closed
	c.mu.Unlock()

	if stale {
		return
	}

	_, err := c.refresh(context.Background(), TriggerTimer, c.AccessToken())
	if err != nil {
		// Rejections have already cleared the pair. Other failures leave
		// it for the next caller to retry.
		outcome := metrics.OutcomeError
		if skerrors.Is(err, skerrors.ErrSessionExpired) {
			outcome = metrics.OutcomeRejected
		}

		c.metrics.RefreshRequested(TriggerTimer, outcome)
		c.logger.Debug("proactive refresh failed", slog.String("error", err.Error()))

		return
	}

	c.metrics.RefreshRequested(TriggerTimer, metrics.OutcomeSuccess)
}
