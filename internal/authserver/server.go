package authserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/alexjbarnes/sessionkeeper/internal/credentials"
	"github.com/alexjbarnes/sessionkeeper/internal/logging"
)

const (
	maxRequestBody = 64 << 10

	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 30 * 24 * time.Hour
	defaultDevCode    = "123456"
	backupCodeCount   = 10
)

// Seed is an account created at startup.
type Seed struct {
	Email     string
	Password  string
	Name      string
	TwoFactor bool
}

// Config configures a Server. SigningKey and PublicURL are required.
type Config struct {
	SigningKey []byte
	PublicURL  string

	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// TwoFactorCode is the code accepted for every two-factor check in
	// place of a TOTP.
	TwoFactorCode string

	// Providers lists the OAuth providers the built-in consent page
	// stands in for.
	Providers []string

	// OAuthRedirectURL receives the provider redirect. Defaults to the
	// server's own callback page, which shows code and state.
	OAuthRedirectURL string

	Users      []Seed
	BcryptCost int

	// OnResetToken receives password reset tokens in place of email.
	OnResetToken func(email, token string)

	Logger *slog.Logger
	Clock  func() time.Time
}

// Server serves the session wire contract.
type Server struct {
	cfg     Config
	store   *Store
	tokens  *issuer
	events  *hub
	limiter *loginRateLimiter
	logger  *slog.Logger
	dummy   []byte
}

// New returns a Server with its seed accounts created.
func New(cfg Config) (*Server, error) {
	if len(cfg.SigningKey) < 32 {
		return nil, errors.New("signing key must be at least 32 bytes")
	}

	if cfg.PublicURL == "" {
		return nil, errors.New("public URL is required")
	}

	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")

	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = defaultAccessTTL
	}

	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = defaultRefreshTTL
	}

	if cfg.TwoFactorCode == "" {
		cfg.TwoFactorCode = defaultDevCode
	}

	if len(cfg.Providers) == 0 {
		cfg.Providers = []string{"github", "google"}
	}

	if cfg.OAuthRedirectURL == "" {
		cfg.OAuthRedirectURL = cfg.PublicURL + "/provider/callback"
	}

	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}

	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	logger := logging.OrDiscard(cfg.Logger)

	// Compared against when the email is unknown so both paths cost a
	// bcrypt comparison.
	dummy, err := bcrypt.GenerateFromPassword([]byte("unknown-account"), cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hashing placeholder: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		store:   NewStore(cfg.Clock),
		tokens:  &issuer{key: cfg.SigningKey, accessTTL: cfg.AccessTTL, refreshTTL: cfg.RefreshTTL, now: cfg.Clock},
		events:  newHub(),
		limiter: newLoginRateLimiter(),
		logger:  logger,
		dummy:   dummy,
	}

	for _, seed := range cfg.Users {
		if err := s.seed(seed); err != nil {
			s.Close()
			return nil, err
		}
	}

	return s, nil
}

func (s *Server) seed(seed Seed) error {
	email := credentials.NormalizeEmail(seed.Email)

	hash, err := bcrypt.GenerateFromPassword([]byte(seed.Password), s.cfg.BcryptCost)
	if err != nil {
		return fmt.Errorf("hashing password for %s: %w", email, err)
	}

	user, ok := s.store.createAccount(email, seed.Name, hash)
	if !ok {
		return fmt.Errorf("duplicate seed account %s", email)
	}

	if seed.TwoFactor {
		s.store.updateAccount(user.ID, func(a *account) bool {
			a.secret = RandomHex(10)
			a.user.TwoFactorEnabled = true
			a.backupCodes = make(map[string]struct{})

			return true
		})
	}

	s.logger.Info("seeded account", slog.String("email", email), slog.Bool("two_factor", seed.TwoFactor))

	return nil
}

// Close stops background work and disconnects event streams.
func (s *Server) Close() {
	s.store.Stop()
	s.events.closeAll()
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	authed := Middleware(s.store, s.tokens, s.logger)

	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /auth/register", s.handleRegister)
	mux.HandleFunc("POST /auth/refresh", s.handleRefresh)
	mux.HandleFunc("POST /auth/2fa/verify", s.handleVerify2FA)
	mux.HandleFunc("POST /auth/password/forgot", s.handleForgotPassword)
	mux.HandleFunc("POST /auth/password/reset", s.handleResetPassword)
	mux.HandleFunc("GET /auth/oauth/{provider}/authorize", s.handleAuthorize(authed))
	mux.HandleFunc("POST /auth/oauth/{provider}/callback", s.handleOAuthCallback)

	mux.Handle("POST /auth/oauth/{provider}/link", authed(http.HandlerFunc(s.handleOAuthLink)))
	mux.Handle("DELETE /auth/oauth/{provider}/link", authed(http.HandlerFunc(s.handleOAuthUnlink)))
	mux.Handle("GET /auth/sessions", authed(http.HandlerFunc(s.handleListSessions)))
	mux.Handle("GET /auth/sessions/events", authed(http.HandlerFunc(s.handleEvents)))
	mux.Handle("DELETE /auth/sessions/{id}", authed(http.HandlerFunc(s.handleRevokeSession)))
	mux.Handle("POST /auth/logout", authed(http.HandlerFunc(s.handleLogout)))
	mux.Handle("POST /auth/logout-all", authed(http.HandlerFunc(s.handleLogoutAll)))
	mux.Handle("POST /auth/2fa/enable", authed(http.HandlerFunc(s.handleEnable2FA)))
	mux.Handle("POST /auth/2fa/confirm", authed(http.HandlerFunc(s.handleConfirm2FA)))
	mux.Handle("POST /auth/2fa/disable", authed(http.HandlerFunc(s.handleDisable2FA)))
	mux.Handle("POST /auth/2fa/backup-codes", authed(http.HandlerFunc(s.handleBackupCodes)))
	mux.Handle("POST /auth/password/change", authed(http.HandlerFunc(s.handleChangePassword)))
	mux.Handle("GET /auth/me", authed(http.HandlerFunc(s.handleMe)))
	mux.Handle("PATCH /auth/me", authed(http.HandlerFunc(s.handleUpdateProfile)))

	mux.HandleFunc("GET /provider/{provider}/consent", s.handleConsentGET)
	mux.HandleFunc("POST /provider/{provider}/consent", s.handleConsentPOST)
	mux.HandleFunc("GET /provider/callback", s.handleProviderCallback)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	return mux
}

// apiError is the {code, message} error object.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   apiError{Code: code, Message: message},
	})
}

// decode reads a JSON body of at most maxRequestBody bytes into v. On
// failure it writes a 400 and returns false.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return false
	}

	return true
}

// loginRateLimiter tracks failed login attempts per IP with a sliding
// window. After maxFailures within the window, further attempts are
// rejected until the window expires.
type loginRateLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
}

const (
	rateLimitWindow         = 5 * time.Minute
	rateLimitMaxFail        = 10
	rateLimitPruneThreshold = 1000
)

func newLoginRateLimiter() *loginRateLimiter {
	return &loginRateLimiter{
		failures: make(map[string][]time.Time),
	}
}

// check returns true if the IP is currently rate-limited.
func (rl *loginRateLimiter) check(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rateLimitWindow)

	// Prevent unbounded growth from many distinct source IPs.
	if len(rl.failures) > rateLimitPruneThreshold {
		for k, times := range rl.failures {
			if len(times) == 0 || times[len(times)-1].Before(cutoff) {
				delete(rl.failures, k)
			}
		}
	}

	recent := rl.failures[ip][:0]
	for _, t := range rl.failures[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) == 0 {
		delete(rl.failures, ip)
	} else {
		rl.failures[ip] = recent
	}

	return len(recent) >= rateLimitMaxFail
}

// record adds a failed attempt for the IP.
func (rl *loginRateLimiter) record(ip string) {
	rl.mu.Lock()
	rl.failures[ip] = append(rl.failures[ip], time.Now())
	rl.mu.Unlock()
}
