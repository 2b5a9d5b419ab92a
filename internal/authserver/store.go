// Package authserver is an in-memory implementation of the session
// server wire contract. It backs local development and the end-to-end
// tests; all state is lost on restart.
package authserver

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/alexjbarnes/sessionkeeper/internal/models"
)

const (
	challengeExpiry  = 5 * time.Minute
	stateExpiry      = 10 * time.Minute
	providerCodeTTL  = 5 * time.Minute
	resetTokenExpiry = 30 * time.Minute
	csrfExpiry       = 10 * time.Minute
	cleanupInterval  = time.Minute

	// maxChallengeFailures ends a two-factor challenge after this many
	// wrong codes.
	maxChallengeFailures = 5
)

type account struct {
	user         models.User
	passwordHash []byte

	// pendingSecret is set between 2FA enable and confirm.
	pendingSecret string
	secret        string
	backupCodes   map[string]struct{} // sha256 hex of each unused code
}

type session struct {
	models.Session
	userID     string
	refreshJTI string
	refreshExp time.Time
}

type challenge struct {
	userID    string
	sessionID string
	failures  int
	expiresAt time.Time
}

type oauthState struct {
	provider  string
	mode      models.OAuthMode
	userID    string // link mode only
	expiresAt time.Time
}

type providerCode struct {
	provider  string
	email     string
	state     string
	expiresAt time.Time
}

type resetToken struct {
	userID    string
	expiresAt time.Time
}

// Store holds all server state behind one mutex.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	accounts      map[string]*account // user id -> account
	byEmail       map[string]string   // email -> user id
	sessions      map[string]*session
	challenges    map[string]*challenge
	states        map[string]*oauthState
	providerCodes map[string]*providerCode
	resets        map[string]*resetToken
	csrf          map[string]time.Time

	stopGC   chan struct{}
	stopOnce sync.Once
}

// NewStore returns an empty store and starts the goroutine that reaps
// expired entries. Call Stop to end it.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}

	s := &Store{
		now:           now,
		accounts:      make(map[string]*account),
		byEmail:       make(map[string]string),
		sessions:      make(map[string]*session),
		challenges:    make(map[string]*challenge),
		states:        make(map[string]*oauthState),
		providerCodes: make(map[string]*providerCode),
		resets:        make(map[string]*resetToken),
		csrf:          make(map[string]time.Time),
		stopGC:        make(chan struct{}),
	}
	go s.gcLoop()

	return s
}

// Stop terminates the cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopGC) })
}

func (s *Store) gcLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopGC:
			return
		}
	}
}

// cleanup drops expired one-shot entries and marks sessions whose
// refresh token has lapsed as expired.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	for k, c := range s.challenges {
		if now.After(c.expiresAt) {
			delete(s.challenges, k)

			if sess, ok := s.sessions[c.sessionID]; ok && sess.Status == models.SessionPending2FA {
				sess.Status = models.SessionExpired
			}
		}
	}

	for k, st := range s.states {
		if now.After(st.expiresAt) {
			delete(s.states, k)
		}
	}

	for k, pc := range s.providerCodes {
		if now.After(pc.expiresAt) {
			delete(s.providerCodes, k)
		}
	}

	for k, rt := range s.resets {
		if now.After(rt.expiresAt) {
			delete(s.resets, k)
		}
	}

	for k, exp := range s.csrf {
		if now.After(exp) {
			delete(s.csrf, k)
		}
	}

	for _, sess := range s.sessions {
		if sess.Status == models.SessionActive && now.After(sess.refreshExp) {
			sess.Status = models.SessionExpired
		}
	}
}

// createAccount adds an account. It returns false when the email is
// taken.
func (s *Store) createAccount(email, name string, hash []byte) (models.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byEmail[email]; taken {
		return models.User{}, false
	}

	a := &account{
		user:         models.User{ID: uuid.NewString(), Email: email, Name: name},
		passwordHash: hash,
	}
	s.accounts[a.user.ID] = a
	s.byEmail[email] = a.user.ID

	return a.user, true
}

// accountByEmail returns a copy of the account for email.
func (s *Store) accountByEmail(email string) (account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEmail[email]
	if !ok {
		return account{}, false
	}

	a := *s.accounts[id]
	a.user = cloneUser(a.user)

	return a, true
}

func (s *Store) accountByID(id string) (account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return account{}, false
	}

	c := *a
	c.user = cloneUser(c.user)

	return c, true
}

// updateAccount applies f to the account under the lock.
func (s *Store) updateAccount(id string, f func(a *account) bool) (models.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok || !f(a) {
		return models.User{}, false
	}

	return cloneUser(a.user), true
}

func cloneUser(u models.User) models.User {
	u.LinkedProviders = append([]string(nil), u.LinkedProviders...)
	return u
}

// createSession opens a session for userID.
func (s *Store) createSession(userID string, info models.DeviceInfo, ip string, status models.SessionStatus) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sess := &session{
		Session: models.Session{
			ID:           ulid.Make().String(),
			DeviceID:     info.DeviceID,
			DeviceInfo:   info,
			IPAddress:    ip,
			CreatedAt:    now,
			LastActivity: now,
			Status:       status,
		},
		userID: userID,
	}
	s.sessions[sess.ID] = sess

	return sess.ID
}

// activateSession records the refresh token now bound to the session.
func (s *Store) activateSession(id, refreshJTI string, refreshExp time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		sess.Status = models.SessionActive
		sess.refreshJTI = refreshJTI
		sess.refreshExp = refreshExp
		sess.LastActivity = s.now()
	}
}

// activeSession returns the session if it is active and owned by userID.
func (s *Store) activeSession(id, userID string) (session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || sess.userID != userID || sess.Status != models.SessionActive {
		return session{}, false
	}

	sess.LastActivity = s.now()

	return *sess, true
}

// rotate swaps the session's refresh token. Presenting a refresh token
// that is no longer current revokes the session.
func (s *Store) rotate(id, userID, presentedJTI, nextJTI string, nextExp time.Time) (ok, reused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, found := s.sessions[id]
	if !found || sess.userID != userID || sess.Status != models.SessionActive {
		return false, false
	}

	if sess.refreshJTI != presentedJTI {
		sess.Status = models.SessionRevoked
		return false, true
	}

	sess.refreshJTI = nextJTI
	sess.refreshExp = nextExp
	sess.LastActivity = s.now()

	return true, false
}

// revokeSession revokes one of userID's sessions. It returns false when
// the session is unknown or already ended.
func (s *Store) revokeSession(id, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || sess.userID != userID || sess.Status == models.SessionRevoked {
		return false
	}

	sess.Status = models.SessionRevoked

	return true
}

// revokeAll revokes userID's live sessions except keep and returns the
// ids revoked.
func (s *Store) revokeAll(userID, keep string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string

	for id, sess := range s.sessions {
		if sess.userID != userID || id == keep {
			continue
		}

		if sess.Status == models.SessionActive || sess.Status == models.SessionPending2FA {
			sess.Status = models.SessionRevoked
			ids = append(ids, id)
		}
	}

	sort.Strings(ids)

	return ids
}

// listSessions returns userID's active and pending sessions, oldest
// first.
func (s *Store) listSessions(userID string) []models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Session

	for _, sess := range s.sessions {
		if sess.userID != userID {
			continue
		}

		if sess.Status == models.SessionActive || sess.Status == models.SessionPending2FA {
			out = append(out, sess.Session)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return out
}

func (s *Store) saveChallenge(userID, sessionID string) string {
	tok := RandomHex(32)

	s.mu.Lock()
	s.challenges[tok] = &challenge{userID: userID, sessionID: sessionID, expiresAt: s.now().Add(challengeExpiry)}
	s.mu.Unlock()

	return tok
}

// challengeResult is the outcome of answering a challenge.
type challengeResult int

const (
	challengeUnknown challengeResult = iota
	challengeWrong
	challengeExhausted
	challengePassed
)

// answerChallenge checks code with verify. A passed challenge is
// consumed; so is one that has failed too often.
func (s *Store) answerChallenge(tok string, verify func(userID string) bool) (challengeResult, challenge) {
	s.mu.Lock()
	c, ok := s.challenges[tok]
	if !ok || s.now().After(c.expiresAt) {
		delete(s.challenges, tok)
		s.mu.Unlock()

		return challengeUnknown, challenge{}
	}
	s.mu.Unlock()

	passed := verify(c.userID)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another request consumed it while verify ran.
	if _, still := s.challenges[tok]; !still {
		return challengeUnknown, challenge{}
	}

	if passed {
		delete(s.challenges, tok)
		return challengePassed, *c
	}

	c.failures++
	if c.failures >= maxChallengeFailures {
		delete(s.challenges, tok)

		if sess, ok := s.sessions[c.sessionID]; ok {
			sess.Status = models.SessionRevoked
		}

		return challengeExhausted, *c
	}

	return challengeWrong, *c
}

func (s *Store) saveState(provider string, mode models.OAuthMode, userID string) string {
	st := RandomHex(16)

	s.mu.Lock()
	s.states[st] = &oauthState{provider: provider, mode: mode, userID: userID, expiresAt: s.now().Add(stateExpiry)}
	s.mu.Unlock()

	return st
}

// consumeState removes and returns the state. Returns false if it is
// unknown or expired.
func (s *Store) consumeState(st string) (oauthState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.states[st]
	if !ok {
		return oauthState{}, false
	}

	delete(s.states, st)

	if s.now().After(v.expiresAt) {
		return oauthState{}, false
	}

	return *v, true
}

// stateExists reports whether st is outstanding for provider without
// consuming it.
func (s *Store) stateExists(st, provider string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.states[st]

	return ok && v.provider == provider && !s.now().After(v.expiresAt)
}

func (s *Store) saveProviderCode(provider, email, state string) string {
	code := RandomHex(32)

	s.mu.Lock()
	s.providerCodes[code] = &providerCode{provider: provider, email: email, state: state, expiresAt: s.now().Add(providerCodeTTL)}
	s.mu.Unlock()

	return code
}

func (s *Store) consumeProviderCode(code string) (providerCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.providerCodes[code]
	if !ok {
		return providerCode{}, false
	}

	delete(s.providerCodes, code)

	if s.now().After(v.expiresAt) {
		return providerCode{}, false
	}

	return *v, true
}

func (s *Store) saveReset(userID string) string {
	tok := RandomHex(32)

	s.mu.Lock()
	s.resets[tok] = &resetToken{userID: userID, expiresAt: s.now().Add(resetTokenExpiry)}
	s.mu.Unlock()

	return tok
}

func (s *Store) consumeReset(tok string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.resets[tok]
	if !ok {
		return "", false
	}

	delete(s.resets, tok)

	if s.now().After(v.expiresAt) {
		return "", false
	}

	return v.userID, true
}

// SaveCSRF stores a CSRF token with a fixed expiry.
func (s *Store) SaveCSRF(token string) {
	s.mu.Lock()
	s.csrf[token] = s.now().Add(csrfExpiry)
	s.mu.Unlock()
}

// ConsumeCSRF retrieves and deletes a CSRF token.
// Returns false if the token is not found, empty, or expired.
func (s *Store) ConsumeCSRF(token string) bool {
	if token == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.csrf[token]
	if !ok {
		return false
	}

	delete(s.csrf, token)

	return s.now().Before(exp)
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}

// hashCode returns the lookup key of a backup code.
func hashCode(code string) string {
	h := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(code))))
	return hex.EncodeToString(h[:])
}
