package authserver

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/alexjbarnes/sessionkeeper/internal/credentials"
	"github.com/alexjbarnes/sessionkeeper/internal/models"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if !decode(w, r, &req) {
		return
	}

	ip := remoteIP(r)
	if s.limiter.check(ip) {
		s.logger.Warn("login rate limited", slog.String("ip", ip))
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many failed login attempts, try again later")

		return
	}

	email := credentials.NormalizeEmail(req.Email)
	a, ok := s.store.accountByEmail(email)

	hash := s.dummy
	if ok {
		hash = a.passwordHash
	}

	if err := bcrypt.CompareHashAndPassword(hash, []byte(req.Password)); err != nil || !ok {
		s.logger.Warn("login failed", slog.String("email", email), slog.String("ip", ip))
		s.limiter.record(ip)
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password")

		return
	}

	s.startSession(w, r, a.user, req.DeviceInfo)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if !decode(w, r, &req) {
		return
	}

	email, err := credentials.ValidateEmail(req.Email)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_EMAIL", err.Error())
		return
	}

	if err := credentials.ValidatePassword(req.Password); err != nil {
		writeError(w, http.StatusBadRequest, "WEAK_PASSWORD", err.Error())
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cfg.BcryptCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "could not store password")
		return
	}

	user, ok := s.store.createAccount(email, req.Name, hash)
	if !ok {
		writeError(w, http.StatusConflict, "EMAIL_TAKEN", "an account with this email already exists")
		return
	}

	s.logger.Info("account registered", slog.String("user_id", user.ID))
	s.startSession(w, r, user, req.DeviceInfo)
}

// startSession opens a session after primary authentication. Accounts
// with two-factor on get a pending session and a challenge instead of
// tokens.
func (s *Server) startSession(w http.ResponseWriter, r *http.Request, user models.User, info models.DeviceInfo) {
	if user.TwoFactorEnabled {
		sid := s.store.createSession(user.ID, info, remoteIP(r), models.SessionPending2FA)
		tok := s.store.saveChallenge(user.ID, sid)

		s.logger.Info("two-factor challenge issued", slog.String("user_id", user.ID), slog.String("session_id", sid))
		writeJSON(w, http.StatusOK, models.AuthResponse{
			Success:        true,
			Requires2FA:    true,
			TwoFactorToken: tok,
		})

		return
	}

	sid := s.store.createSession(user.ID, info, remoteIP(r), models.SessionPending2FA)
	s.issueSession(w, user, sid)
}

// issueSession mints the session's first token pair and activates it.
func (s *Server) issueSession(w http.ResponseWriter, user models.User, sid string) {
	iss, err := s.tokens.issue(user.ID, sid)
	if err != nil {
		s.logger.Error("issuing tokens", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "could not issue tokens")

		return
	}

	s.store.activateSession(sid, iss.refreshJTI, iss.refreshExp)

	s.logger.Info("session started", slog.String("user_id", user.ID), slog.String("session_id", sid))
	writeJSON(w, http.StatusOK, models.AuthResponse{
		Success:   true,
		User:      &user,
		Tokens:    &iss.pair,
		SessionID: sid,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req models.RefreshRequest
	if !decode(w, r, &req) {
		return
	}

	c, err := s.tokens.parse(req.RefreshToken, typeRefresh)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN", "refresh token is invalid or expired")
		return
	}

	iss, err := s.tokens.issue(c.Subject, c.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "could not issue tokens")
		return
	}

	ok, reused := s.store.rotate(c.SessionID, c.Subject, c.ID, iss.refreshJTI, iss.refreshExp)
	if reused {
		s.logger.Warn("refresh token reuse, session revoked", slog.String("session_id", c.SessionID))
		s.events.publish(c.SessionID, models.SessionEvent{Type: models.EventSessionRevoked, SessionID: c.SessionID})
		writeError(w, http.StatusUnauthorized, "REFRESH_TOKEN_REUSED", "refresh token was already used")

		return
	}

	if !ok {
		writeError(w, http.StatusUnauthorized, "SESSION_REVOKED", "session is no longer active")
		return
	}

	writeJSON(w, http.StatusOK, models.RefreshResponse{Success: true, Tokens: &iss.pair})
}

func (s *Server) handleVerify2FA(w http.ResponseWriter, r *http.Request) {
	var req models.Verify2FARequest
	if !decode(w, r, &req) {
		return
	}

	if req.TwoFactorToken == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "two_factor_token and code are required")
		return
	}

	result, c := s.store.answerChallenge(req.TwoFactorToken, func(userID string) bool {
		return s.checkSecondFactor(userID, req.Code, req.IsBackupCode)
	})

	switch result {
	case challengeUnknown:
		writeError(w, http.StatusUnauthorized, "CHALLENGE_EXPIRED", "two-factor challenge expired or already used")
		return
	case challengeExhausted:
		s.logger.Warn("two-factor challenge exhausted", slog.String("session_id", c.sessionID))
		writeError(w, http.StatusUnauthorized, "TOO_MANY_ATTEMPTS", "too many incorrect codes, sign in again")

		return
	case challengeWrong:
		writeError(w, http.StatusBadRequest, "INVALID_2FA_CODE", "Invalid verification code")
		return
	}

	a, ok := s.store.accountByID(c.userID)
	if !ok {
		writeError(w, http.StatusUnauthorized, "CHALLENGE_EXPIRED", "account no longer exists")
		return
	}

	s.issueSession(w, a.user, c.sessionID)
}

// checkSecondFactor reports whether code is the current TOTP stand-in or,
// with backup set, an unused backup code. A matching backup code is
// consumed.
func (s *Server) checkSecondFactor(userID, code string, backup bool) bool {
	if !backup {
		a, ok := s.store.accountByID(userID)

		return ok && a.user.TwoFactorEnabled &&
			subtle.ConstantTimeCompare([]byte(code), []byte(s.cfg.TwoFactorCode)) == 1
	}

	key := hashCode(code)

	_, ok := s.store.updateAccount(userID, func(a *account) bool {
		if _, found := a.backupCodes[key]; !found {
			return false
		}

		delete(a.backupCodes, key)

		return true
	})

	return ok
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req models.LogoutRequest
	if !decode(w, r, &req) {
		return
	}

	uid := RequestUserID(r.Context())

	sid := req.SessionID
	if sid == "" {
		sid = RequestSessionID(r.Context())
	}

	if s.store.revokeSession(sid, uid) {
		s.events.publish(sid, models.SessionEvent{Type: models.EventSessionRevoked, SessionID: sid})
		s.logger.Info("signed out", slog.String("session_id", sid))
	}

	writeJSON(w, http.StatusOK, models.SuccessResponse{Success: true})
}

func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	var req models.LogoutAllRequest
	if !decode(w, r, &req) {
		return
	}

	ids := s.store.revokeAll(RequestUserID(r.Context()), req.ExceptSessionID)
	for _, id := range ids {
		s.events.publish(id, models.SessionEvent{Type: models.EventLogoutAll})
	}

	s.logger.Info("sessions revoked", slog.Int("count", len(ids)), slog.Bool("kept_one", req.ExceptSessionID != ""))
	writeJSON(w, http.StatusOK, models.LogoutAllResponse{Success: true, RevokedCount: len(ids)})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list := s.store.listSessions(RequestUserID(r.Context()))
	if list == nil {
		list = []models.Session{}
	}

	writeJSON(w, http.StatusOK, models.SessionsResponse{Sessions: list})
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if !s.store.revokeSession(id, RequestUserID(r.Context())) {
		writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "no such session")
		return
	}

	s.events.publish(id, models.SessionEvent{Type: models.EventSessionRevoked, SessionID: id})
	s.logger.Info("session revoked", slog.String("session_id", id))

	writeJSON(w, http.StatusOK, models.SuccessResponse{Success: true})
}
