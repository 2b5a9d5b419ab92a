package authserver

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/alexjbarnes/sessionkeeper/internal/credentials"
	"github.com/alexjbarnes/sessionkeeper/internal/models"
)

// Wrong passwords and codes on authenticated routes are 403, never 401,
// so clients do not mistake them for an expired access token.

func (s *Server) handleEnable2FA(w http.ResponseWriter, r *http.Request) {
	uid := RequestUserID(r.Context())
	secret := strings.ToUpper(RandomHex(10))

	user, ok := s.store.updateAccount(uid, func(a *account) bool {
		if a.user.TwoFactorEnabled {
			return false
		}

		a.pendingSecret = secret

		return true
	})
	if !ok {
		writeError(w, http.StatusConflict, "TWO_FACTOR_ENABLED", "two-factor authentication is already enabled")
		return
	}

	otpauth := fmt.Sprintf("otpauth://totp/sessionkeeper:%s?secret=%s&issuer=sessionkeeper",
		url.PathEscape(user.Email), secret)

	writeJSON(w, http.StatusOK, models.Enable2FAResponse{Success: true, Secret: secret, OTPAuthURL: otpauth})
}

func (s *Server) handleConfirm2FA(w http.ResponseWriter, r *http.Request) {
	var req models.CodeRequest
	if !decode(w, r, &req) {
		return
	}

	if !s.devCode(req.Code) {
		writeError(w, http.StatusForbidden, "INVALID_2FA_CODE", "Invalid verification code")
		return
	}

	codes := newBackupCodes()

	_, ok := s.store.updateAccount(RequestUserID(r.Context()), func(a *account) bool {
		if a.pendingSecret == "" {
			return false
		}

		a.secret, a.pendingSecret = a.pendingSecret, ""
		a.user.TwoFactorEnabled = true
		a.backupCodes = hashCodes(codes)

		return true
	})
	if !ok {
		writeError(w, http.StatusConflict, "NO_PENDING_SETUP", "call enable before confirm")
		return
	}

	s.logger.Info("two-factor enabled", slog.String("user_id", RequestUserID(r.Context())))
	writeJSON(w, http.StatusOK, models.BackupCodesResponse{Success: true, BackupCodes: codes})
}

func (s *Server) handleDisable2FA(w http.ResponseWriter, r *http.Request) {
	var req models.Disable2FARequest
	if !decode(w, r, &req) {
		return
	}

	uid := RequestUserID(r.Context())

	a, ok := s.store.accountByID(uid)
	if !ok || !a.user.TwoFactorEnabled {
		writeError(w, http.StatusConflict, "TWO_FACTOR_DISABLED", "two-factor authentication is not enabled")
		return
	}

	if bcrypt.CompareHashAndPassword(a.passwordHash, []byte(req.Password)) != nil {
		writeError(w, http.StatusForbidden, "INVALID_PASSWORD", "password is incorrect")
		return
	}

	if !s.devCode(req.Code) && !s.checkSecondFactor(uid, req.Code, true) {
		writeError(w, http.StatusForbidden, "INVALID_2FA_CODE", "Invalid verification code")
		return
	}

	s.store.updateAccount(uid, func(a *account) bool {
		a.secret = ""
		a.backupCodes = nil
		a.user.TwoFactorEnabled = false

		return true
	})

	s.logger.Info("two-factor disabled", slog.String("user_id", uid))
	writeJSON(w, http.StatusOK, models.SuccessResponse{Success: true})
}

func (s *Server) handleBackupCodes(w http.ResponseWriter, r *http.Request) {
	var req models.CodeRequest
	if !decode(w, r, &req) {
		return
	}

	if !s.devCode(req.Code) {
		writeError(w, http.StatusForbidden, "INVALID_2FA_CODE", "Invalid verification code")
		return
	}

	codes := newBackupCodes()

	_, ok := s.store.updateAccount(RequestUserID(r.Context()), func(a *account) bool {
		if !a.user.TwoFactorEnabled {
			return false
		}

		a.backupCodes = hashCodes(codes)

		return true
	})
	if !ok {
		writeError(w, http.StatusConflict, "TWO_FACTOR_DISABLED", "two-factor authentication is not enabled")
		return
	}

	writeJSON(w, http.StatusOK, models.BackupCodesResponse{Success: true, BackupCodes: codes})
}

func (s *Server) devCode(code string) bool {
	return subtle.ConstantTimeCompare([]byte(code), []byte(s.cfg.TwoFactorCode)) == 1
}

func newBackupCodes() []string {
	codes := make([]string, backupCodeCount)
	for i := range codes {
		codes[i] = RandomHex(4)
	}

	return codes
}

func hashCodes(codes []string) map[string]struct{} {
	m := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		m[hashCode(c)] = struct{}{}
	}

	return m
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req models.ForgotPasswordRequest
	if !decode(w, r, &req) {
		return
	}

	email := credentials.NormalizeEmail(req.Email)

	// The response is the same whether or not the account exists.
	if a, ok := s.store.accountByEmail(email); ok {
		tok := s.store.saveReset(a.user.ID)
		if s.cfg.OnResetToken != nil {
			s.cfg.OnResetToken(email, tok)
		}
	}

	writeJSON(w, http.StatusOK, models.SuccessResponse{Success: true})
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req models.ResetPasswordRequest
	if !decode(w, r, &req) {
		return
	}

	if err := credentials.ValidatePassword(req.Password); err != nil {
		writeError(w, http.StatusBadRequest, "WEAK_PASSWORD", err.Error())
		return
	}

	uid, ok := s.store.consumeReset(req.Token)
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_RESET_TOKEN", "reset token is invalid or expired")
		return
	}

	if !s.setPassword(w, uid, req.Password) {
		return
	}

	s.revokeAllFor(uid, "")
	writeJSON(w, http.StatusOK, models.SuccessResponse{Success: true})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req models.ChangePasswordRequest
	if !decode(w, r, &req) {
		return
	}

	uid := RequestUserID(r.Context())

	a, ok := s.store.accountByID(uid)
	if !ok || bcrypt.CompareHashAndPassword(a.passwordHash, []byte(req.CurrentPassword)) != nil {
		writeError(w, http.StatusForbidden, "INVALID_PASSWORD", "current password is incorrect")
		return
	}

	if err := credentials.ValidatePassword(req.NewPassword); err != nil {
		writeError(w, http.StatusBadRequest, "WEAK_PASSWORD", err.Error())
		return
	}

	if !s.setPassword(w, uid, req.NewPassword) {
		return
	}

	// Other devices must sign in again with the new password.
	s.revokeAllFor(uid, RequestSessionID(r.Context()))
	writeJSON(w, http.StatusOK, models.SuccessResponse{Success: true})
}

func (s *Server) setPassword(w http.ResponseWriter, uid, password string) bool {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "could not store password")
		return false
	}

	s.store.updateAccount(uid, func(a *account) bool {
		a.passwordHash = hash
		return true
	})

	s.logger.Info("password changed", slog.String("user_id", uid))

	return true
}

func (s *Server) revokeAllFor(uid, keep string) {
	for _, id := range s.store.revokeAll(uid, keep) {
		s.events.publish(id, models.SessionEvent{Type: models.EventSessionRevoked, SessionID: id})
	}
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	a, ok := s.store.accountByID(RequestUserID(r.Context()))
	if !ok {
		writeError(w, http.StatusNotFound, "USER_NOT_FOUND", "account no longer exists")
		return
	}

	writeJSON(w, http.StatusOK, models.UserResponse{Success: true, User: &a.user})
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req models.ProfileUpdate
	if !decode(w, r, &req) {
		return
	}

	if req.AvatarURL != nil && *req.AvatarURL != "" {
		u, err := url.Parse(*req.AvatarURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			writeError(w, http.StatusBadRequest, "INVALID_AVATAR_URL", "avatar_url must be an http(s) URL")
			return
		}
	}

	user, ok := s.store.updateAccount(RequestUserID(r.Context()), func(a *account) bool {
		if req.Name != nil {
			a.user.Name = strings.TrimSpace(*req.Name)
		}

		if req.AvatarURL != nil {
			a.user.AvatarURL = *req.AvatarURL
		}

		return true
	})
	if !ok {
		writeError(w, http.StatusNotFound, "USER_NOT_FOUND", "account no longer exists")
		return
	}

	writeJSON(w, http.StatusOK, models.UserResponse{Success: true, User: &user})
}
