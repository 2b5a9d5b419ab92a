package authserver

import (
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/alexjbarnes/sessionkeeper/internal/credentials"
	"github.com/alexjbarnes/sessionkeeper/internal/models"
)

// consentPage stands in for an external provider's sign-in page. The
// csrf_token hidden field prevents cross-site form submission.
var consentPage = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Sign in with {{.Provider}}</title>
<style>
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; background: #f5f5f5; display: flex; align-items: center; justify-content: center; min-height: 100vh; margin: 0; }
  .card { background: #fff; border: 1px solid #e0e0e0; border-radius: 8px; padding: 2rem; width: 100%; max-width: 360px; }
  .error { background: #fef2f2; color: #991b1b; border: 1px solid #fecaca; border-radius: 6px; padding: 0.6rem; margin-bottom: 1rem; }
  label { display: block; margin-bottom: 0.35rem; }
  input[type=email] { width: 100%; padding: 0.5rem; margin-bottom: 1rem; box-sizing: border-box; }
</style>
</head>
<body>
<div class="card">
  <h1>Sign in with {{.Provider}}</h1>
  <p>Development provider: any email address is accepted.</p>
  {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
  <form method="POST">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <input type="hidden" name="state" value="{{.State}}">
    <label for="email">Email</label>
    <input type="email" id="email" name="email" value="{{.Email}}" required autofocus>
    <button type="submit">Continue</button>
  </form>
</div>
</body>
</html>`))

var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Authorization complete</title></head>
<body>
<p>Return to your application and complete sign-in with:</p>
<pre>provider: {{.Provider}}
code:     {{.Code}}
state:    {{.State}}</pre>
</body>
</html>`))

type consentData struct {
	Provider  string
	State     string
	CSRFToken string
	Email     string
	Error     string
}

func (s *Server) knownProvider(p string) bool {
	return slices.Contains(s.cfg.Providers, p)
}

// handleAuthorize issues a state for a login or link flow. Link mode
// requires an authenticated caller and binds the state to them.
func (s *Server) handleAuthorize(authed func(http.Handler) http.Handler) http.HandlerFunc {
	issue := func(w http.ResponseWriter, r *http.Request, mode models.OAuthMode, uid string) {
		provider := r.PathValue("provider")
		if !s.knownProvider(provider) {
			writeError(w, http.StatusNotFound, "UNKNOWN_PROVIDER", "unknown OAuth provider")
			return
		}

		state := s.store.saveState(provider, mode, uid)

		writeJSON(w, http.StatusOK, models.OAuthAuthorizeResponse{
			URL:   s.cfg.PublicURL + "/provider/" + url.PathEscape(provider) + "/consent?state=" + url.QueryEscape(state),
			State: state,
		})
	}

	link := authed(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		issue(w, r, models.OAuthModeLink, RequestUserID(r.Context()))
	}))

	return func(w http.ResponseWriter, r *http.Request) {
		if models.OAuthMode(r.URL.Query().Get("mode")) == models.OAuthModeLink {
			link.ServeHTTP(w, r)
			return
		}

		issue(w, r, models.OAuthModeLogin, "")
	}
}

func (s *Server) renderConsent(w http.ResponseWriter, status int, data consentData) {
	data.CSRFToken = RandomHex(16)
	s.store.SaveCSRF(data.CSRFToken)

	w.Header().Set("Content-Type", "text/html")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
	w.WriteHeader(status)
	_ = consentPage.Execute(w, data)
}

func (s *Server) handleConsentGET(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	state := r.URL.Query().Get("state")

	if !s.knownProvider(provider) || !s.store.stateExists(state, provider) {
		http.Error(w, "unknown or expired authorization request", http.StatusBadRequest)
		return
	}

	s.renderConsent(w, http.StatusOK, consentData{
		Provider: provider,
		State:    state,
		Email:    r.URL.Query().Get("login_hint"),
	})
}

func (s *Server) handleConsentPOST(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form data", http.StatusBadRequest)
		return
	}

	provider := r.PathValue("provider")
	state := r.FormValue("state")

	// A failed CSRF check may be a cross-site attack, so no redirect.
	if !s.store.ConsumeCSRF(r.FormValue("csrf_token")) {
		http.Error(w, "invalid or expired CSRF token", http.StatusForbidden)
		return
	}

	if !s.knownProvider(provider) || !s.store.stateExists(state, provider) {
		http.Error(w, "unknown or expired authorization request", http.StatusBadRequest)
		return
	}

	email, err := credentials.ValidateEmail(r.FormValue("email"))
	if err != nil {
		s.renderConsent(w, http.StatusBadRequest, consentData{
			Provider: provider,
			State:    state,
			Email:    r.FormValue("email"),
			Error:    "Enter a valid email address",
		})

		return
	}

	code := s.store.saveProviderCode(provider, email, state)

	params := url.Values{}
	params.Set("code", code)
	params.Set("state", state)
	params.Set("provider", provider)

	sep := "?"
	if strings.Contains(s.cfg.OAuthRedirectURL, "?") {
		sep = "&"
	}

	http.Redirect(w, r, s.cfg.OAuthRedirectURL+sep+params.Encode(), http.StatusFound)
}

func (s *Server) handleProviderCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	w.Header().Set("Content-Type", "text/html")
	_ = callbackPage.Execute(w, map[string]string{
		"Provider": q.Get("provider"),
		"Code":     q.Get("code"),
		"State":    q.Get("state"),
	})
}

// redeem consumes state and code together. Both are single-use whatever
// the outcome.
func (s *Server) redeem(provider, code, state string, mode models.OAuthMode) (providerCode, oauthState, bool) {
	st, stOK := s.store.consumeState(state)
	pc, pcOK := s.store.consumeProviderCode(code)

	if !stOK || st.provider != provider || st.mode != mode {
		return providerCode{}, oauthState{}, false
	}

	if !pcOK || pc.state != state || pc.provider != provider {
		return providerCode{}, oauthState{}, false
	}

	return pc, st, true
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	var req models.OAuthCallbackRequest
	if !decode(w, r, &req) {
		return
	}

	provider := r.PathValue("provider")

	pc, _, ok := s.redeem(provider, req.Code, req.State, models.OAuthModeLogin)
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_STATE", "authorization state or code is invalid")
		return
	}

	user, err := s.providerAccount(provider, pc.email)
	if err != nil {
		s.logger.Error("oauth account", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "could not create account")

		return
	}

	var info models.DeviceInfo
	if req.DeviceInfo != nil {
		info = *req.DeviceInfo
	}

	s.logger.Info("oauth sign-in", slog.String("provider", provider), slog.String("user_id", user.ID))
	s.startSession(w, r, user, info)
}

// providerAccount finds the account for a provider identity, creating it
// when the email is new, and records the link.
func (s *Server) providerAccount(provider, email string) (models.User, error) {
	if a, ok := s.store.accountByEmail(email); ok {
		user, _ := s.store.updateAccount(a.user.ID, linkProvider(provider))
		return user, nil
	}

	// The random password is never disclosed; the account signs in
	// through the provider or a password reset.
	hash, err := bcrypt.GenerateFromPassword([]byte(RandomHex(32)), s.cfg.BcryptCost)
	if err != nil {
		return models.User{}, err
	}

	user, ok := s.store.createAccount(email, "", hash)
	if !ok {
		// Lost a race with another registration of the same email.
		a, _ := s.store.accountByEmail(email)
		user = a.user
	}

	user, _ = s.store.updateAccount(user.ID, linkProvider(provider))

	return user, nil
}

func linkProvider(provider string) func(a *account) bool {
	return func(a *account) bool {
		if !slices.Contains(a.user.LinkedProviders, provider) {
			next := append([]string(nil), a.user.LinkedProviders...)
			a.user.LinkedProviders = append(next, provider)
		}

		return true
	}
}

func (s *Server) handleOAuthLink(w http.ResponseWriter, r *http.Request) {
	var req models.OAuthCallbackRequest
	if !decode(w, r, &req) {
		return
	}

	provider := r.PathValue("provider")
	uid := RequestUserID(r.Context())

	_, st, ok := s.redeem(provider, req.Code, req.State, models.OAuthModeLink)
	if !ok || st.userID != uid {
		writeError(w, http.StatusBadRequest, "INVALID_STATE", "authorization state or code is invalid")
		return
	}

	user, ok := s.store.updateAccount(uid, linkProvider(provider))
	if !ok {
		writeError(w, http.StatusNotFound, "USER_NOT_FOUND", "account no longer exists")
		return
	}

	s.logger.Info("provider linked", slog.String("provider", provider), slog.String("user_id", uid))
	writeJSON(w, http.StatusOK, models.UserResponse{Success: true, User: &user})
}

func (s *Server) handleOAuthUnlink(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	uid := RequestUserID(r.Context())

	_, ok := s.store.updateAccount(uid, func(a *account) bool {
		i := slices.Index(a.user.LinkedProviders, provider)
		if i < 0 {
			return false
		}

		a.user.LinkedProviders = slices.Delete(slices.Clone(a.user.LinkedProviders), i, i+1)

		return true
	})
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_LINKED", "provider is not linked")
		return
	}

	s.logger.Info("provider unlinked", slog.String("provider", provider), slog.String("user_id", uid))
	writeJSON(w, http.StatusOK, models.SuccessResponse{Success: true})
}
