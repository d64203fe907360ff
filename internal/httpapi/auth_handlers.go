package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"zeitgate.org/internal/audit"
	"zeitgate.org/internal/auth"
	"zeitgate.org/internal/obs"
)

type userPayload struct {
	ID                 string    `json:"id"`
	Email              string    `json:"email"`
	Role               auth.Role `json:"role"`
	MustChangePassword bool      `json:"mustChangePassword"`
}

func userOf(acct *auth.Account) userPayload {
	return userPayload{
		ID:                 acct.ID,
		Email:              acct.Email,
		Role:               acct.Role,
		MustChangePassword: acct.MustChangePassword,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if a.limiter != nil {
		if allowed, _ := a.limiter.Check("loginAttempt:" + clientIP(r)); !allowed {
			writeError(w, http.StatusTooManyRequests, "too many login attempts")
			return
		}
	}

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Email = normalizeEmail(req.Email)
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	acct, err := a.accounts.FindByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	if err := auth.VerifyPassword(acct.PasswordHash, req.Password); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	pair, err := a.authority.IssuePair(acct)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	ev := &audit.Event{
		Type:       audit.EventLogin,
		ActorID:    acct.ID,
		ActorEmail: acct.Email,
		Meta:       map[string]any{"role": string(acct.Role)},
	}
	if err := a.audit.Record(r.Context(), ev); err != nil {
		obs.Warn("audit event dropped", map[string]any{"type": ev.Type, "error": err.Error()})
	}

	setAuthCookies(w, pair)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"user":       userOf(acct),
		"token":      pair.AccessToken,
		"expires_at": pair.AccessExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	var req struct {
		Email    string    `json:"email"`
		Password string    `json:"password"`
		Role     auth.Role `json:"role"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Email = normalizeEmail(req.Email)
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, "a valid email is required")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}
	if req.Role == "" {
		req.Role = auth.RoleEmployee
	}
	if !req.Role.Valid() {
		writeError(w, http.StatusBadRequest, "unknown role")
		return
	}

	if _, err := a.accounts.FindByEmail(r.Context(), req.Email); err == nil {
		writeError(w, http.StatusConflict, "email already registered")
		return
	} else if !errors.Is(err, auth.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	acct := &auth.Account{
		Email:        req.Email,
		PasswordHash: hash,
		Role:         req.Role,
		TokenVersion: 1,
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.accounts.Create(r.Context(), acct); err != nil {
		if errors.Is(err, auth.ErrConflict) {
			writeError(w, http.StatusConflict, "email already registered")
			return
		}
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "user": userOf(acct)})
}

// handleAccess redeems a refresh token for a fresh pair. The token comes
// from the refresh cookie or, for non-browser clients, the request body.
func (a *API) handleAccess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	token := ""
	if c, err := r.Cookie(refreshCookieName); err == nil {
		token = c.Value
	}
	if token == "" && r.Body != nil {
		var req struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := decodeJSON(w, r, &req); err == nil {
			token = req.RefreshToken
		}
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "refresh token required")
		return
	}

	pair, sub, err := a.authority.RedeemRefresh(r.Context(), token)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrReplayDetected):
			clearAuthCookies(w)
			writeError(w, http.StatusUnauthorized, "refresh token already used")
		case errors.Is(err, auth.ErrExpired):
			writeError(w, http.StatusUnauthorized, "refresh token expired")
		case errors.Is(err, auth.ErrInvalidToken):
			writeError(w, http.StatusUnauthorized, "invalid refresh token")
		default:
			writeError(w, http.StatusInternalServerError, "token refresh failed")
		}
		return
	}

	setAuthCookies(w, pair)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"user": userPayload{
			ID:    sub.ID,
			Email: sub.Email,
			Role:  sub.Role,
		},
		"token":      pair.AccessToken,
		"expires_at": pair.AccessExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	clearAuthCookies(w)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	sub, err := a.subjectFromRequest(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"authenticated": false})
		return
	}
	acct, err := a.accounts.Get(r.Context(), sub.ID)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"user":          userOf(acct),
	})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	sub, err := a.subjectFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.NewPassword) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	acct, err := a.accounts.Get(r.Context(), sub.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "password change failed")
		return
	}
	if err := auth.VerifyPassword(acct.PasswordHash, req.OldPassword); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "password change failed")
		return
	}
	acct.PasswordHash = hash
	acct.MustChangePassword = false
	if err := a.accounts.Update(r.Context(), acct); err != nil {
		if errors.Is(err, auth.ErrConflict) {
			writeError(w, http.StatusConflict, "account was modified concurrently, retry")
			return
		}
		writeError(w, http.StatusInternalServerError, "password change failed")
		return
	}

	ev := &audit.Event{
		Type:       audit.EventPasswordChange,
		ActorID:    acct.ID,
		ActorEmail: acct.Email,
	}
	if err := a.audit.Record(r.Context(), ev); err != nil {
		obs.Warn("audit event dropped", map[string]any{"type": ev.Type, "error": err.Error()})
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
