package httpapi

import (
	"net/http"
	"strings"

	"zeitgate.org/internal/auth"
)

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// subjectFromRequest resolves the caller from the Authorization header,
// falling back to the access-token cookie set at login.
func (a *API) subjectFromRequest(r *http.Request) (auth.Subject, error) {
	token := bearerToken(r)
	if token == "" {
		if c, err := r.Cookie(accessCookieName); err == nil {
			token = c.Value
		}
	}
	if token == "" {
		return auth.Subject{}, auth.ErrInvalidToken
	}
	return a.authority.VerifyAccess(token)
}
