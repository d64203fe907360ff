package httpapi

import (
	"net/http"

	"zeitgate.org/internal/auth"
)

const (
	accessCookieName       = "access_token"
	refreshCookieName      = "refresh_token"
	publicAccessCookieName = "access_token_public"

	accessCookieMaxAge  = 15 * 60
	refreshCookieMaxAge = 7 * 24 * 60 * 60
)

func setAuthCookies(w http.ResponseWriter, pair auth.TokenPair) {
	http.SetCookie(w, &http.Cookie{
		Name:     accessCookieName,
		Value:    pair.AccessToken,
		Path:     "/",
		MaxAge:   accessCookieMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    pair.RefreshToken,
		Path:     "/",
		MaxAge:   refreshCookieMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	// Readable copy for the browser client to attach as a bearer header on
	// replication requests.
	http.SetCookie(w, &http.Cookie{
		Name:     publicAccessCookieName,
		Value:    pair.AccessToken,
		Path:     "/",
		MaxAge:   accessCookieMaxAge,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearAuthCookies(w http.ResponseWriter) {
	for _, name := range []string{accessCookieName, refreshCookieName, publicAccessCookieName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: name != publicAccessCookieName,
			SameSite: http.SameSiteLaxMode,
		})
	}
}
