package auth

import (
	"net/http"
	"time"
)

// StateCookieName carries the OIDC "state" value and the original request
// path across the redirect round-trip, following the teacher's CSRF
// double-submit cookie shape (internal/auth/csrf.go SetCSRFCookie) —
// HttpOnly here since, unlike the CSRF token, nothing client-side needs to
// read it.
const StateCookieName = "HarborGate.OIDCState"

// stateCookieLifetime bounds how long a login attempt may take before the
// round trip is abandoned.
const stateCookieLifetime = 10 * time.Minute

// SetStateCookie stores state and returnPath for later verification by
// ReadAndClearStateCookie.
func SetStateCookie(w http.ResponseWriter, state, returnPath string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     StateCookieName,
		Value:    state + "|" + returnPath,
		Path:     "/",
		Expires:  time.Now().Add(stateCookieLifetime),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
}

// ReadAndClearStateCookie validates the callback's state parameter against
// the cookie set during the challenge step, returning the original return
// path on success (spec §7 "Invalid OIDC state / code" -> 400).
func ReadAndClearStateCookie(w http.ResponseWriter, r *http.Request, wantState string) (returnPath string, ok bool) {
	cookie, err := r.Cookie(StateCookieName)
	http.SetCookie(w, &http.Cookie{
		Name:     StateCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	if err != nil || cookie.Value == "" {
		return "", false
	}

	sep := -1
	for i, c := range cookie.Value {
		if c == '|' {
			sep = i
			break
		}
	}
	if sep < 0 {
		return "", false
	}
	state, path := cookie.Value[:sep], cookie.Value[sep+1:]
	if state != wantState || state == "" {
		return "", false
	}
	return path, true
}
