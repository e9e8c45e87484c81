package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/jmcleod/shelfguard/audit"
)

const (
	csrfCookieName = "shelfguard_csrf"
	csrfHeaderName = "X-CSRF-Token"
)

// CSRFMiddleware enforces the double-submit cookie protocol. Safe methods
// (GET, HEAD, OPTIONS) pass; every other request needs a cookie and header
// that are byte-equal and carry a valid, unexpired signature. It runs
// before authentication, so login and logout are covered too.
func (a *API) CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get(csrfHeaderName)
		cookie, err := r.Cookie(csrfCookieName)

		reason := ""
		switch {
		case err != nil || cookie.Value == "":
			reason = "missing_cookie"
		case header == "":
			reason = "missing_header"
		case subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) != 1:
			reason = "mismatch"
		case a.csrf == nil || !a.csrf.Verify(header):
			reason = "invalid_token"
		}
		if reason != "" {
			a.securityEvent(r, nil, AuditCSRFFailed, audit.SeverityHigh, "", false,
				map[string]any{"reason": reason, "method": r.Method, "path": r.URL.Path})
			writeError(w, http.StatusForbidden, "invalid CSRF token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// IssueCSRF handles GET /auth/csrf.
func (a *API) IssueCSRF(w http.ResponseWriter, r *http.Request) {
	tok, err := a.writeCSRFCookie(w, r)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CSRFResponse{CSRFToken: tok})
}

// writeCSRFCookie mints a token and sets it as the double-submit cookie.
// It is intentionally NOT HttpOnly so that the browser-side SPA can read it
// and echo it as a request header on mutating requests.
func (a *API) writeCSRFCookie(w http.ResponseWriter, r *http.Request) (string, error) {
	tok, err := a.csrf.Generate()
	if err != nil {
		return "", err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    tok,
		Path:     "/",
		HttpOnly: false,
		Secure:   a.secureCookies(r),
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(a.csrf.MaxAge().Seconds()),
	})
	return tok, nil
}

// clearCSRFCookie removes the CSRF cookie on logout.
func (a *API) clearCSRFCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: false,
		Secure:   a.secureCookies(r),
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}
