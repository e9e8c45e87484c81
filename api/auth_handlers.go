package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/jmcleod/shelfguard/audit"
	"github.com/jmcleod/shelfguard/identity"
	"github.com/jmcleod/shelfguard/ratelimit"
	"github.com/jmcleod/shelfguard/session"
)

// Login handles POST /auth/session. It exchanges an identity provider
// credential for a server-side session; non-admin accounts get no cookie.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := a.resolver.ClientIP(r)
	ua := r.UserAgent()

	if err := a.limiter.Allow(ctx, ratelimit.ActionLogin, ip, ""); err != nil {
		if errors.Is(err, ratelimit.ErrLimited) {
			a.securityEvent(r, nil, AuditLoginRateLimited, audit.SeverityMedium, "", false, limitDetails(err))
		} else {
			a.securityEvent(r, nil, AuditLoginFailed, audit.SeverityHigh, "", false, map[string]any{"error": err.Error()})
		}
		a.mapError(w, r, err)
		return
	}

	req, err := decodeJSON[LoginRequest](r)
	if err == nil && strings.TrimSpace(req.IDToken) == "" {
		err = errors.New("idToken is required")
	}
	if err != nil {
		a.loginAttempt(r, ip, false)
		a.badBody(w, r, nil, err)
		return
	}

	claims, err := a.verifier.Verify(ctx, req.IDToken)
	if err != nil {
		a.loginAttempt(r, ip, false)
		if errors.Is(err, identity.ErrInvalidCredential) {
			a.securityEvent(r, nil, AuditLoginInvalidCredential, audit.SeverityMedium, "", false, map[string]any{"error": err.Error()})
			writeError(w, http.StatusUnauthorized, "invalid credential")
			return
		}
		a.securityEvent(r, nil, AuditLoginFailed, audit.SeverityHigh, "", false, map[string]any{"error": err.Error()})
		a.mapError(w, r, err)
		return
	}
	who := &Principal{UID: claims.UID, Email: claims.Email, ClientIP: ip, UserAgent: ua}

	s, err := a.sessions.CreateFromClaims(ctx, claims, ip, ua)
	if err != nil {
		a.loginAttempt(r, ip, false)
		if errors.Is(err, session.ErrNotAdmin) {
			a.securityEvent(r, who, AuditLoginNotAdmin, audit.SeverityMedium, claims.UID, false, nil)
			writeError(w, http.StatusForbidden, msgNotAdmin)
			return
		}
		a.securityEvent(r, who, AuditLoginFailed, audit.SeverityHigh, claims.UID, false, map[string]any{"error": err.Error()})
		a.mapError(w, r, err)
		return
	}
	a.loginAttempt(r, ip, true)

	a.writeSessionCookie(w, r, s.Cookie, a.sessions.TTL())
	csrfToken, err := a.writeCSRFCookie(w, r)
	if err != nil {
		a.log().Warn("could not rotate csrf token after login", "error", err)
	}

	p := principalFromSession(s, ip, ua)
	a.securityEvent(r, p, AuditLoginSuccess, audit.SeverityLow, s.UID, true, map[string]any{
		"superAdmin":        s.IsSuperAdmin,
		"mustResetPassword": s.MustResetPassword,
	})
	writeJSON(w, http.StatusOK, SessionResponse{Session: a.sessionView(p), CSRFToken: csrfToken})
}

func (a *API) loginAttempt(r *http.Request, ip string, success bool) {
	if err := a.limiter.Record(r.Context(), ratelimit.ActionLogin, ip, "", success); err != nil {
		a.log().Warn("could not record login attempt", "error", err)
	}
}

// CurrentSession handles GET /auth/session.
func (a *API) CurrentSession(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	writeJSON(w, http.StatusOK, SessionResponse{Session: a.sessionView(p)})
}

// Logout handles DELETE /auth/session. It is idempotent: a missing or
// already destroyed session still clears the cookies.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var p *Principal
	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		ip := a.resolver.ClientIP(r)
		if s, err := a.sessions.Validate(ctx, c.Value, ip); err == nil {
			p = principalFromSession(s, ip, r.UserAgent())
		}
		if err := a.sessions.Destroy(ctx, c.Value); err != nil {
			a.adminAction(r, p, AuditLogout, audit.SeverityHigh, "", false, map[string]any{"error": err.Error()})
			a.mapError(w, r, err)
			return
		}
	}

	a.clearSessionCookie(w, r)
	a.clearCSRFCookie(w, r)
	a.adminAction(r, p, AuditLogout, audit.SeverityLow, "", true, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) sessionView(p *Principal) SessionView {
	perms := p.Permissions
	if perms == nil {
		perms = []string{}
	}
	v := SessionView{
		UID:               p.UID,
		Email:             p.Email,
		Role:              p.Role,
		Permissions:       perms,
		IsAdmin:           true,
		IsSuperAdmin:      p.SuperAdmin,
		MustResetPassword: p.MustResetPassword,
		Method:            p.Method,
	}
	if s := p.Session; s != nil {
		created, last := s.CreatedAt, s.LastActivity
		expires := s.CreatedAt.Add(a.sessions.TTL())
		v.CreatedAt, v.LastActivity, v.ExpiresAt = &created, &last, &expires
	}
	return v
}

func limitDetails(err error) map[string]any {
	var limited *ratelimit.LimitedError
	if errors.As(err, &limited) {
		return map[string]any{
			"action":     string(limited.Action),
			"retryAfter": limited.Decision.RetryAfterSeconds(),
			"reason":     limited.Decision.Reason,
		}
	}
	return map[string]any{"error": err.Error()}
}
