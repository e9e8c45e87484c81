package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/shelfguard/audit"
	"github.com/jmcleod/shelfguard/identity"
	"github.com/jmcleod/shelfguard/passchange"
	"github.com/jmcleod/shelfguard/session"
)

type contextKey int

const principalKey contextKey = iota

const sessionCookieName = "shelfguard_session"

const (
	MethodSession = "session"
	MethodBearer  = "bearer"
)

var errNoCredential = fmt.Errorf("%w: no session cookie or bearer credential", session.ErrInvalidSession)

// Principal is the authenticated administrator behind a request, however
// the proof was transported.
type Principal struct {
	UID               string
	Email             string
	Role              string
	Permissions       []string
	SuperAdmin        bool
	MustResetPassword bool
	// Method is MethodSession or MethodBearer.
	Method string
	// Session is nil on the bearer path.
	Session   *session.Session
	ClientIP  string
	UserAgent string

	credential string
}

// Actor converts the principal for the password-change orchestrator.
func (p *Principal) Actor() passchange.Actor {
	a := passchange.Actor{
		UID:        p.UID,
		Email:      p.Email,
		SuperAdmin: p.SuperAdmin,
		ClientIP:   p.ClientIP,
		UserAgent:  p.UserAgent,
	}
	if p.Session != nil {
		a.SessionID = p.Session.ID
	}
	return a
}

func principalFromSession(s *session.Session, clientIP, userAgent string) *Principal {
	return &Principal{
		UID:               s.UID,
		Email:             s.Email,
		Role:              s.Role,
		Permissions:       s.Permissions,
		SuperAdmin:        s.IsSuperAdmin,
		MustResetPassword: s.MustResetPassword,
		Method:            MethodSession,
		Session:           s,
		ClientIP:          clientIP,
		UserAgent:         userAgent,
	}
}

// AuthMiddleware resolves the request to a Principal or rejects it.
func (a *API) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.authenticate(r)
		if err != nil {
			if errors.Is(err, session.ErrInvalidSession) {
				a.clearSessionCookie(w, r)
			}
			a.mapError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate turns a session cookie or, when no cookie is present, an
// Authorization bearer credential into a Principal. Both paths require the
// admin claim and both record their failures.
func (a *API) authenticate(r *http.Request) (*Principal, error) {
	ctx := r.Context()
	ip := a.resolver.ClientIP(r)
	ua := r.UserAgent()

	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		s, err := a.sessions.Validate(ctx, c.Value, ip)
		if err != nil {
			a.authFailed(r, MethodSession, err)
			return nil, err
		}
		return principalFromSession(s, ip, ua), nil
	}

	cred, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	cred = strings.TrimSpace(cred)
	if !ok || cred == "" {
		a.securityEvent(r, nil, AuditAuthNoCredential, audit.SeverityLow, "", false,
			map[string]any{"path": r.URL.Path})
		return nil, errNoCredential
	}

	claims, err := a.verifier.Verify(ctx, cred)
	if err != nil {
		a.authFailed(r, MethodBearer, err)
		return nil, err
	}
	p := &Principal{
		UID:               claims.UID,
		Email:             claims.Email,
		Role:              claims.Role,
		Permissions:       claims.Permissions,
		SuperAdmin:        claims.SuperAdmin,
		MustResetPassword: claims.ForcePasswordReset,
		Method:            MethodBearer,
		ClientIP:          ip,
		UserAgent:         ua,
		credential:        cred,
	}
	if !claims.Admin {
		a.securityEvent(r, p, AuditAuthNotAdmin, audit.SeverityHigh, "", false,
			map[string]any{"method": MethodBearer})
		return nil, session.ErrNotAdmin
	}
	if err := a.recheckBearer(ctx, p, claims); err != nil {
		a.authFailed(r, MethodBearer, err)
		return nil, err
	}

	a.securityEvent(r, p, AuditBearerAuth, audit.SeverityLow, "", true, nil)
	return p, nil
}

// recheckBearer applies the directory checks a session gets on claims
// recheck: the account must exist, be enabled, still be an admin and not
// have revoked its credentials since the token was issued.
func (a *API) recheckBearer(ctx context.Context, p *Principal, claims identity.Claims) error {
	if a.directory == nil {
		return nil
	}
	u, err := a.directory.GetUser(ctx, claims.UID)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return fmt.Errorf("%w: account deleted", identity.ErrInvalidCredential)
		}
		return err
	}
	authAt := claims.AuthTime
	if authAt.IsZero() {
		authAt = claims.IssuedAt
	}
	switch {
	case u.Disabled:
		return fmt.Errorf("%w: account disabled", identity.ErrInvalidCredential)
	case !u.Claims.Admin:
		return fmt.Errorf("%w: admin revoked", identity.ErrInvalidCredential)
	case u.TokensValidAfter.After(authAt):
		return fmt.Errorf("%w: tokens revoked", identity.ErrInvalidCredential)
	}
	p.SuperAdmin = u.Claims.SuperAdmin
	p.MustResetPassword = u.Claims.ForcePasswordReset
	p.Role = u.Claims.Role
	return nil
}

func (a *API) authFailed(r *http.Request, method string, err error) {
	event, sev := AuditAuthDependency, audit.SeverityHigh
	switch {
	case errors.Is(err, session.ErrInvalidSession):
		event, sev = AuditAuthInvalidSession, audit.SeverityMedium
	case errors.Is(err, identity.ErrInvalidCredential):
		event, sev = AuditAuthInvalidCredential, audit.SeverityMedium
	}
	a.securityEvent(r, nil, event, sev, "", false, map[string]any{
		"method": method,
		"path":   r.URL.Path,
		"error":  err.Error(),
	})
}

// ResetGate keeps principals who must change their password away from
// everything but the password and session routes.
func (a *API) ResetGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principalFromContext(r.Context())
		if p != nil && p.MustResetPassword {
			a.securityEvent(r, p, AuditResetRequired, audit.SeverityMedium, "", false,
				map[string]any{"method": r.Method, "path": r.URL.Path})
			writeError(w, http.StatusForbidden, msgResetRequired)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SuperAdminOnly rejects principals without the superAdmin claim.
func (a *API) SuperAdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principalFromContext(r.Context())
		if p == nil || !p.SuperAdmin {
			a.securityEvent(r, p, AuditUnauthorizedAuditAccess, audit.SeverityHigh, "", false,
				map[string]any{"path": r.URL.Path})
			writeError(w, http.StatusForbidden, msgForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func principalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}

func (a *API) writeSessionCookie(w http.ResponseWriter, r *http.Request, handle string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    handle,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.secureCookies(r),
		SameSite: a.sameSite,
		MaxAge:   int(ttl.Seconds()),
	})
}

func (a *API) clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   a.secureCookies(r),
		SameSite: a.sameSite,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func (a *API) secureCookies(r *http.Request) bool {
	return a.production || requestIsSecure(r)
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
