package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/shelfguard/audit"
	"github.com/jmcleod/shelfguard/identity"
	"github.com/jmcleod/shelfguard/passchange"
	"github.com/jmcleod/shelfguard/ratelimit"
)

// UpdateUserClaims handles PATCH /admin/users/{uid}/claims. Nobody may
// change their own claims; only super-admins may grant admin, touch the
// superAdmin flag, or modify a super-admin. A successful change ends the
// target's sessions so new claims take effect at the next login.
func (a *API) UpdateUserClaims(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principalFromContext(ctx)
	targetUID := chi.URLParam(r, "uid")

	req, err := decodeJSON[UpdateClaimsRequest](r)
	if err != nil {
		a.badBody(w, r, p, err)
		return
	}
	details := req.changes()
	deny := func(event AuditEvent, sev audit.Severity, err error) {
		details["error"] = err.Error()
		a.securityEvent(r, p, event, sev, targetUID, false, details)
		a.mapError(w, r, err)
	}

	if len(details) == 0 {
		deny(AuditUserUpdateInvalid, audit.SeverityLow, &passchange.ValidationError{
			Message: "no claim changes requested",
			Details: []string{"set at least one of admin, superAdmin, role, permissions"},
		})
		return
	}
	if targetUID == p.UID {
		deny(AuditSelfRoleChange, audit.SeverityHigh, passchange.ErrForbidden)
		return
	}
	if err := a.limiter.Allow(ctx, ratelimit.ActionAdminUpdateUser, p.ClientIP, p.UID); err != nil {
		if errors.Is(err, ratelimit.ErrLimited) {
			for k, v := range limitDetails(err) {
				details[k] = v
			}
			deny(AuditUserUpdateRateLimited, audit.SeverityMedium, err)
			return
		}
		deny(AuditUserUpdateFailed, audit.SeverityHigh, err)
		return
	}

	u, err := a.directory.GetUser(ctx, targetUID)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			a.limitFailure(r, ratelimit.ActionAdminUpdateUser, p)
			deny(AuditUserUpdateNotFound, audit.SeverityMedium, err)
			return
		}
		deny(AuditUserUpdateFailed, audit.SeverityHigh, err)
		return
	}
	grantsAdmin := req.Admin != nil && *req.Admin && !u.Claims.Admin
	if !p.SuperAdmin && (u.Claims.SuperAdmin || req.SuperAdmin != nil || grantsAdmin) {
		a.limitFailure(r, ratelimit.ActionAdminUpdateUser, p)
		deny(AuditUnauthorizedRoleChange, audit.SeverityHigh, passchange.ErrForbidden)
		return
	}

	next := req.apply(u.Claims)
	if err := a.directory.SetCustomClaims(ctx, targetUID, next); err != nil {
		a.limitFailure(r, ratelimit.ActionAdminUpdateUser, p)
		deny(AuditUserUpdateFailed, audit.SeverityHigh, err)
		return
	}
	revoked, err := a.sessions.DestroyAllForUser(ctx, targetUID, "")
	if err != nil {
		deny(AuditUserUpdateFailed, audit.SeverityHigh, err)
		return
	}
	a.limitSuccess(r, ratelimit.ActionAdminUpdateUser, p)

	sev := audit.SeverityMedium
	if next.SuperAdmin != u.Claims.SuperAdmin {
		sev = audit.SeverityHigh
	}
	details["sessionsRevoked"] = revoked
	details["previous"] = u.Claims.Map()
	a.adminAction(r, p, AuditUserClaimsUpdated, sev, targetUID, true, details)

	writeJSON(w, http.StatusOK, UserClaimsResponse{
		UID:             u.UID,
		Email:           u.Email,
		Admin:           next.Admin,
		SuperAdmin:      next.SuperAdmin,
		Role:            next.Role,
		Permissions:     next.Permissions,
		SessionsRevoked: revoked,
	})
}

// RevokeUserSessions handles POST /admin/users/{uid}/sessions/revoke.
// Revoking one's own sessions keeps the session making the request.
func (a *API) RevokeUserSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principalFromContext(ctx)
	targetUID := chi.URLParam(r, "uid")
	details := map[string]any{}
	deny := func(event AuditEvent, sev audit.Severity, err error) {
		details["error"] = err.Error()
		a.securityEvent(r, p, event, sev, targetUID, false, details)
		a.mapError(w, r, err)
	}

	if err := a.limiter.Allow(ctx, ratelimit.ActionSessionInvalidate, p.ClientIP, p.UID); err != nil {
		if errors.Is(err, ratelimit.ErrLimited) {
			details = limitDetails(err)
			deny(AuditSessionInvalidateLimited, audit.SeverityMedium, err)
			return
		}
		deny(AuditSessionInvalidateFailed, audit.SeverityHigh, err)
		return
	}

	u, err := a.directory.GetUser(ctx, targetUID)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			a.limitFailure(r, ratelimit.ActionSessionInvalidate, p)
			deny(AuditSessionInvalidateNotFound, audit.SeverityLow, err)
			return
		}
		deny(AuditSessionInvalidateFailed, audit.SeverityHigh, err)
		return
	}
	if u.Claims.SuperAdmin && !p.SuperAdmin {
		a.limitFailure(r, ratelimit.ActionSessionInvalidate, p)
		deny(AuditSessionInvalidateDenied, audit.SeverityHigh, passchange.ErrForbidden)
		return
	}

	keep := ""
	if targetUID == p.UID && p.Session != nil {
		keep = p.Session.ID
	}
	revoked, err := a.sessions.DestroyAllForUser(ctx, targetUID, keep)
	if err != nil {
		deny(AuditSessionInvalidateFailed, audit.SeverityHigh, err)
		return
	}
	a.limitSuccess(r, ratelimit.ActionSessionInvalidate, p)

	details["sessionsRevoked"] = revoked
	a.adminAction(r, p, AuditSessionsInvalidated, audit.SeverityMedium, targetUID, true, details)
	writeJSON(w, http.StatusOK, RevokeSessionsResponse{SessionsRevoked: revoked})
}

func (a *API) limitFailure(r *http.Request, action ratelimit.Action, p *Principal) {
	if err := a.limiter.Record(r.Context(), action, p.ClientIP, p.UID, false); err != nil {
		a.log().Warn("could not record failed attempt", "action", action, "error", err)
	}
}

func (a *API) limitSuccess(r *http.Request, action ratelimit.Action, p *Principal) {
	if err := a.limiter.Record(r.Context(), action, p.ClientIP, p.UID, true); err != nil {
		a.log().Warn("could not clear rate limit", "action", action, "error", err)
	}
}

// changes lists the requested modifications for the audit record.
func (req UpdateClaimsRequest) changes() map[string]any {
	out := map[string]any{}
	if req.Admin != nil {
		out["admin"] = *req.Admin
	}
	if req.SuperAdmin != nil {
		out["superAdmin"] = *req.SuperAdmin
	}
	if req.Role != nil {
		out["role"] = *req.Role
	}
	if req.Permissions != nil {
		out["permissions"] = *req.Permissions
	}
	return out
}

// apply returns c with the requested fields replaced. Fields the request
// does not name, including forcePasswordReset, are kept.
func (req UpdateClaimsRequest) apply(c identity.CustomClaims) identity.CustomClaims {
	next := c
	next.Permissions = append([]string{}, c.Permissions...)
	if req.Admin != nil {
		next.Admin = *req.Admin
	}
	if req.SuperAdmin != nil {
		next.SuperAdmin = *req.SuperAdmin
	}
	if req.Role != nil {
		next.Role = *req.Role
	}
	if req.Permissions != nil {
		next.Permissions = append([]string{}, (*req.Permissions)...)
	}
	return next
}
