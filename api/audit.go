package api

import (
	"net/http"

	"github.com/jmcleod/shelfguard/audit"
)

// AuditEvent names an outcome recorded by the HTTP layer. Outcomes of the
// password-change workflows are recorded by passchange itself.
type AuditEvent string

const (
	AuditCSRFFailed                AuditEvent = "csrf_validation_failed"
	AuditInvalidBody               AuditEvent = "invalid_request_body"
	AuditLoginSuccess              AuditEvent = "login_success"
	AuditLoginRateLimited          AuditEvent = "login_rate_limited"
	AuditLoginInvalidCredential    AuditEvent = "login_failed_invalid_credential"
	AuditLoginNotAdmin             AuditEvent = "login_failed_not_admin"
	AuditLoginFailed               AuditEvent = "login_failed"
	AuditLogout                    AuditEvent = "logout"
	AuditAuthNoCredential          AuditEvent = "auth_failed_no_credential"
	AuditAuthInvalidSession        AuditEvent = "auth_failed_invalid_session"
	AuditAuthInvalidCredential     AuditEvent = "auth_failed_invalid_credential"
	AuditAuthNotAdmin              AuditEvent = "auth_failed_not_admin"
	AuditAuthDependency            AuditEvent = "auth_failed_dependency"
	AuditBearerAuth                AuditEvent = "bearer_auth"
	AuditResetRequired             AuditEvent = "access_denied_password_reset_required"
	AuditUnauthorizedAuditAccess   AuditEvent = "unauthorized_audit_access"
	AuditLogViewed                 AuditEvent = "audit_log_viewed"
	AuditLogExported               AuditEvent = "audit_log_exported"
	AuditSelfRoleChange            AuditEvent = "self_role_change_attempt"
	AuditUnauthorizedRoleChange    AuditEvent = "unauthorized_role_change_attempt"
	AuditUserUpdateRateLimited     AuditEvent = "user_update_rate_limited"
	AuditUserUpdateInvalid         AuditEvent = "user_update_invalid"
	AuditUserUpdateNotFound        AuditEvent = "user_update_target_not_found"
	AuditUserUpdateFailed          AuditEvent = "user_update_failed"
	AuditUserClaimsUpdated         AuditEvent = "user_claims_updated"
	AuditSessionInvalidateLimited  AuditEvent = "session_invalidate_rate_limited"
	AuditSessionInvalidateDenied   AuditEvent = "unauthorized_session_invalidation"
	AuditSessionInvalidateNotFound AuditEvent = "session_invalidate_target_not_found"
	AuditSessionInvalidateFailed   AuditEvent = "session_invalidate_failed"
	AuditSessionsInvalidated       AuditEvent = "sessions_invalidated"
)

func (a *API) entry(r *http.Request, p *Principal, event AuditEvent, sev audit.Severity, target string, success bool, details map[string]any) audit.Entry {
	e := audit.Entry{
		Name:         string(event),
		Severity:     sev,
		ClientIP:     a.resolver.ClientIP(r),
		UserAgent:    r.UserAgent(),
		TargetUserID: target,
		Details:      details,
		Success:      success,
	}
	if p != nil {
		e.AdminID = p.UID
		e.AdminEmail = p.Email
		e.ClientIP = p.ClientIP
	}
	return e
}

// securityEvent records an authentication, authorization or integrity
// outcome. The write is synchronous; failures go to the audit fallback.
func (a *API) securityEvent(r *http.Request, p *Principal, event AuditEvent, sev audit.Severity, target string, success bool, details map[string]any) {
	if a.audit == nil {
		return
	}
	a.audit.LogSecurityEvent(r.Context(), a.entry(r, p, event, sev, target, success, details))
}

// adminAction records a privileged mutation or read.
func (a *API) adminAction(r *http.Request, p *Principal, event AuditEvent, sev audit.Severity, target string, success bool, details map[string]any) {
	if a.audit == nil {
		return
	}
	a.audit.LogAdminAction(r.Context(), a.entry(r, p, event, sev, target, success, details))
}
