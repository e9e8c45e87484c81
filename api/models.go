package api

import (
	"time"

	"github.com/jmcleod/shelfguard/audit"
	"github.com/jmcleod/shelfguard/passchange"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error      string `json:"error"`
	Details    any    `json:"details,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// CSRFResponse is returned from GET /auth/csrf.
type CSRFResponse struct {
	CSRFToken string `json:"csrfToken"`
}

// LoginRequest is the JSON body for POST /auth/session.
type LoginRequest struct {
	IDToken string `json:"idToken"`
}

// SessionView describes the current principal. It never carries the
// session handle.
type SessionView struct {
	UID               string     `json:"uid"`
	Email             string     `json:"email"`
	Role              string     `json:"role"`
	Permissions       []string   `json:"permissions"`
	IsAdmin           bool       `json:"isAdmin"`
	IsSuperAdmin      bool       `json:"isSuperAdmin"`
	MustResetPassword bool       `json:"mustResetPassword"`
	Method            string     `json:"method"`
	CreatedAt         *time.Time `json:"createdAt,omitempty"`
	LastActivity      *time.Time `json:"lastActivity,omitempty"`
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`
}

// SessionResponse is returned from POST and GET /auth/session.
type SessionResponse struct {
	Session   SessionView `json:"session"`
	CSRFToken string      `json:"csrfToken,omitempty"`
}

// ChangePasswordRequest is the JSON body for POST /admin/password.
type ChangePasswordRequest struct {
	NewPassword string `json:"newPassword"`
}

// PasswordChangeResponse is returned when a password was changed.
type PasswordChangeResponse struct {
	Success         bool `json:"success"`
	SessionsRevoked int  `json:"sessionsRevoked"`
}

// PasswordRequestsResponse is returned from GET /admin/password/requests.
type PasswordRequestsResponse struct {
	Requests []passchange.Summary `json:"requests"`
}

// UpdateClaimsRequest is the JSON body for PATCH /admin/users/{uid}/claims.
// Omitted fields are left unchanged.
type UpdateClaimsRequest struct {
	Admin       *bool     `json:"admin,omitempty"`
	SuperAdmin  *bool     `json:"superAdmin,omitempty"`
	Role        *string   `json:"role,omitempty"`
	Permissions *[]string `json:"permissions,omitempty"`
}

// UserClaimsResponse is returned after a claims update.
type UserClaimsResponse struct {
	UID             string   `json:"uid"`
	Email           string   `json:"email"`
	Admin           bool     `json:"admin"`
	SuperAdmin      bool     `json:"superAdmin"`
	Role            string   `json:"role"`
	Permissions     []string `json:"permissions"`
	SessionsRevoked int      `json:"sessionsRevoked"`
}

// RevokeSessionsResponse is returned from POST /admin/users/{uid}/sessions/revoke.
type RevokeSessionsResponse struct {
	SessionsRevoked int `json:"sessionsRevoked"`
}

// AuditListResponse is returned from GET /admin/audit.
type AuditListResponse struct {
	Records    []audit.Record `json:"records"`
	Pagination PaginationMeta `json:"pagination"`
}
