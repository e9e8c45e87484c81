package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/jmcleod/shelfguard/audit"
	"github.com/jmcleod/shelfguard/identity"
	"github.com/jmcleod/shelfguard/passchange"
	"github.com/jmcleod/shelfguard/ratelimit"
	"github.com/jmcleod/shelfguard/session"
	"github.com/jmcleod/shelfguard/storage"
)

const maxBodySize = 64 << 10

const (
	msgAuthRequired  = "authentication required"
	msgNotAdmin      = "Admin privileges required"
	msgForbidden     = "insufficient privileges"
	msgResetRequired = "password reset required"
	msgRateLimited   = "too many attempts, try again later"
	msgInternal      = "internal server error"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// decodeJSON reads a size-limited JSON body with no unknown fields.
func decodeJSON[T any](r *http.Request) (T, error) {
	var v T
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	err := dec.Decode(&v)
	return v, err
}

// badBody records and rejects a malformed request body.
func (a *API) badBody(w http.ResponseWriter, r *http.Request, p *Principal, err error) {
	a.badBodyAt(w, r, p, audit.SeverityLow, err)
}

func (a *API) badBodyAt(w http.ResponseWriter, r *http.Request, p *Principal, sev audit.Severity, err error) {
	a.securityEvent(r, p, AuditInvalidBody, sev, "", false,
		map[string]any{"method": r.Method, "path": r.URL.Path, "error": err.Error()})
	writeError(w, http.StatusBadRequest, "invalid request body")
}

// mapError translates the package error taxonomy into the HTTP status
// contract. Anything unrecognised is a dependency failure and fails closed
// with a 500 that does not leak the cause.
func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	var limited *ratelimit.LimitedError
	var invalid *passchange.ValidationError

	switch {
	case errors.As(err, &limited):
		secs := limited.Decision.RetryAfterSeconds()
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: msgRateLimited, RetryAfter: secs})
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: invalid.Message, Details: invalid.Details})
	case errors.Is(err, passchange.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrInvalidSession),
		errors.Is(err, identity.ErrInvalidCredential):
		writeError(w, http.StatusUnauthorized, msgAuthRequired)
	case errors.Is(err, session.ErrNotAdmin):
		writeError(w, http.StatusForbidden, msgNotAdmin)
	case errors.Is(err, passchange.ErrForbidden):
		writeError(w, http.StatusForbidden, msgForbidden)
	case errors.Is(err, passchange.ErrInvalidVerification),
		errors.Is(err, passchange.ErrRejected):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, identity.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, passchange.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, passchange.ErrAlreadyCompleted),
		errors.Is(err, passchange.ErrConflict),
		errors.Is(err, storage.ErrCASFailed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, passchange.ErrExpired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, passchange.ErrFollowUpFailed):
		a.log().Error("password changed with incomplete follow-up", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, passchange.ErrFollowUpFailed.Error())
	default:
		a.log().Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, msgInternal)
	}
}

func (a *API) log() *slog.Logger {
	if a.logger == nil {
		return slog.Default()
	}
	return a.logger
}
