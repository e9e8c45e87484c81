package api

import (
	"net/http"

	"github.com/jmcleod/shelfguard/audit"
	"github.com/jmcleod/shelfguard/passchange"
)

// The password-change orchestrator records every outcome of these routes
// itself; the handlers only record malformed bodies.

// ChangeOwnPassword handles POST /admin/password.
func (a *API) ChangeOwnPassword(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	req, err := decodeJSON[ChangePasswordRequest](r)
	if err != nil {
		a.badBody(w, r, p, err)
		return
	}
	res, err := a.passchange.ChangeOwn(r.Context(), p.Actor(), req.NewPassword)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PasswordChangeResponse{Success: true, SessionsRevoked: res.SessionsRevoked})
}

// CompletePasswordChange handles PUT /admin/password.
func (a *API) CompletePasswordChange(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	req, err := decodeJSON[passchange.CompleteInput](r)
	if err != nil {
		a.badBody(w, r, p, err)
		return
	}
	res, err := a.passchange.Complete(r.Context(), p.Actor(), req)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PasswordChangeResponse{Success: true, SessionsRevoked: res.SessionsRevoked})
}

// BeginPasswordChange handles POST /admin/password/requests.
func (a *API) BeginPasswordChange(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	req, err := decodeJSON[passchange.BeginInput](r)
	if err != nil {
		a.badBody(w, r, p, err)
		return
	}
	res, err := a.passchange.Begin(r.Context(), p.Actor(), req)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ListPasswordRequests handles GET /admin/password/requests.
func (a *API) ListPasswordRequests(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	pending, err := a.passchange.ListPending(r.Context(), p.Actor())
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	if pending == nil {
		pending = []passchange.Summary{}
	}
	writeJSON(w, http.StatusOK, PasswordRequestsResponse{Requests: pending})
}

// EmergencyReset handles POST /admin/password/emergency-reset.
func (a *API) EmergencyReset(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	req, err := decodeJSON[passchange.EmergencyInput](r)
	if err != nil {
		// Every emergency reset attempt is CRITICAL, malformed or not.
		a.badBodyAt(w, r, p, audit.SeverityCritical, err)
		return
	}
	res, err := a.passchange.EmergencyReset(r.Context(), p.Actor(), req)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PasswordChangeResponse{Success: true, SessionsRevoked: res.SessionsRevoked})
}
