package passchange

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmcleod/shelfguard/audit"
	"github.com/jmcleod/shelfguard/identity"
	"github.com/jmcleod/shelfguard/internal/util"
	"github.com/jmcleod/shelfguard/notify"
	"github.com/jmcleod/shelfguard/ratelimit"
	"github.com/jmcleod/shelfguard/storage"
)

const (
	emailCodeDigits   = 6
	overrideCodeBytes = 10
)

// BeginInput opens a two-phase request.
type BeginInput struct {
	TargetEmail string `json:"targetEmail"`
	Reason      string `json:"reason"`
	Emergency   bool   `json:"isEmergency"`
}

// BeginResult is returned to the requester once. OverrideCode is set only
// for emergency requests and is never retrievable again.
type BeginResult struct {
	RequestID         string    `json:"requestId"`
	VerificationToken string    `json:"verificationToken"`
	ExpiresAt         time.Time `json:"expiresAt"`
	OverrideCode      string    `json:"emergencyOverrideCode,omitempty"`
}

// Begin opens a password change request for an admin account. The normal
// path emails a one-time code to the target; the emergency path is
// restricted to super-admins and hands the override code to its author.
func (o *Orchestrator) Begin(ctx context.Context, a Actor, in BeginInput) (*BeginResult, error) {
	email := strings.TrimSpace(in.TargetEmail)
	details := map[string]any{"targetEmail": email, "reason": in.Reason, "isEmergency": in.Emergency}
	sev := audit.SeverityMedium
	if in.Emergency {
		sev = audit.SeverityCritical
	}
	deny := func(name string, s audit.Severity, target string, err error) (*BeginResult, error) {
		details["error"] = err.Error()
		o.record(ctx, a, audit.KindSecurityEvent, name, s, target, false, details)
		return nil, err
	}

	if in.Emergency && !a.SuperAdmin {
		return deny("unauthorized_emergency_request", audit.SeverityCritical, "", ErrForbidden)
	}
	var problems []string
	if email == "" {
		problems = append(problems, "targetEmail is required")
	}
	if strings.TrimSpace(in.Reason) == "" {
		problems = append(problems, "reason is required")
	}
	if len(problems) > 0 {
		return deny("password_request_invalid", audit.SeverityLow, "", &ValidationError{Message: "invalid password change request", Details: problems})
	}

	if err := o.limiter.Allow(ctx, ratelimit.ActionPasswordRequest, a.ClientIP, a.UID); err != nil {
		return deny("password_request_rate_limited", sev, "", err)
	}

	target, err := o.directory.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			o.recordLimiterFailure(ctx, ratelimit.ActionPasswordRequest, a)
			return deny("password_request_target_not_found", sev, "", err)
		}
		return deny("password_request_failed", audit.SeverityHigh, "", fmt.Errorf("looking up target: %w", err))
	}
	if name, s, denied := targetDenial(a, target, in.Emergency); denied {
		return deny(name, s, target.UID, ErrForbidden)
	}

	res, req, err := o.newRequest(a, target, in)
	if err != nil {
		return deny("password_request_failed", audit.SeverityHigh, target.UID, err)
	}
	if err := o.save(ctx, req); err != nil {
		return deny("password_request_failed", audit.SeverityHigh, target.UID, err)
	}

	if !req.IsEmergency {
		err := o.mailer.SendVerificationCode(ctx, notify.Message{
			To:        target.Email,
			Subject:   "Confirm your Shelfguard password change",
			Code:      res.emailCode,
			RequestID: req.ID,
			Reason:    req.Reason,
			ExpiresAt: req.ExpiresAt,
		})
		if err != nil {
			if terr := o.transition(ctx, req, StatusRejected); terr != nil {
				o.logger.Warn("could not reject undeliverable request", "request_id", req.ID, "error", terr)
			}
			return deny("password_request_failed", audit.SeverityHigh, target.UID, fmt.Errorf("sending verification code: %w", err))
		}
	}
	if err := o.transition(ctx, req, StatusVerificationSent); err != nil {
		return deny("password_request_failed", audit.SeverityHigh, target.UID, err)
	}

	name := "password_change_requested"
	if req.IsEmergency {
		name = "emergency_password_request"
	}
	details["requestId"] = req.ID
	o.record(ctx, a, audit.KindAdminAction, name, sev, target.UID, true, details)
	return &res.BeginResult, nil
}

// targetDenial applies the rules on whose password a may change. It returns
// the audit name and severity of a refusal.
func targetDenial(a Actor, target *identity.User, emergency bool) (name string, sev audit.Severity, denied bool) {
	switch {
	case emergency && target.Claims.SuperAdmin:
		return "emergency_request_denied_super_admin_target", audit.SeverityCritical, true
	case target.Claims.SuperAdmin && !a.SuperAdmin:
		return "unauthorized_password_request", audit.SeverityHigh, true
	case !target.Claims.Admin:
		return "password_request_target_not_admin", audit.SeverityHigh, true
	}
	return
}

type issued struct {
	BeginResult
	emailCode string
}

func (o *Orchestrator) newRequest(a Actor, target *identity.User, in BeginInput) (issued, *Request, error) {
	var out issued
	tok, err := o.codec.Generate()
	if err != nil {
		return out, nil, fmt.Errorf("minting verification token: %w", err)
	}
	now := o.now()
	req := &Request{
		ID:                    uuid.NewString(),
		RequesterID:           a.UID,
		RequesterEmail:        a.Email,
		TargetUID:             target.UID,
		TargetEmail:           target.Email,
		Reason:                strings.TrimSpace(in.Reason),
		IsEmergency:           in.Emergency,
		Status:                StatusRequested,
		VerificationTokenHash: util.SHA256Hex(tok),
		CreatedAt:             now,
		ExpiresAt:             now.Add(o.ttl),
	}
	out.RequestID = req.ID
	out.VerificationToken = tok
	out.ExpiresAt = req.ExpiresAt

	if in.Emergency {
		code, err := util.RandomHex(overrideCodeBytes)
		if err != nil {
			return out, nil, err
		}
		req.OverrideCodeHash = util.SHA256Hex(code)
		req.OverrideAuthorID = a.UID
		out.OverrideCode = code
	} else {
		code, err := util.RandomDigits(emailCodeDigits)
		if err != nil {
			return out, nil, err
		}
		req.EmailCodeHash = util.SHA256Hex(code)
		out.emailCode = code
	}
	return out, req, nil
}

// CompleteInput finishes a request. Exactly one of EmailVerificationCode
// and EmergencyOverrideCode must be set.
type CompleteInput struct {
	RequestID             string `json:"requestId"`
	VerificationToken     string `json:"verificationToken"`
	EmailVerificationCode string `json:"emailVerificationCode,omitempty"`
	EmergencyOverrideCode string `json:"emergencyOverrideCode,omitempty"`
	NewPassword           string `json:"newPassword"`
}

// Complete verifies the token and code and applies the new password. A
// request completes at most once: the winner claims it by compare-and-set,
// a concurrent duplicate gets ErrConflict and a later one
// ErrAlreadyCompleted.
func (o *Orchestrator) Complete(ctx context.Context, a Actor, in CompleteInput) (*ChangeResult, error) {
	emergency := in.EmergencyOverrideCode != ""
	details := map[string]any{"requestId": in.RequestID, "isEmergency": emergency}
	deny := func(name string, s audit.Severity, target string, err error) (*ChangeResult, error) {
		details["error"] = err.Error()
		o.record(ctx, a, audit.KindSecurityEvent, name, s, target, false, details)
		return nil, err
	}

	var problems []string
	if in.RequestID == "" {
		problems = append(problems, "requestId is required")
	}
	if in.VerificationToken == "" {
		problems = append(problems, "verificationToken is required")
	}
	if (in.EmailVerificationCode == "") == (in.EmergencyOverrideCode == "") {
		problems = append(problems, "exactly one of emailVerificationCode or emergencyOverrideCode is required")
	}
	// Any attempt that presents an override code is an emergency attempt.
	early := audit.SeverityMedium
	if emergency {
		early = audit.SeverityCritical
	}
	if len(problems) > 0 {
		return deny("password_change_completion_invalid", early, "", &ValidationError{Message: "invalid completion", Details: problems})
	}
	if emergency && !a.SuperAdmin {
		return deny("unauthorized_emergency_override", audit.SeverityCritical, "", ErrForbidden)
	}
	if res, err := o.checkStrength(in.NewPassword); err != nil {
		details["errors"] = res.Errors
		return deny("password_change_weak_password", early, "", err)
	}

	if err := o.limiter.Allow(ctx, ratelimit.ActionPasswordChange, a.ClientIP, a.UID); err != nil {
		return deny("password_change_rate_limited", early, "", err)
	}

	req, err := o.load(ctx, in.RequestID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			o.recordLimiterFailure(ctx, ratelimit.ActionPasswordChange, a)
			return deny("password_change_request_not_found", audit.SeverityMedium, "", err)
		}
		return deny("password_change_failed", audit.SeverityHigh, "", err)
	}
	target := req.TargetUID

	switch req.Status {
	case StatusCompleted:
		return deny("password_change_already_completed", audit.SeverityLow, target, ErrAlreadyCompleted)
	case StatusProcessing:
		return deny("password_change_conflict", audit.SeverityMedium, target, ErrConflict)
	case StatusExpired:
		return deny("password_change_request_expired", audit.SeverityMedium, target, ErrExpired)
	case StatusRejected:
		return deny("password_change_request_rejected", audit.SeverityHigh, target, ErrRejected)
	}
	if !o.now().Before(req.ExpiresAt) {
		if err := o.transition(ctx, req, StatusExpired); err != nil && !errors.Is(err, storage.ErrCASFailed) {
			o.logger.Warn("could not expire request", "request_id", req.ID, "error", err)
		}
		return deny("password_change_request_expired", audit.SeverityMedium, target, ErrExpired)
	}

	if !o.verify(req, in) {
		o.recordLimiterFailure(ctx, ratelimit.ActionPasswordChange, a)
		sev := audit.SeverityHigh
		if req.IsEmergency {
			sev = audit.SeverityCritical
		}
		if err := o.noteFailure(ctx, req); err != nil {
			return deny("password_change_failed", audit.SeverityHigh, target, err)
		}
		details["failedAttempts"] = req.FailedAttempts
		if req.Status == StatusRejected {
			return deny("password_change_request_rejected", sev, target, ErrRejected)
		}
		return deny("password_change_verification_failed", sev, target, ErrInvalidVerification)
	}

	// Claims may have changed since the request was opened.
	current, err := o.directory.GetUser(ctx, target)
	if err != nil {
		return deny("password_change_failed", audit.SeverityHigh, target, fmt.Errorf("looking up target: %w", err))
	}
	if name, s, denied := targetDenial(a, current, req.IsEmergency); denied {
		if req.IsEmergency {
			s = audit.SeverityCritical
		}
		return deny(name, s, target, ErrForbidden)
	}

	// Claim the request. Losing the race means another completion owns it.
	if err := o.transition(ctx, req, StatusProcessing); err != nil {
		if !errors.Is(err, storage.ErrCASFailed) {
			return deny("password_change_failed", audit.SeverityHigh, target, err)
		}
		latest, lerr := o.load(ctx, req.ID)
		if lerr == nil && latest.Status == StatusCompleted {
			return deny("password_change_already_completed", audit.SeverityLow, target, ErrAlreadyCompleted)
		}
		return deny("password_change_conflict", audit.SeverityMedium, target, ErrConflict)
	}

	if err := o.directory.UpdatePassword(ctx, target, in.NewPassword); err != nil {
		if rerr := o.transition(ctx, req, StatusVerificationSent); rerr != nil {
			o.logger.Error("could not release password change request", "request_id", req.ID, "error", rerr)
		}
		return deny("password_change_failed", audit.SeverityHigh, target, fmt.Errorf("updating password: %w", err))
	}

	// The credential has changed, so the request is spent whatever follows.
	done := o.now()
	req.CompletedAt = &done
	if err := o.transition(ctx, req, StatusCompleted); err != nil {
		o.logger.Error("password changed but request not marked completed", "request_id", req.ID, "error", err)
	}
	if err := o.limiter.Record(ctx, ratelimit.ActionPasswordChange, a.ClientIP, a.UID, true); err != nil {
		o.logger.Warn("clearing rate limit", "error", err)
	}

	// An emergency reset must be followed by a password the target chose.
	revoked, ferr := o.followUp(ctx, a, target, req.IsEmergency)
	details["sessionsRevoked"] = revoked
	details["targetEmail"] = req.TargetEmail
	name, sev := "password_change_completed", audit.SeverityMedium
	if req.IsEmergency {
		name, sev = "emergency_password_reset", audit.SeverityCritical
	}
	if ferr != nil {
		details["followUpError"] = ferr.Error()
		if sev == audit.SeverityMedium {
			sev = audit.SeverityHigh
		}
	}
	o.record(ctx, a, audit.KindAdminAction, name, sev, target, true, details)

	res := &ChangeResult{SessionsRevoked: revoked}
	if ferr != nil {
		return res, fmt.Errorf("%w: %w", ErrFollowUpFailed, ferr)
	}
	return res, nil
}

// verify checks the token signature and age, then compares token and code
// hashes in constant time.
func (o *Orchestrator) verify(req *Request, in CompleteInput) bool {
	ok := o.codec.Verify(in.VerificationToken)
	ok = hashEqual(req.VerificationTokenHash, in.VerificationToken) && ok
	if req.IsEmergency {
		return hashEqual(req.OverrideCodeHash, in.EmergencyOverrideCode) && in.EmailVerificationCode == "" && ok
	}
	return hashEqual(req.EmailCodeHash, in.EmailVerificationCode) && in.EmergencyOverrideCode == "" && ok
}

func hashEqual(storedHash, presented string) bool {
	if storedHash == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(util.SHA256Hex(presented))) == 1
}

// noteFailure counts a bad attempt and rejects the request at the limit.
func (o *Orchestrator) noteFailure(ctx context.Context, req *Request) error {
	for i := 0; i < 8; i++ {
		req.FailedAttempts++
		if req.FailedAttempts >= o.maxAttempts {
			req.Status = StatusRejected
		}
		err := o.save(ctx, req)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrCASFailed) {
			return err
		}
		fresh, lerr := o.load(ctx, req.ID)
		if lerr != nil {
			return lerr
		}
		*req = *fresh
		if !req.Status.Pending() {
			return nil
		}
	}
	return fmt.Errorf("recording failed attempt: %w", storage.ErrCASFailed)
}

// ListPending returns completable requests, oldest first. Super-admin only.
func (o *Orchestrator) ListPending(ctx context.Context, a Actor) ([]Summary, error) {
	if !a.SuperAdmin {
		o.record(ctx, a, audit.KindSecurityEvent, "unauthorized_pending_list_access", audit.SeverityHigh, "", false, nil)
		return nil, ErrForbidden
	}
	reqs, err := o.all(ctx)
	if err != nil {
		o.record(ctx, a, audit.KindAdminAction, "password_requests_list_failed", audit.SeverityHigh, "", false, map[string]any{"error": err.Error()})
		return nil, err
	}
	now := o.now()
	out := []Summary{}
	for _, r := range reqs {
		if r.Status.Pending() && now.Before(r.ExpiresAt) {
			out = append(out, r.Summary())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	o.record(ctx, a, audit.KindAdminAction, "password_requests_listed", audit.SeverityLow, "", true, map[string]any{"count": len(out)})
	return out, nil
}

// ExpireStale marks overdue pending requests expired and deletes finished
// requests older than the retention period. It returns the number of
// records changed.
func (o *Orchestrator) ExpireStale(ctx context.Context) (int, error) {
	reqs, err := o.all(ctx)
	if err != nil {
		return 0, err
	}
	now := o.now()
	changed := 0
	for _, r := range reqs {
		switch {
		case r.Status.Pending() && !now.Before(r.ExpiresAt):
			err := o.transition(ctx, r, StatusExpired)
			if errors.Is(err, storage.ErrCASFailed) {
				continue
			}
			if err != nil {
				return changed, err
			}
			changed++
		case !r.Status.Pending() && now.Sub(r.ExpiresAt) > o.retention:
			err := o.repo.Delete(ctx, namespace, recordType, r.ID)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return changed, err
			}
			changed++
		}
	}
	if changed > 0 {
		o.logger.Info("password change requests swept", "count", changed)
	}
	return changed, nil
}
