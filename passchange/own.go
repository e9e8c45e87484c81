package passchange

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmcleod/shelfguard/audit"
	"github.com/jmcleod/shelfguard/identity"
	"github.com/jmcleod/shelfguard/ratelimit"
)

// ChangeResult reports the side effects of a completed change.
type ChangeResult struct {
	SessionsRevoked int `json:"sessionsRevoked"`
}

// ChangeOwn sets the actor's own password. The actor's session is the proof
// of current authentication; other sessions and credentials are revoked.
func (o *Orchestrator) ChangeOwn(ctx context.Context, a Actor, newPassword string) (*ChangeResult, error) {
	if res, err := o.checkStrength(newPassword); err != nil {
		o.record(ctx, a, audit.KindSecurityEvent, "password_change_weak_password", audit.SeverityMedium, a.UID, false,
			map[string]any{"errors": res.Errors, "strength": string(res.Strength)})
		return nil, err
	}

	if err := o.limiter.Allow(ctx, ratelimit.ActionPasswordChange, a.ClientIP, a.UID); err != nil {
		if errors.Is(err, ratelimit.ErrLimited) {
			o.record(ctx, a, audit.KindSecurityEvent, "password_change_rate_limited", audit.SeverityMedium, a.UID, false, rateLimitDetails(err))
			return nil, err
		}
		o.record(ctx, a, audit.KindAdminAction, "password_change_failed", audit.SeverityHigh, a.UID, false, map[string]any{"error": err.Error()})
		return nil, err
	}

	if err := o.directory.UpdatePassword(ctx, a.UID, newPassword); err != nil {
		o.recordLimiterFailure(ctx, ratelimit.ActionPasswordChange, a)
		o.record(ctx, a, audit.KindAdminAction, "password_change_failed", audit.SeverityHigh, a.UID, false,
			map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("updating password: %w", err)
	}

	revoked, ferr := o.followUp(ctx, a, a.UID, false)
	details := map[string]any{"sessionsRevoked": revoked}
	sev := audit.SeverityMedium
	if ferr != nil {
		details["followUpError"] = ferr.Error()
		sev = audit.SeverityHigh
	}
	o.record(ctx, a, audit.KindAdminAction, "password_changed", sev, a.UID, true, details)

	res := &ChangeResult{SessionsRevoked: revoked}
	if ferr != nil {
		return res, fmt.Errorf("%w: %w", ErrFollowUpFailed, ferr)
	}
	return res, nil
}

// EmergencyInput is the body of an emergency reset.
type EmergencyInput struct {
	TargetEmail string `json:"targetEmail"`
	NewPassword string `json:"newPassword"`
	Reason      string `json:"reason"`
}

// EmergencyReset sets another admin's password immediately. Only a
// super-admin may do it, never against another super-admin, and the target
// must choose a new password at next login. Every attempt is CRITICAL.
func (o *Orchestrator) EmergencyReset(ctx context.Context, a Actor, in EmergencyInput) (*ChangeResult, error) {
	email := strings.TrimSpace(in.TargetEmail)
	details := map[string]any{"targetEmail": email, "reason": in.Reason}
	deny := func(name string, target string, err error) (*ChangeResult, error) {
		if err != nil {
			details["error"] = err.Error()
		}
		o.record(ctx, a, audit.KindSecurityEvent, name, audit.SeverityCritical, target, false, details)
		return nil, err
	}

	if !a.SuperAdmin {
		return deny("unauthorized_emergency_reset_attempt", "", ErrForbidden)
	}

	if err := o.limiter.Allow(ctx, ratelimit.ActionEmergencyReset, a.ClientIP, a.UID); err != nil {
		return deny("emergency_reset_rate_limited", "", err)
	}

	var problems []string
	if email == "" {
		problems = append(problems, "targetEmail is required")
	}
	if strings.TrimSpace(in.Reason) == "" {
		problems = append(problems, "reason is required")
	}
	if res := o.policy.Validate(in.NewPassword); !res.IsValid {
		problems = append(problems, res.Errors...)
	}
	if len(problems) > 0 {
		return deny("emergency_reset_invalid", "", &ValidationError{Message: "invalid emergency reset", Details: problems})
	}

	target, err := o.directory.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return deny("emergency_reset_target_not_found", "", err)
		}
		return deny("emergency_reset_failed", "", fmt.Errorf("looking up target: %w", err))
	}
	if target.Claims.SuperAdmin {
		return deny("emergency_reset_denied_super_admin_target", target.UID, ErrForbidden)
	}
	if !target.Claims.Admin {
		return deny("emergency_reset_target_not_admin", target.UID, ErrForbidden)
	}

	if err := o.directory.UpdatePassword(ctx, target.UID, in.NewPassword); err != nil {
		o.recordLimiterFailure(ctx, ratelimit.ActionEmergencyReset, a)
		return deny("emergency_reset_failed", target.UID, fmt.Errorf("updating password: %w", err))
	}

	revoked, ferr := o.followUp(ctx, a, target.UID, true)
	details["sessionsRevoked"] = revoked
	if ferr != nil {
		details["followUpError"] = ferr.Error()
	}
	o.record(ctx, a, audit.KindAdminAction, "emergency_password_reset", audit.SeverityCritical, target.UID, true, details)

	res := &ChangeResult{SessionsRevoked: revoked}
	if ferr != nil {
		return res, fmt.Errorf("%w: %w", ErrFollowUpFailed, ferr)
	}
	return res, nil
}

// recordLimiterFailure stamps a failed attempt. Limiter errors only log:
// the reservation made by Allow already counts the attempt.
func (o *Orchestrator) recordLimiterFailure(ctx context.Context, action ratelimit.Action, a Actor) {
	if err := o.limiter.Record(ctx, action, a.ClientIP, a.UID, false); err != nil {
		o.logger.Warn("recording rate limit failure", "action", action, "error", err)
	}
}
