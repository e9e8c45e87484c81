// Package passchange orchestrates administrator credential changes: direct
// self-service changes, two-phase verified changes for any admin account,
// and the super-admin emergency reset.
//
// Every operation writes exactly one audit record per outcome before it
// returns.
package passchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmcleod/shelfguard/audit"
	"github.com/jmcleod/shelfguard/identity"
	"github.com/jmcleod/shelfguard/internal/keyring"
	"github.com/jmcleod/shelfguard/notify"
	"github.com/jmcleod/shelfguard/password"
	"github.com/jmcleod/shelfguard/ratelimit"
	"github.com/jmcleod/shelfguard/session"
	"github.com/jmcleod/shelfguard/storage"
	"github.com/jmcleod/shelfguard/token"
)

const (
	DefaultRequestTTL      = 15 * time.Minute
	DefaultMaxCodeAttempts = 5
	DefaultRetention       = 7 * 24 * time.Hour
)

var (
	// ErrForbidden is an authorization failure.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidInput is wrapped by ValidationError.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound means no request has the given ID.
	ErrNotFound = errors.New("password change request not found")
	// ErrAlreadyCompleted is returned for a second completion of a request.
	ErrAlreadyCompleted = errors.New("password change request already completed")
	// ErrExpired is returned for a request past its expiry.
	ErrExpired = errors.New("password change request expired")
	// ErrRejected is returned once a request has seen too many bad codes.
	ErrRejected = errors.New("password change request rejected")
	// ErrConflict means another completion of the same request is in flight.
	ErrConflict = errors.New("password change request is being processed")
	// ErrInvalidVerification means the token or code did not match.
	ErrInvalidVerification = errors.New("invalid verification token or code")
	// ErrFollowUpFailed means the password changed but resetting the
	// reset flag or revoking credentials did not fully succeed.
	ErrFollowUpFailed = errors.New("password changed but follow-up steps failed")
)

// ValidationError carries itemised reasons for a rejected input.
type ValidationError struct {
	Message string
	Details []string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// Actor is the authenticated administrator performing an operation.
type Actor struct {
	UID        string
	Email      string
	SuperAdmin bool
	// SessionID is empty when the actor authenticated with a bearer
	// credential.
	SessionID string
	ClientIP  string
	UserAgent string
}

// ActorFromSession builds an Actor from a validated session.
func ActorFromSession(s *session.Session, clientIP, userAgent string) Actor {
	return Actor{
		UID:        s.UID,
		Email:      s.Email,
		SuperAdmin: s.IsSuperAdmin,
		SessionID:  s.ID,
		ClientIP:   clientIP,
		UserAgent:  userAgent,
	}
}

// Sessions is the subset of session.Manager the orchestrator needs.
type Sessions interface {
	Reaffirm(ctx context.Context, id string) (*session.Session, error)
	DestroyAllForUser(ctx context.Context, uid, exceptID string) (int, error)
}

// Orchestrator runs the password-change workflows.
type Orchestrator struct {
	repo        storage.Repository
	keys        *keyring.Keyring
	codec       *token.Codec
	directory   identity.Directory
	sessions    Sessions
	limiter     *ratelimit.Limiter
	audit       *audit.Logger
	mailer      notify.Mailer
	policy      password.Policy
	ttl         time.Duration
	maxAttempts int
	retention   time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRequestTTL sets how long a two-phase request stays completable.
func WithRequestTTL(d time.Duration) Option { return func(o *Orchestrator) { o.ttl = d } }

// WithMaxCodeAttempts sets how many bad tokens or codes reject a request.
func WithMaxCodeAttempts(n int) Option { return func(o *Orchestrator) { o.maxAttempts = n } }

// WithRetention sets how long finished requests are kept before ExpireStale
// deletes them.
func WithRetention(d time.Duration) Option { return func(o *Orchestrator) { o.retention = d } }

func WithPasswordPolicy(p password.Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

func WithMailer(m notify.Mailer) Option { return func(o *Orchestrator) { o.mailer = m } }

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// New builds an Orchestrator.
func New(repo storage.Repository, keys *keyring.Keyring, directory identity.Directory, sessions Sessions, limiter *ratelimit.Limiter, auditLog *audit.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		repo:        repo,
		keys:        keys,
		directory:   directory,
		sessions:    sessions,
		limiter:     limiter,
		audit:       auditLog,
		policy:      password.DefaultPolicy(),
		ttl:         DefaultRequestTTL,
		maxAttempts: DefaultMaxCodeAttempts,
		retention:   DefaultRetention,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "passchange")
	if o.mailer == nil {
		o.mailer = notify.NewLogMailer(o.logger)
	}
	o.codec = token.NewCodec(keys, keyring.PurposePassChange, o.ttl, token.WithClock(o.now))
	return o
}

// record writes the audit record for one outcome.
func (o *Orchestrator) record(ctx context.Context, a Actor, kind audit.Kind, name string, sev audit.Severity, target string, success bool, details map[string]any) {
	e := audit.Entry{
		Name:         name,
		Severity:     sev,
		AdminID:      a.UID,
		AdminEmail:   a.Email,
		ClientIP:     a.ClientIP,
		UserAgent:    a.UserAgent,
		TargetUserID: target,
		Details:      details,
		Success:      success,
	}
	if kind == audit.KindSecurityEvent {
		o.audit.LogSecurityEvent(ctx, e)
		return
	}
	o.audit.LogAdminAction(ctx, e)
}

// checkStrength returns a ValidationError for a password that fails policy.
func (o *Orchestrator) checkStrength(pw string) (password.Result, error) {
	res := o.policy.Validate(pw)
	if !res.IsValid {
		return res, &ValidationError{Message: "password does not meet requirements", Details: res.Errors}
	}
	return res, nil
}

// revokeAfterChange revokes the target's credentials and sessions. When the
// actor changed their own password their current session survives.
func (o *Orchestrator) revokeAfterChange(ctx context.Context, a Actor, targetUID string) (int, error) {
	if err := o.directory.RevokeTokens(ctx, targetUID); err != nil {
		return 0, fmt.Errorf("revoking tokens: %w", err)
	}
	keep := ""
	if targetUID == a.UID && a.SessionID != "" {
		if _, err := o.sessions.Reaffirm(ctx, a.SessionID); err != nil {
			o.logger.Warn("could not keep current session after password change", "uid", a.UID, "error", err)
		} else {
			keep = a.SessionID
		}
	}
	n, err := o.sessions.DestroyAllForUser(ctx, targetUID, keep)
	if err != nil {
		return n, fmt.Errorf("revoking sessions: %w", err)
	}
	return n, nil
}

// followUp runs the steps that follow a credential change. Both run even
// when the first fails; the password itself is never rolled back.
func (o *Orchestrator) followUp(ctx context.Context, a Actor, targetUID string, forceReset bool) (int, error) {
	var errs []error
	if err := o.setForceReset(ctx, targetUID, forceReset); err != nil {
		errs = append(errs, fmt.Errorf("updating password reset flag: %w", err))
	}
	revoked, err := o.revokeAfterChange(ctx, a, targetUID)
	if err != nil {
		errs = append(errs, err)
	}
	return revoked, errors.Join(errs...)
}

func (o *Orchestrator) setForceReset(ctx context.Context, uid string, force bool) error {
	u, err := o.directory.GetUser(ctx, uid)
	if err != nil {
		return err
	}
	if u.Claims.ForcePasswordReset == force {
		return nil
	}
	c := u.Claims
	c.ForcePasswordReset = force
	return o.directory.SetCustomClaims(ctx, uid, c)
}

func rateLimitDetails(err error) map[string]any {
	var limited *ratelimit.LimitedError
	if errors.As(err, &limited) {
		return map[string]any{"retryAfter": limited.Decision.RetryAfterSeconds(), "reason": limited.Decision.Reason}
	}
	return map[string]any{"error": err.Error()}
}
