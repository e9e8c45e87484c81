// Package ratelimit implements per-action attempt buckets with lockout and
// exponential backoff. Buckets live in a storage.Repository and are
// advanced with compare-and-set, so concurrent requests for the same key
// serialise and several processes can share one store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmcleod/shelfguard/internal/util"
	"github.com/jmcleod/shelfguard/storage"
)

// Action names a class of sensitive operation.
type Action string

const (
	ActionLogin             Action = "login"
	ActionPasswordChange    Action = "password_change"
	ActionPasswordRequest   Action = "password_request"
	ActionEmergencyReset    Action = "emergency_reset"
	ActionAdminUpdateUser   Action = "admin_update_user"
	ActionSessionInvalidate Action = "session_invalidate"
)

// Actions lists every action with a default policy.
var Actions = []Action{
	ActionLogin,
	ActionPasswordChange,
	ActionPasswordRequest,
	ActionEmergencyReset,
	ActionAdminUpdateUser,
	ActionSessionInvalidate,
}

const namespace = "ratelimit"

// casRetries bounds optimistic retries under contention before failing closed.
const casRetries = 32

var (
	ErrUnknownAction = errors.New("unknown rate limit action")
	// ErrLimited is wrapped by LimitedError.
	ErrLimited = errors.New("rate limit exceeded")
)

// LimitedError is returned by Allow when a request is denied.
type LimitedError struct {
	Action   Action
	Decision Decision
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("%s: %s (retry after %ds)", e.Action, e.Decision.Reason, e.Decision.RetryAfterSeconds())
}

func (e *LimitedError) Unwrap() error { return ErrLimited }

// Policy configures one action.
type Policy struct {
	// Window is the counting window for attempts.
	Window time.Duration `yaml:"window" json:"window"`
	// MaxAttempts is the number of attempts allowed per window.
	MaxAttempts int `yaml:"max_attempts" json:"maxAttempts"`
	// Lockout is the first lockout duration once MaxAttempts is reached.
	Lockout time.Duration `yaml:"lockout" json:"lockout"`
	// MaxLockout caps the exponential backoff of repeated lockouts.
	MaxLockout time.Duration `yaml:"max_lockout" json:"maxLockout"`
	// Expiry is how long an idle bucket is kept before it is swept.
	Expiry time.Duration `yaml:"expiry" json:"expiry"`
}

// DefaultPolicies returns the built-in policy table.
func DefaultPolicies() map[Action]Policy {
	return map[Action]Policy{
		ActionLogin:             {Window: 15 * time.Minute, MaxAttempts: 5, Lockout: 15 * time.Minute, MaxLockout: 4 * time.Hour, Expiry: 24 * time.Hour},
		ActionPasswordChange:    {Window: time.Hour, MaxAttempts: 3, Lockout: time.Hour, MaxLockout: 24 * time.Hour, Expiry: 24 * time.Hour},
		ActionPasswordRequest:   {Window: time.Hour, MaxAttempts: 5, Lockout: time.Hour, MaxLockout: 24 * time.Hour, Expiry: 24 * time.Hour},
		ActionEmergencyReset:    {Window: time.Hour, MaxAttempts: 3, Lockout: 2 * time.Hour, MaxLockout: 24 * time.Hour, Expiry: 48 * time.Hour},
		ActionAdminUpdateUser:   {Window: time.Minute, MaxAttempts: 30, Lockout: 5 * time.Minute, MaxLockout: time.Hour, Expiry: time.Hour},
		ActionSessionInvalidate: {Window: time.Minute, MaxAttempts: 20, Lockout: 5 * time.Minute, MaxLockout: time.Hour, Expiry: time.Hour},
	}
}

// Decision is the outcome of Check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Reason     string
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1.
func (d Decision) RetryAfterSeconds() int {
	secs := int((d.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

type bucket struct {
	Attempts    int       `json:"attempts"`
	WindowStart time.Time `json:"windowStart"`
	LockedUntil time.Time `json:"lockedUntil,omitempty"`
	Lockouts    int       `json:"lockouts"`
	LastAttempt time.Time `json:"lastAttempt"`
	LastFailure time.Time `json:"lastFailure,omitempty"`
}

// Limiter enforces policies against buckets in repo.
type Limiter struct {
	repo     storage.Repository
	policies map[Action]Policy
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithPolicy overrides the policy for one action.
func WithPolicy(action Action, p Policy) Option {
	return func(l *Limiter) { l.policies[action] = p }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(repo storage.Repository, opts ...Option) *Limiter {
	l := &Limiter{
		repo:     repo,
		policies: DefaultPolicies(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "ratelimit")
	return l
}

// Policy returns the policy for action.
func (l *Limiter) Policy(action Action) (Policy, bool) {
	p, ok := l.policies[action]
	return p, ok
}

// Check atomically tests and reserves one attempt against the IP bucket and,
// when subject is non-empty, the subject bucket. The stricter bucket
// governs. Once one bucket denies, the remaining buckets are only inspected
// for an active lockout and nothing further is reserved. On a store error
// the decision is a denial and the error is returned.
func (l *Limiter) Check(ctx context.Context, action Action, clientIP, subject string) (Decision, error) {
	policy, ok := l.policies[action]
	if !ok {
		return Decision{Reason: "unknown action"}, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}

	out := Decision{Allowed: true}
	for _, key := range bucketKeys(clientIP, subject) {
		d, err := l.checkBucket(ctx, action, policy, key, out.Allowed)
		if err != nil {
			return Decision{Reason: "rate limit store unavailable"}, err
		}
		if !d.Allowed {
			out.Allowed = false
			if d.RetryAfter > out.RetryAfter {
				out.RetryAfter = d.RetryAfter
				out.Reason = d.Reason
			}
		}
	}
	if !out.Allowed {
		l.logger.Warn("rate limited", "action", action, "client_ip", clientIP, "retry_after", out.RetryAfter)
	}
	return out, nil
}

// Allow is Check as an error: nil when admitted, a *LimitedError when
// denied, and the store error otherwise.
func (l *Limiter) Allow(ctx context.Context, action Action, clientIP, subject string) error {
	d, err := l.Check(ctx, action, clientIP, subject)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return &LimitedError{Action: action, Decision: d}
	}
	return nil
}

func (l *Limiter) checkBucket(ctx context.Context, action Action, policy Policy, key string, reserve bool) (Decision, error) {
	var decision Decision
	err := l.update(ctx, action, key, func(b *bucket, now time.Time) bool {
		if now.Before(b.LockedUntil) {
			decision = Decision{RetryAfter: b.LockedUntil.Sub(now), Reason: "locked out"}
			return false
		}
		if !reserve {
			decision = Decision{Allowed: true}
			return false
		}
		if b.WindowStart.IsZero() || now.Sub(b.WindowStart) >= policy.Window {
			b.Attempts = 0
			b.WindowStart = now
		}
		if !b.LastAttempt.IsZero() && now.Sub(b.LastAttempt) > policy.Expiry {
			b.Lockouts = 0
		}
		if b.Attempts >= policy.MaxAttempts {
			b.Lockouts++
			lockout := backoff(policy, b.Lockouts)
			b.LockedUntil = now.Add(lockout)
			b.Attempts = 0
			b.WindowStart = b.LockedUntil
			b.LastAttempt = now
			decision = Decision{RetryAfter: lockout, Reason: "too many attempts"}
			return true
		}
		b.Attempts++
		b.LastAttempt = now
		decision = Decision{Allowed: true}
		return true
	})
	return decision, err
}

// Record reports the outcome of an attempt previously admitted by Check.
// Success clears both buckets; failure keeps the reservation and stamps the
// failure time.
func (l *Limiter) Record(ctx context.Context, action Action, clientIP, subject string, success bool) error {
	if _, ok := l.policies[action]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
	for _, key := range bucketKeys(clientIP, subject) {
		if success {
			if err := l.repo.Delete(ctx, namespace, string(action), key); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("clearing rate limit bucket: %w", err)
			}
			continue
		}
		err := l.update(ctx, action, key, func(b *bucket, now time.Time) bool {
			b.LastFailure = now
			if b.LastAttempt.IsZero() {
				b.LastAttempt = now
			}
			return true
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Sweep deletes buckets that have been idle longer than their policy's
// Expiry and are not locked. It returns the number of buckets removed.
func (l *Limiter) Sweep(ctx context.Context) (int, error) {
	now := l.now()
	removed := 0
	for action, policy := range l.policies {
		ids, err := l.repo.List(ctx, namespace, string(action))
		if err != nil {
			return removed, fmt.Errorf("listing %s buckets: %w", action, err)
		}
		for _, id := range ids {
			b, _, err := l.load(ctx, action, id)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return removed, err
			}
			idle := now.Sub(b.LastAttempt)
			if idle <= policy.Expiry || now.Before(b.LockedUntil) {
				continue
			}
			if err := l.repo.Delete(ctx, namespace, string(action), id); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// update applies fn to the bucket under compare-and-set. fn returns false
// when nothing needs writing.
func (l *Limiter) update(ctx context.Context, action Action, key string, fn func(b *bucket, now time.Time) bool) error {
	for i := 0; i < casRetries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, version, err := l.load(ctx, action, key)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if !fn(b, l.now()) {
			return nil
		}
		env, err := storage.PlainRecord(b, version+1)
		if err != nil {
			return err
		}
		err = l.repo.PutCAS(ctx, namespace, string(action), key, version, env)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrCASFailed) {
			return fmt.Errorf("writing rate limit bucket: %w", err)
		}
	}
	return fmt.Errorf("rate limit bucket %s/%s: %w", action, key, storage.ErrCASFailed)
}

func (l *Limiter) load(ctx context.Context, action Action, key string) (*bucket, uint64, error) {
	env, err := l.repo.Get(ctx, namespace, string(action), key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &bucket{}, 0, err
		}
		return nil, 0, fmt.Errorf("reading rate limit bucket: %w", err)
	}
	var b bucket
	if err := storage.DecodePlain(env, &b); err != nil {
		return nil, 0, err
	}
	return &b, env.Version, nil
}

// backoff returns Lockout * 2^(n-1) capped at MaxLockout.
func backoff(p Policy, n int) time.Duration {
	lockout := p.Lockout
	for i := 1; i < n; i++ {
		lockout *= 2
		if p.MaxLockout > 0 && lockout >= p.MaxLockout {
			return p.MaxLockout
		}
	}
	if p.MaxLockout > 0 && lockout > p.MaxLockout {
		return p.MaxLockout
	}
	return lockout
}

// bucketKeys returns the IP key and, if subject is set, the subject key.
// An empty client IP is keyed as "unknown" so it still counts.
func bucketKeys(clientIP, subject string) []string {
	ip := strings.TrimSpace(clientIP)
	if ip == "" {
		ip = "unknown"
	}
	keys := []string{"ip:" + ip}
	if s := strings.ToLower(strings.TrimSpace(subject)); s != "" {
		keys = append(keys, "sub:"+util.SHA256Hex(s))
	}
	return keys
}
