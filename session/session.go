// Package session creates, validates and destroys server-side admin
// sessions. The client holds only a signed handle whose random part is the
// session ID; the record itself is sealed with AES-256-GCM in a
// storage.Repository so every instance sees the same state.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmcleod/shelfguard/identity"
	"github.com/jmcleod/shelfguard/internal/keyring"
	"github.com/jmcleod/shelfguard/internal/util"
	"github.com/jmcleod/shelfguard/storage"
	"github.com/jmcleod/shelfguard/token"
)

const (
	namespace        = "sessions"
	recordType       = "SESSION"
	sessionAADPrefix = "session:"
)

const (
	DefaultTTL                   = 8 * time.Hour
	DefaultIdleTimeout           = 30 * time.Minute
	DefaultClaimsRecheckInterval = 5 * time.Minute
)

var (
	// ErrInvalidSession is the normal "not authenticated" outcome.
	ErrInvalidSession = errors.New("invalid session")
	// ErrNotAdmin means the credential verified but lacks the admin claim.
	ErrNotAdmin = errors.New("admin privileges required")
	// ErrUnavailable wraps store and directory failures. Callers fail closed.
	ErrUnavailable = errors.New("session dependency unavailable")
)

// Session is the server-authoritative session record.
type Session struct {
	ID                string    `json:"id"`
	UID               string    `json:"uid"`
	Email             string    `json:"email"`
	Role              string    `json:"role"`
	Permissions       []string  `json:"permissions"`
	IsAdmin           bool      `json:"isAdmin"`
	IsSuperAdmin      bool      `json:"isSuperAdmin"`
	MustResetPassword bool      `json:"mustResetPassword"`
	CreatedAt         time.Time `json:"createdAt"`
	LastActivity      time.Time `json:"lastActivity"`
	ClaimsCheckedAt   time.Time `json:"claimsCheckedAt"`
	// AuthenticatedAt is compared with the account's revocation watermark.
	// It starts at CreatedAt and moves forward on Reaffirm.
	AuthenticatedAt time.Time `json:"authenticatedAt"`
	IPAddress       string    `json:"ipAddress"`
	UserAgent       string    `json:"userAgent"`

	// Cookie is the signed handle. It is never persisted.
	Cookie string `json:"-"`

	version uint64
}

// Manager owns the session lifecycle.
type Manager struct {
	repo         storage.Repository
	keys         *keyring.Keyring
	codec        *token.Codec
	verifier     identity.Verifier
	directory    identity.Directory
	ttl          time.Duration
	idleTimeout  time.Duration
	binding      Binding
	recheckEvery time.Duration
	logger       *slog.Logger
	now          func() time.Time
	codecOpts    []token.Option
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets the absolute session lifetime.
func WithTTL(d time.Duration) Option { return func(m *Manager) { m.ttl = d } }

// WithIdleTimeout sets the inactivity limit. Zero disables it.
func WithIdleTimeout(d time.Duration) Option { return func(m *Manager) { m.idleTimeout = d } }

func WithBinding(b Binding) Option { return func(m *Manager) { m.binding = b } }

// WithClaimsRecheckInterval sets how often claims are re-read from the
// directory during validation.
func WithClaimsRecheckInterval(d time.Duration) Option {
	return func(m *Manager) { m.recheckEvery = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
		m.codecOpts = append(m.codecOpts, token.WithClock(now))
	}
}

// NewManager builds a Manager. verifier authenticates login credentials;
// directory is consulted for revocation.
func NewManager(repo storage.Repository, keys *keyring.Keyring, verifier identity.Verifier, directory identity.Directory, opts ...Option) *Manager {
	m := &Manager{
		repo:         repo,
		keys:         keys,
		verifier:     verifier,
		directory:    directory,
		ttl:          DefaultTTL,
		idleTimeout:  DefaultIdleTimeout,
		binding:      BindExact,
		recheckEvery: DefaultClaimsRecheckInterval,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "session")
	m.codec = token.NewCodec(keys, keyring.PurposeSession, m.ttl, m.codecOpts...)
	return m
}

// TTL reports the absolute session lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Create verifies credential, requires the admin claim and persists a new
// session bound to clientIP.
func (m *Manager) Create(ctx context.Context, credential, clientIP, userAgent string) (*Session, error) {
	claims, err := m.verifier.Verify(ctx, credential)
	if err != nil {
		return nil, err
	}
	return m.CreateFromClaims(ctx, claims, clientIP, userAgent)
}

// CreateFromClaims persists a session for already-verified claims.
func (m *Manager) CreateFromClaims(ctx context.Context, claims identity.Claims, clientIP, userAgent string) (*Session, error) {
	if !claims.Admin {
		return nil, ErrNotAdmin
	}

	handle, err := m.codec.Generate()
	if err != nil {
		return nil, fmt.Errorf("minting session handle: %w", err)
	}
	parts, ok := m.codec.Parse(handle)
	if !ok {
		return nil, errors.New("minted session handle failed verification")
	}

	now := m.now()
	s := &Session{
		ID:                parts.Random,
		UID:               claims.UID,
		Email:             claims.Email,
		Role:              claims.Role,
		Permissions:       append([]string{}, claims.Permissions...),
		IsAdmin:           claims.Admin,
		IsSuperAdmin:      claims.SuperAdmin,
		MustResetPassword: claims.ForcePasswordReset,
		CreatedAt:         now,
		LastActivity:      now,
		ClaimsCheckedAt:   now,
		AuthenticatedAt:   now,
		IPAddress:         clientIP,
		UserAgent:         userAgent,
		Cookie:            handle,
	}
	if err := m.write(ctx, s, 0); err != nil {
		return nil, err
	}
	m.logger.Info("session created", "session_id", shortID(s.ID), "uid", s.UID, "client_ip", clientIP)
	return s, nil
}

// Validate resolves handle to a live session. An invalid, expired,
// mis-bound or revoked session yields ErrInvalidSession; store or
// directory failures yield an error wrapping ErrUnavailable.
func (m *Manager) Validate(ctx context.Context, handle, clientIP string) (*Session, error) {
	parts, ok := m.codec.Parse(handle)
	if !ok {
		return nil, ErrInvalidSession
	}
	s, err := m.load(ctx, parts.Random)
	if err != nil {
		return nil, err
	}
	s.Cookie = handle
	now := m.now()

	if now.Sub(s.CreatedAt) > m.ttl {
		m.discard(ctx, s.ID, "expired")
		return nil, ErrInvalidSession
	}
	if m.idleTimeout > 0 && now.Sub(s.LastActivity) > m.idleTimeout {
		m.discard(ctx, s.ID, "idle")
		return nil, ErrInvalidSession
	}
	if !m.binding.Matches(s.IPAddress, clientIP) {
		m.logger.Warn("session ip binding mismatch", "session_id", shortID(s.ID), "bound_ip", s.IPAddress, "client_ip", clientIP)
		m.discard(ctx, s.ID, "ip_mismatch")
		return nil, ErrInvalidSession
	}

	if now.Sub(s.ClaimsCheckedAt) >= m.recheckEvery {
		if err := m.recheck(ctx, s, now); err != nil {
			return nil, err
		}
	}

	s.LastActivity = now
	return m.touch(ctx, s)
}

// Reaffirm re-reads claims from the directory and moves the session's
// authentication time to now, so a revocation issued by the caller's own
// credential change does not end the session that performed it.
func (m *Manager) Reaffirm(ctx context.Context, id string) (*Session, error) {
	s, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	now := m.now()
	s.AuthenticatedAt = now
	if err := m.recheck(ctx, s, now); err != nil {
		return nil, err
	}
	return m.touch(ctx, s)
}

func (m *Manager) recheck(ctx context.Context, s *Session, now time.Time) error {
	if m.directory == nil {
		s.ClaimsCheckedAt = now
		return nil
	}
	u, err := m.directory.GetUser(ctx, s.UID)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			m.discard(ctx, s.ID, "account_deleted")
			return ErrInvalidSession
		}
		return fmt.Errorf("%w: claims recheck: %v", ErrUnavailable, err)
	}
	reason := ""
	switch {
	case u.Disabled:
		reason = "account_disabled"
	case !u.Claims.Admin:
		reason = "admin_revoked"
	case s.IsSuperAdmin && !u.Claims.SuperAdmin:
		reason = "super_admin_revoked"
	case u.TokensValidAfter.After(s.AuthenticatedAt):
		reason = "tokens_revoked"
	}
	if reason != "" {
		m.discard(ctx, s.ID, reason)
		return ErrInvalidSession
	}
	s.Email = u.Email
	s.Role = u.Claims.Role
	s.Permissions = append([]string{}, u.Claims.Permissions...)
	s.IsSuperAdmin = u.Claims.SuperAdmin
	s.MustResetPassword = u.Claims.ForcePasswordReset
	s.ClaimsCheckedAt = now
	return nil
}

// Destroy removes the session addressed by handle. Unknown or malformed
// handles are not an error.
func (m *Manager) Destroy(ctx context.Context, handle string) error {
	parts, ok := m.codec.Parse(handle)
	if !ok {
		return nil
	}
	return m.DestroyByID(ctx, parts.Random)
}

// DestroyByID removes a session record; missing records are not an error.
func (m *Manager) DestroyByID(ctx context.Context, id string) error {
	if err := m.repo.Delete(ctx, namespace, recordType, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: deleting session: %v", ErrUnavailable, err)
	}
	return nil
}

// DestroyAllForUser removes every session of uid except exceptID (which may
// be empty). It returns the number of sessions removed.
func (m *Manager) DestroyAllForUser(ctx context.Context, uid, exceptID string) (int, error) {
	removed := 0
	err := m.each(ctx, func(s *Session, openErr error) error {
		if openErr != nil || s.UID != uid || s.ID == exceptID {
			return nil
		}
		if err := m.DestroyByID(ctx, s.ID); err != nil {
			return err
		}
		removed++
		return nil
	})
	if removed > 0 {
		m.logger.Info("sessions destroyed for user", "uid", uid, "count", removed)
	}
	return removed, err
}

// Sweep deletes expired, idle and unreadable records.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.now()
	removed := 0
	var ids []string
	err := m.each(ctx, func(s *Session, openErr error) error {
		expired := openErr != nil ||
			now.Sub(s.CreatedAt) > m.ttl ||
			(m.idleTimeout > 0 && now.Sub(s.LastActivity) > m.idleTimeout)
		if expired {
			ids = append(ids, s.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := m.DestroyByID(ctx, id); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// each visits every stored session. Records that cannot be opened are
// passed with a non-nil openErr and only their ID set.
func (m *Manager) each(ctx context.Context, fn func(s *Session, openErr error) error) error {
	ids, err := m.repo.List(ctx, namespace, recordType)
	if err != nil {
		return fmt.Errorf("%w: listing sessions: %v", ErrUnavailable, err)
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		s, err := m.read(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if errors.Is(err, ErrUnavailable) {
			return err
		}
		if err != nil {
			if ferr := fn(&Session{ID: id}, err); ferr != nil {
				return ferr
			}
			continue
		}
		if ferr := fn(s, nil); ferr != nil {
			return ferr
		}
	}
	return nil
}

// load reads a session for validation, mapping absence and corruption to
// ErrInvalidSession.
func (m *Manager) load(ctx context.Context, id string) (*Session, error) {
	s, err := m.read(ctx, id)
	switch {
	case err == nil:
		return s, nil
	case errors.Is(err, storage.ErrNotFound):
		return nil, ErrInvalidSession
	case errors.Is(err, ErrUnavailable):
		return nil, err
	default:
		m.discard(ctx, id, "unreadable")
		return nil, ErrInvalidSession
	}
}

func (m *Manager) read(ctx context.Context, id string) (*Session, error) {
	env, err := m.repo.Get(ctx, namespace, recordType, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: reading session: %v", ErrUnavailable, err)
	}
	var data []byte
	err = m.keys.Use(keyring.PurposeSeal, func(key []byte) error {
		var oerr error
		data, oerr = storage.OpenRecord(key, env, []byte(sessionAADPrefix+id))
		return oerr
	})
	if err != nil {
		return nil, fmt.Errorf("opening session record: %w", err)
	}
	defer util.WipeBytes(data)

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding session record: %w", err)
	}
	if s.ID != id {
		return nil, errors.New("session record id mismatch")
	}
	s.version = env.Version
	return &s, nil
}

func (m *Manager) write(ctx context.Context, s *Session, expected uint64) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	defer util.WipeBytes(data)

	var env *storage.Envelope
	err = m.keys.Use(keyring.PurposeSeal, func(key []byte) error {
		var serr error
		env, serr = storage.SealRecord(key, data, []byte(sessionAADPrefix+s.ID), expected+1)
		return serr
	})
	if err != nil {
		return fmt.Errorf("sealing session: %w", err)
	}
	if err := m.repo.PutCAS(ctx, namespace, recordType, s.ID, expected, env); err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			return err
		}
		return fmt.Errorf("%w: writing session: %v", ErrUnavailable, err)
	}
	s.version = expected + 1
	return nil
}

// touch persists s with compare-and-set so a concurrent Destroy is never
// undone. Losing the race to another touch is harmless; losing it to a
// delete means the session is gone.
func (m *Manager) touch(ctx context.Context, s *Session) (*Session, error) {
	err := m.write(ctx, s, s.version)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, storage.ErrCASFailed) {
		return nil, err
	}
	current, rerr := m.load(ctx, s.ID)
	if rerr != nil {
		return nil, rerr
	}
	current.Cookie = s.Cookie
	return current, nil
}

func (m *Manager) discard(ctx context.Context, id, reason string) {
	if err := m.DestroyByID(ctx, id); err != nil {
		m.logger.Error("failed to delete session", "session_id", shortID(id), "reason", reason, "error", err)
		return
	}
	m.logger.Info("session discarded", "session_id", shortID(id), "reason", reason)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
