// Package memory is an in-process identity provider for development and
// tests. It stores bcrypt password hashes, mints opaque credentials on
// sign-in, and implements both identity.Verifier and identity.Directory.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/shelfguard/identity"
	"github.com/jmcleod/shelfguard/internal/util"
	"golang.org/x/crypto/bcrypt"
)

// ErrBadPassword is returned by SignIn for a wrong email or password.
var ErrBadPassword = errors.New("invalid email or password")

// UserSpec seeds an account.
type UserSpec struct {
	UID      string
	Email    string
	Password string
	Disabled bool
	Claims   identity.CustomClaims
}

type account struct {
	user         identity.User
	passwordHash []byte
}

type credential struct {
	uid      string
	issuedAt time.Time
}

// Provider is the in-memory identity provider.
type Provider struct {
	mu          sync.RWMutex
	accounts    map[string]*account
	byEmail     map[string]string
	credentials map[string]credential
	bcryptCost  int
	unavailable error
	dummyHash   []byte
	now         func() time.Time
}

// Option configures a Provider.
type Option func(*Provider)

// WithBcryptCost overrides the bcrypt cost (tests use bcrypt.MinCost).
func WithBcryptCost(cost int) Option {
	return func(p *Provider) { p.bcryptCost = cost }
}

func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

func New(opts ...Option) *Provider {
	p := &Provider{
		accounts:    make(map[string]*account),
		byEmail:     make(map[string]string),
		credentials: make(map[string]credential),
		bcryptCost:  bcrypt.DefaultCost,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("shelfguard-dummy"), p.bcryptCost)
	return p
}

// AddUser creates or replaces an account.
func (p *Provider) AddUser(spec UserSpec) error {
	if spec.UID == "" || spec.Email == "" {
		return errors.New("uid and email are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(spec.Password), p.bcryptCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	claims := spec.Claims
	if claims.Permissions == nil {
		claims.Permissions = []string{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts[spec.UID] = &account{
		user: identity.User{
			UID:      spec.UID,
			Email:    spec.Email,
			Disabled: spec.Disabled,
			Claims:   claims,
		},
		passwordHash: hash,
	}
	p.byEmail[strings.ToLower(spec.Email)] = spec.UID
	return nil
}

// SetUnavailable makes every call fail with an error wrapping
// identity.ErrUnavailable until cleared with nil.
func (p *Provider) SetUnavailable(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unavailable = err
}

// SetDisabled toggles an account's disabled flag.
func (p *Provider) SetDisabled(uid string, disabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[uid]
	if !ok {
		return identity.ErrUserNotFound
	}
	a.user.Disabled = disabled
	return nil
}

// SignIn checks the password and mints a credential, as the provider's
// client SDK would.
func (p *Provider) SignIn(ctx context.Context, email, password string) (string, error) {
	if err := p.check(ctx); err != nil {
		return "", err
	}
	p.mu.RLock()
	uid, ok := p.byEmail[strings.ToLower(email)]
	var hash []byte
	if ok {
		hash = p.accounts[uid].passwordHash
	}
	p.mu.RUnlock()
	if !ok {
		// Burn comparable time for unknown emails.
		_ = bcrypt.CompareHashAndPassword(p.dummyHash, []byte(password))
		return "", ErrBadPassword
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return "", ErrBadPassword
	}
	return p.IssueToken(uid)
}

// IssueToken mints a credential for uid without a password check.
func (p *Provider) IssueToken(uid string) (string, error) {
	tok, err := util.RandomHex(32)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.accounts[uid]; !ok {
		return "", identity.ErrUserNotFound
	}
	p.credentials[tok] = credential{uid: uid, issuedAt: p.now()}
	return tok, nil
}

// Verify implements identity.Verifier.
func (p *Provider) Verify(ctx context.Context, cred string) (identity.Claims, error) {
	if err := p.check(ctx); err != nil {
		return identity.Claims{}, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	c, ok := p.credentials[cred]
	if !ok {
		return identity.Claims{}, identity.ErrInvalidCredential
	}
	a, ok := p.accounts[c.uid]
	if !ok || a.user.Disabled {
		return identity.Claims{}, identity.ErrInvalidCredential
	}
	if !a.user.TokensValidAfter.IsZero() && c.issuedAt.Before(a.user.TokensValidAfter) {
		return identity.Claims{}, fmt.Errorf("%w: revoked", identity.ErrInvalidCredential)
	}
	claims := a.user.Claims
	claims.Permissions = append([]string{}, claims.Permissions...)
	return identity.Claims{
		UID:          a.user.UID,
		Email:        a.user.Email,
		CustomClaims: claims,
		IssuedAt:     c.issuedAt,
		AuthTime:     c.issuedAt,
	}, nil
}

func (p *Provider) GetUser(ctx context.Context, uid string) (*identity.User, error) {
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.accounts[uid]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	u := a.user
	u.Claims.Permissions = append([]string{}, u.Claims.Permissions...)
	return &u, nil
}

func (p *Provider) GetUserByEmail(ctx context.Context, email string) (*identity.User, error) {
	p.mu.RLock()
	uid, ok := p.byEmail[strings.ToLower(email)]
	p.mu.RUnlock()
	if !ok {
		if err := p.check(ctx); err != nil {
			return nil, err
		}
		return nil, identity.ErrUserNotFound
	}
	return p.GetUser(ctx, uid)
}

func (p *Provider) UpdatePassword(ctx context.Context, uid, password string) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.bcryptCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[uid]
	if !ok {
		return identity.ErrUserNotFound
	}
	a.passwordHash = hash
	return nil
}

func (p *Provider) SetCustomClaims(ctx context.Context, uid string, claims identity.CustomClaims) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	if claims.Permissions == nil {
		claims.Permissions = []string{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[uid]
	if !ok {
		return identity.ErrUserNotFound
	}
	a.user.Claims = claims
	return nil
}

func (p *Provider) RevokeTokens(ctx context.Context, uid string) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[uid]
	if !ok {
		return identity.ErrUserNotFound
	}
	a.user.TokensValidAfter = p.now()
	return nil
}

// CheckPassword reports whether password matches the stored hash.
func (p *Provider) CheckPassword(uid, password string) bool {
	p.mu.RLock()
	a, ok := p.accounts[uid]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)) == nil
}

func (p *Provider) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", identity.ErrUnavailable, err)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.unavailable != nil {
		return fmt.Errorf("%w: %v", identity.ErrUnavailable, p.unavailable)
	}
	return nil
}

var (
	_ identity.Verifier  = (*Provider)(nil)
	_ identity.Directory = (*Provider)(nil)
)
