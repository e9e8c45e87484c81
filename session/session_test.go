package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmcleod/shelfguard/identity"
	idmemory "github.com/jmcleod/shelfguard/identity/memory"
	"github.com/jmcleod/shelfguard/internal/keyring"
	"github.com/jmcleod/shelfguard/storage"
	"github.com/jmcleod/shelfguard/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	mgr   *Manager
	idp   *idmemory.Provider
	repo  storage.Repository
	clock *clock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	c := &clock{t: time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)}
	idp := idmemory.New(idmemory.WithBcryptCost(bcrypt.MinCost), idmemory.WithClock(c.Now))
	require.NoError(t, idp.AddUser(idmemory.UserSpec{
		UID: "admin-1", Email: "admin@example.com", Password: "x",
		Claims: identity.CustomClaims{Admin: true, Role: "ops"},
	}))
	require.NoError(t, idp.AddUser(idmemory.UserSpec{
		UID: "viewer-1", Email: "viewer@example.com", Password: "x",
	}))
	require.NoError(t, idp.AddUser(idmemory.UserSpec{
		UID: "root-1", Email: "root@example.com", Password: "x",
		Claims: identity.CustomClaims{Admin: true, SuperAdmin: true},
	}))

	kr, err := keyring.New(bytes.Repeat([]byte{0x11}, 32))
	require.NoError(t, err)
	repo := memory.NewRepository()
	opts = append([]Option{WithClock(c.Now)}, opts...)
	return &fixture{
		mgr:   NewManager(repo, kr, idp, idp, opts...),
		idp:   idp,
		repo:  repo,
		clock: c,
	}
}

func (f *fixture) login(t *testing.T, uid, ip string) *Session {
	t.Helper()
	cred, err := f.idp.IssueToken(uid)
	require.NoError(t, err)
	s, err := f.mgr.Create(context.Background(), cred, ip, "test-agent")
	require.NoError(t, err)
	return s
}

func TestCreateAndValidate(t *testing.T) {
	f := newFixture(t)
	s := f.login(t, "admin-1", "203.0.113.10")

	assert.NotEmpty(t, s.Cookie)
	assert.Len(t, s.ID, 64)
	assert.True(t, s.IsAdmin)
	assert.False(t, s.IsSuperAdmin)

	got, err := f.mgr.Validate(context.Background(), s.Cookie, "203.0.113.10")
	require.NoError(t, err)
	assert.Equal(t, "admin-1", got.UID)
	assert.Equal(t, "ops", got.Role)
}

func TestCreateRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	cred, err := f.idp.IssueToken("viewer-1")
	require.NoError(t, err)

	_, err = f.mgr.Create(context.Background(), cred, "203.0.113.10", "ua")
	assert.ErrorIs(t, err, ErrNotAdmin)

	ids, err := f.repo.List(context.Background(), namespace, recordType)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestCreateRejectsBadCredential(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Create(context.Background(), "forged", "203.0.113.10", "ua")
	assert.ErrorIs(t, err, identity.ErrInvalidCredential)
}

func TestValidateInvalidCases(t *testing.T) {
	ctx := context.Background()

	t.Run("UnknownHandle", func(t *testing.T) {
		f := newFixture(t)
		other := newFixture(t)
		// Correctly signed, but the record lives in another store.
		s := other.login(t, "admin-1", "203.0.113.10")
		_, err := f.mgr.Validate(ctx, s.Cookie, "203.0.113.10")
		assert.ErrorIs(t, err, ErrInvalidSession)

		_, err = f.mgr.Validate(ctx, "garbage", "203.0.113.10")
		assert.ErrorIs(t, err, ErrInvalidSession)
	})

	t.Run("ExpiredHandle", func(t *testing.T) {
		f := newFixture(t, WithIdleTimeout(0))
		s := f.login(t, "admin-1", "203.0.113.10")
		f.clock.Advance(DefaultTTL + time.Second)
		_, err := f.mgr.Validate(ctx, s.Cookie, "203.0.113.10")
		assert.ErrorIs(t, err, ErrInvalidSession)
	})

	t.Run("IPMismatchUnderExactBinding", func(t *testing.T) {
		f := newFixture(t, WithBinding(BindExact))
		s := f.login(t, "admin-1", "203.0.113.10")
		_, err := f.mgr.Validate(ctx, s.Cookie, "198.51.100.20")
		assert.ErrorIs(t, err, ErrInvalidSession)
	})

	t.Run("DestroyedHandleReused", func(t *testing.T) {
		f := newFixture(t)
		s := f.login(t, "admin-1", "203.0.113.10")
		require.NoError(t, f.mgr.Destroy(ctx, s.Cookie))
		_, err := f.mgr.Validate(ctx, s.Cookie, "203.0.113.10")
		assert.ErrorIs(t, err, ErrInvalidSession)
	})
}

func TestDestroyIdempotent(t *testing.T) {
	f := newFixture(t)
	s := f.login(t, "admin-1", "203.0.113.10")
	ctx := context.Background()
	require.NoError(t, f.mgr.Destroy(ctx, s.Cookie))
	require.NoError(t, f.mgr.Destroy(ctx, s.Cookie))
	require.NoError(t, f.mgr.Destroy(ctx, "not-a-handle"))
}

func TestIdleTimeout(t *testing.T) {
	f := newFixture(t, WithIdleTimeout(10*time.Minute))
	s := f.login(t, "admin-1", "203.0.113.10")
	ctx := context.Background()

	f.clock.Advance(9 * time.Minute)
	_, err := f.mgr.Validate(ctx, s.Cookie, "203.0.113.10")
	require.NoError(t, err)

	f.clock.Advance(9 * time.Minute)
	_, err = f.mgr.Validate(ctx, s.Cookie, "203.0.113.10")
	require.NoError(t, err, "activity resets the idle clock")

	f.clock.Advance(11 * time.Minute)
	_, err = f.mgr.Validate(ctx, s.Cookie, "203.0.113.10")
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestPrefixBinding(t *testing.T) {
	f := newFixture(t, WithBinding(BindPrefix))
	s := f.login(t, "admin-1", "203.0.113.10")
	ctx := context.Background()

	_, err := f.mgr.Validate(ctx, s.Cookie, "203.0.113.99")
	require.NoError(t, err)
	_, err = f.mgr.Validate(ctx, s.Cookie, "203.0.114.10")
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestClaimsRecheck(t *testing.T) {
	ctx := context.Background()

	t.Run("DisabledAccount", func(t *testing.T) {
		f := newFixture(t)
		s := f.login(t, "admin-1", "203.0.113.10")
		require.NoError(t, f.idp.SetDisabled("admin-1", true))

		// Within the recheck interval the cached claims stand.
		_, err := f.mgr.Validate(ctx, s.Cookie, "203.0.113.10")
		require.NoError(t, err)

		f.clock.Advance(DefaultClaimsRecheckInterval)
		_, err = f.mgr.Validate(ctx, s.Cookie, "203.0.113.10")
		assert.ErrorIs(t, err, ErrInvalidSession)
	})

	t.Run("AdminRemoved", func(t *testing.T) {
		f := newFixture(t, WithClaimsRecheckInterval(0))
		s := f.login(t, "admin-1", "203.0.113.10")
		require.NoError(t, f.idp.SetCustomClaims(ctx, "admin-1", identity.CustomClaims{Role: "ops"}))
		_, err := f.mgr.Validate(ctx, s.Cookie, "203.0.113.10")
		assert.ErrorIs(t, err, ErrInvalidSession)
	})

	t.Run("SuperAdminRemoved", func(t *testing.T) {
		f := newFixture(t, WithClaimsRecheckInterval(0))
		s := f.login(t, "root-1", "203.0.113.10")
		require.True(t, s.IsSuperAdmin)
		require.NoError(t, f.idp.SetCustomClaims(ctx, "root-1", identity.CustomClaims{Admin: true}))
		_, err := f.mgr.Validate(ctx, s.Cookie, "203.0.113.10")
		assert.ErrorIs(t, err, ErrInvalidSession)
	})

	t.Run("TokensRevoked", func(t *testing.T) {
		f := newFixture(t, WithClaimsRecheckInterval(0))
		s := f.login(t, "admin-1", "203.0.113.10")
		f.clock.Advance(time.Second)
		require.NoError(t, f.idp.RevokeTokens(ctx, "admin-1"))
		_, err := f.mgr.Validate(ctx, s.Cookie, "203.0.113.10")
		assert.ErrorIs(t, err, ErrInvalidSession)
	})

	t.Run("RoleChangeAdopted", func(t *testing.T) {
		f := newFixture(t, WithClaimsRecheckInterval(0))
		s := f.login(t, "admin-1", "203.0.113.10")
		require.NoError(t, f.idp.SetCustomClaims(ctx, "admin-1", identity.CustomClaims{Admin: true, Role: "auditor", ForcePasswordReset: true}))
		got, err := f.mgr.Validate(ctx, s.Cookie, "203.0.113.10")
		require.NoError(t, err)
		assert.Equal(t, "auditor", got.Role)
		assert.True(t, got.MustResetPassword)
	})

	t.Run("DirectoryOutageFailsClosed", func(t *testing.T) {
		f := newFixture(t, WithClaimsRecheckInterval(0))
		s := f.login(t, "admin-1", "203.0.113.10")
		f.idp.SetUnavailable(errors.New("timeout"))
		_, err := f.mgr.Validate(ctx, s.Cookie, "203.0.113.10")
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.NotErrorIs(t, err, ErrInvalidSession)

		// The session survives the outage.
		f.idp.SetUnavailable(nil)
		_, err = f.mgr.Validate(ctx, s.Cookie, "203.0.113.10")
		assert.NoError(t, err)
	})
}

func TestReaffirmSurvivesOwnRevocation(t *testing.T) {
	f := newFixture(t, WithClaimsRecheckInterval(0))
	ctx := context.Background()
	s := f.login(t, "admin-1", "203.0.113.10")

	f.clock.Advance(time.Second)
	require.NoError(t, f.idp.RevokeTokens(ctx, "admin-1"))
	f.clock.Advance(time.Second)
	_, err := f.mgr.Reaffirm(ctx, s.ID)
	require.NoError(t, err)

	_, err = f.mgr.Validate(ctx, s.Cookie, "203.0.113.10")
	assert.NoError(t, err)
}

func TestDestroyAllForUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	keep := f.login(t, "admin-1", "203.0.113.10")
	drop := f.login(t, "admin-1", "203.0.113.11")
	other := f.login(t, "root-1", "203.0.113.12")

	n, err := f.mgr.DestroyAllForUser(ctx, "admin-1", keep.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.mgr.Validate(ctx, keep.Cookie, "203.0.113.10")
	assert.NoError(t, err)
	_, err = f.mgr.Validate(ctx, drop.Cookie, "203.0.113.11")
	assert.ErrorIs(t, err, ErrInvalidSession)
	_, err = f.mgr.Validate(ctx, other.Cookie, "203.0.113.12")
	assert.NoError(t, err)
}

func TestSweep(t *testing.T) {
	f := newFixture(t, WithIdleTimeout(0))
	ctx := context.Background()
	f.login(t, "admin-1", "203.0.113.10")
	f.clock.Advance(DefaultTTL - time.Hour)
	fresh := f.login(t, "admin-1", "203.0.113.10")
	f.clock.Advance(2 * time.Hour)

	n, err := f.mgr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ids, err := f.repo.List(ctx, namespace, recordType)
	require.NoError(t, err)
	assert.Equal(t, []string{fresh.ID}, ids)
}

func TestRecordsAreSealed(t *testing.T) {
	f := newFixture(t)
	s := f.login(t, "admin-1", "203.0.113.10")
	env, err := f.repo.Get(context.Background(), namespace, recordType, s.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.SchemeAESGCM, env.Scheme)
	assert.NotContains(t, string(env.Ciphertext), "admin@example.com")
}

func TestConcurrentValidateAndDestroy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.login(t, "admin-1", "203.0.113.10")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.mgr.Validate(ctx, s.Cookie, "203.0.113.10")
		}()
	}
	require.NoError(t, f.mgr.Destroy(ctx, s.Cookie))
	wg.Wait()

	_, err := f.mgr.Validate(ctx, s.Cookie, "203.0.113.10")
	assert.ErrorIs(t, err, ErrInvalidSession, "a destroyed session never comes back")
}
