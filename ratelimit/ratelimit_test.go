package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmcleod/shelfguard/storage"
	"github.com/jmcleod/shelfguard/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

var testPolicy = Policy{
	Window:      60 * time.Second,
	MaxAttempts: 5,
	Lockout:     time.Minute,
	MaxLockout:  10 * time.Minute,
	Expiry:      time.Hour,
}

func newLimiter(t *testing.T) (*Limiter, *clock, storage.Repository) {
	t.Helper()
	c := &clock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	repo := memory.NewRepository()
	l := New(repo, WithClock(c.Now), WithPolicy(ActionLogin, testPolicy))
	return l, c, repo
}

func fail(t *testing.T, l *Limiter, ip, subject string) Decision {
	t.Helper()
	ctx := context.Background()
	d, err := l.Check(ctx, ActionLogin, ip, subject)
	require.NoError(t, err)
	if d.Allowed {
		require.NoError(t, l.Record(ctx, ActionLogin, ip, subject, false))
	}
	return d
}

func TestSixthAttemptRejected(t *testing.T) {
	l, _, _ := newLimiter(t)

	for i := 0; i < 5; i++ {
		d := fail(t, l, "203.0.113.7", "ops@example.com")
		assert.True(t, d.Allowed, "attempt %d should be counted, not rejected", i+1)
	}
	d := fail(t, l, "203.0.113.7", "ops@example.com")
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.Equal(t, 60, d.RetryAfterSeconds())
}

func TestSuccessResetsCounter(t *testing.T) {
	l, _, _ := newLimiter(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		fail(t, l, "203.0.113.7", "ops@example.com")
	}
	d, err := l.Check(ctx, ActionLogin, "203.0.113.7", "ops@example.com")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.NoError(t, l.Record(ctx, ActionLogin, "203.0.113.7", "ops@example.com", true))

	// Counter is back to zero: five more attempts fit.
	for i := 0; i < 5; i++ {
		assert.True(t, fail(t, l, "203.0.113.7", "ops@example.com").Allowed)
	}
	assert.False(t, fail(t, l, "203.0.113.7", "ops@example.com").Allowed)
}

func TestLockoutExpires(t *testing.T) {
	l, c, _ := newLimiter(t)
	for i := 0; i < 6; i++ {
		fail(t, l, "198.51.100.1", "")
	}
	c.Advance(59 * time.Second)
	assert.False(t, fail(t, l, "198.51.100.1", "").Allowed)

	c.Advance(2 * time.Second)
	assert.True(t, fail(t, l, "198.51.100.1", "").Allowed)
}

func TestRepeatedLockoutsBackOff(t *testing.T) {
	l, c, _ := newLimiter(t)

	for i := 0; i < 5; i++ {
		fail(t, l, "198.51.100.1", "")
	}
	first := fail(t, l, "198.51.100.1", "")
	require.False(t, first.Allowed)

	c.Advance(first.RetryAfter)
	for i := 0; i < 5; i++ {
		require.True(t, fail(t, l, "198.51.100.1", "").Allowed)
	}
	second := fail(t, l, "198.51.100.1", "")
	require.False(t, second.Allowed)
	assert.Equal(t, 2*first.RetryAfter, second.RetryAfter)
}

func TestBackoffCapped(t *testing.T) {
	assert.Equal(t, time.Minute, backoff(testPolicy, 1))
	assert.Equal(t, 2*time.Minute, backoff(testPolicy, 2))
	assert.Equal(t, 8*time.Minute, backoff(testPolicy, 4))
	assert.Equal(t, 10*time.Minute, backoff(testPolicy, 5))
	assert.Equal(t, 10*time.Minute, backoff(testPolicy, 50))
}

func TestSubjectBucketSurvivesIPRotation(t *testing.T) {
	l, _, _ := newLimiter(t)
	ips := []string{"192.0.2.1", "192.0.2.2", "192.0.2.3", "192.0.2.4", "192.0.2.5", "192.0.2.6"}
	for i := 0; i < 5; i++ {
		assert.True(t, fail(t, l, ips[i], "victim@example.com").Allowed)
	}
	d := fail(t, l, ips[5], "VICTIM@example.com")
	assert.False(t, d.Allowed, "subject bucket must govern even from a fresh IP")
}

func TestIPBucketGovernsAcrossSubjects(t *testing.T) {
	l, _, _ := newLimiter(t)
	for i := 0; i < 5; i++ {
		assert.True(t, fail(t, l, "192.0.2.9", "user"+string(rune('a'+i))+"@example.com").Allowed)
	}
	assert.False(t, fail(t, l, "192.0.2.9", "fresh@example.com").Allowed)
}

func TestUnknownIPIsAKey(t *testing.T) {
	l, _, _ := newLimiter(t)
	for i := 0; i < 5; i++ {
		fail(t, l, "unknown", "")
	}
	assert.False(t, fail(t, l, "", "").Allowed, "empty IP shares the unknown bucket")
}

func TestConcurrentChecksAtBoundary(t *testing.T) {
	l, _, _ := newLimiter(t)
	ctx := context.Background()

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Check(ctx, ActionLogin, "203.0.113.50", "race@example.com")
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(testPolicy.MaxAttempts), allowed.Load())
}

type failingRepo struct{ storage.Repository }

func (failingRepo) Get(context.Context, string, string, string) (*storage.Envelope, error) {
	return nil, errors.New("connection refused")
}

func TestStoreFailureFailsClosed(t *testing.T) {
	l := New(failingRepo{memory.NewRepository()})
	d, err := l.Check(context.Background(), ActionLogin, "192.0.2.1", "")
	assert.Error(t, err)
	assert.False(t, d.Allowed)
}

func TestUnknownAction(t *testing.T) {
	l, _, _ := newLimiter(t)
	d, err := l.Check(context.Background(), Action("nope"), "192.0.2.1", "")
	assert.ErrorIs(t, err, ErrUnknownAction)
	assert.False(t, d.Allowed)
}

func TestSweepRemovesIdleBuckets(t *testing.T) {
	l, c, repo := newLimiter(t)
	ctx := context.Background()

	fail(t, l, "192.0.2.1", "")
	c.Advance(30 * time.Minute)
	fail(t, l, "192.0.2.2", "")
	c.Advance(31 * time.Minute)

	removed, err := l.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	ids, err := repo.List(ctx, namespace, string(ActionLogin))
	require.NoError(t, err)
	assert.Equal(t, []string{"ip:192.0.2.2"}, ids)
}

func TestAllowReturnsLimitedError(t *testing.T) {
	l, _, _ := newLimiter(t)
	ctx := context.Background()
	for i := 0; i < testPolicy.MaxAttempts; i++ {
		require.NoError(t, l.Allow(ctx, ActionLogin, "10.0.0.9", ""))
	}
	err := l.Allow(ctx, ActionLogin, "10.0.0.9", "")
	require.ErrorIs(t, err, ErrLimited)
	var limited *LimitedError
	require.True(t, errors.As(err, &limited))
	assert.Equal(t, ActionLogin, limited.Action)
	assert.Equal(t, 60, limited.Decision.RetryAfterSeconds())
}
