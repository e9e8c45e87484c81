package token

import (
	"bytes"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jmcleod/shelfguard/internal/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestKeyring(t *testing.T) *keyring.Keyring {
	t.Helper()
	kr, err := keyring.New(bytes.Repeat([]byte{0x5a}, 32))
	require.NoError(t, err)
	return kr
}

func TestGenerateVerify(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := NewCodec(newTestKeyring(t), keyring.PurposeCSRF, 30*time.Minute, WithClock(clock.Now))

	tok, err := c.Generate()
	require.NoError(t, err)
	assert.Len(t, strings.Split(tok, "."), 3)
	assert.True(t, c.Verify(tok))

	parts, ok := c.Parse(tok)
	require.True(t, ok)
	assert.Len(t, parts.Random, 64)
	assert.Equal(t, clock.t.UnixMilli(), parts.IssuedAt.UnixMilli())
}

func TestExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := NewCodec(newTestKeyring(t), keyring.PurposeCSRF, 30*time.Minute, WithClock(clock.Now))

	tok, err := c.Generate()
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	assert.True(t, c.Verify(tok), "token at exactly max age is still valid")

	clock.Advance(time.Millisecond)
	assert.False(t, c.Verify(tok))
}

func TestSingleCharacterFlipInvalidates(t *testing.T) {
	c := NewCodec(newTestKeyring(t), keyring.PurposeSession, time.Hour)
	tok, err := c.Generate()
	require.NoError(t, err)

	for i := 0; i < len(tok); i++ {
		for _, repl := range []byte{'0', 'a', 'F', '.', 'z'} {
			if tok[i] == repl {
				continue
			}
			mutated := tok[:i] + string(repl) + tok[i+1:]
			assert.False(t, c.Verify(mutated), "flip at %d to %q verified", i, repl)
		}
	}
}

func TestPartCountRule(t *testing.T) {
	c := NewCodec(newTestKeyring(t), keyring.PurposeCSRF, time.Hour)
	tok, err := c.Generate()
	require.NoError(t, err)

	for _, bad := range []string{
		"",
		".",
		"..",
		"abc",
		tok + ".",
		"." + tok,
		strings.Replace(tok, ".", "", 1),
		tok + ".00",
	} {
		assert.False(t, c.Verify(bad), "%q verified", bad)
	}
}

func TestFutureTimestampRejected(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	kr := newTestKeyring(t)
	c := NewCodec(kr, keyring.PurposeCSRF, time.Hour, WithClock(clock.Now))

	within, err := c.sign(strings.Repeat("ab", 32), clock.t.Add(30*time.Second))
	require.NoError(t, err)
	assert.True(t, c.Verify(within))

	beyond, err := c.sign(strings.Repeat("ab", 32), clock.t.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, c.Verify(beyond))
}

func TestPurposeSeparation(t *testing.T) {
	kr := newTestKeyring(t)
	csrf := NewCodec(kr, keyring.PurposeCSRF, time.Hour)
	session := NewCodec(kr, keyring.PurposeSession, time.Hour)

	tok, err := csrf.Generate()
	require.NoError(t, err)
	assert.True(t, csrf.Verify(tok))
	assert.False(t, session.Verify(tok))
}

func TestUppercaseSignatureRejected(t *testing.T) {
	c := NewCodec(newTestKeyring(t), keyring.PurposeCSRF, time.Hour)
	tok, err := c.Generate()
	require.NoError(t, err)

	idx := strings.LastIndex(tok, ".")
	upper := tok[:idx] + strings.ToUpper(tok[idx:])
	if upper != tok {
		assert.False(t, c.Verify(upper))
	}
}

func TestNilKeyringNeverPanics(t *testing.T) {
	c := NewCodec(nil, keyring.PurposeCSRF, time.Hour)
	_, err := c.Generate()
	assert.ErrorIs(t, err, ErrNoKey)
	assert.False(t, c.Verify(strings.Repeat("a", 64)+"."+strconv.Itoa(1)+"."+strings.Repeat("b", 64)))
}
