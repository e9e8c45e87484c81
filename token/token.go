// Package token issues and verifies signed, time-boxed tokens of the form
//
//	hex(random) "." unixMillis "." hex(HMAC-SHA256(key, random "." unixMillis))
//
// Tokens are not persisted; validity is a function of the signature, the
// embedded timestamp and the clock. CSRF tokens and session handles use
// codecs keyed for different purposes.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmcleod/shelfguard/internal/keyring"
	"github.com/jmcleod/shelfguard/internal/util"
)

const (
	// RandomBytes is the size of the random component before encoding.
	RandomBytes = 32
	// MaxClockSkew bounds how far in the future an issued-at may lie.
	MaxClockSkew = time.Minute

	delimiter = "."
	sigHexLen = sha256.Size * 2
)

var ErrNoKey = errors.New("token codec has no key")

// Parts are the verified components of a token.
type Parts struct {
	Random   string
	IssuedAt time.Time
}

// Codec generates and verifies tokens for one key purpose.
type Codec struct {
	keys    *keyring.Keyring
	purpose keyring.Purpose
	maxAge  time.Duration
	now     func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// NewCodec returns a codec signing with the keyring's key for purpose.
func NewCodec(keys *keyring.Keyring, purpose keyring.Purpose, maxAge time.Duration, opts ...Option) *Codec {
	c := &Codec{
		keys:    keys,
		purpose: purpose,
		maxAge:  maxAge,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxAge reports the configured token lifetime.
func (c *Codec) MaxAge() time.Duration { return c.maxAge }

// Generate mints a fresh token.
func (c *Codec) Generate() (string, error) {
	random, err := util.RandomHex(RandomBytes)
	if err != nil {
		return "", err
	}
	return c.sign(random, c.now())
}

func (c *Codec) sign(random string, issued time.Time) (string, error) {
	payload := random + delimiter + strconv.FormatInt(issued.UnixMilli(), 10)
	sig, err := c.mac(payload)
	if err != nil {
		return "", err
	}
	return payload + delimiter + sig, nil
}

func (c *Codec) mac(payload string) (string, error) {
	if c.keys == nil {
		return "", ErrNoKey
	}
	var sig string
	err := c.keys.Use(c.purpose, func(key []byte) error {
		m := hmac.New(sha256.New, key)
		m.Write([]byte(payload))
		sig = hex.EncodeToString(m.Sum(nil))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return sig, nil
}

// Verify reports whether tok is well-formed, correctly signed, not issued
// in the future and not older than the codec's max age.
func (c *Codec) Verify(tok string) bool {
	_, ok := c.Parse(tok)
	return ok
}

// Parse verifies tok and returns its components. Any failure yields false.
func (c *Codec) Parse(tok string) (Parts, bool) {
	parts := strings.Split(tok, delimiter)
	if len(parts) != 3 {
		return Parts{}, false
	}
	random, ts, sig := parts[0], parts[1], parts[2]
	if len(random) != RandomBytes*2 || !isLowerHex(random) {
		return Parts{}, false
	}
	if len(sig) != sigHexLen || !isLowerHex(sig) {
		return Parts{}, false
	}
	if ts == "" || !isDigits(ts) {
		return Parts{}, false
	}
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Parts{}, false
	}

	want, err := c.mac(random + delimiter + ts)
	if err != nil {
		return Parts{}, false
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(sig)) != 1 {
		return Parts{}, false
	}

	issued := time.UnixMilli(ms)
	now := c.now()
	if issued.After(now.Add(MaxClockSkew)) {
		return Parts{}, false
	}
	if now.Sub(issued) > c.maxAge {
		return Parts{}, false
	}
	return Parts{Random: random, IssuedAt: issued}, true
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if (ch < '0' || ch > '9') && (ch < 'a' || ch > 'f') {
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
