// Package keyring derives per-purpose keys from the master secret and keeps
// them in memguard enclaves so they are encrypted while at rest in memory.
package keyring

import (
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/jmcleod/shelfguard/internal/util"
)

// Purpose names a key derivation context. Keys for different purposes are
// unrelated, so a token minted for one purpose never verifies for another.
type Purpose string

const (
	PurposeCSRF       Purpose = "csrf"
	PurposeSession    Purpose = "session"
	PurposeSeal       Purpose = "seal"
	PurposePassChange Purpose = "passchange"
)

// MinSecretLength is the minimum master secret size in bytes.
const MinSecretLength = 32

var (
	ErrSecretTooShort = errors.New("master secret too short")
	ErrUnknownPurpose = errors.New("unknown key purpose")
)

var salt = []byte("shelfguard/keyring/v1")

// Keyring holds one derived key per purpose.
type Keyring struct {
	keys map[Purpose]*memguard.Enclave
}

// New derives every purpose key from secret. The caller's secret slice is
// wiped before New returns.
func New(secret []byte) (*Keyring, error) {
	defer util.WipeBytes(secret)
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: got %d bytes, want at least %d", ErrSecretTooShort, len(secret), MinSecretLength)
	}

	kr := &Keyring{keys: make(map[Purpose]*memguard.Enclave, 4)}
	for _, p := range []Purpose{PurposeCSRF, PurposeSession, PurposeSeal, PurposePassChange} {
		k, err := util.HKDF(secret, salt, []byte(p))
		if err != nil {
			return nil, fmt.Errorf("deriving %s key: %w", p, err)
		}
		// NewEnclave wipes k.
		kr.keys[p] = memguard.NewEnclave(k)
	}
	return kr, nil
}

// Use opens the key for purpose and passes its bytes to fn. The plaintext
// buffer is destroyed when fn returns; fn must not retain the slice.
func (k *Keyring) Use(purpose Purpose, fn func(key []byte) error) error {
	enclave, ok := k.keys[purpose]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPurpose, purpose)
	}
	buf, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("opening %s key: %w", purpose, err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Copy returns a plain copy of the key for purpose. Callers that hold the
// copy for a long time should prefer Use.
func (k *Keyring) Copy(purpose Purpose) ([]byte, error) {
	var out []byte
	err := k.Use(purpose, func(key []byte) error {
		out = util.CopyBytes(key)
		return nil
	})
	return out, err
}
