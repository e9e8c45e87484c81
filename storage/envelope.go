package storage

import (
	"encoding/json"
	"fmt"

	"github.com/jmcleod/shelfguard/internal/util"
)

const (
	// SchemeAESGCM marks an envelope sealed with AES-256-GCM.
	SchemeAESGCM = "aes256gcm"
	// SchemePlainJSON marks an envelope holding unencrypted JSON.
	SchemePlainJSON = "plain-json"
)

// Envelope is a stored record. Sealed envelopes carry AES-256-GCM
// ciphertext; plain envelopes carry JSON in Ciphertext with no nonce.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	Version    uint64 `json:"version,omitempty"`
}

// SealRecord encrypts plaintext into an Envelope using the given record key and AAD.
func SealRecord(recordKey, plaintext, aad []byte, version ...uint64) (*Envelope, error) {
	cipher, err := util.EncryptAESWithAAD(plaintext, recordKey, aad)
	if err != nil {
		return nil, err
	}

	// util.EncryptAESWithAAD returns nonce || ciphertext.
	nonce := cipher[:12]
	ciphertext := cipher[12:]

	env := &Envelope{
		Ver:        1,
		Scheme:     SchemeAESGCM,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}
	if len(version) > 0 {
		env.Version = version[0]
	}
	return env, nil
}

// OpenRecord decrypts an Envelope using the given record key and AAD.
func OpenRecord(recordKey []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope.Ver != 1 {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != SchemeAESGCM {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}

	// Reconstruct nonce || ciphertext without mutating envelope fields.
	fullCipher := make([]byte, len(envelope.Nonce)+len(envelope.Ciphertext))
	copy(fullCipher, envelope.Nonce)
	copy(fullCipher[len(envelope.Nonce):], envelope.Ciphertext)

	return util.DecryptAESWithAAD(fullCipher, recordKey, aad)
}

// PlainRecord marshals v as JSON into an unencrypted Envelope.
func PlainRecord(v any, version uint64) (*Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Ver:        1,
		Scheme:     SchemePlainJSON,
		Ciphertext: data,
		Version:    version,
	}, nil
}

// DecodePlain unmarshals a plain-json Envelope into v.
func DecodePlain(envelope *Envelope, v any) error {
	if envelope.Scheme != SchemePlainJSON {
		return fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}
	return json.Unmarshal(envelope.Ciphertext, v)
}
