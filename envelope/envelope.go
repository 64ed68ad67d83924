// Package envelope wraps and unwraps enclave key material under data-encryption
// keys with AES-256-GCM, binding every ciphertext to the root key it belongs to.
//
// Nonces are drawn fresh from crypto/rand on every Wrap and are never accepted
// from callers. With 96-bit random nonces a single DEK stays well inside the
// GCM birthday bound as long as it wraps far fewer than 2^32 payloads, which
// holds for the per-process volume of root keys and share packages.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ruteri/tee-wallet-enclave/interfaces"
)

// KeySize is the required DEK length.
const KeySize = 32

// NonceSize is the GCM nonce length.
const NonceSize = 12

const aadContext = "wsm-aad-v1"

var (
	// ErrDecryption is returned when authentication fails: wrong key, wrong
	// AAD or corrupted ciphertext. Callers must not retry with the same inputs.
	ErrDecryption = errors.New("envelope decryption failed")

	// ErrInvalidKey is returned when the key bytes cannot form an AES-256 key.
	ErrInvalidKey = errors.New("invalid data encryption key")
)

// AAD is the associated data bound into every wrapped payload.
type AAD struct {
	RootKeyID string
	Network   *interfaces.Network
}

// NewAAD builds the AAD for a root key. A nil network is distinct from every
// concrete network.
func NewAAD(rootKeyID string, network *interfaces.Network) AAD {
	return AAD{RootKeyID: rootKeyID, Network: network}
}

// Bytes returns the canonical encoding:
//
//	lp("wsm-aad-v1") || lp(root_key_id) || present(1) [|| lp(network)]
//
// where lp is a big-endian uint32 length prefix.
func (a AAD) Bytes() []byte {
	var buf []byte
	buf = appendLengthPrefixed(buf, []byte(aadContext))
	buf = appendLengthPrefixed(buf, []byte(a.RootKeyID))
	if a.Network == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return appendLengthPrefixed(buf, []byte(a.Network.String()))
}

func appendLengthPrefixed(buf, field []byte) []byte {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(field)))
	buf = append(buf, l[:]...)
	return append(buf, field...)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return aead, nil
}

// Wrap encrypts plaintext under key, bound to aad.
func Wrap(key, plaintext []byte, aad AAD) (ciphertext, nonce []byte, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nil, nonce, plaintext, aad.Bytes()), nonce, nil
}

// Unwrap authenticates and decrypts ciphertext.
func Unwrap(key, ciphertext, nonce []byte, aad AAD) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", ErrDecryption, NonceSize)
	}

	plaintext, err := aead.Open(make([]byte, 0, len(ciphertext)), nonce, ciphertext, aad.Bytes())
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

// Zero overwrites b.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
