package cryptoutils

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const backupInfo = "wsm-ssb-v1"

var ErrBackupDecryption = errors.New("backup decryption failed")

// SealedBackup is a payload encrypted so that only the holders of both
// recipient private keys, together, can open it.
type SealedBackup struct {
	EphemeralPubkey hexutil.Bytes `json:"ephemeral_pubkey"`
	Nonce           hexutil.Bytes `json:"nonce"`
	Ciphertext      hexutil.Bytes `json:"ciphertext"`
}

func backupKey(ss1, ss2, eph, p1, p2 []byte) ([]byte, error) {
	info := append([]byte(backupInfo), eph...)
	info = append(info, p1...)
	info = append(info, p2...)

	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, append(append([]byte{}, ss1...), ss2...), nil, info)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

func backupAAD(eph, p1, p2 []byte) []byte {
	aad := append([]byte{}, eph...)
	aad = append(aad, p1...)
	return append(aad, p2...)
}

// SealBackup encrypts plaintext to two secp256k1 recipients with a fresh
// ephemeral key: ECDH against each, HKDF-SHA256 over both shared secrets,
// then ChaCha20-Poly1305.
func SealBackup(plaintext, recipient1, recipient2 []byte) (*SealedBackup, error) {
	pub1, err := btcec.ParsePubKey(recipient1)
	if err != nil {
		return nil, fmt.Errorf("invalid first recipient key: %w", err)
	}
	pub2, err := btcec.ParsePubKey(recipient2)
	if err != nil {
		return nil, fmt.Errorf("invalid second recipient key: %w", err)
	}

	eph, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	defer eph.Zero()

	ephPub := eph.PubKey().SerializeCompressed()
	p1, p2 := pub1.SerializeCompressed(), pub2.SerializeCompressed()

	key, err := backupKey(btcec.GenerateSharedSecret(eph, pub1), btcec.GenerateSharedSecret(eph, pub2), ephPub, p1, p2)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &SealedBackup{
		EphemeralPubkey: ephPub,
		Nonce:           nonce,
		Ciphertext:      aead.Seal(nil, nonce, plaintext, backupAAD(ephPub, p1, p2)),
	}, nil
}

// OpenBackup reverses SealBackup given both recipient private keys in order.
func OpenBackup(b *SealedBackup, priv1, priv2 *btcec.PrivateKey) ([]byte, error) {
	eph, err := btcec.ParsePubKey(b.EphemeralPubkey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackupDecryption, err)
	}
	if len(b.Nonce) != chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("%w: bad nonce", ErrBackupDecryption)
	}

	ephPub := eph.SerializeCompressed()
	p1, p2 := priv1.PubKey().SerializeCompressed(), priv2.PubKey().SerializeCompressed()

	key, err := backupKey(btcec.GenerateSharedSecret(priv1, eph), btcec.GenerateSharedSecret(priv2, eph), ephPub, p1, p2)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, b.Nonce, b.Ciphertext, backupAAD(ephPub, p1, p2))
	if err != nil {
		return nil, ErrBackupDecryption
	}
	return plaintext, nil
}
