package cryptoutils

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) *btcec.PrivateKey {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return priv
}

func TestSealBackup_RoundTrip(t *testing.T) {
	k1, k2 := newKey(t), newKey(t)
	secret := []byte(`{"secret_share":"0x01"}`)

	sealed, err := SealBackup(secret, k1.PubKey().SerializeCompressed(), k2.PubKey().SerializeCompressed())
	require.NoError(t, err)
	assert.NotContains(t, string(sealed.Ciphertext), "secret_share")

	opened, err := OpenBackup(sealed, k1, k2)
	require.NoError(t, err)
	assert.Equal(t, secret, opened)
}

func TestSealBackup_NeedsBothKeys(t *testing.T) {
	k1, k2, other := newKey(t), newKey(t), newKey(t)

	sealed, err := SealBackup([]byte("share"), k1.PubKey().SerializeCompressed(), k2.PubKey().SerializeCompressed())
	require.NoError(t, err)

	_, err = OpenBackup(sealed, k1, other)
	assert.ErrorIs(t, err, ErrBackupDecryption)
	_, err = OpenBackup(sealed, other, k2)
	assert.ErrorIs(t, err, ErrBackupDecryption)
	_, err = OpenBackup(sealed, k2, k1)
	assert.ErrorIs(t, err, ErrBackupDecryption)

	tampered := *sealed
	tampered.Ciphertext = append([]byte{}, sealed.Ciphertext...)
	tampered.Ciphertext[0] ^= 1
	_, err = OpenBackup(&tampered, k1, k2)
	assert.ErrorIs(t, err, ErrBackupDecryption)
}

func TestSealBackup_FreshEphemeralKeys(t *testing.T) {
	k1, k2 := newKey(t), newKey(t)
	a, err := SealBackup([]byte("x"), k1.PubKey().SerializeCompressed(), k2.PubKey().SerializeCompressed())
	require.NoError(t, err)
	b, err := SealBackup([]byte("x"), k1.PubKey().SerializeCompressed(), k2.PubKey().SerializeCompressed())
	require.NoError(t, err)
	assert.NotEqual(t, a.EphemeralPubkey, b.EphemeralPubkey)

	_, err = SealBackup([]byte("x"), []byte("bad"), k2.PubKey().SerializeCompressed())
	assert.Error(t, err)
}
