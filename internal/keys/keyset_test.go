package keys

import (
	"testing"

	"github.com/jaydenbeard/vaultsync/internal/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSalts() Salts {
	return Salts{
		EncryptionKeySalt: []byte("enc-salt"),
		DHKeySalt:         []byte("dh-salt"),
		HMACKeySalt:       []byte("hmac-salt"),
	}
}

func TestDeriveIsDeterministic(t *testing.T) {
	p := crypto.NewProvider([32]byte{})
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}

	a, err := Derive(p, seed, testSalts())
	require.NoError(t, err)
	b, err := Derive(p, seed, testSalts())
	require.NoError(t, err)

	assert.Equal(t, a.EncryptionKey, b.EncryptionKey)
	assert.Equal(t, a.DHPrivateKey, b.DHPrivateKey)
	assert.Equal(t, a.HMACKey, b.HMACKey)
}

func TestDeriveDifferentSeedsDiffer(t *testing.T) {
	p := crypto.NewProvider([32]byte{})
	seedA := make([]byte, 32)
	seedB := make([]byte, 32)
	seedB[0] = 1

	a, err := Derive(p, seedA, testSalts())
	require.NoError(t, err)
	b, err := Derive(p, seedB, testSalts())
	require.NoError(t, err)

	assert.NotEqual(t, a.EncryptionKey, b.EncryptionKey)
	assert.NotEqual(t, a.DHPrivateKey, b.DHPrivateKey)
}

func TestZeroOverwritesKeyMaterial(t *testing.T) {
	p := crypto.NewProvider([32]byte{})
	seed := make([]byte, 32)
	set, err := Derive(p, seed, testSalts())
	require.NoError(t, err)

	set.Zero()

	for _, b := range set.EncryptionKey {
		assert.Equal(t, byte(0), b)
	}
	for _, b := range set.HMACKey {
		assert.Equal(t, byte(0), b)
	}
	var zeroScalar [32]byte
	assert.Equal(t, zeroScalar, set.DHPrivateKey)
}

func TestZeroOnNilIsSafe(t *testing.T) {
	var set *Set
	assert.NotPanics(t, func() { set.Zero() })
}
