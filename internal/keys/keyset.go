// Package keys holds the derived key hierarchy (spec.md section 3) and its
// zeroization-on-close lifecycle (spec.md section 9, open question).
package keys

import (
	"github.com/jaydenbeard/vaultsync/internal/crypto"
)

// Salts are the per-user HKDF context bytes the server hands back at
// connect time (spec.md section 3). They are immutable for the life of the
// account.
type Salts struct {
	EncryptionKeySalt []byte
	DHKeySalt         []byte
	HMACKeySalt       []byte
}

// Set is the full derived key hierarchy for one user: an AES-GCM
// encryption key, an X25519 DH scalar, and an HMAC key, all derived from a
// single seed plus the server's salts.
type Set struct {
	EncryptionKey []byte
	DHPrivateKey  [32]byte
	HMACKey       []byte
}

// Derive computes the key hierarchy from seed and salts via HKDF, per
// spec.md section 3. Determinism: the same (seed, salts) pair always
// produces the same Set, which is what lets validateKey prove key
// possession and what lets two devices holding the same seed agree on
// dbNameHash for a given database name (spec.md section 8, scenario 5).
func Derive(provider *crypto.Provider, seed []byte, salts Salts) (*Set, error) {
	master, err := provider.HKDFImportMaster(seed)
	if err != nil {
		return nil, err
	}

	encKey, err := provider.DeriveSubkey(master, salts.EncryptionKeySalt, crypto.PurposeEncryption)
	if err != nil {
		return nil, err
	}
	dhKey, err := provider.DeriveSubkey(master, salts.DHKeySalt, crypto.PurposeDH)
	if err != nil {
		return nil, err
	}
	hmacKey, err := provider.DeriveSubkey(master, salts.HMACKeySalt, crypto.PurposeHMAC)
	if err != nil {
		return nil, err
	}

	var dhPriv [32]byte
	copy(dhPriv[:], dhKey)
	// Clamp per Curve25519 convention so the derived scalar is a valid
	// private key regardless of HKDF output bit pattern.
	dhPriv[0] &= 248
	dhPriv[31] &= 127
	dhPriv[31] |= 64

	return &Set{
		EncryptionKey: encKey,
		DHPrivateKey:  dhPriv,
		HMACKey:       hmacKey,
	}, nil
}

// Zero overwrites every derived key's backing bytes. Called on every
// Connection termination path: explicit close, timeout, transport error, or
// validation failure (spec.md section 5, "Shared state").
func (s *Set) Zero() {
	if s == nil {
		return
	}
	zero(s.EncryptionKey)
	zero(s.HMACKey)
	for i := range s.DHPrivateKey {
		s.DHPrivateKey[i] = 0
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
