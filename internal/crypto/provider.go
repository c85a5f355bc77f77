// Package crypto implements the primitives the key hierarchy and the
// seed-sharing protocol are built on: SHA-256, HKDF-derived subkeys,
// AES-GCM, HMAC-SHA256 and X25519 Diffie-Hellman.
//
// It plays the role spec.md section 4.1 calls CryptoProvider.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/jaydenbeard/vaultsync/internal/connerrors"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeyPair is an X25519 scalar and its derived public point.
type KeyPair struct {
	PrivateKey [32]byte
	PublicKey  [32]byte
}

// Provider exposes the cryptographic operations the rest of the core needs.
// A Provider is stateless except for the compiled-in server public key used
// for dhSharedKeyWithServer.
type Provider struct {
	serverPublicKey [32]byte
}

// NewProvider builds a Provider that authenticates the server against the
// given compiled-in (or Vault-supplied, see internal/config) X25519 public key.
func NewProvider(serverPublicKey [32]byte) *Provider {
	return &Provider{serverPublicKey: serverPublicKey}
}

// SHA256 hashes data.
func (p *Provider) SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// HMACSign computes HMAC-SHA256(key, s). It is used to produce deterministic,
// server-indexable tags (dbNameHash, itemKey) without revealing the
// plaintext to the server.
func (p *Provider) HMACSign(key []byte, s string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(s))
	return h.Sum(nil)
}

// GenerateKeyPair produces a fresh, CSPRNG-backed X25519 key pair, clamped
// per the Curve25519 spec. Used both for seed requests and for the
// ephemeral side of peer-to-peer DH.
func (p *Provider) GenerateKeyPair() (*KeyPair, error) {
	var priv, pub [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, fmt.Errorf("crypto: generate key pair: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	curve25519.ScalarBaseMult(&pub, &priv)
	return &KeyPair{PrivateKey: priv, PublicKey: pub}, nil
}

// DHPublicKey recomputes the public point for a private scalar.
func (p *Provider) DHPublicKey(privateScalar [32]byte) [32]byte {
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &privateScalar)
	return pub
}

// GenerateRandomKey returns 32 bytes of CSPRNG output, suitable as a raw
// AES-256-GCM database key.
func (p *Provider) GenerateRandomKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("crypto: generate random key: %w", err)
	}
	return key, nil
}

// HKDFImportMaster expands a raw seed into a master key usable as HKDF
// input key material for every subsequent per-purpose derivation.
func (p *Provider) HKDFImportMaster(seed []byte) ([]byte, error) {
	if len(seed) < 32 {
		return nil, errors.New("crypto: seed must be at least 32 bytes")
	}
	master := make([]byte, 64)
	r := hkdf.New(sha256.New, seed, nil, []byte("vaultsync/master"))
	if _, err := io.ReadFull(r, master); err != nil {
		return nil, fmt.Errorf("crypto: import master key: %w", err)
	}
	return master, nil
}

// Purpose labels the HKDF "info" parameter for deriveSubkey, following the
// purpose-labeled-HKDF pattern (same master key, different info string).
type Purpose string

const (
	PurposeEncryption Purpose = "vaultsync/encryption-key"
	PurposeDH         Purpose = "vaultsync/dh-key"
	PurposeHMAC       Purpose = "vaultsync/hmac-key"
)

// DeriveSubkey derives a 32-byte subkey from masterKey using salt and a
// purpose label, mirroring the per-purpose HKDF expansion spec.md 4.1
// describes: the same master key and salt yield different, independent
// subkeys for different purposes.
func (p *Provider) DeriveSubkey(masterKey, salt []byte, purpose Purpose) ([]byte, error) {
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, masterKey, salt, []byte(purpose))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("crypto: derive subkey %q: %w", purpose, err)
	}
	return out, nil
}

// AESGCMEncrypt seals plaintext under key, prepending a random 96-bit IV to
// the ciphertext. No AAD is used, matching spec.md's wire format.
func (p *Provider) AESGCMEncrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// AESGCMDecrypt opens a ciphertext produced by AESGCMEncrypt. Authentication
// failure is reported as connerrors.ErrCryptoAuthenticationFailure so callers
// can distinguish it from malformed input.
func (p *Provider) AESGCMDecrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("crypto: ciphertext too short")
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", connerrors.ErrCryptoAuthenticationFailure, err)
	}
	return plaintext, nil
}

// dhSharedSecret performs raw X25519 scalar multiplication.
func (p *Provider) dhSharedSecret(privateScalar, peerPublic [32]byte) ([32]byte, error) {
	var shared [32]byte
	curve25519.ScalarMult(&shared, &privateScalar, &peerPublic)

	var zero [32]byte
	if shared == zero {
		return [32]byte{}, fmt.Errorf("%w: all-zero DH output", connerrors.ErrCryptoAuthenticationFailure)
	}
	return shared, nil
}

// DHSharedKey performs X25519(privateScalar, peerPublic) and HKDF-expands
// the raw ECDH output into a 32-byte AES-GCM key.
func (p *Provider) DHSharedKey(privateScalar, peerPublic [32]byte) ([]byte, error) {
	shared, err := p.dhSharedSecret(privateScalar, peerPublic)
	if err != nil {
		return nil, err
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, shared[:], nil, []byte("vaultsync/dh-shared"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto: expand dh shared key: %w", err)
	}
	return key, nil
}

// DHSharedKeyWithServer is DHSharedKey against the compiled-in server public
// key, used to prove possession of dhPrivateKey during key validation.
func (p *Provider) DHSharedKeyWithServer(privateScalar [32]byte) ([]byte, error) {
	return p.DHSharedKey(privateScalar, p.serverPublicKey)
}
