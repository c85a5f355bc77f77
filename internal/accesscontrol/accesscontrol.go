// Package accesscontrol implements the access-grant subsystem (spec.md
// section 4.4): granting a database to another user, enumerating and
// accepting pending grants, and the send/receive halves of the seed-pairing
// handshake. UI side effects (prompt, confirm) are injected as capabilities
// per spec.md section 9's design note; this package never calls a host UI
// directly.
package accesscontrol

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/jaydenbeard/vaultsync/internal/crypto"
	"github.com/jaydenbeard/vaultsync/internal/keys"
	"github.com/jaydenbeard/vaultsync/internal/wire"
)

// Requester is the narrow slice of Connection that AccessControl needs:
// submitting a correlated request and reading the current derived keys.
// Depending on this interface instead of the concrete Connection keeps
// accesscontrol free of any import cycle.
type Requester interface {
	SubmitRequest(ctx context.Context, action wire.Action, params interface{}) (json.RawMessage, error)
	Keys() *keys.Set
	Provider() *crypto.Provider
}

// PromptForSeed asks the user to either manually enter a seed or cancel,
// offering the device fingerprint for the other device to verify against
// (spec.md section 4.3, "Otherwise, surface a user-input prompt...").
type PromptForSeed func(fingerprint string) (seed []byte, ok bool)

// ConfirmFingerprint asks the user to confirm a peer's public-key
// fingerprint before a grant or a seed send is transmitted.
type ConfirmFingerprint func(fingerprint string) bool

// Controller implements spec.md section 4.4.
type Controller struct {
	requester Requester

	promptForSeed      PromptForSeed
	confirmFingerprint ConfirmFingerprint

	mu          sync.Mutex
	sentTo      map[string]bool // dedup key: base64(sha256(requesterPublicKey))
	inFlightTo  map[string]bool

	logger *log.Logger
}

// New builds a Controller bound to a Requester and the UI capabilities the
// hosting application supplies.
func New(requester Requester, promptForSeed PromptForSeed, confirmFingerprint ConfirmFingerprint) *Controller {
	return &Controller{
		requester:          requester,
		promptForSeed:      promptForSeed,
		confirmFingerprint: confirmFingerprint,
		sentTo:             make(map[string]bool),
		inFlightTo:         make(map[string]bool),
		logger:             log.New(os.Stdout, "[ACCESSCONTROL] ", log.Ldate|log.Ltime|log.LUTC),
	}
}

func dedupKey(provider *crypto.Provider, requesterPublicKey []byte) string {
	sum := provider.SHA256(requesterPublicKey)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// grantDatabaseAccessParams / acceptDatabaseAccessParams are the wire
// shapes for the two AccessControl actions (spec.md section 4.4).
type grantDatabaseAccessParams struct {
	DBID               string `json:"dbId"`
	Username           string `json:"username"`
	GranteePublicKey   []byte `json:"granteePublicKey"`
	ReadOnly           bool   `json:"readOnly"`
	EncryptedAccessKey []byte `json:"encryptedAccessKey"`
}

// getPublicKeyParams / getPublicKeyResponse resolve an account's current
// public key by username, so GrantDatabaseAccess can confirm the caller is
// wrapping the access key to the key the server actually has on file for
// that account rather than a stale or attacker-supplied one.
type getPublicKeyParams struct {
	Username string `json:"username"`
}

type getPublicKeyResponse struct {
	PublicKey []byte `json:"publicKey"`
}

type acceptDatabaseAccessParams struct {
	DBID            string `json:"dbId"`
	EncryptedDBKey  []byte `json:"encryptedDbKey"`
	DBNameHash      string `json:"dbNameHash"`
	EncryptedDBName []byte `json:"encryptedDbName"`
}

// pendingGrant is the shape a GetDatabaseAccessGrants response decodes to,
// one per grant awaiting this user's acceptance.
type pendingGrant struct {
	DBID               string `json:"dbId"`
	EncryptedDBKey     []byte `json:"encryptedDbKey"`
	EncryptedDBName    []byte `json:"encryptedDbName"`
	SenderPublicKey    []byte `json:"senderPublicKey"`
	DBNameHash         string `json:"dbNameHash"`
}

// GrantDatabaseAccess resolves username's current public key from the
// server, confirms it matches granteePublicKey, derives the shared key to
// the grantee, wraps dbKey under it, and submits GrantDatabaseAccess after
// UI confirmation of the grantee's public-key fingerprint (spec.md section
// 4.4).
func (c *Controller) GrantDatabaseAccess(ctx context.Context, dbID string, username string, dbKey []byte, granteePublicKey []byte, readOnly bool) error {
	k := c.requester.Keys()
	if k == nil {
		return fmt.Errorf("accesscontrol: grant before keys are ready")
	}

	if err := c.verifyGranteePublicKey(ctx, username, granteePublicKey); err != nil {
		return err
	}

	var granteePub [32]byte
	copy(granteePub[:], granteePublicKey)

	fingerprint := fingerprintOf(c.requester.Provider(), granteePublicKey)
	if c.confirmFingerprint != nil && !c.confirmFingerprint(fingerprint) {
		return fmt.Errorf("accesscontrol: grant canceled by user")
	}

	sharedKey, err := c.requester.Provider().DHSharedKey(k.DHPrivateKey, granteePub)
	if err != nil {
		return fmt.Errorf("accesscontrol: derive grantee shared key: %w", err)
	}

	encryptedAccessKey, err := c.requester.Provider().AESGCMEncrypt(sharedKey, []byte(base64.StdEncoding.EncodeToString(dbKey)))
	if err != nil {
		return fmt.Errorf("accesscontrol: wrap db key for grantee: %w", err)
	}

	_, err = c.requester.SubmitRequest(ctx, wire.ActionGrantDatabaseAccess, grantDatabaseAccessParams{
		DBID:               dbID,
		Username:           username,
		GranteePublicKey:   granteePublicKey,
		ReadOnly:           readOnly,
		EncryptedAccessKey: encryptedAccessKey,
	})
	return err
}

// verifyGranteePublicKey looks up username's public key via GetPublicKey and
// rejects the grant if it does not match the caller-supplied
// granteePublicKey, so a grant can never be wrapped to a key the server
// doesn't actually have on file for that account.
func (c *Controller) verifyGranteePublicKey(ctx context.Context, username string, granteePublicKey []byte) error {
	raw, err := c.requester.SubmitRequest(ctx, wire.ActionGetPublicKey, getPublicKeyParams{Username: username})
	if err != nil {
		return fmt.Errorf("accesscontrol: resolve public key for %q: %w", username, err)
	}

	var resp getPublicKeyResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("accesscontrol: malformed get public key response: %w", err)
	}

	if !bytes.Equal(resp.PublicKey, granteePublicKey) {
		return fmt.Errorf("accesscontrol: public key for %q does not match the key on file", username)
	}
	return nil
}

// GetDatabaseAccessGrants iterates pending grants, decrypting each under
// the sender's shared key and, on user confirmation, accepting it by
// rewrapping dbKey under this user's own encryptionKey. Per-grant errors
// are isolated: logged, other grants continue (spec.md section 4.4 and 7).
func (c *Controller) GetDatabaseAccessGrants(ctx context.Context) {
	k := c.requester.Keys()
	if k == nil {
		c.logger.Printf("get database access grants called before keys are ready")
		return
	}

	raw, err := c.requester.SubmitRequest(ctx, wire.ActionGetDatabaseAccessGrants, nil)
	if err != nil {
		c.logger.Printf("get database access grants request failed: %v", err)
		return
	}

	var grants []pendingGrant
	if err := json.Unmarshal(raw, &grants); err != nil {
		c.logger.Printf("get database access grants: malformed response: %v", err)
		return
	}

	for _, g := range grants {
		if err := c.acceptOne(ctx, k, g); err != nil {
			c.logger.Printf("grant for dbId %q isolated failure: %v", g.DBID, err)
		}
	}
}

func (c *Controller) acceptOne(ctx context.Context, k *keys.Set, g pendingGrant) error {
	var senderPub [32]byte
	copy(senderPub[:], g.SenderPublicKey)

	sharedKey, err := c.requester.Provider().DHSharedKey(k.DHPrivateKey, senderPub)
	if err != nil {
		return fmt.Errorf("derive sender shared key: %w", err)
	}

	dbKeyB64, err := c.requester.Provider().AESGCMDecrypt(sharedKey, g.EncryptedDBKey)
	if err != nil {
		return fmt.Errorf("decrypt db key: %w", err)
	}
	dbKey, err := base64.StdEncoding.DecodeString(string(dbKeyB64))
	if err != nil {
		return fmt.Errorf("decode db key: %w", err)
	}

	dbNameBytes, err := c.requester.Provider().AESGCMDecrypt(dbKey, g.EncryptedDBName)
	if err != nil {
		return fmt.Errorf("decrypt db name: %w", err)
	}

	fingerprint := fingerprintOf(c.requester.Provider(), g.SenderPublicKey)
	if c.confirmFingerprint != nil && !c.confirmFingerprint(fingerprint) {
		return fmt.Errorf("grant for database %q declined by user", dbNameBytes)
	}

	reencryptedDBKey, err := c.requester.Provider().AESGCMEncrypt(k.EncryptionKey, []byte(base64.StdEncoding.EncodeToString(dbKey)))
	if err != nil {
		return fmt.Errorf("rewrap db key under own encryption key: %w", err)
	}

	_, err = c.requester.SubmitRequest(ctx, wire.ActionAcceptDatabaseAccess, acceptDatabaseAccessParams{
		DBID:            g.DBID,
		EncryptedDBKey:  reencryptedDBKey,
		DBNameHash:      g.DBNameHash,
		EncryptedDBName: g.EncryptedDBName,
	})
	return err
}

func fingerprintOf(provider *crypto.Provider, publicKey []byte) string {
	sum := provider.SHA256(publicKey)
	return base64.StdEncoding.EncodeToString(sum[:8])
}

type sendSeedParams struct {
	RequesterPublicKey []byte `json:"requesterPublicKey"`
	EncryptedSeed      []byte `json:"encryptedSeed"`
}

// SendSeed is the sending half of device pairing (spec.md section 4.3,
// "Sending side"). It deduplicates per hash(requesterPublicKey) so at most
// one send, and at most one in-flight attempt, happens per peer key.
func (c *Controller) SendSeed(ctx context.Context, seed []byte, requesterPublicKey []byte) error {
	k := c.requester.Keys()
	if k == nil {
		return fmt.Errorf("accesscontrol: send seed before keys are ready")
	}

	key := dedupKey(c.requester.Provider(), requesterPublicKey)

	c.mu.Lock()
	if c.sentTo[key] || c.inFlightTo[key] {
		c.mu.Unlock()
		return nil
	}
	c.inFlightTo[key] = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inFlightTo, key)
		c.mu.Unlock()
	}()

	fingerprint := fingerprintOf(c.requester.Provider(), requesterPublicKey)
	if c.confirmFingerprint != nil && !c.confirmFingerprint(fingerprint) {
		return fmt.Errorf("accesscontrol: seed send to %s declined by user", fingerprint)
	}

	var requesterPub [32]byte
	copy(requesterPub[:], requesterPublicKey)

	sharedKey, err := c.requester.Provider().DHSharedKey(k.DHPrivateKey, requesterPub)
	if err != nil {
		return fmt.Errorf("accesscontrol: derive pairing shared key: %w", err)
	}

	encryptedSeed, err := c.requester.Provider().AESGCMEncrypt(sharedKey, []byte(base64.StdEncoding.EncodeToString(seed)))
	if err != nil {
		return fmt.Errorf("accesscontrol: encrypt seed: %w", err)
	}

	if _, err := c.requester.SubmitRequest(ctx, wire.ActionSendSeed, sendSeedParams{
		RequesterPublicKey: requesterPublicKey,
		EncryptedSeed:      encryptedSeed,
	}); err != nil {
		return err
	}

	c.mu.Lock()
	c.sentTo[key] = true
	c.mu.Unlock()
	return nil
}

// ReceiveSeed decrypts a pushed seed under the pairing shared key derived
// from the device's own seedRequestPrivateKey, per spec.md section 4.3
// step 3.
func (c *Controller) ReceiveSeed(provider *crypto.Provider, seedRequestPrivateKey [32]byte, encryptedSeed, senderPublicKey []byte) ([]byte, error) {
	var senderPub [32]byte
	copy(senderPub[:], senderPublicKey)

	sharedKey, err := provider.DHSharedKey(seedRequestPrivateKey, senderPub)
	if err != nil {
		return nil, fmt.Errorf("accesscontrol: derive pairing shared key: %w", err)
	}
	seedB64, err := provider.AESGCMDecrypt(sharedKey, encryptedSeed)
	if err != nil {
		return nil, fmt.Errorf("accesscontrol: decrypt seed: %w", err)
	}
	seed, err := base64.StdEncoding.DecodeString(string(seedB64))
	if err != nil {
		return nil, fmt.Errorf("accesscontrol: decode seed: %w", err)
	}
	return seed, nil
}

// PromptForSeed exposes the injected capability to callers that need the
// manual-entry fallback of spec.md section 4.3 step 4.
func (c *Controller) PromptForSeed(fingerprint string) (seed []byte, ok bool) {
	if c.promptForSeed == nil {
		return nil, false
	}
	return c.promptForSeed(fingerprint)
}
