package connection

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/jaydenbeard/vaultsync/internal/connerrors"
	"github.com/jaydenbeard/vaultsync/internal/crypto"
	"github.com/jaydenbeard/vaultsync/internal/store"
	"github.com/jaydenbeard/vaultsync/internal/wire"
)

type requestSeedParams struct {
	RequesterPublicKey []byte `json:"requesterPublicKey"`
}

// requestSeedResponse is the RequestSeed response shape when another
// device has already paired synchronously; both fields are empty when the
// new device must wait for an asynchronous ReceiveSeed push or fall back
// to manual entry (spec.md section 4.3, "Seed handshake").
type requestSeedResponse struct {
	EncryptedSeed   []byte `json:"encryptedSeed"`
	SenderPublicKey []byte `json:"senderPublicKey"`
}

// runSeedHandshake implements spec.md section 4.3's device-pairing flow
// for a device with no local seed.
func (c *Connection) runSeedHandshake(ctx context.Context, username string) ([]byte, error) {
	keyPair, err := c.loadOrCreateSeedRequestKeyPair(username)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.seedRequestKeyPair = keyPair
	c.mu.Unlock()

	raw, err := c.SubmitRequest(ctx, wire.ActionRequestSeed, requestSeedParams{RequesterPublicKey: keyPair.PublicKey[:]})
	if err != nil {
		return nil, fmt.Errorf("connection: request seed: %w", err)
	}

	var resp requestSeedResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("connection: malformed request seed response: %w", err)
		}
	}

	var seed []byte
	if len(resp.EncryptedSeed) > 0 {
		seed, err = c.accessControl.ReceiveSeed(c.provider, keyPair.PrivateKey, resp.EncryptedSeed, resp.SenderPublicKey)
		if err != nil {
			return nil, fmt.Errorf("connection: decrypt synchronously-paired seed: %w", err)
		}
	} else {
		seed, err = c.waitForSeed(ctx, keyPair)
		if err != nil {
			return nil, err
		}
	}

	if err := c.localStore.SaveSeed(username, seed); err != nil {
		return nil, fmt.Errorf("connection: save seed: %w", err)
	}
	if err := c.localStore.RemoveSeedRequest(username); err != nil {
		c.logger.Printf("remove seed request after pairing failed (non-fatal): %v", err)
	}

	c.mu.Lock()
	c.seedRequestKeyPair = nil
	c.mu.Unlock()
	return seed, nil
}

// waitForSeed blocks until either a paired device pushes ReceiveSeed, or
// the hosting application's promptForSeed capability returns a
// manually-entered seed or a cancellation (spec.md section 4.3 step 4).
// The device-id fingerprint offered to the prompt is derived from this
// device's own seedRequestPublicKey, which the other device must verify
// before sending.
func (c *Connection) waitForSeed(ctx context.Context, keyPair *crypto.KeyPair) ([]byte, error) {
	fingerprint := fingerprintOfPublicKey(keyPair.PublicKey)

	manualCh := make(chan manualSeedResult, 1)
	if c.promptForSeed != nil {
		go func() {
			seed, ok := c.promptForSeed(fingerprint)
			manualCh <- manualSeedResult{seed: seed, ok: ok}
		}()
	}

	select {
	case pushed := <-c.seedPushCh:
		if pushed.err != nil {
			return nil, fmt.Errorf("connection: receive pushed seed: %w", pushed.err)
		}
		return pushed.seed, nil
	case manual := <-manualCh:
		if !manual.ok {
			return nil, connerrors.ErrCanceled
		}
		return manual.seed, nil
	case <-ctx.Done():
		return nil, connerrors.ErrTimeout
	}
}

type manualSeedResult struct {
	seed []byte
	ok   bool
}

func (c *Connection) loadOrCreateSeedRequestKeyPair(username string) (*crypto.KeyPair, error) {
	rec, err := c.localStore.GetSeedRequest(username)
	if err == nil {
		return &crypto.KeyPair{PrivateKey: rec.PrivateKey, PublicKey: rec.PublicKey}, nil
	}
	if err != store.ErrNotFound {
		return nil, fmt.Errorf("connection: read seed request: %w", err)
	}

	kp, err := c.provider.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("connection: generate seed request key pair: %w", err)
	}
	if err := c.localStore.SetSeedRequest(username, &store.SeedRequestRecord{PrivateKey: kp.PrivateKey, PublicKey: kp.PublicKey}); err != nil {
		return nil, fmt.Errorf("connection: save seed request: %w", err)
	}
	return kp, nil
}

func fingerprintOfPublicKey(pub [32]byte) string {
	sum := sha256.Sum256(pub[:])
	return base64.StdEncoding.EncodeToString(sum[:8])
}
