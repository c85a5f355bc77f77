// Package connection implements the Connection component of spec.md
// section 4.3: transport lifecycle, request/response correlation, the
// seed-handshake state machine, key validation, and routing of
// server-pushed events. It composes every other package in this module and
// is deliberately NOT a package-level singleton (spec.md section 9): each
// call to New returns an independently usable, explicitly owned instance.
package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/jaydenbeard/vaultsync/internal/accesscontrol"
	"github.com/jaydenbeard/vaultsync/internal/config"
	"github.com/jaydenbeard/vaultsync/internal/connerrors"
	"github.com/jaydenbeard/vaultsync/internal/crypto"
	"github.com/jaydenbeard/vaultsync/internal/database"
	"github.com/jaydenbeard/vaultsync/internal/keys"
	"github.com/jaydenbeard/vaultsync/internal/metrics"
	"github.com/jaydenbeard/vaultsync/internal/store"
	"github.com/jaydenbeard/vaultsync/internal/transport"
	"github.com/jaydenbeard/vaultsync/internal/wire"
)

// State is one node of the state machine spec.md section 4.3 defines.
type State int

const (
	StateDisconnected State = iota
	StateOpening
	StateNeedSeed
	StateHaveSeed
	StateKeyInit
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateOpening:
		return "Opening"
	case StateNeedSeed:
		return "NeedSeed"
	case StateHaveSeed:
		return "HaveSeed"
	case StateKeyInit:
		return "KeyInit"
	case StateReady:
		return "Ready"
	default:
		return "Unknown"
	}
}

// Options bundles the external collaborators spec.md section 1 names as
// out-of-scope: the local-storage adapter and the UI prompt/confirm
// capabilities used by the seed handshake and AccessControl.
type Options struct {
	Config             *config.Config
	LocalStore         store.LocalStore
	Dialer             transport.Dialer // nil uses transport.NewWSDialer()
	Metrics            *metrics.Metrics // nil uses metrics.New()
	PromptForSeed      accesscontrol.PromptForSeed
	ConfirmFingerprint accesscontrol.ConfirmFingerprint
}

// pendingRequest is one outstanding requestId awaiting a correlated
// response or a timeout (spec.md section 4.3, "Request/response
// multiplexing").
type pendingRequest struct {
	action   wire.Action
	resultCh chan requestResult
}

type requestResult struct {
	data json.RawMessage
	err  error
}

// Connection owns exactly one open transport session (spec.md section
// 4.3). All mutable shared state (state, databases, dbIdToHash, pending)
// is guarded by mu; this stands in for the single-event-task cooperative
// model spec.md section 5 describes, since Go's transport read loop runs
// on its own goroutine (spec.md section 9, "Shared mutable request map").
type Connection struct {
	cfg        *config.Config
	provider   *crypto.Provider
	localStore store.LocalStore
	dialer     transport.Dialer
	metrics    *metrics.Metrics
	logger     *log.Logger

	promptForSeed      accesscontrol.PromptForSeed
	confirmFingerprint accesscontrol.ConfirmFingerprint
	accessControl      *accesscontrol.Controller

	mu        sync.Mutex
	state     State
	username  string
	sessionID string
	conn      transport.Conn

	salts                      *keys.Salts
	encryptedValidationMessage []byte
	keySet                     *keys.Set
	seed                       []byte

	seedRequestKeyPair *crypto.KeyPair

	databases         map[string]*database.Database // keyed by dbNameHash
	dbIdToHash        map[string]string
	onChangeCallbacks map[string]database.OnChange

	pending map[string]*pendingRequest

	connectEventCh chan struct{}
	connectOnce    sync.Once
	seedPushCh     chan seedPushResult

	closeOnce sync.Once
	done      chan struct{}
}

type seedPushResult struct {
	seed []byte
	err  error
}

// New constructs an unconnected Connection. Call Connect to open the
// transport session.
func New(opts Options) *Connection {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = transport.NewWSDialer()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	c := &Connection{
		cfg:                opts.Config,
		provider:           crypto.NewProvider(opts.Config.ServerPublicKey),
		localStore:         opts.LocalStore,
		dialer:             dialer,
		metrics:            m,
		logger:             log.New(os.Stdout, "[CONNECTION] ", log.Ldate|log.Ltime|log.LUTC),
		promptForSeed:      opts.PromptForSeed,
		confirmFingerprint: opts.ConfirmFingerprint,
		state:              StateDisconnected,
		databases:          make(map[string]*database.Database),
		dbIdToHash:         make(map[string]string),
		onChangeCallbacks:  make(map[string]database.OnChange),
		pending:            make(map[string]*pendingRequest),
		connectEventCh:     make(chan struct{}),
		seedPushCh:         make(chan seedPushResult, 1),
		done:               make(chan struct{}),
	}
	c.accessControl = accesscontrol.New(c, opts.PromptForSeed, opts.ConfirmFingerprint)
	return c
}

// State returns the current state-machine node.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Keys exposes the derived key set to AccessControl via the Requester
// interface; nil until KeyInit succeeds.
func (c *Connection) Keys() *keys.Set {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keySet
}

// Provider exposes the CryptoProvider to AccessControl via the Requester
// interface.
func (c *Connection) Provider() *crypto.Provider {
	return c.provider
}

// Connect dials the transport, waits for the server's Connection event,
// acquires keys (from local storage or the seed-pairing handshake), and
// validates them, per spec.md section 4.3's state table.
func (c *Connection) Connect(ctx context.Context, username string) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return connerrors.ErrAlreadyConnected
	}
	c.state = StateOpening
	c.username = username
	c.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	sessionID, err := c.resolveSessionID(username)
	if err != nil {
		c.failConnect()
		return err
	}
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()

	wsURL, err := transport.DeriveWebSocketURL(c.cfg.ServerBaseURL, c.cfg.AppID, sessionID)
	if err != nil {
		c.failConnect()
		return fmt.Errorf("connection: derive websocket url: %w", err)
	}

	conn, err := c.dialer.Dial(connectCtx, wsURL)
	if err != nil {
		c.failConnect()
		return fmt.Errorf("%w: %v", connerrors.ErrTransport, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop()

	select {
	case <-c.connectEventCh:
	case <-connectCtx.Done():
		c.Close()
		return connerrors.ErrTimeout
	}

	seed, err := c.acquireSeed(connectCtx, username)
	if err != nil {
		c.Close()
		return err
	}

	if err := c.deriveAndValidate(connectCtx, seed); err != nil {
		c.Close()
		return err
	}

	c.mu.Lock()
	c.state = StateReady
	c.mu.Unlock()
	return nil
}

func (c *Connection) failConnect() {
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
}

func (c *Connection) resolveSessionID(username string) (string, error) {
	sessionID, err := c.localStore.GetSession(username)
	if err == nil && sessionID != "" {
		return sessionID, nil
	}
	sessionID = uuid.NewString()
	if err := c.localStore.SaveSession(username, sessionID); err != nil {
		return "", fmt.Errorf("connection: save session id: %w", err)
	}
	return sessionID, nil
}

// acquireSeed returns the account seed either from LocalStore (HaveSeed
// path) or via the device-pairing handshake (NeedSeed path).
func (c *Connection) acquireSeed(ctx context.Context, username string) ([]byte, error) {
	seed, err := c.localStore.GetSeed(username)
	if err == nil {
		c.mu.Lock()
		c.state = StateHaveSeed
		c.mu.Unlock()
		return seed, nil
	}
	if err != store.ErrNotFound {
		return nil, fmt.Errorf("connection: read local seed: %w", err)
	}

	c.mu.Lock()
	c.state = StateNeedSeed
	c.mu.Unlock()
	return c.runSeedHandshake(ctx, username)
}

// deriveAndValidate derives the key hierarchy from seed and the server's
// salts, then proves possession of dhPrivateKey via ValidateKey (spec.md
// section 4.3, "Key-validation protocol").
func (c *Connection) deriveAndValidate(ctx context.Context, seed []byte) error {
	c.mu.Lock()
	salts := c.salts
	validationMsg := c.encryptedValidationMessage
	c.mu.Unlock()

	if salts == nil {
		return connerrors.ErrMissingSalts
	}
	if len(seed) == 0 {
		return connerrors.ErrMissingSeed
	}

	keySet, err := keys.Derive(c.provider, seed, *salts)
	if err != nil {
		return fmt.Errorf("connection: derive keys: %w", err)
	}

	sharedKey, err := c.provider.DHSharedKeyWithServer(keySet.DHPrivateKey)
	if err != nil {
		keySet.Zero()
		return fmt.Errorf("%w: %v", connerrors.ErrCryptoAuthenticationFailure, err)
	}
	nonce, err := c.provider.AESGCMDecrypt(sharedKey, validationMsg)
	if err != nil {
		keySet.Zero()
		return fmt.Errorf("connection: decrypt validation message: %w", err)
	}

	c.mu.Lock()
	c.state = StateKeyInit
	c.mu.Unlock()

	_, err = c.SubmitRequest(ctx, wire.ActionValidateKey, validateKeyParams{Nonce: nonce})
	if err != nil {
		keySet.Zero()
		return fmt.Errorf("%w: %v", connerrors.ErrKeyValidationFailed, err)
	}

	c.mu.Lock()
	c.keySet = keySet
	c.seed = append([]byte(nil), seed...)
	c.mu.Unlock()
	return nil
}

type validateKeyParams struct {
	Nonce []byte `json:"nonce"`
}

// Close tears down the transport, fails every pending request with
// ErrDisconnected, zeroizes derived keys, and clears per-database state
// (spec.md section 5, "Resource discipline" — runs on every termination
// path: explicit close, timeout, transport error, validation failure).
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		c.failAllPendingLocked(connerrors.ErrDisconnected)
		c.databases = make(map[string]*database.Database)
		c.dbIdToHash = make(map[string]string)
		c.onChangeCallbacks = make(map[string]database.OnChange)
		c.keySet.Zero()
		c.keySet = nil
		zero(c.seed)
		c.seed = nil
		c.state = StateDisconnected
		c.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		close(c.done)
	})
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// SignOut clears LocalStore session artifacts unconditionally before
// notifying the server and closing, so a network failure never leaves the
// device signed in locally (spec.md section 4.3, "Sign-out").
func (c *Connection) SignOut(ctx context.Context) error {
	c.mu.Lock()
	username := c.username
	sessionID := c.sessionID
	c.mu.Unlock()

	if err := c.localStore.SignOutSession(username); err != nil {
		c.logger.Printf("sign out: clearing local session artifacts failed: %v", err)
	}

	_, err := c.SubmitRequest(ctx, wire.ActionSignOut, signOutParams{SessionID: sessionID})
	if err != nil {
		c.logger.Printf("sign out: server notification failed: %v", err)
	}
	c.Close()
	return err
}

type signOutParams struct {
	SessionID string `json:"sessionId"`
}
