package connection

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jaydenbeard/vaultsync/internal/config"
	"github.com/jaydenbeard/vaultsync/internal/connerrors"
	"github.com/jaydenbeard/vaultsync/internal/crypto"
	"github.com/jaydenbeard/vaultsync/internal/keys"
	"github.com/jaydenbeard/vaultsync/internal/store"
	"github.com/jaydenbeard/vaultsync/internal/transport"
	"github.com/jaydenbeard/vaultsync/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-process stand-in for transport.Conn: messages queued on
// toClient are returned by ReadMessage, and WriteMessage publishes onto
// fromClient for a test-side fake server to observe and react to.
type fakeConn struct {
	toClient   chan []byte
	fromClient chan []byte
	closeOnce  sync.Once
	closed     chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		toClient:   make(chan []byte, 16),
		fromClient: make(chan []byte, 16),
		closed:     make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.toClient:
		return data, nil
	case <-f.closed:
		return nil, connerrors.ErrDisconnected
	}
}

func (f *fakeConn) WriteMessage(data []byte) error {
	select {
	case f.fromClient <- data:
		return nil
	case <-f.closed:
		return connerrors.ErrDisconnected
	}
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

type fakeDialer struct {
	conn *fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	return d.conn, nil
}

// testHarness wires a Connection up against a fakeConn and a fake server
// goroutine that answers ValidateKey (and, optionally, other actions) the
// way a real server's key-validation protocol would (spec.md section 4.3).
type testHarness struct {
	conn       *Connection
	fakeConn   *fakeConn
	localStore *store.MemoryStore
	serverPriv [32]byte
	serverPub  [32]byte
	seed       []byte
	salts      keys.Salts
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	bootstrap := crypto.NewProvider([32]byte{})
	serverKP, err := bootstrap.GenerateKeyPair()
	require.NoError(t, err)

	cfg := &config.Config{
		AppID:          "test-app",
		ServerBaseURL:  "http://localhost:9999",
		ServerPublicKey: serverKP.PublicKey,
		RequestTimeout: 500 * time.Millisecond,
		ConnectTimeout: 2 * time.Second,
	}

	fc := newFakeConn()
	localStore := store.NewMemoryStore()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	require.NoError(t, localStore.SaveSeed("alice", seed))

	c := New(Options{
		Config:     cfg,
		LocalStore: localStore,
		Dialer:     &fakeDialer{conn: fc},
	})

	salts := keys.Salts{
		EncryptionKeySalt: []byte("encryption-key-salt-bytes"),
		DHKeySalt:         []byte("dh-key-salt-bytes-value"),
		HMACKeySalt:       []byte("hmac-key-salt-bytes-value"),
	}

	return &testHarness{
		conn:       c,
		fakeConn:   fc,
		localStore: localStore,
		serverPriv: serverKP.PrivateKey,
		serverPub:  serverKP.PublicKey,
		seed:       seed,
		salts:      salts,
	}
}

// pushConnectionEvent sends the server's Connection push with salts and a
// validation message this device's derived keys can decrypt.
func (h *testHarness) pushConnectionEvent(t *testing.T) {
	t.Helper()
	serverProvider := crypto.NewProvider(h.serverPub)
	keySet, err := keys.Derive(serverProvider, h.seed, h.salts)
	require.NoError(t, err)

	clientDHPublic := serverProvider.DHPublicKey(keySet.DHPrivateKey)
	sharedKey, err := serverProvider.DHSharedKey(h.serverPriv, clientDHPublic)
	require.NoError(t, err)

	nonce := []byte("server-issued-validation-nonce!")
	encryptedValidation, err := serverProvider.AESGCMEncrypt(sharedKey, nonce)
	require.NoError(t, err)

	ev := wire.ConnectionEvent{
		Salts: wire.EventSalts{
			EncryptionKeySalt: h.salts.EncryptionKeySalt,
			DHKeySalt:         h.salts.DHKeySalt,
			HMACKeySalt:       h.salts.HMACKeySalt,
		},
		EncryptedValidationMessage: encryptedValidation,
	}
	raw, err := json.Marshal(struct {
		Route string `json:"route"`
		wire.ConnectionEvent
	}{Route: string(wire.RouteConnection), ConnectionEvent: ev})
	require.NoError(t, err)
	h.fakeConn.toClient <- raw
}

// runValidateKeyServer answers exactly one ValidateKey request with success,
// simulating the server side of the key-validation protocol.
func (h *testHarness) runValidateKeyServer(t *testing.T) {
	t.Helper()
	go func() {
		for {
			select {
			case raw := <-h.fakeConn.fromClient:
				var req wire.OutboundRequest
				if err := json.Unmarshal(raw, &req); err != nil {
					continue
				}
				if req.Action == wire.ActionValidateKey {
					resp := wire.InboundResponse{
						RequestID: req.RequestID,
						Response:  wire.ResponseEnvelope{Status: wire.StatusSuccess},
					}
					respRaw, _ := json.Marshal(resp)
					select {
					case h.fakeConn.toClient <- respRaw:
					case <-h.fakeConn.closed:
					}
					return
				}
			case <-h.fakeConn.closed:
				return
			}
		}
	}()
}

// runSignOutServer answers exactly one SignOut request with success after
// capturing its raw params, simulating the server side of sign-out.
func (h *testHarness) runSignOutServer(t *testing.T, captured chan<- signOutParams) {
	t.Helper()
	go func() {
		for {
			select {
			case raw := <-h.fakeConn.fromClient:
				var req wire.OutboundRequest
				if err := json.Unmarshal(raw, &req); err != nil {
					continue
				}
				if req.Action == wire.ActionSignOut {
					var params signOutParams
					_ = json.Unmarshal(req.Params, &params)
					captured <- params

					resp := wire.InboundResponse{
						RequestID: req.RequestID,
						Response:  wire.ResponseEnvelope{Status: wire.StatusSuccess},
					}
					respRaw, _ := json.Marshal(resp)
					select {
					case h.fakeConn.toClient <- respRaw:
					case <-h.fakeConn.closed:
					}
					return
				}
			case <-h.fakeConn.closed:
				return
			}
		}
	}()
}

func TestConnectHaveSeedPathReachesReady(t *testing.T) {
	h := newTestHarness(t)
	h.runValidateKeyServer(t)

	done := make(chan error, 1)
	go func() {
		done <- h.conn.Connect(context.Background(), "alice")
	}()

	time.Sleep(20 * time.Millisecond)
	h.pushConnectionEvent(t)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not complete in time")
	}

	assert.Equal(t, StateReady, h.conn.State())
	assert.NotNil(t, h.conn.Keys())
}

func TestConnectTimesOutWithoutConnectionEvent(t *testing.T) {
	h := newTestHarness(t)
	h.conn.cfg.ConnectTimeout = 100 * time.Millisecond

	err := h.conn.Connect(context.Background(), "alice")
	assert.ErrorIs(t, err, connerrors.ErrTimeout)
	assert.Equal(t, StateDisconnected, h.conn.State())
}

func TestConnectTwiceReturnsAlreadyConnected(t *testing.T) {
	h := newTestHarness(t)
	h.runValidateKeyServer(t)

	done := make(chan error, 1)
	go func() { done <- h.conn.Connect(context.Background(), "alice") }()
	time.Sleep(20 * time.Millisecond)
	h.pushConnectionEvent(t)
	require.NoError(t, <-done)

	err := h.conn.Connect(context.Background(), "alice")
	assert.ErrorIs(t, err, connerrors.ErrAlreadyConnected)
}

func TestSubmitRequestTimesOutWhenServerNeverResponds(t *testing.T) {
	h := newTestHarness(t)
	h.runValidateKeyServer(t)

	done := make(chan error, 1)
	go func() { done <- h.conn.Connect(context.Background(), "alice") }()
	time.Sleep(20 * time.Millisecond)
	h.pushConnectionEvent(t)
	require.NoError(t, <-done)

	_, err := h.conn.SubmitRequest(context.Background(), wire.ActionFindDatabases, nil)
	assert.ErrorIs(t, err, connerrors.ErrTimeout)
}

func TestSignOutSendsResolvedSessionIDNotUsername(t *testing.T) {
	h := newTestHarness(t)
	h.runValidateKeyServer(t)

	done := make(chan error, 1)
	go func() { done <- h.conn.Connect(context.Background(), "alice") }()
	time.Sleep(20 * time.Millisecond)
	h.pushConnectionEvent(t)
	require.NoError(t, <-done)

	wantSessionID, err := h.localStore.GetSession("alice")
	require.NoError(t, err)
	require.NotEmpty(t, wantSessionID)
	require.NotEqual(t, "alice", wantSessionID)

	captured := make(chan signOutParams, 1)
	h.runSignOutServer(t, captured)

	err = h.conn.SignOut(context.Background())
	require.NoError(t, err)

	select {
	case params := <-captured:
		assert.Equal(t, wantSessionID, params.SessionID)
		assert.NotEqual(t, "alice", params.SessionID)
	case <-time.After(time.Second):
		t.Fatal("server never received a SignOut request")
	}

	assert.Equal(t, StateDisconnected, h.conn.State())
}

func TestCloseZeroesKeysAndFailsPending(t *testing.T) {
	h := newTestHarness(t)
	h.runValidateKeyServer(t)

	done := make(chan error, 1)
	go func() { done <- h.conn.Connect(context.Background(), "alice") }()
	time.Sleep(20 * time.Millisecond)
	h.pushConnectionEvent(t)
	require.NoError(t, <-done)

	resultCh := make(chan error, 1)
	go func() {
		_, err := h.conn.SubmitRequest(context.Background(), wire.ActionFindDatabases, nil)
		resultCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	h.conn.Close()

	select {
	case err := <-resultCh:
		assert.ErrorIs(t, err, connerrors.ErrDisconnected)
	case <-time.After(time.Second):
		t.Fatal("pending request was not failed by Close")
	}

	assert.Equal(t, StateDisconnected, h.conn.State())
	assert.Nil(t, h.conn.Keys())
}
