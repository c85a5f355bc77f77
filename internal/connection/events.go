package connection

import (
	"context"
	"encoding/base64"

	"github.com/jaydenbeard/vaultsync/internal/codec"
	"github.com/jaydenbeard/vaultsync/internal/connerrors"
	"github.com/jaydenbeard/vaultsync/internal/database"
	"github.com/jaydenbeard/vaultsync/internal/keys"
	"github.com/jaydenbeard/vaultsync/internal/wire"
)

// readLoop owns the transport's read side for the life of the connection.
// It is the single task that classifies and routes every inbound message
// (spec.md section 9, "Dynamic route dispatch over JSON"): a closed sum
// type via wire.Sniff, not a string switch.
func (c *Connection) readLoop() {
	for {
		data, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Printf("transport read failed, closing: %v", err)
			c.Close()
			return
		}
		c.dispatch(data)
	}
}

func (c *Connection) dispatch(raw []byte) {
	kind, err := wire.Sniff(raw)
	if err != nil {
		c.logger.Printf("discarding malformed inbound message: %v", err)
		return
	}

	switch kind {
	case wire.KindResponse:
		c.handleResponse(raw)
	case wire.KindConnectionEvent:
		c.handleConnectionEvent(raw)
	case wire.KindApplyTransactionsEvent:
		c.handleApplyTransactions(raw)
	case wire.KindBuildBundleEvent:
		c.handleBuildBundle(raw)
	case wire.KindReceiveRequestForSeedEvent:
		c.handleReceiveRequestForSeed(raw)
	case wire.KindReceiveSeedEvent:
		c.handleReceiveSeed(raw)
	default:
		c.logger.Printf("ignoring inbound message of unknown route")
	}
}

func (c *Connection) handleResponse(raw []byte) {
	var resp wire.InboundResponse
	if err := codec.Unmarshal(raw, &resp); err != nil {
		c.logger.Printf("discarding malformed response: %v", err)
		return
	}

	c.mu.Lock()
	pr, ok := c.pending[resp.RequestID]
	if ok {
		delete(c.pending, resp.RequestID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Printf("discarding response for unknown or already-resolved requestId %q", resp.RequestID)
		return
	}

	if resp.Response.Status == wire.StatusSuccess {
		pr.resultCh <- requestResult{data: resp.Response.Data}
	} else {
		pr.resultCh <- requestResult{err: &connerrors.RequestFailed{
			Action:  string(pr.action),
			Status:  resp.Response.Status,
			Message: resp.Response.Message,
		}}
	}
}

func (c *Connection) handleConnectionEvent(raw []byte) {
	var ev wire.ConnectionEvent
	if err := codec.Unmarshal(raw, &ev); err != nil {
		c.logger.Printf("discarding malformed connection event: %v", err)
		return
	}

	c.mu.Lock()
	c.salts = &keys.Salts{
		EncryptionKeySalt: ev.Salts.EncryptionKeySalt,
		DHKeySalt:         ev.Salts.DHKeySalt,
		HMACKeySalt:       ev.Salts.HMACKeySalt,
	}
	c.encryptedValidationMessage = ev.EncryptedValidationMessage
	c.mu.Unlock()

	c.connectOnce.Do(func() { close(c.connectEventCh) })
}

func (c *Connection) handleApplyTransactions(raw []byte) {
	var ev wire.ApplyTransactionsEvent
	if err := codec.Unmarshal(raw, &ev); err != nil {
		c.logger.Printf("discarding malformed ApplyTransactions event: %v", err)
		return
	}

	c.mu.Lock()
	keySet := c.keySet
	if keySet == nil {
		c.mu.Unlock()
		c.logger.Printf("ApplyTransactions for dbId %q arrived before keys were ready, ignoring", ev.DBID)
		return
	}

	// The server populates dbNameHash inline only on the first push for a
	// given dbId; subsequent pushes rely on dbIdToHash already being
	// populated. An unknown dbId with no dbNameHash is silently ignored
	// (spec.md section 9, open question, preserved).
	hash := ev.DBNameHash
	if hash != "" {
		c.dbIdToHash[ev.DBID] = hash
	} else {
		h, ok := c.dbIdToHash[ev.DBID]
		if !ok {
			c.mu.Unlock()
			c.logger.Printf("ApplyTransactions for unknown dbId %q with no dbNameHash, ignoring", ev.DBID)
			return
		}
		hash = h
	}

	db, ok := c.databases[hash]
	if !ok {
		db = database.New("", hash, c.makeOnChange(hash))
		c.databases[hash] = db
	}
	db.DBID = ev.DBID

	if len(ev.DBKey) > 0 {
		rawKey, err := c.provider.AESGCMDecrypt(keySet.EncryptionKey, ev.DBKey)
		if err != nil {
			c.mu.Unlock()
			c.logger.Printf("fatal: decrypt dbKey for dbId %q: %v", ev.DBID, err)
			c.Close()
			return
		}
		dbKey, err := base64.StdEncoding.DecodeString(string(rawKey))
		if err != nil {
			c.mu.Unlock()
			c.logger.Printf("fatal: decode dbKey for dbId %q: %v", ev.DBID, err)
			c.Close()
			return
		}
		db.DBKey = dbKey
	}
	c.mu.Unlock()

	if ev.Bundle != "" {
		if err := db.ApplyBundle(c.provider, ev.Bundle, ev.BundleSeqNo); err != nil {
			c.logger.Printf("fatal: apply bundle for dbId %q: %v", ev.DBID, err)
			c.Close()
			return
		}
	}
	db.ApplyTransactionLog(ev.TransactionLog)

	c.metrics.DatabaseItems.WithLabelValues(hash).Set(float64(len(db.GetItems())))
}

func (c *Connection) makeOnChange(dbNameHash string) database.OnChange {
	return func(items []database.Entry) {
		c.mu.Lock()
		cb := c.onChangeCallbacks[dbNameHash]
		c.mu.Unlock()
		if cb != nil {
			cb(items)
		}
	}
}

func (c *Connection) handleBuildBundle(raw []byte) {
	var ev wire.BuildBundleEvent
	if err := codec.Unmarshal(raw, &ev); err != nil {
		c.logger.Printf("discarding malformed BuildBundle event: %v", err)
		return
	}

	c.mu.Lock()
	hash, ok := c.dbIdToHash[ev.DBID]
	var db *database.Database
	var keySet *keys.Set
	if ok {
		db, ok = c.databases[hash]
	}
	if ok {
		keySet = c.keySet
	}
	c.mu.Unlock()

	if !ok || db == nil || keySet == nil {
		c.logger.Printf("BuildBundle for unknown or unkeyed dbId %q, ignoring", ev.DBID)
		return
	}

	go func() {
		bundle, itemKeys, err := db.BuildBundle(c.provider, keySet.HMACKey)
		if err != nil {
			c.logger.Printf("build bundle for dbId %q failed: %v", ev.DBID, err)
			return
		}
		_, err = c.SubmitRequest(context.Background(), wire.ActionBundle, bundleParams{
			DBID:  ev.DBID,
			SeqNo: db.LastSeqNo(),
			Bundle: bundle,
			Keys:  itemKeys,
		})
		if err != nil {
			c.logger.Printf("submit bundle for dbId %q failed: %v", ev.DBID, err)
		}
	}()
}

type bundleParams struct {
	DBID   string   `json:"dbId"`
	SeqNo  uint64   `json:"seqNo"`
	Bundle string   `json:"bundle"`
	Keys   [][]byte `json:"keys"`
}

func (c *Connection) handleReceiveRequestForSeed(raw []byte) {
	var ev wire.ReceiveRequestForSeedEvent
	if err := codec.Unmarshal(raw, &ev); err != nil {
		c.logger.Printf("discarding malformed ReceiveRequestForSeed event: %v", err)
		return
	}

	c.mu.Lock()
	seed := c.seed
	ready := c.keySet != nil
	c.mu.Unlock()

	if !ready {
		c.logger.Printf("ReceiveRequestForSeed arrived before keys were initialized, ignoring")
		return
	}

	go func() {
		if err := c.accessControl.SendSeed(context.Background(), seed, ev.RequesterPublicKey); err != nil {
			c.logger.Printf("send seed to requester isolated failure: %v", err)
		}
	}()
}

func (c *Connection) handleReceiveSeed(raw []byte) {
	var ev wire.ReceiveSeedEvent
	if err := codec.Unmarshal(raw, &ev); err != nil {
		c.logger.Printf("discarding malformed ReceiveSeed event: %v", err)
		return
	}

	c.mu.Lock()
	keyPair := c.seedRequestKeyPair
	c.mu.Unlock()
	if keyPair == nil {
		c.logger.Printf("ReceiveSeed arrived with no outstanding seed request, ignoring")
		return
	}

	seed, err := c.accessControl.ReceiveSeed(c.provider, keyPair.PrivateKey, ev.EncryptedSeed, ev.SenderPublicKey)
	select {
	case c.seedPushCh <- seedPushResult{seed: seed, err: err}:
	default:
		c.logger.Printf("dropping ReceiveSeed push: no handshake waiting for it")
	}
	if err != nil {
		c.logger.Printf("decrypt pushed seed failed: %v", err)
	}
}
