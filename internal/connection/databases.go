package connection

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/jaydenbeard/vaultsync/internal/codec"
	"github.com/jaydenbeard/vaultsync/internal/connerrors"
	"github.com/jaydenbeard/vaultsync/internal/database"
	"github.com/jaydenbeard/vaultsync/internal/wire"
)

func (c *Connection) hashDBName(dbName string) (string, error) {
	k := c.Keys()
	if k == nil {
		return "", connerrors.ErrMissingSeed
	}
	return hex.EncodeToString(c.provider.HMACSign(k.HMACKey, dbName)), nil
}

type openDatabaseParams struct {
	DBName     string `json:"dbName"`
	DBNameHash string `json:"dbNameHash"`
}

type openDatabaseResponse struct {
	DBID string `json:"dbId"`
}

// OpenDatabase issues OpenDatabase{dbName} and registers a replica that
// the subsequent ApplyTransactions push populates, per spec.md section
// 4.5, "Opening". onChange is invoked after every message that mutates
// this database's item set.
func (c *Connection) OpenDatabase(ctx context.Context, dbName string, onChange database.OnChange) error {
	dbNameHash, err := c.hashDBName(dbName)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if _, exists := c.databases[dbNameHash]; !exists {
		c.databases[dbNameHash] = database.New(dbName, dbNameHash, c.makeOnChange(dbNameHash))
	}
	if onChange != nil {
		c.onChangeCallbacks[dbNameHash] = onChange
	}
	c.mu.Unlock()

	raw, err := c.SubmitRequest(ctx, wire.ActionOpenDatabase, openDatabaseParams{DBName: dbName, DBNameHash: dbNameHash})
	if err != nil {
		return err
	}

	var resp openDatabaseResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &resp); err == nil && resp.DBID != "" {
			c.mu.Lock()
			c.dbIdToHash[resp.DBID] = dbNameHash
			c.databases[dbNameHash].DBID = resp.DBID
			c.mu.Unlock()
		}
	}
	return nil
}

type createDatabaseParams struct {
	DBName     string `json:"dbName"`
	DBNameHash string `json:"dbNameHash"`
}

// CreateDatabase explicitly provisions a new database rather than
// opening (and implicitly creating) one by name.
func (c *Connection) CreateDatabase(ctx context.Context, dbName string) error {
	dbNameHash, err := c.hashDBName(dbName)
	if err != nil {
		return err
	}
	_, err = c.SubmitRequest(ctx, wire.ActionCreateDatabase, createDatabaseParams{DBName: dbName, DBNameHash: dbNameHash})
	return err
}

// GetDatabase returns server-side metadata for an already-known database.
func (c *Connection) GetDatabase(ctx context.Context, dbName string) (json.RawMessage, error) {
	dbNameHash, err := c.hashDBName(dbName)
	if err != nil {
		return nil, err
	}
	return c.SubmitRequest(ctx, wire.ActionGetDatabase, openDatabaseParams{DBName: dbName, DBNameHash: dbNameHash})
}

// FindDatabases lists every database this user has access to.
func (c *Connection) FindDatabases(ctx context.Context) (json.RawMessage, error) {
	return c.SubmitRequest(ctx, wire.ActionFindDatabases, nil)
}

// GetItems returns the current in-memory item set for dbName, in
// itemsIndex order.
func (c *Connection) GetItems(dbName string) ([]database.Entry, error) {
	dbNameHash, err := c.hashDBName(dbName)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	db, ok := c.databases[dbNameHash]
	c.mu.Unlock()
	if !ok {
		return nil, connerrors.ErrDatabaseNotOpen
	}
	return db.GetItems(), nil
}

func (c *Connection) lookupOpenDatabase(dbName string) (*database.Database, error) {
	dbNameHash, err := c.hashDBName(dbName)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	db, ok := c.databases[dbNameHash]
	c.mu.Unlock()
	if !ok || len(db.DBKey) == 0 {
		return nil, connerrors.ErrDatabaseNotOpen
	}
	return db, nil
}

type insertParams struct {
	DBID    string `json:"dbId"`
	ItemID  string `json:"itemId"`
	ItemKey []byte `json:"itemKey"`
	Record  []byte `json:"record"`
}

type updateParams struct {
	DBID    string `json:"dbId"`
	ItemID  string `json:"itemId"`
	ItemKey []byte `json:"itemKey"`
	Record  []byte `json:"record"`
}

type deleteParams struct {
	DBID    string `json:"dbId"`
	ItemID  string `json:"itemId"`
	ItemKey []byte `json:"itemKey"`
}

// Insert encrypts record under the database's dbKey and submits it, per
// spec.md section 4.5, "Client-initiated mutations". The client does not
// optimistically mutate local state; the subsequent ApplyTransactions push
// is the single source of truth.
func (c *Connection) Insert(ctx context.Context, dbName, itemID string, record interface{}) error {
	db, err := c.lookupOpenDatabase(dbName)
	if err != nil {
		return err
	}
	encryptedRecord, itemKey, err := c.encryptRecord(db, itemID, record)
	if err != nil {
		return err
	}
	_, err = c.SubmitRequest(ctx, wire.ActionInsert, insertParams{DBID: db.DBID, ItemID: itemID, ItemKey: itemKey, Record: encryptedRecord})
	return err
}

// Update re-encrypts record for an existing itemId and submits it.
func (c *Connection) Update(ctx context.Context, dbName, itemID string, record interface{}) error {
	db, err := c.lookupOpenDatabase(dbName)
	if err != nil {
		return err
	}
	encryptedRecord, itemKey, err := c.encryptRecord(db, itemID, record)
	if err != nil {
		return err
	}
	_, err = c.SubmitRequest(ctx, wire.ActionUpdate, updateParams{DBID: db.DBID, ItemID: itemID, ItemKey: itemKey, Record: encryptedRecord})
	return err
}

// Delete submits a Delete for itemId.
func (c *Connection) Delete(ctx context.Context, dbName, itemID string) error {
	db, err := c.lookupOpenDatabase(dbName)
	if err != nil {
		return err
	}
	k := c.Keys()
	itemKey := c.provider.HMACSign(k.HMACKey, itemID)
	_, err = c.SubmitRequest(ctx, wire.ActionDelete, deleteParams{DBID: db.DBID, ItemID: itemID, ItemKey: itemKey})
	return err
}

// Op is one operation within a BatchTransaction (spec.md section 4.5).
type Op struct {
	Kind   string // Insert | Update | Delete
	ItemID string
	Record interface{}
}

type batchOpParams struct {
	Command string `json:"command"`
	ItemID  string `json:"itemId"`
	ItemKey []byte `json:"itemKey"`
	Record  []byte `json:"record,omitempty"`
}

type batchTransactionParams struct {
	DBID string          `json:"dbId"`
	Ops  []batchOpParams `json:"ops"`
}

// BatchTransaction submits an ordered list of mutations atomically; the
// server applies them as a single ApplyTransactions batch, which the
// replication engine resolves with exactly one onChange call.
func (c *Connection) BatchTransaction(ctx context.Context, dbName string, ops []Op) error {
	db, err := c.lookupOpenDatabase(dbName)
	if err != nil {
		return err
	}
	k := c.Keys()
	if k == nil {
		return connerrors.ErrMissingSeed
	}

	wireOps := make([]batchOpParams, 0, len(ops))
	for _, op := range ops {
		itemKey := c.provider.HMACSign(k.HMACKey, op.ItemID)
		var encryptedRecord []byte
		switch op.Kind {
		case wire.CommandInsert, wire.CommandUpdate:
			encryptedRecord, _, err = c.encryptRecord(db, op.ItemID, op.Record)
			if err != nil {
				return fmt.Errorf("connection: encrypt batch op for item %q: %w", op.ItemID, err)
			}
		case wire.CommandDelete:
		default:
			return fmt.Errorf("connection: unknown batch op kind %q", op.Kind)
		}
		wireOps = append(wireOps, batchOpParams{Command: op.Kind, ItemID: op.ItemID, ItemKey: itemKey, Record: encryptedRecord})
	}

	_, err = c.SubmitRequest(ctx, wire.ActionBatchTransaction, batchTransactionParams{DBID: db.DBID, Ops: wireOps})
	return err
}

func (c *Connection) encryptRecord(db *database.Database, itemID string, record interface{}) (encryptedRecord, itemKey []byte, err error) {
	k := c.Keys()
	if k == nil {
		return nil, nil, connerrors.ErrMissingSeed
	}
	plaintext, err := codec.Marshal(record)
	if err != nil {
		return nil, nil, fmt.Errorf("connection: marshal record for item %q: %w", itemID, err)
	}
	ciphertext, err := c.provider.AESGCMEncrypt(db.DBKey, plaintext)
	if err != nil {
		return nil, nil, fmt.Errorf("connection: encrypt record for item %q: %w", itemID, err)
	}
	return ciphertext, c.provider.HMACSign(k.HMACKey, itemID), nil
}
