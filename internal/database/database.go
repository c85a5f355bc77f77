// Package database is the per-database transaction-log replication engine
// (spec.md section 4.5): applying an encrypted bundle snapshot plus an
// encrypted incremental transaction log into a deterministic in-memory item
// set, and producing new bundles on demand.
package database

import (
	"fmt"
	"log"
	"os"

	"github.com/jaydenbeard/vaultsync/internal/codec"
	"github.com/jaydenbeard/vaultsync/internal/crypto"
	"github.com/jaydenbeard/vaultsync/internal/wire"
)

// Item is one stored {record, seqNo} pair, keyed by itemId.
type Item struct {
	Record []byte
	SeqNo  uint64
}

// Entry is a getItems() result: one item in itemsIndex order.
type Entry struct {
	ItemID string
	Record []byte
}

// OnChange is invoked after every ApplyTransactions message (and, within
// one message, after the whole batch, never mid-batch — spec.md section 5).
type OnChange func(items []Entry)

// Database is the in-memory replica of one database's item set.
//
// Invariants I1-I4 (spec.md section 3) hold across every exported mutator:
// items.keys() == the set of itemIds in itemsIndex; itemsIndex preserves
// first-seen insertion order; lastSeqNo only increases; Delete removes from
// both structures.
type Database struct {
	DBName     string
	DBNameHash string
	DBID       string
	DBKey      []byte

	items      map[string]Item
	itemsIndex []string // itemId, in first-seen order
	lastSeqNo  uint64
	init       bool

	onChange OnChange
	logger   *log.Logger
}

// New constructs an unopened replica for a database; DBKey and DBID are set
// once the owning Connection receives the first ApplyTransactions push.
func New(dbName, dbNameHash string, onChange OnChange) *Database {
	return &Database{
		DBName:     dbName,
		DBNameHash: dbNameHash,
		items:      make(map[string]Item),
		itemsIndex: make([]string, 0),
		onChange:   onChange,
		logger:     log.New(os.Stdout, "[DATABASE] ", log.Ldate|log.Ltime|log.LUTC),
	}
}

// Init reports whether a bundle and/or transaction log has been applied at
// least once (spec.md section 3's "init" field).
func (d *Database) Init() bool { return d.init }

// LastSeqNo is the highest seqNo applied so far.
func (d *Database) LastSeqNo() uint64 { return d.lastSeqNo }

// ApplyBundle decrypts and replaces the in-memory state from a wire bundle,
// per spec.md section 4.5 "Applying a bundle": AES-GCM decrypt under dbKey,
// LZ-decompress, JSON-parse into {items, itemsIndex}.
func (d *Database) ApplyBundle(provider *crypto.Provider, bundleBase64 string, bundleSeqNo uint64) error {
	raw, err := codec.DecodeBase64(bundleBase64)
	if err != nil {
		return fmt.Errorf("database: decode bundle: %w", err)
	}
	plaintext, err := provider.AESGCMDecrypt(d.DBKey, raw)
	if err != nil {
		return fmt.Errorf("database: decrypt bundle: %w", err)
	}
	decompressed, err := codec.Decompress(plaintext)
	if err != nil {
		return fmt.Errorf("database: decompress bundle: %w", err)
	}

	var doc wire.BundleDocument
	if err := codec.Unmarshal(decompressed, &doc); err != nil {
		return fmt.Errorf("database: parse bundle: %w", err)
	}

	items := make(map[string]Item, len(doc.Items))
	for id, bi := range doc.Items {
		items[id] = Item{Record: []byte(bi.Record), SeqNo: bi.SeqNo}
	}
	index := make([]string, 0, len(doc.ItemsIndex))
	for _, e := range doc.ItemsIndex {
		index = append(index, e.ItemID)
	}

	d.items = items
	d.itemsIndex = index
	d.lastSeqNo = bundleSeqNo
	d.init = true
	return nil
}

// ApplyTransactionLog applies an ordered transaction log, ignoring any
// transaction with seqNo <= lastSeqNo, updating lastSeqNo to the max
// applied, and invoking onChange exactly once after the whole batch
// (spec.md section 4.5 and 5).
func (d *Database) ApplyTransactionLog(txns []wire.Transaction) {
	for _, t := range txns {
		d.applyOne(t)
	}
	d.init = true
	// onChange fires once per ApplyTransactions message regardless of
	// whether any individual transaction changed state, per spec.md
	// section 4.5.
	d.notify()
}

// applyOne applies a single transaction (recursing into BatchTransaction)
// and reports whether lastSeqNo advanced.
func (d *Database) applyOne(t wire.Transaction) bool {
	if t.Command == wire.CommandBatchTransaction {
		advanced := false
		for _, sub := range t.Batch {
			if d.applyRecord(sub) {
				advanced = true
			}
		}
		return advanced
	}
	return d.applyRecord(t)
}

func (d *Database) applyRecord(t wire.Transaction) bool {
	if t.SeqNo <= d.lastSeqNo {
		return false
	}

	switch t.Command {
	case wire.CommandInsert:
		if _, exists := d.items[t.ItemID]; !exists {
			d.itemsIndex = append(d.itemsIndex, t.ItemID)
			d.items[t.ItemID] = Item{Record: []byte(t.Record), SeqNo: t.SeqNo}
		}
	case wire.CommandUpdate:
		if existing, exists := d.items[t.ItemID]; exists {
			existing.Record = []byte(t.Record)
			existing.SeqNo = t.SeqNo
			d.items[t.ItemID] = existing
		}
	case wire.CommandDelete:
		d.deleteItem(t.ItemID)
	default:
		d.logger.Printf("ignoring unknown transaction command %q", t.Command)
		return false
	}

	if t.SeqNo > d.lastSeqNo {
		d.lastSeqNo = t.SeqNo
	}
	return true
}

func (d *Database) deleteItem(itemID string) {
	if _, exists := d.items[itemID]; !exists {
		return
	}
	delete(d.items, itemID)
	for i, id := range d.itemsIndex {
		if id == itemID {
			d.itemsIndex = append(d.itemsIndex[:i], d.itemsIndex[i+1:]...)
			break
		}
	}
}

// GetItems returns every item in itemsIndex order.
func (d *Database) GetItems() []Entry {
	out := make([]Entry, 0, len(d.itemsIndex))
	for _, id := range d.itemsIndex {
		item := d.items[id]
		out = append(out, Entry{ItemID: id, Record: item.Record})
	}
	return out
}

func (d *Database) notify() {
	if d.onChange != nil {
		d.onChange(d.GetItems())
	}
}

// BuildBundle serializes {items, itemsIndex}, compresses, and AES-GCM
// encrypts it under dbKey, returning the base64 payload and the per-item
// HMAC keys array the server uses to garbage-collect old transactions
// (spec.md section 4.5 "Building a bundle").
func (d *Database) BuildBundle(provider *crypto.Provider, hmacKey []byte) (bundleBase64 string, itemKeys [][]byte, err error) {
	doc := wire.BundleDocument{
		Items:      make(map[string]wire.BundleItem, len(d.items)),
		ItemsIndex: make([]wire.IndexEntry, 0, len(d.itemsIndex)),
	}
	for id, item := range d.items {
		doc.Items[id] = wire.BundleItem{Record: item.Record, SeqNo: item.SeqNo}
	}
	for _, id := range d.itemsIndex {
		doc.ItemsIndex = append(doc.ItemsIndex, wire.IndexEntry{ItemID: id, SeqNo: d.items[id].SeqNo})
	}

	plaintext, err := codec.Marshal(doc)
	if err != nil {
		return "", nil, fmt.Errorf("database: marshal bundle: %w", err)
	}
	compressed, err := codec.Compress(plaintext)
	if err != nil {
		return "", nil, fmt.Errorf("database: compress bundle: %w", err)
	}
	ciphertext, err := provider.AESGCMEncrypt(d.DBKey, compressed)
	if err != nil {
		return "", nil, fmt.Errorf("database: encrypt bundle: %w", err)
	}

	keys := make([][]byte, 0, len(d.itemsIndex))
	for _, id := range d.itemsIndex {
		keys = append(keys, provider.HMACSign(hmacKey, id))
	}

	return codec.EncodeBase64(ciphertext), keys, nil
}
