package database

import (
	"encoding/json"
	"testing"

	"github.com/jaydenbeard/vaultsync/internal/crypto"
	"github.com/jaydenbeard/vaultsync/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDatabase(t *testing.T, onChange OnChange) (*Database, *crypto.Provider) {
	t.Helper()
	p := crypto.NewProvider([32]byte{})
	key, err := p.GenerateRandomKey()
	require.NoError(t, err)

	db := New("notes", "hash-of-notes", onChange)
	db.DBID = "db-1"
	db.DBKey = key
	return db, p
}

func TestApplyTransactionLogInsertUpdateDelete(t *testing.T) {
	var captured []Entry
	db, _ := newTestDatabase(t, func(items []Entry) { captured = items })

	db.ApplyTransactionLog([]wire.Transaction{
		{SeqNo: 1, Command: wire.CommandInsert, ItemID: "a", Record: json.RawMessage(`"first"`)},
		{SeqNo: 2, Command: wire.CommandInsert, ItemID: "b", Record: json.RawMessage(`"second"`)},
	})
	assert.True(t, db.Init())
	assert.Equal(t, uint64(2), db.LastSeqNo())
	assert.Len(t, captured, 2)

	db.ApplyTransactionLog([]wire.Transaction{
		{SeqNo: 3, Command: wire.CommandUpdate, ItemID: "a", Record: json.RawMessage(`"first-updated"`)},
	})
	items := db.GetItems()
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].ItemID)
	assert.JSONEq(t, `"first-updated"`, string(items[0].Record))

	db.ApplyTransactionLog([]wire.Transaction{
		{SeqNo: 4, Command: wire.CommandDelete, ItemID: "a"},
	})
	items = db.GetItems()
	require.Len(t, items, 1)
	assert.Equal(t, "b", items[0].ItemID)
}

func TestApplyTransactionLogIgnoresStaleSeqNo(t *testing.T) {
	db, _ := newTestDatabase(t, nil)
	db.ApplyTransactionLog([]wire.Transaction{
		{SeqNo: 5, Command: wire.CommandInsert, ItemID: "a", Record: json.RawMessage(`"v"`)},
	})
	db.ApplyTransactionLog([]wire.Transaction{
		{SeqNo: 3, Command: wire.CommandUpdate, ItemID: "a", Record: json.RawMessage(`"stale"`)},
	})
	items := db.GetItems()
	require.Len(t, items, 1)
	assert.JSONEq(t, `"v"`, string(items[0].Record))
	assert.Equal(t, uint64(5), db.LastSeqNo())
}

func TestApplyTransactionLogCallsOnChangeOncePerMessage(t *testing.T) {
	calls := 0
	db, _ := newTestDatabase(t, func(items []Entry) { calls++ })

	db.ApplyTransactionLog([]wire.Transaction{
		{SeqNo: 1, Command: wire.CommandInsert, ItemID: "a", Record: json.RawMessage(`"v"`)},
		{SeqNo: 2, Command: wire.CommandInsert, ItemID: "b", Record: json.RawMessage(`"v"`)},
	})
	assert.Equal(t, 1, calls)

	// Even a no-op apply (stale seqNo) still fires onChange once.
	db.ApplyTransactionLog([]wire.Transaction{
		{SeqNo: 1, Command: wire.CommandInsert, ItemID: "c", Record: json.RawMessage(`"v"`)},
	})
	assert.Equal(t, 2, calls)
}

func TestApplyTransactionLogBatchTransactionIsAtomicInOrdering(t *testing.T) {
	db, _ := newTestDatabase(t, nil)
	db.ApplyTransactionLog([]wire.Transaction{
		{
			SeqNo:   3,
			Command: wire.CommandBatchTransaction,
			Batch: []wire.Transaction{
				{SeqNo: 1, Command: wire.CommandInsert, ItemID: "a", Record: json.RawMessage(`"a"`)},
				{SeqNo: 2, Command: wire.CommandInsert, ItemID: "b", Record: json.RawMessage(`"b"`)},
				{SeqNo: 3, Command: wire.CommandDelete, ItemID: "a"},
			},
		},
	})
	items := db.GetItems()
	require.Len(t, items, 1)
	assert.Equal(t, "b", items[0].ItemID)
	assert.Equal(t, uint64(3), db.LastSeqNo())
}

func TestInsertIsIdempotentOnDuplicateItemID(t *testing.T) {
	db, _ := newTestDatabase(t, nil)
	db.ApplyTransactionLog([]wire.Transaction{
		{SeqNo: 1, Command: wire.CommandInsert, ItemID: "a", Record: json.RawMessage(`"first"`)},
	})
	db.ApplyTransactionLog([]wire.Transaction{
		{SeqNo: 2, Command: wire.CommandInsert, ItemID: "a", Record: json.RawMessage(`"second"`)},
	})
	items := db.GetItems()
	require.Len(t, items, 1)
	// Second insert of an existing id is a no-op; first value wins.
	assert.JSONEq(t, `"first"`, string(items[0].Record))
}

func TestItemsIndexPreservesInsertionOrder(t *testing.T) {
	db, _ := newTestDatabase(t, nil)
	db.ApplyTransactionLog([]wire.Transaction{
		{SeqNo: 1, Command: wire.CommandInsert, ItemID: "c", Record: json.RawMessage(`"c"`)},
		{SeqNo: 2, Command: wire.CommandInsert, ItemID: "a", Record: json.RawMessage(`"a"`)},
		{SeqNo: 3, Command: wire.CommandInsert, ItemID: "b", Record: json.RawMessage(`"b"`)},
	})
	items := db.GetItems()
	require.Len(t, items, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{items[0].ItemID, items[1].ItemID, items[2].ItemID})
}

func TestBuildBundleThenApplyBundleRoundTrip(t *testing.T) {
	db, p := newTestDatabase(t, nil)
	db.ApplyTransactionLog([]wire.Transaction{
		{SeqNo: 1, Command: wire.CommandInsert, ItemID: "a", Record: json.RawMessage(`{"text":"hello"}`)},
		{SeqNo: 2, Command: wire.CommandInsert, ItemID: "b", Record: json.RawMessage(`{"text":"world"}`)},
	})

	hmacKey, err := p.GenerateRandomKey()
	require.NoError(t, err)
	bundleBase64, itemKeys, err := db.BuildBundle(p, hmacKey)
	require.NoError(t, err)
	assert.Len(t, itemKeys, 2)

	restored, _ := newTestDatabase(t, nil)
	restored.DBKey = db.DBKey
	require.NoError(t, restored.ApplyBundle(p, bundleBase64, 2))

	assert.True(t, restored.Init())
	assert.Equal(t, uint64(2), restored.LastSeqNo())
	assert.Equal(t, db.GetItems(), restored.GetItems())
}

func TestApplyBundleRejectsWrongKey(t *testing.T) {
	db, p := newTestDatabase(t, nil)
	db.ApplyTransactionLog([]wire.Transaction{
		{SeqNo: 1, Command: wire.CommandInsert, ItemID: "a", Record: json.RawMessage(`"v"`)},
	})
	hmacKey, _ := p.GenerateRandomKey()
	bundleBase64, _, err := db.BuildBundle(p, hmacKey)
	require.NoError(t, err)

	wrongKeyDB, _ := newTestDatabase(t, nil)
	other, err := p.GenerateRandomKey()
	require.NoError(t, err)
	wrongKeyDB.DBKey = other

	err = wrongKeyDB.ApplyBundle(p, bundleBase64, 1)
	assert.Error(t, err)
}

func TestDeleteOfUnknownItemIsNoOp(t *testing.T) {
	db, _ := newTestDatabase(t, nil)
	db.ApplyTransactionLog([]wire.Transaction{
		{SeqNo: 1, Command: wire.CommandDelete, ItemID: "ghost"},
	})
	assert.Empty(t, db.GetItems())
}
