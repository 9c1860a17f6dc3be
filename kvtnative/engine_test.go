package kvtnative

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kvt.db")
	eng, err := NewEngine(DefaultEngineConfig(path))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Shutdown() })
	return eng
}

func TestCreateAndLookupTable(t *testing.T) {
	eng := newTestEngine(t)
	id, err := eng.CreateTable("edgestore", PartitionRange)
	require.NoError(t, err)
	assert.NotZero(t, id)

	gotID, partition, ok := eng.GetTableID("edgestore")
	require.True(t, ok)
	assert.Equal(t, id, gotID)
	assert.Equal(t, PartitionRange, partition)
}

func TestCreateTableTwiceFails(t *testing.T) {
	eng := newTestEngine(t)
	_, err := eng.CreateTable("t", PartitionHash)
	require.NoError(t, err)

	_, err = eng.CreateTable("t", PartitionHash)
	require.Error(t, err)
	var ce *CodedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, TableAlreadyExists, ce.Code)
}

func TestSetGetDelAutocommit(t *testing.T) {
	eng := newTestEngine(t)
	tid, err := eng.CreateTable("t", PartitionRange)
	require.NoError(t, err)

	require.NoError(t, eng.Set(NoTx, tid, []byte("k"), []byte("v")))

	v, ok, err := eng.Get(NoTx, tid, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(v))

	require.NoError(t, eng.Del(NoTx, tid, []byte("k")))
	_, ok, err = eng.Get(NoTx, tid, []byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExplicitTxCommit(t *testing.T) {
	eng := newTestEngine(t)
	tid, err := eng.CreateTable("t", PartitionRange)
	require.NoError(t, err)

	tx, err := eng.StartTx()
	require.NoError(t, err)
	require.NoError(t, eng.Set(tx, tid, []byte("k"), []byte("v")))

	// Read-your-writes inside the same open transaction.
	v, ok, err := eng.Get(tx, tid, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(v))

	require.NoError(t, eng.CommitTx(tx))

	v, ok, err = eng.Get(NoTx, tid, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(v))
}

func TestExplicitTxRollbackLeavesNoTrace(t *testing.T) {
	eng := newTestEngine(t)
	tid, err := eng.CreateTable("t", PartitionRange)
	require.NoError(t, err)

	tx, err := eng.StartTx()
	require.NoError(t, err)
	require.NoError(t, eng.Set(tx, tid, []byte("k"), []byte("v")))
	eng.RollbackTx(tx)

	_, ok, err := eng.Get(NoTx, tid, []byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUseAfterCommitFails(t *testing.T) {
	eng := newTestEngine(t)
	tid, err := eng.CreateTable("t", PartitionRange)
	require.NoError(t, err)

	tx, err := eng.StartTx()
	require.NoError(t, err)
	require.NoError(t, eng.CommitTx(tx))

	err = eng.Set(tx, tid, []byte("k"), []byte("v"))
	require.Error(t, err)
}

func TestScanAscendingOrderAndExclusiveEnd(t *testing.T) {
	eng := newTestEngine(t)
	tid, err := eng.CreateTable("t", PartitionRange)
	require.NoError(t, err)

	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, eng.Set(NoTx, tid, []byte(k), []byte(k+"v")))
	}

	pairs, err := eng.Scan(NoTx, tid, []byte("b"), []byte("d"), 0)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, "b", string(pairs[0].Key))
	assert.Equal(t, "c", string(pairs[1].Key))
}

func TestScanLimit(t *testing.T) {
	eng := newTestEngine(t)
	tid, err := eng.CreateTable("t", PartitionRange)
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, eng.Set(NoTx, tid, []byte(k), nil))
	}
	pairs, err := eng.Scan(NoTx, tid, []byte("a"), nil, 2)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, "a", string(pairs[0].Key))
	assert.Equal(t, "b", string(pairs[1].Key))
}

func TestBatchExecuteAllSucceed(t *testing.T) {
	eng := newTestEngine(t)
	tid, err := eng.CreateTable("t", PartitionRange)
	require.NoError(t, err)

	results, err := eng.BatchExecute(NoTx, []Op{
		{Table: tid, Key: []byte("a"), Value: []byte("1")},
		{Table: tid, Key: []byte("b"), Value: []byte("2")},
	})
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, SUCCESS, r.Code)
	}
}

func TestClearStoragePreservesTableIDs(t *testing.T) {
	eng := newTestEngine(t)
	tid, err := eng.CreateTable("t", PartitionRange)
	require.NoError(t, err)
	require.NoError(t, eng.Set(NoTx, tid, []byte("k"), []byte("v")))

	require.NoError(t, eng.ClearStorage())

	gotID, _, ok := eng.GetTableID("t")
	require.True(t, ok)
	assert.Equal(t, tid, gotID)

	_, found, err := eng.Get(NoTx, tid, []byte("k"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHasAnyRows(t *testing.T) {
	eng := newTestEngine(t)
	tid, err := eng.CreateTable("t", PartitionRange)
	require.NoError(t, err)

	has, err := eng.HasAnyRows()
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, eng.Set(NoTx, tid, []byte("k"), []byte("v")))
	has, err = eng.HasAnyRows()
	require.NoError(t, err)
	assert.True(t, has)
}

func TestStableTableIDAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kvt.db")
	eng, err := NewEngine(DefaultEngineConfig(path))
	require.NoError(t, err)
	id, err := eng.CreateTable("t", PartitionRange)
	require.NoError(t, err)
	require.NoError(t, eng.Shutdown())

	eng2, err := NewEngine(DefaultEngineConfig(path))
	require.NoError(t, err)
	defer eng2.Shutdown()

	gotID, _, ok := eng2.GetTableID("t")
	require.True(t, ok)
	assert.Equal(t, id, gotID)
}
