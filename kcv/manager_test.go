package kcv

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvtgraph/storage/codec"
)

func TestOpenDatabaseIsIdempotent(t *testing.T) {
	m := newTestManager(t, codec.Composite)
	s1, err := m.OpenDatabase("edgestore")
	require.NoError(t, err)
	s2, err := m.OpenDatabase("edgestore")
	require.NoError(t, err)
	assert.Same(t, s1, s2)
}

func TestExistsFalseUntilFirstWrite(t *testing.T) {
	m := newTestManager(t, codec.Composite)
	has, err := m.Exists()
	require.NoError(t, err)
	assert.False(t, has)

	store, err := m.OpenDatabase("t")
	require.NoError(t, err)
	tx, err := m.BeginTransaction()
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	has, err = m.Exists()
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, store.Mutate(nil, []byte("r"), EntryList{{Column: []byte("c"), Value: []byte("v")}}, nil))
	has, err = m.Exists()
	require.NoError(t, err)
	assert.True(t, has)
}

func TestGetFeaturesCompositeMode(t *testing.T) {
	m := newTestManager(t, codec.Composite)
	f, err := m.GetFeatures()
	require.NoError(t, err)
	assert.True(t, f.OrderedScan)
	assert.True(t, f.KeyOrdered)
	assert.True(t, f.UnorderedScan)
	assert.True(t, f.Transactional)
	assert.True(t, f.Locking)
	assert.False(t, f.OptimisticLocking)
	assert.False(t, f.Timestamps)
	assert.False(t, f.StoreTTL)
	assert.False(t, f.CellTTL)
}

func TestGetFeaturesSerializedMode(t *testing.T) {
	m := newTestManager(t, codec.Serialized)
	f, err := m.GetFeatures()
	require.NoError(t, err)
	assert.False(t, f.OrderedScan)
	assert.False(t, f.KeyOrdered)
	assert.True(t, f.UnorderedScan)
}

func TestCloseIsIdempotentAndBlocksFurtherOps(t *testing.T) {
	cfg := DefaultManagerConfig(filepath.Join(t.TempDir(), "kvt.db"))
	m, err := NewManager(cfg)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err = m.OpenDatabase("t")
	require.Error(t, err)
	var kerr *Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, IllegalState, kerr.Kind)

	_, err = m.Exists()
	require.Error(t, err)
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, IllegalState, kerr.Kind)

	_, err = m.GetFeatures()
	require.Error(t, err)
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, IllegalState, kerr.Kind)
}

func TestGetLocalKeyPartitionNotSupported(t *testing.T) {
	m := newTestManager(t, codec.Composite)
	_, err := m.GetLocalKeyPartition()
	assert.True(t, errors.Is(err, ErrNotSupported))
}

func TestStatsReportsNonZeroSize(t *testing.T) {
	m := newTestManager(t, codec.Composite)
	store, err := m.OpenDatabase("t")
	require.NoError(t, err)
	require.NoError(t, store.Mutate(nil, []byte("r"), EntryList{{Column: []byte("c"), Value: []byte("v")}}, nil))

	st, err := m.Stats()
	require.NoError(t, err)
	assert.Greater(t, st.Size, int64(0))
	assert.GreaterOrEqual(t, st.Size, st.SizeInUse)
}

func TestMutateManyAtomicAcrossStores(t *testing.T) {
	m := newTestManager(t, codec.Composite)
	_, err := m.OpenDatabase("store1")
	require.NoError(t, err)
	_, err = m.OpenDatabase("store2")
	require.NoError(t, err)

	tx, err := m.BeginTransaction()
	require.NoError(t, err)
	batch := NewMutationBatch().
		Add("store1", []byte("r"), []byte("c"), []byte("v1")).
		Add("store2", []byte("r"), []byte("c"), []byte("v2"))
	require.NoError(t, m.MutateMany(batch, tx))
	require.NoError(t, tx.Commit())

	s1, _ := m.OpenDatabase("store1")
	s2, _ := m.OpenDatabase("store2")
	got1, err := s1.GetSlice(nil, []byte("r"), SliceQuery{ColumnStart: []byte(""), ColumnEnd: []byte("~")})
	require.NoError(t, err)
	got2, err := s2.GetSlice(nil, []byte("r"), SliceQuery{ColumnStart: []byte(""), ColumnEnd: []byte("~")})
	require.NoError(t, err)
	require.Len(t, got1, 1)
	require.Len(t, got2, 1)
	assert.Equal(t, "v1", string(got1[0].Value))
	assert.Equal(t, "v2", string(got2[0].Value))
}

func TestMutateManyDeletionsBeforeAdditions(t *testing.T) {
	m := newTestManager(t, codec.Composite)
	store, err := m.OpenDatabase("t")
	require.NoError(t, err)

	tx, err := m.BeginTransaction()
	require.NoError(t, err)
	require.NoError(t, store.Mutate(tx, []byte("r"), EntryList{
		{Column: []byte("c1"), Value: []byte("a")},
		{Column: []byte("c2"), Value: []byte("b")},
	}, nil))
	require.NoError(t, tx.Commit())

	tx, err = m.BeginTransaction()
	require.NoError(t, err)
	batch := NewMutationBatch().
		Delete("t", []byte("r"), []byte("c1")).
		Delete("t", []byte("r"), []byte("c2")).
		Add("t", []byte("r"), []byte("c2"), []byte("B"))
	require.NoError(t, m.MutateMany(batch, tx))
	require.NoError(t, tx.Commit())

	got, err := store.GetSlice(nil, []byte("r"), SliceQuery{ColumnStart: []byte(""), ColumnEnd: []byte("~")})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c2", string(got[0].Column))
	assert.Equal(t, "B", string(got[0].Value))
}

func TestMutateManySerializedFallsBackToPerRowMutate(t *testing.T) {
	m := newTestManager(t, codec.Serialized)
	store, err := m.OpenDatabase("t")
	require.NoError(t, err)

	tx, err := m.BeginTransaction()
	require.NoError(t, err)
	batch := NewMutationBatch().
		Add("t", []byte("r"), []byte("b"), []byte("2")).
		Add("t", []byte("r"), []byte("a"), []byte("1"))
	require.NoError(t, m.MutateMany(batch, tx))
	require.NoError(t, tx.Commit())

	got, err := store.GetSlice(nil, []byte("r"), SliceQuery{ColumnStart: []byte(""), ColumnEnd: []byte("~")})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", string(got[0].Column))
	assert.Equal(t, "b", string(got[1].Column))
}

func TestClearStorageKeepsManagerUsable(t *testing.T) {
	m := newTestManager(t, codec.Composite)
	store, err := m.OpenDatabase("t")
	require.NoError(t, err)
	require.NoError(t, store.Mutate(nil, []byte("r"), EntryList{{Column: []byte("c"), Value: []byte("v")}}, nil))

	require.NoError(t, m.ClearStorage())

	has, err := m.Exists()
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, store.Mutate(nil, []byte("r2"), EntryList{{Column: []byte("c"), Value: []byte("v")}}, nil))
	has, err = m.Exists()
	require.NoError(t, err)
	assert.True(t, has)
}
