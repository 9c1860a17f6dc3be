package kcv

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvtgraph/storage/codec"
)

func newTestManager(t *testing.T, mode codec.Mode) *Manager {
	t.Helper()
	cfg := DefaultManagerConfig(filepath.Join(t.TempDir(), "kvt.db"))
	cfg.Mode = mode
	m, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestTxCommitTransitionsState(t *testing.T) {
	m := newTestManager(t, codec.Composite)
	tx, err := m.BeginTransaction()
	require.NoError(t, err)
	assert.Equal(t, Open, tx.State())

	require.NoError(t, tx.Commit())
	assert.Equal(t, Committed, tx.State())
}

func TestTxRollbackTransitionsState(t *testing.T) {
	m := newTestManager(t, codec.Composite)
	tx, err := m.BeginTransaction()
	require.NoError(t, err)

	tx.Rollback()
	assert.Equal(t, RolledBack, tx.State())
}

func TestTxCommitTwiceFails(t *testing.T) {
	m := newTestManager(t, codec.Composite)
	tx, err := m.BeginTransaction()
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	err = tx.Commit()
	require.Error(t, err)
	var kerr *Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, IllegalState, kerr.Kind)
}

func TestTxRollbackAfterCommitIsNoop(t *testing.T) {
	m := newTestManager(t, codec.Composite)
	tx, err := m.BeginTransaction()
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.NotPanics(t, func() { tx.Rollback() })
	assert.Equal(t, Committed, tx.State())
}

func TestNilTxIsAutocommitSentinel(t *testing.T) {
	var tx *Tx
	assert.Equal(t, Committed, tx.State())
}
