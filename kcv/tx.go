package kcv

import (
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/kvtgraph/storage/kvtnative"
)

// State is a transaction handle's local lifecycle state: Open until
// exactly one of Commit or Rollback resolves it.
type State int

const (
	Open State = iota
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Open:
		return "Open"
	case Committed:
		return "Committed"
	case RolledBack:
		return "RolledBack"
	default:
		return "Unknown"
	}
}

// Tx is a transaction handle. Its underlying native resource is
// exclusively owned by this object; dropping it without an explicit
// Commit/Rollback must roll it back. The primary discipline for that is
// the caller's own `defer tx.Rollback()`; the runtime.SetFinalizer below
// is only a backstop for callers that forget.
type Tx struct {
	eng *kvtnative.Engine
	lg  *zap.Logger
	id  kvtnative.TxID

	mu    sync.Mutex
	state State
}

func newTx(eng *kvtnative.Engine, lg *zap.Logger, id kvtnative.TxID) *Tx {
	t := &Tx{eng: eng, lg: lg, id: id, state: Open}
	runtime.SetFinalizer(t, finalizeTx)
	return t
}

func finalizeTx(t *Tx) {
	t.mu.Lock()
	leaked := t.state == Open
	t.mu.Unlock()
	if !leaked {
		return
	}
	t.lg.Warn("transaction handle dropped without commit/rollback; rolling back",
		zap.Int64("tx_id", int64(t.id)))
	t.Rollback()
}

// ID returns the native transaction handle this Tx wraps, or
// kvtnative.NoTx if t is nil (the autocommit sentinel).
func (t *Tx) ID() kvtnative.TxID {
	if t == nil {
		return kvtnative.NoTx
	}
	return t.id
}

// State returns the transaction's current local state.
func (t *Tx) State() State {
	if t == nil {
		return Committed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Commit resolves an Open transaction to Committed. Committing a
// transaction not in Open state is IllegalState; a backend
// conflict/deadlock is BackendConflict.
func (t *Tx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Open {
		return illegalState("Tx.Commit", errNotOpen(t.state))
	}
	if err := t.eng.CommitTx(t.id); err != nil {
		return fromNative("Tx.Commit", err)
	}
	t.state = Committed
	runtime.SetFinalizer(t, nil)
	return nil
}

// Rollback resolves an Open transaction to RolledBack. Best-effort:
// rollback never fails observably to the caller; any underlying failure
// is logged by kvtnative and swallowed here too.
// Rolling back an already-resolved transaction is a no-op, so callers can
// always safely `defer tx.Rollback()` after a successful Commit.
func (t *Tx) Rollback() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Open {
		return
	}
	t.eng.RollbackTx(t.id)
	t.state = RolledBack
	runtime.SetFinalizer(t, nil)
}

func errNotOpen(s State) error {
	return &txStateError{s}
}

type txStateError struct{ state State }

func (e *txStateError) Error() string {
	return "transaction is not Open (state: " + e.state.String() + ")"
}
