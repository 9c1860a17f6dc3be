package kcv

import (
	"errors"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/kvtgraph/storage/codec"
	"github.com/kvtgraph/storage/kvtnative"
)

// ErrNotSupported is returned by operations the underlying KVT
// legitimately does not offer. It is a plain sentinel, not a *kcv.Error,
// since the consumer is expected to check features first rather than
// branch on error Kind for this case.
var ErrNotSupported = errors.New("kcv: operation not supported by this backend")

// KeyRange is the key-range hint returned by GetLocalKeyPartition.
type KeyRange struct {
	Start []byte
	End   []byte
}

// Stats reports manager-wide size accounting.
type Stats struct {
	Size      int64
	SizeInUse int64
}

// storeEntry is the btree.Item registered per open Store, ordered by
// name so Close iterates stores deterministically.
type storeEntry struct {
	name  string
	store *Store
}

func (e *storeEntry) Less(other btree.Item) bool {
	return e.name < other.(*storeEntry).name
}

// Manager is the store manager: a process-wide registry of open tables
// plus a handle to the underlying KVT runtime.
type Manager struct {
	cfg ManagerConfig
	eng *kvtnative.Engine
	lg  *zap.Logger

	mu     sync.Mutex
	stores *btree.BTree
	closed bool
}

// NewManager initializes the underlying KVT and returns an empty
// manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	eng, err := kvtnative.NewEngine(kvtnative.EngineConfig{
		Path:    cfg.Path,
		Logger:  cfg.Logger,
		Timeout: cfg.Timeout,
	})
	if err != nil {
		return nil, fromNative("NewManager", err)
	}
	return &Manager{
		cfg:    cfg,
		eng:    eng,
		lg:     cfg.Logger,
		stores: btree.New(32),
	}, nil
}

func (m *Manager) checkOpen(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return illegalState(op, errors.New("manager is closed"))
	}
	return nil
}

func partitionFor(mode codec.Mode) kvtnative.PartitionKind {
	if mode.SupportsOrderedScan() {
		return kvtnative.PartitionRange
	}
	return kvtnative.PartitionHash
}

// OpenDatabase returns the Store for name, creating the underlying table
// if absent. Idempotent: a second open by the same name returns the same
// *Store, and concurrent creation races resolve to a single winner.
func (m *Manager) OpenDatabase(name string) (*Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, illegalState("OpenDatabase", errors.New("manager is closed"))
	}
	if item := m.stores.Get(&storeEntry{name: name}); item != nil {
		return item.(*storeEntry).store, nil
	}

	table, _, ok := m.eng.GetTableID(name)
	if !ok {
		id, err := m.eng.CreateTable(name, partitionFor(m.cfg.Mode))
		if err != nil {
			var ce *kvtnative.CodedError
			if errors.As(err, &ce) && ce.Code == kvtnative.TableAlreadyExists {
				// Lost a creation race to another caller; look it up
				// instead of failing.
				table, _, ok = m.eng.GetTableID(name)
				if !ok {
					return nil, fromNative("OpenDatabase", err)
				}
			} else {
				return nil, fromNative("OpenDatabase", err)
			}
		} else {
			table = id
		}
	}

	s := newStore(m, name, table, m.cfg.Mode, m.eng, m.lg)
	m.stores.ReplaceOrInsert(&storeEntry{name: name, store: s})
	return s, nil
}

func (m *Manager) forgetStore(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores.Delete(&storeEntry{name: name})
}

// BeginTransaction starts a new transaction.
func (m *Manager) BeginTransaction() (*Tx, error) {
	if err := m.checkOpen("BeginTransaction"); err != nil {
		return nil, err
	}
	id, err := m.eng.StartTx()
	if err != nil {
		return nil, fromNative("BeginTransaction", err)
	}
	return newTx(m.eng, m.lg, id), nil
}

// MutateMany applies every (store, rowKey, additions, deletions) in batch
// under tx, opening stores as needed; atomicity follows the containing
// tx. Under composite-key encoding with an explicit transaction the
// whole batch is flattened into one native BatchExecute call; otherwise
// it falls back to per-row Store.Mutate, which enforces the same
// autocommit restrictions as a direct call.
func (m *Manager) MutateMany(batch *MutationBatch, tx *Tx) error {
	if err := m.checkOpen("MutateMany"); err != nil {
		return err
	}
	if batch == nil {
		return nil
	}
	if m.cfg.Mode == codec.Composite && tx != nil {
		return m.mutateManyBatch(batch, tx)
	}
	return batch.forEach(func(storeName string, key []byte, rm *RowMutation) error {
		store, err := m.OpenDatabase(storeName)
		if err != nil {
			return err
		}
		return store.Mutate(tx, key, rm.Additions, rm.Deletions)
	})
}

// mutateManyBatch flattens the batch into native ops, deletions before
// additions within each row, and applies them in one BatchExecute call
// under tx.
func (m *Manager) mutateManyBatch(batch *MutationBatch, tx *Tx) error {
	if tx.State() != Open {
		return illegalState("MutateMany", errNotOpen(tx.State()))
	}
	var ops []kvtnative.Op
	err := batch.forEach(func(storeName string, key []byte, rm *RowMutation) error {
		if len(rm.Additions) == 0 && len(rm.Deletions) == 0 {
			return nil
		}
		store, err := m.OpenDatabase(storeName)
		if err != nil {
			return err
		}
		if err := codec.ValidateComponent("MutateMany", key); err != nil {
			return illegalArg("MutateMany", "%s", err)
		}
		store.mutateCounter().Inc()
		for _, col := range rm.Deletions {
			k, err := codec.EncodeStoredKey(key, col)
			if err != nil {
				return illegalArg("MutateMany", "%s", err)
			}
			ops = append(ops, kvtnative.Op{Table: store.table, Key: k, Delete: true})
		}
		for _, a := range rm.Additions {
			k, err := codec.EncodeStoredKey(key, a.Column)
			if err != nil {
				return illegalArg("MutateMany", "%s", err)
			}
			ops = append(ops, kvtnative.Op{Table: store.table, Key: k, Value: a.Value})
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	if _, err := m.eng.BatchExecute(tx.ID(), ops); err != nil {
		return fromNative("MutateMany", err)
	}
	return nil
}

// ClearStorage drops all rows of all registered tables; the manager
// remains usable.
func (m *Manager) ClearStorage() error {
	if err := m.checkOpen("ClearStorage"); err != nil {
		return err
	}
	if err := m.eng.ClearStorage(); err != nil {
		return fromNative("ClearStorage", err)
	}
	return nil
}

// Exists reports whether the manager is open and the KVT has any rows.
func (m *Manager) Exists() (bool, error) {
	if err := m.checkOpen("Exists"); err != nil {
		return false, err
	}
	has, err := m.eng.HasAnyRows()
	if err != nil {
		return false, fromNative("Exists", err)
	}
	return has, nil
}

// GetFeatures advertises the capabilities of this manager's encoding
// mode. Like every other Manager method, it fails with IllegalState once the
// manager is closed rather than keep answering from stale config.
func (m *Manager) GetFeatures() (StoreFeatures, error) {
	if err := m.checkOpen("GetFeatures"); err != nil {
		return StoreFeatures{}, err
	}
	ordered := m.cfg.Mode.SupportsOrderedScan()
	return StoreFeatures{
		Transactional:     true,
		Locking:           true,
		OptimisticLocking: false,
		BatchMutation:     true,
		MultiQuery:        true,
		OrderedScan:       ordered,
		UnorderedScan:     true,
		KeyOrdered:        ordered,
		Persists:          true,
		Distributed:       false,
		Timestamps:        false,
		StoreTTL:          false,
		CellTTL:           false,
	}, nil
}

// GetLocalKeyPartition reports that local key-range hints are not
// supported by this backend. Consumers check features first, so this is
// never a usage error.
func (m *Manager) GetLocalKeyPartition() (KeyRange, error) {
	if err := m.checkOpen("GetLocalKeyPartition"); err != nil {
		return KeyRange{}, err
	}
	return KeyRange{}, ErrNotSupported
}

// Stats reports the manager's underlying store size, logging the values
// human-readably.
func (m *Manager) Stats() (Stats, error) {
	if err := m.checkOpen("Stats"); err != nil {
		return Stats{}, err
	}
	st, err := m.eng.Stats()
	if err != nil {
		return Stats{}, fromNative("Stats", err)
	}
	m.lg.Debug("storage stats",
		zap.String("size", humanize.Bytes(uint64(st.Size))),
		zap.String("size_in_use", humanize.Bytes(uint64(st.SizeInUse))))
	return Stats{Size: st.Size, SizeInUse: st.SizeInUse}, nil
}

// Close closes all stores, then shuts down the underlying KVT.
// Idempotent; after Close returns, every Manager/Store operation fails
// with IllegalState.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.stores.Ascend(func(item btree.Item) bool {
		item.(*storeEntry).store.markClosed()
		return true
	})
	m.stores = btree.New(32)
	m.mu.Unlock()

	if err := m.eng.Shutdown(); err != nil {
		return fromNative("Close", err)
	}
	return nil
}
