// Package kvtnative implements the native KVT boundary on top of
// go.etcd.io/bbolt: a single-writer, ACID, byte-ordered embedded store.
// Every exported Engine method is the Go-side stand-in for what would, in
// a foreign-function deployment, be a call across a cgo or JNI seam: the
// data-path methods copy buffers at the boundary (CopyBytes) and turn a
// bbolt panic into an error (guardPanic; see its comment for which methods
// are covered), even though there is no actual process boundary here.
package kvtnative

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// PartitionKind is the partitioning hint a table declares at creation:
// range-partitioned tables support ordered scans, hash tables do not.
type PartitionKind int

const (
	PartitionRange PartitionKind = iota
	PartitionHash
)

func (p PartitionKind) String() string {
	if p == PartitionRange {
		return "range"
	}
	return "hash"
}

// registryBucket is the reserved top-level bbolt bucket holding the
// name -> (TableID, PartitionKind) mapping, so TableIDs are stable for
// the life of the process and, since the mapping is persisted, across
// restarts against the same file.
var registryBucket = []byte("__kvt_registry__")

var (
	metricsOnce sync.Once

	txBegins        *metrics.Counter
	txCommits       *metrics.Counter
	txRollbacks     *metrics.Counter
	txConflicts     *metrics.Counter
	scanOps         *metrics.Counter
	getOps          *metrics.Counter
	setOps          *metrics.Counter
	delOps          *metrics.Counter
	tableCreateOps  *metrics.Counter
	tableExistsHits *metrics.Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		txBegins = metrics.NewCounter("kvt_tx_begins_total")
		txCommits = metrics.NewCounter("kvt_tx_commits_total")
		txRollbacks = metrics.NewCounter("kvt_tx_rollbacks_total")
		txConflicts = metrics.NewCounter("kvt_tx_conflicts_total")
		scanOps = metrics.NewCounter("kvt_scan_total")
		getOps = metrics.NewCounter("kvt_get_total")
		setOps = metrics.NewCounter("kvt_set_total")
		delOps = metrics.NewCounter("kvt_del_total")
		tableCreateOps = metrics.NewCounter("kvt_table_create_total")
		tableExistsHits = metrics.NewCounter("kvt_table_lookup_total")
	})
}

// EngineConfig configures a new Engine.
type EngineConfig struct {
	// Path is the file path of the embedded store, created if absent.
	Path string
	// Logger logs engine-side lifecycle and failure events. Defaults to
	// a no-op logger.
	Logger *zap.Logger
	// Timeout bounds how long Open waits to acquire the file lock.
	Timeout time.Duration
}

// DefaultEngineConfig returns sensible defaults for a store at path.
func DefaultEngineConfig(path string) EngineConfig {
	return EngineConfig{Path: path, Timeout: 2 * time.Second}
}

type tableMeta struct {
	id        TableID
	partition PartitionKind
}

// Engine is the native KVT runtime: a registry of tables over one
// bbolt.DB, plus the in-flight transaction table that hands out TxIDs.
type Engine struct {
	mu sync.RWMutex
	db *bolt.DB
	lg *zap.Logger

	tablesMu  sync.RWMutex
	byName    map[string]tableMeta
	byID      map[TableID]string
	nextTable int64

	txsMu    sync.Mutex
	txs      map[TxID]*nativeTx
	nextTxID int64

	closed bool
}

type nativeTx struct {
	mu   sync.Mutex
	tx   *bolt.Tx
	done bool
}

// NewEngine opens (creating if absent) the embedded store and rebuilds
// its in-memory table registry. A refusal from bbolt surfaces as a
// Permanent-coded error.
func NewEngine(cfg EngineConfig) (eng *Engine, err error) {
	initMetrics()
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.Timeout})
	if err != nil {
		return nil, coded(Permanent, "NewEngine", fmt.Errorf("open store: %w", err))
	}

	e := &Engine{
		db:     db,
		lg:     cfg.Logger,
		byName: make(map[string]tableMeta),
		byID:   make(map[TableID]string),
		txs:    make(map[TxID]*nativeTx),
	}

	if err := e.loadRegistry(); err != nil {
		_ = db.Close()
		return nil, coded(Permanent, "NewEngine", err)
	}
	e.lg.Info("kvt engine opened", zap.String("path", cfg.Path), zap.Int("tables", len(e.byName)))
	return e, nil
}

func (e *Engine) loadRegistry() error {
	return e.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(registryBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			if len(v) != 9 {
				return fmt.Errorf("corrupt registry entry for table %q", k)
			}
			id := TableID(binary.BigEndian.Uint64(v[:8]))
			partition := PartitionKind(v[8])
			e.byName[string(k)] = tableMeta{id: id, partition: partition}
			e.byID[id] = string(k)
			if int64(id) > e.nextTable {
				e.nextTable = int64(id)
			}
			return nil
		})
	})
}

// Shutdown closes the engine. Idempotent.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.lg.Info("kvt engine closing")
	if err := e.db.Close(); err != nil {
		return coded(Permanent, "Shutdown", err)
	}
	return nil
}

func (e *Engine) checkOpen(op string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return coded(Permanent, op, errors.New("engine is closed"))
	}
	return nil
}

// CreateTable creates a new table with the given partitioning hint. It
// fails with a TableAlreadyExists-coded error if the name is already
// registered, rather than being idempotent itself; idempotency
// (put-if-absent) is the store manager's job, built from this plus
// GetTableID.
func (e *Engine) CreateTable(name string, partition PartitionKind) (id TableID, err error) {
	defer guardPanic("CreateTable", &err)
	if err := e.checkOpen("CreateTable"); err != nil {
		return 0, err
	}
	tableCreateOps.Inc()

	e.tablesMu.Lock()
	defer e.tablesMu.Unlock()
	if _, ok := e.byName[name]; ok {
		return 0, coded(TableAlreadyExists, "CreateTable", fmt.Errorf("table %q already exists", name))
	}

	newID := TableID(atomic.AddInt64(&e.nextTable, 1))
	err = e.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucket([]byte(name)); err != nil {
			return err
		}
		b := tx.Bucket(registryBucket)
		val := make([]byte, 9)
		binary.BigEndian.PutUint64(val[:8], uint64(newID))
		val[8] = byte(partition)
		return b.Put([]byte(name), val)
	})
	if err != nil {
		return 0, coded(Permanent, "CreateTable", err)
	}
	e.byName[name] = tableMeta{id: newID, partition: partition}
	e.byID[newID] = name
	e.lg.Debug("table created", zap.String("name", name), zap.Int64("id", int64(newID)), zap.Stringer("partition", partition))
	return newID, nil
}

// GetTableID looks up a table's stable identifier and partitioning by
// name without creating it.
func (e *Engine) GetTableID(name string) (id TableID, partition PartitionKind, ok bool) {
	tableExistsHits.Inc()
	e.tablesMu.RLock()
	defer e.tablesMu.RUnlock()
	m, ok := e.byName[name]
	if !ok {
		return 0, 0, false
	}
	return m.id, m.partition, true
}

func (e *Engine) tableName(id TableID) (string, bool) {
	e.tablesMu.RLock()
	defer e.tablesMu.RUnlock()
	name, ok := e.byID[id]
	return name, ok
}

// AllTables returns every registered table name in ascending order.
func (e *Engine) AllTables() []string {
	e.tablesMu.RLock()
	defer e.tablesMu.RUnlock()
	names := make([]string, 0, len(e.byName))
	for n := range e.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// StartTx begins a new native transaction and returns its handle. Every
// transaction is opened writable: the KCV contract does not distinguish
// read-only transactions up front, and bbolt transactions opened
// writable can both read and write. With a single bbolt.DB this
// serializes concurrent writers; callers may block waiting for the
// engine's lock.
func (e *Engine) StartTx() (id TxID, err error) {
	defer guardPanic("StartTx", &err)
	if err := e.checkOpen("StartTx"); err != nil {
		return 0, err
	}
	tx, err := e.db.Begin(true)
	if err != nil {
		return 0, coded(Permanent, "StartTx", fmt.Errorf("resources exhausted: %w", err))
	}
	txBegins.Inc()

	e.txsMu.Lock()
	defer e.txsMu.Unlock()
	newID := TxID(atomic.AddInt64(&e.nextTxID, 1))
	e.txs[newID] = &nativeTx{tx: tx}
	return newID, nil
}

var (
	// ErrUnknownTx is returned (wrapped in a CodedError) when a TxID does
	// not correspond to any in-flight transaction.
	ErrUnknownTx = errors.New("kvtnative: unknown transaction handle")
	// ErrTxClosed is returned when a TxID has already been committed or
	// rolled back; any further use of the handle is an error.
	ErrTxClosed = errors.New("kvtnative: transaction already committed or rolled back")
)

func (e *Engine) lookupTx(id TxID) (*nativeTx, error) {
	e.txsMu.Lock()
	defer e.txsMu.Unlock()
	nt, ok := e.txs[id]
	if !ok {
		return nil, coded(Permanent, "lookupTx", ErrUnknownTx)
	}
	if nt.done {
		return nil, coded(Permanent, "lookupTx", ErrTxClosed)
	}
	return nt, nil
}

func (e *Engine) forgetTx(id TxID) {
	e.txsMu.Lock()
	defer e.txsMu.Unlock()
	delete(e.txs, id)
}

// CommitTx commits a previously begun transaction. A bbolt
// conflict/deadlock surfaces as ConflictOrDeadlock; any other bbolt
// failure as Permanent.
func (e *Engine) CommitTx(id TxID) (err error) {
	defer guardPanic("CommitTx", &err)
	nt, lookupErr := e.lookupTx(id)
	if lookupErr != nil {
		return lookupErr
	}
	nt.mu.Lock()
	defer nt.mu.Unlock()
	if nt.done {
		return coded(Permanent, "CommitTx", ErrTxClosed)
	}
	err = nt.tx.Commit()
	nt.done = true
	e.forgetTx(id)
	if err != nil {
		if errors.Is(err, bolt.ErrTxClosed) || errors.Is(err, bolt.ErrDatabaseNotOpen) {
			txConflicts.Inc()
			return coded(ConflictOrDeadlock, "CommitTx", err)
		}
		return coded(Permanent, "CommitTx", err)
	}
	txCommits.Inc()
	return nil
}

// RollbackTx rolls back a transaction. Rollback is best-effort and
// never fails observably: any bbolt error is logged and swallowed.
func (e *Engine) RollbackTx(id TxID) {
	nt, err := e.lookupTx(id)
	if err != nil {
		return
	}
	nt.mu.Lock()
	defer nt.mu.Unlock()
	if nt.done {
		return
	}
	nt.done = true
	e.forgetTx(id)
	if rerr := nt.tx.Rollback(); rerr != nil {
		e.lg.Warn("rollback failed; swallowing per best-effort contract", zap.Error(rerr))
	}
	txRollbacks.Inc()
}

// withTx runs fn against the bbolt.Tx for id, or against a short-lived
// autocommit transaction when id == NoTx. write selects whether the
// autocommit path uses db.Update (read-write) or db.View (read-only).
func (e *Engine) withTx(id TxID, write bool, fn func(tx *bolt.Tx) error) error {
	if id == NoTx {
		if write {
			if err := e.db.Update(fn); err != nil {
				return classifyAutocommit(err)
			}
			return nil
		}
		if err := e.db.View(fn); err != nil {
			return classifyAutocommit(err)
		}
		return nil
	}
	nt, err := e.lookupTx(id)
	if err != nil {
		return err
	}
	nt.mu.Lock()
	defer nt.mu.Unlock()
	if nt.done {
		return coded(Permanent, "withTx", ErrTxClosed)
	}
	return fn(nt.tx)
}

func classifyAutocommit(err error) error {
	var ce *CodedError
	if errors.As(err, &ce) {
		return err
	}
	return coded(Permanent, "autocommit", err)
}

func (e *Engine) bucket(tx *bolt.Tx, table TableID) (*bolt.Bucket, error) {
	name, ok := e.tableName(table)
	if !ok {
		return nil, coded(Permanent, "bucket", fmt.Errorf("unknown table id %d", table))
	}
	b := tx.Bucket([]byte(name))
	if b == nil {
		return nil, coded(Permanent, "bucket", fmt.Errorf("table %q has no backing bucket", name))
	}
	return b, nil
}

// Set stores value under key in table.
func (e *Engine) Set(id TxID, table TableID, key, value []byte) (err error) {
	defer guardPanic("Set", &err)
	err = e.withTx(id, true, func(tx *bolt.Tx) error {
		b, berr := e.bucket(tx, table)
		if berr != nil {
			return berr
		}
		return b.Put(CopyBytes(key), CopyBytes(value))
	})
	if err != nil {
		return classify("Set", err)
	}
	setOps.Inc()
	return nil
}

// Get fetches a value by exact key. A missing key is reported via
// ok=false, never as an error, so slice reads built on it can return
// empty results instead of propagating NotFound.
func (e *Engine) Get(id TxID, table TableID, key []byte) (value []byte, ok bool, err error) {
	defer guardPanic("Get", &err)
	err = e.withTx(id, false, func(tx *bolt.Tx) error {
		b, berr := e.bucket(tx, table)
		if berr != nil {
			return berr
		}
		v := b.Get(key)
		if v == nil {
			return nil
		}
		value = CopyBytes(v)
		ok = true
		return nil
	})
	if err != nil {
		return nil, false, classify("Get", err)
	}
	getOps.Inc()
	return value, ok, nil
}

// Del removes key from table. Deleting an absent key is not an error.
func (e *Engine) Del(id TxID, table TableID, key []byte) (err error) {
	defer guardPanic("Del", &err)
	err = e.withTx(id, true, func(tx *bolt.Tx) error {
		b, berr := e.bucket(tx, table)
		if berr != nil {
			return berr
		}
		return b.Delete(key)
	})
	if err != nil {
		return classify("Del", err)
	}
	delOps.Inc()
	return nil
}

// Scan returns every (key, value) pair in [start, end) in ascending key
// order, truncated to limit if limit > 0; limit <= 0 means unlimited. A
// nil end means unbounded (scan to the last key in the table), which is
// how full-table enumeration is expressed without a 0xFF-repeated
// sentinel.
func (e *Engine) Scan(id TxID, table TableID, start, end []byte, limit int) (pairs []KV, err error) {
	defer guardPanic("Scan", &err)
	err = e.withTx(id, false, func(tx *bolt.Tx) error {
		b, berr := e.bucket(tx, table)
		if berr != nil {
			return berr
		}
		c := b.Cursor()
		count := 0
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			if end != nil && bytes.Compare(k, end) >= 0 {
				break
			}
			pairs = append(pairs, KV{Key: CopyBytes(k), Value: CopyBytes(v)})
			count++
			if limit > 0 && count >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify("Scan", err)
	}
	scanOps.Inc()
	return pairs, nil
}

// BatchExecute applies a sequence of Set/Delete operations against
// (possibly several) tables within one transaction, used by
// kcv.Manager.MutateMany under composite-key encoding. If every
// operation succeeds the
// returned results are all SUCCESS; if any fail, the overall error is
// coded BatchNotFullySuccessful and results reports which.
func (e *Engine) BatchExecute(id TxID, ops []Op) (results []OpResult, err error) {
	defer guardPanic("BatchExecute", &err)
	results = make([]OpResult, len(ops))
	failed := false
	applyErr := e.withTx(id, true, func(tx *bolt.Tx) error {
		for i, op := range ops {
			b, berr := e.bucket(tx, op.Table)
			if berr != nil {
				results[i] = OpResult{Index: i, Code: Permanent, Err: berr}
				failed = true
				continue
			}
			var opErr error
			if op.Delete {
				opErr = b.Delete(op.Key)
			} else {
				opErr = b.Put(CopyBytes(op.Key), CopyBytes(op.Value))
			}
			if opErr != nil {
				results[i] = OpResult{Index: i, Code: Permanent, Err: opErr}
				failed = true
				continue
			}
			results[i] = OpResult{Index: i, Code: SUCCESS}
		}
		return nil
	})
	if applyErr != nil {
		return nil, classify("BatchExecute", applyErr)
	}
	if failed {
		return results, coded(BatchNotFullySuccessful, "BatchExecute", errors.New("one or more operations failed"))
	}
	return results, nil
}

// Stats reports the physically allocated and in-use size of the store.
type Stats struct {
	Size      int64
	SizeInUse int64
}

func (e *Engine) Stats() (Stats, error) {
	var st Stats
	err := e.db.View(func(tx *bolt.Tx) error {
		st.Size = tx.Size()
		dbStats := tx.DB().Stats()
		st.SizeInUse = st.Size - int64(dbStats.FreePageN)*int64(tx.DB().Info().PageSize)
		return nil
	})
	if err != nil {
		return Stats{}, coded(Permanent, "Stats", err)
	}
	return st, nil
}

// HasAnyRows reports whether any registered table holds at least one
// key, used by kcv.Manager.Exists.
func (e *Engine) HasAnyRows() (bool, error) {
	found := false
	err := e.db.View(func(tx *bolt.Tx) error {
		for _, name := range e.AllTables() {
			b := tx.Bucket([]byte(name))
			if b == nil {
				continue
			}
			if k, _ := b.Cursor().First(); k != nil {
				found = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return false, coded(Permanent, "HasAnyRows", err)
	}
	return found, nil
}

// ClearStorage empties every registered table's contents while keeping
// the tables (and their TableIDs) registered.
func (e *Engine) ClearStorage() error {
	names := e.AllTables()
	err := e.db.Update(func(tx *bolt.Tx) error {
		for _, name := range names {
			if err := tx.DeleteBucket([]byte(name)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return coded(Permanent, "ClearStorage", err)
	}
	e.lg.Info("storage cleared", zap.Int("tables", len(names)))
	return nil
}

func classify(op string, err error) error {
	var ce *CodedError
	if errors.As(err, &ce) {
		return err
	}
	return coded(Permanent, op, err)
}
