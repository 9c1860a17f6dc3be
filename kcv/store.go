package kcv

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"go.uber.org/zap"

	"github.com/kvtgraph/storage/bytekey"
	"github.com/kvtgraph/storage/codec"
	"github.com/kvtgraph/storage/kvtnative"
)

// Per-store counters use the labeled form (GetOrCreateCounter with a
// `{store="..."}` suffix) rather than a fixed name per metric, since a
// Store's identity is only known at OpenDatabase time.
func (s *Store) mutateCounter() *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`kvt_store_mutate_total{store=%q}`, s.name))
}

func (s *Store) sliceCounter() *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`kvt_store_slice_total{store=%q}`, s.name))
}

func (s *Store) scanCounter() *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`kvt_store_scan_total{store=%q}`, s.name))
}

// columnInRange reports whether column falls in [start, end) using
// bytekey.ByteSeq's unsigned lexicographic ordering. A nil bound is open
// on that side, matching the unbounded-scan convention used throughout
// GetKeys/GetKeysRange.
func columnInRange(column, start, end []byte) bool {
	c := bytekey.Wrap(column)
	if start != nil && c.Less(bytekey.Wrap(start)) {
		return false
	}
	if end != nil && !c.Less(bytekey.Wrap(end)) {
		return false
	}
	return true
}

// Store is one table's worth of row/column/value storage. A Store is
// obtained from Manager.OpenDatabase and is safe for
// concurrent use by multiple goroutines, each owning its own Tx.
type Store struct {
	name  string
	table kvtnative.TableID
	mode  codec.Mode
	eng   *kvtnative.Engine
	lg    *zap.Logger
	mgr   *Manager

	mu     sync.RWMutex
	closed bool
}

func newStore(mgr *Manager, name string, table kvtnative.TableID, mode codec.Mode, eng *kvtnative.Engine, lg *zap.Logger) *Store {
	return &Store{mgr: mgr, name: name, table: table, mode: mode, eng: eng, lg: lg}
}

// Name returns the store's human-readable name.
func (s *Store) Name() string { return s.name }

// Close removes the store from its manager's registry. Closing an
// already-closed store is a no-op.
func (s *Store) Close() error {
	if !s.markClosed() {
		return nil
	}
	s.mgr.forgetStore(s.name)
	return nil
}

// markClosed flips the store to closed and reports whether this call was
// the one that did so. Used directly by Manager.Close, which is already
// tearing down the whole registry and must not re-enter its own mutex via
// forgetStore.
func (s *Store) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

func (s *Store) checkOpen(op string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return illegalState(op, errors.New("store is closed"))
	}
	return nil
}

// resolveTx translates a *Tx (or nil, meaning autocommit) into the
// native TxID to use, rejecting a multi-operation autocommit mutate
// under composite-key encoding: the composite autocommit path issues one
// native transaction per set/del, so it cannot make the ops atomic as a
// group. Serialized-columns mutates pass opCount 1: the whole merge is a
// single read-modify-write, made atomic under autocommit by an internal
// transaction in mutateSerialized.
func (s *Store) resolveTx(op string, tx *Tx, opCount int) (kvtnative.TxID, error) {
	if tx == nil {
		if opCount > 1 {
			return 0, illegalArg(op, "mutate with %d operations requires an explicit transaction (Tx=0 autocommit is not batch-atomic)", opCount)
		}
		return kvtnative.NoTx, nil
	}
	if tx.State() != Open {
		return 0, illegalState(op, errNotOpen(tx.State()))
	}
	return tx.ID(), nil
}

// AcquireLock is a no-op: the backend takes pessimistic locks implicitly
// on transactional reads and writes.
func (s *Store) AcquireLock(tx *Tx, key, column, expectedValue []byte) error {
	return s.checkOpen("AcquireLock")
}

// GetSlice returns the entries of row key with column in
// [q.ColumnStart, q.ColumnEnd), ascending, truncated to q.Limit if
// positive. An absent row yields an empty list.
func (s *Store) GetSlice(tx *Tx, key []byte, q SliceQuery) (EntryList, error) {
	if err := s.checkOpen("GetSlice"); err != nil {
		return nil, err
	}
	id, err := s.resolveTx("GetSlice", tx, 0)
	if err != nil {
		return nil, err
	}
	s.sliceCounter().Inc()
	switch s.mode {
	case codec.Composite:
		return s.getSliceComposite(id, key, q)
	default:
		return s.getSliceSerialized(id, key, q)
	}
}

// GetSliceMulti applies GetSlice independently to each key,
// returning one SliceResult per requested key in the order
// given, with an empty EntryList for keys that have no matching columns.
func (s *Store) GetSliceMulti(tx *Tx, q MultiSlicesQuery) ([]SliceResult, error) {
	if err := s.checkOpen("GetSliceMulti"); err != nil {
		return nil, err
	}
	out := make([]SliceResult, len(q.Keys))
	for i, k := range q.Keys {
		entries, err := s.GetSlice(tx, k, q.Query)
		if err != nil {
			return nil, err
		}
		out[i] = SliceResult{Key: k, Entries: entries}
	}
	return out, nil
}

// ContainsKey reports whether row key has any stored columns. Existence
// gets its own entry point rather than overloading a limit-1 slice, so
// limit semantics stay uniform everywhere else.
func (s *Store) ContainsKey(tx *Tx, key []byte) (bool, error) {
	if err := s.checkOpen("ContainsKey"); err != nil {
		return false, err
	}
	id, err := s.resolveTx("ContainsKey", tx, 0)
	if err != nil {
		return false, err
	}
	if s.mode == codec.Serialized {
		_, ok, err := s.eng.Get(id, s.table, key)
		if err != nil {
			return false, fromNative("ContainsKey", err)
		}
		return ok, nil
	}
	if err := codec.ValidateComponent("ContainsKey", key); err != nil {
		return false, illegalArg("ContainsKey", "%s", err)
	}
	start := codec.RowPrefix(key)
	end := rowUpperBound(key)
	pairs, err := s.eng.Scan(id, s.table, start, end, 1)
	if err != nil {
		return false, fromNative("ContainsKey", err)
	}
	return len(pairs) > 0, nil
}

// rowUpperBound returns the exclusive upper bound of every composite key
// belonging to rowKey: rowKey's encoded keyspace is [rowKey∥0x00,
// rowKey∥0x01) because columns are validated non-empty and separator-free
// (so the first byte after rowKey∥0x00 is never 0x00 itself) and rowKey
// itself may never contain the separator (so no other row's smallest key
// can fall inside this range).
func rowUpperBound(rowKey []byte) []byte {
	out := make([]byte, len(rowKey)+1)
	copy(out, rowKey)
	out[len(rowKey)] = codec.Separator + 1
	return out
}

func (s *Store) getSliceComposite(id kvtnative.TxID, key []byte, q SliceQuery) (EntryList, error) {
	if err := codec.ValidateComponent("GetSlice", key); err != nil {
		return nil, illegalArg("GetSlice", "%s", err)
	}
	if bytes.Compare(q.ColumnStart, q.ColumnEnd) >= 0 {
		return EntryList{}, nil
	}
	start, err := codec.EncodeBound(key, q.ColumnStart)
	if err != nil {
		return nil, illegalArg("GetSlice", "%s", err)
	}
	end, err := codec.EncodeBound(key, q.ColumnEnd)
	if err != nil {
		return nil, illegalArg("GetSlice", "%s", err)
	}
	pairs, err := s.eng.Scan(id, s.table, start, end, normalizeLimit(q.Limit))
	if err != nil {
		return nil, fromNative("GetSlice", err)
	}
	out := make(EntryList, 0, len(pairs))
	for _, p := range pairs {
		_, column, derr := codec.DecodeKey(p.Key)
		if derr != nil {
			return nil, encodingErr("GetSlice", derr)
		}
		out = append(out, Entry{Column: column, Value: p.Value})
	}
	return out, nil
}

func (s *Store) getSliceSerialized(id kvtnative.TxID, key []byte, q SliceQuery) (EntryList, error) {
	if len(key) == 0 {
		return nil, illegalArg("GetSlice", "row key must be non-empty")
	}
	if bytes.Compare(q.ColumnStart, q.ColumnEnd) >= 0 {
		return EntryList{}, nil
	}
	fields, err := s.readRow(id, key)
	if err != nil {
		return nil, err
	}
	limit := normalizeLimit(q.Limit)
	out := make(EntryList, 0, len(fields))
	for _, f := range fields {
		if !columnInRange(f.Column, q.ColumnStart, q.ColumnEnd) {
			continue
		}
		out = append(out, Entry{Column: f.Column, Value: f.Value})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) readRow(id kvtnative.TxID, key []byte) ([]codec.Field, error) {
	data, ok, err := s.eng.Get(id, s.table, key)
	if err != nil {
		return nil, fromNative("GetSlice", err)
	}
	if !ok {
		return nil, nil
	}
	fields, derr := codec.DecodeRow(data)
	if derr != nil {
		return nil, encodingErr("GetSlice", derr)
	}
	return fields, nil
}

func normalizeLimit(l int) int {
	if l <= 0 {
		return 0
	}
	return l
}

// Mutate applies deletions then additions to row key atomically within
// the caller's transaction; an addition on the same column as a deletion
// in the same call wins. A call with no additions and no deletions is a
// no-op.
func (s *Store) Mutate(tx *Tx, key []byte, additions EntryList, deletions [][]byte) error {
	if err := s.checkOpen("Mutate"); err != nil {
		return err
	}
	if len(additions) == 0 && len(deletions) == 0 {
		return nil
	}
	opCount := 1
	if s.mode == codec.Composite {
		opCount = len(additions) + len(deletions)
	}
	id, err := s.resolveTx("Mutate", tx, opCount)
	if err != nil {
		return err
	}
	s.mutateCounter().Inc()
	switch s.mode {
	case codec.Composite:
		return s.mutateComposite(id, key, additions, deletions)
	default:
		return s.mutateSerialized(id, key, additions, deletions)
	}
}

func (s *Store) mutateComposite(id kvtnative.TxID, key []byte, additions EntryList, deletions [][]byte) error {
	if err := codec.ValidateComponent("Mutate", key); err != nil {
		return illegalArg("Mutate", "%s", err)
	}
	delKeys := make([][]byte, len(deletions))
	for i, col := range deletions {
		k, err := codec.EncodeStoredKey(key, col)
		if err != nil {
			return illegalArg("Mutate", "%s", err)
		}
		delKeys[i] = k
	}
	addKeys := make([][]byte, len(additions))
	for i, a := range additions {
		k, err := codec.EncodeStoredKey(key, a.Column)
		if err != nil {
			return illegalArg("Mutate", "%s", err)
		}
		addKeys[i] = k
	}
	// Deletions before additions, so an addition on the same column as a
	// deletion in this call wins.
	for _, k := range delKeys {
		if err := s.eng.Del(id, s.table, k); err != nil {
			return fromNative("Mutate", err)
		}
	}
	for i, k := range addKeys {
		if err := s.eng.Set(id, s.table, k, additions[i].Value); err != nil {
			return fromNative("Mutate", err)
		}
	}
	return nil
}

func (s *Store) mutateSerialized(id kvtnative.TxID, key []byte, additions EntryList, deletions [][]byte) error {
	if len(key) == 0 {
		return illegalArg("Mutate", "row key must be non-empty")
	}
	// The serialized merge is a read-modify-write; under autocommit the
	// read and the write would otherwise run in two separate native
	// transactions, so wrap the pair in an internal one.
	if id == kvtnative.NoTx {
		inner, err := s.eng.StartTx()
		if err != nil {
			return fromNative("Mutate", err)
		}
		if err := s.mutateSerializedIn(inner, key, additions, deletions); err != nil {
			s.eng.RollbackTx(inner)
			return err
		}
		if err := s.eng.CommitTx(inner); err != nil {
			return fromNative("Mutate", err)
		}
		return nil
	}
	return s.mutateSerializedIn(id, key, additions, deletions)
}

func (s *Store) mutateSerializedIn(id kvtnative.TxID, key []byte, additions EntryList, deletions [][]byte) error {
	existing, err := s.readRow(id, key)
	if err != nil {
		return err
	}
	addFields := make([]codec.Field, len(additions))
	for i, a := range additions {
		addFields[i] = codec.Field{Column: a.Column, Value: a.Value}
	}
	merged := codec.MergeRow(existing, addFields, deletions)
	if len(merged) == 0 {
		if err := s.eng.Del(id, s.table, key); err != nil {
			return fromNative("Mutate", err)
		}
		return nil
	}
	data, err := codec.EncodeRow(merged)
	if err != nil {
		return encodingErr("Mutate", err)
	}
	if err := s.eng.Set(id, s.table, key, data); err != nil {
		return fromNative("Mutate", err)
	}
	return nil
}

// GetKeysRange yields distinct RowKeys in [q.KeyStart, q.KeyEnd) with at
// least one column in [q.ColumnStart, q.ColumnEnd), ascending, up to
// q.Limit rows. Requires composite-key encoding.
func (s *Store) GetKeysRange(tx *Tx, q KeyRangeQuery) ([]KeyedEntries, error) {
	if err := s.checkOpen("GetKeysRange"); err != nil {
		return nil, err
	}
	if s.mode != codec.Composite {
		return nil, illegalArg("GetKeysRange", "ordered key-range iteration requires composite-key (range-partitioned) encoding")
	}
	id, err := s.resolveTx("GetKeysRange", tx, 0)
	if err != nil {
		return nil, err
	}
	s.scanCounter().Inc()
	if bytes.Compare(q.KeyStart, q.KeyEnd) >= 0 {
		return nil, nil
	}
	start := codec.RowPrefix(q.KeyStart)
	end := codec.RowPrefix(q.KeyEnd)
	pairs, err := s.eng.Scan(id, s.table, start, end, 0)
	if err != nil {
		return nil, fromNative("GetKeysRange", err)
	}
	return groupComposite(pairs, q.ColumnStart, q.ColumnEnd, normalizeLimit(q.Limit))
}

// GetKeys is the unordered, full-table variant of key enumeration.
// limit=1 receives no special treatment here; callers probing for
// existence should use ContainsKey.
func (s *Store) GetKeys(tx *Tx, q KeySliceQuery) ([]KeyedEntries, error) {
	if err := s.checkOpen("GetKeys"); err != nil {
		return nil, err
	}
	id, err := s.resolveTx("GetKeys", tx, 0)
	if err != nil {
		return nil, err
	}
	s.scanCounter().Inc()
	limit := normalizeLimit(q.Limit)
	pairs, err := s.eng.Scan(id, s.table, nil, nil, 0)
	if err != nil {
		return nil, fromNative("GetKeys", err)
	}
	if s.mode == codec.Composite {
		return groupComposite(pairs, q.ColumnStart, q.ColumnEnd, limit)
	}
	return groupSerialized(pairs, q.ColumnStart, q.ColumnEnd, limit)
}

// groupComposite decodes a flat composite-key scan into per-row
// KeyedEntries, relying on the scan's ascending raw-key order matching
// ascending (RowKey, Column) order: all of a row's encoded keys share
// its prefix, so rows never interleave.
func groupComposite(pairs []kvtnative.KV, colStart, colEnd []byte, limit int) ([]KeyedEntries, error) {
	var out []KeyedEntries
	var cur *KeyedEntries
	for _, p := range pairs {
		rowKey, column, err := codec.DecodeKey(p.Key)
		if err != nil {
			return nil, encodingErr("GetKeys", err)
		}
		if !columnInRange(column, colStart, colEnd) {
			continue
		}
		if cur == nil || !bytekey.Wrap(cur.Key).Equal(bytekey.Wrap(rowKey)) {
			if limit > 0 && len(out) >= limit {
				break
			}
			out = append(out, KeyedEntries{Key: rowKey})
			cur = &out[len(out)-1]
		}
		cur.Entries = append(cur.Entries, Entry{Column: column, Value: p.Value})
	}
	return out, nil
}

// groupSerialized decodes a full-table scan of whole-row values under
// serialized-columns encoding into per-row KeyedEntries.
func groupSerialized(pairs []kvtnative.KV, colStart, colEnd []byte, limit int) ([]KeyedEntries, error) {
	var out []KeyedEntries
	for _, p := range pairs {
		fields, err := codec.DecodeRow(p.Value)
		if err != nil {
			return nil, encodingErr("GetKeys", err)
		}
		var entries EntryList
		for _, f := range fields {
			if !columnInRange(f.Column, colStart, colEnd) {
				continue
			}
			entries = append(entries, Entry{Column: f.Column, Value: f.Value})
		}
		if len(entries) == 0 {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, KeyedEntries{Key: p.Key, Entries: entries})
	}
	return out, nil
}
