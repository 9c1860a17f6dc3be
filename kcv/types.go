package kcv

// Entry is a (Column, Value) pair, the consumer-facing shape of a stored
// column.
type Entry struct {
	Column []byte
	Value  []byte
}

// EntryList is an ordered list of Entry, ascending by Column.
type EntryList []Entry

// SliceQuery bounds a GetSlice call over one row's columns:
// [ColumnStart, ColumnEnd), truncated to Limit if Limit > 0.
type SliceQuery struct {
	ColumnStart []byte
	ColumnEnd   []byte
	Limit       int
}

// KeySliceQuery bounds an unordered, full-table GetKeys call: every row
// with at least one column in [ColumnStart, ColumnEnd)
// is a candidate, in no particular order, up to Limit distinct rows.
type KeySliceQuery struct {
	ColumnStart []byte
	ColumnEnd   []byte
	Limit       int
}

// KeyRangeQuery bounds an ordered GetKeysRange call: rows with RowKey
// in [KeyStart, KeyEnd) that have at least one column in
// [ColumnStart, ColumnEnd), yielded in ascending RowKey order, up to
// Limit distinct rows. Requires composite-key encoding.
type KeyRangeQuery struct {
	KeyStart    []byte
	KeyEnd      []byte
	ColumnStart []byte
	ColumnEnd   []byte
	Limit       int
}

// MultiSlicesQuery bounds a multi-key GetSlice call: the same SliceQuery
// applied independently to every key in Keys.
type MultiSlicesQuery struct {
	Keys  [][]byte
	Query SliceQuery
}

// KeyedEntries pairs a RowKey with the filtered entries a key-enumeration
// call found for it. Results are materialized up front rather than held
// behind a cursor, so they stay valid after the originating transaction
// resolves.
type KeyedEntries struct {
	Key     []byte
	Entries EntryList
}

// SliceResult pairs a RowKey from a multi-key GetSlice call with its
// EntryList, preserving the order of the requested keys; absent rows
// carry an empty EntryList.
type SliceResult struct {
	Key     []byte
	Entries EntryList
}

// StoreFeatures advertises the capabilities of a Manager/Store pairing
// to the graph-layer consumer.
type StoreFeatures struct {
	Transactional     bool
	Locking           bool
	OptimisticLocking bool
	BatchMutation     bool
	MultiQuery        bool
	OrderedScan       bool
	UnorderedScan     bool
	KeyOrdered        bool
	Persists          bool
	Distributed       bool
	Timestamps        bool
	StoreTTL          bool
	CellTTL           bool
}

// RowMutation is one row's worth of additions and deletions within a
// MutationBatch.
type RowMutation struct {
	Additions EntryList
	Deletions [][]byte
}

// storeMutations holds the per-row mutations queued for one store,
// preserving the order rows were first touched so MutateMany applies
// them deterministically.
type storeMutations struct {
	order []string
	rows  map[string]*RowMutation
}

// MutationBatch is the builder for a MutateMany call: per-store, per-row
// additions and deletions. Construct with NewMutationBatch, populate
// with Add/Delete, then pass to Manager.MutateMany.
type MutationBatch struct {
	storeOrder []string
	stores     map[string]*storeMutations
}

// NewMutationBatch returns an empty batch ready for Add/Delete calls.
func NewMutationBatch() *MutationBatch {
	return &MutationBatch{stores: make(map[string]*storeMutations)}
}

func (b *MutationBatch) rowFor(store string, key []byte) *RowMutation {
	sm, ok := b.stores[store]
	if !ok {
		sm = &storeMutations{rows: make(map[string]*RowMutation)}
		b.stores[store] = sm
		b.storeOrder = append(b.storeOrder, store)
	}
	k := string(key)
	rm, ok := sm.rows[k]
	if !ok {
		rm = &RowMutation{}
		sm.rows[k] = rm
		sm.order = append(sm.order, k)
	}
	return rm
}

// Add queues (column, value) as an addition to store/key.
func (b *MutationBatch) Add(store string, key, column, value []byte) *MutationBatch {
	rm := b.rowFor(store, key)
	rm.Additions = append(rm.Additions, Entry{Column: column, Value: value})
	return b
}

// Delete queues column as a deletion from store/key.
func (b *MutationBatch) Delete(store string, key, column []byte) *MutationBatch {
	rm := b.rowFor(store, key)
	rm.Deletions = append(rm.Deletions, column)
	return b
}

// forEach visits every (store, rowKey, *RowMutation) in the batch in
// deterministic first-touched order.
func (b *MutationBatch) forEach(fn func(store string, key []byte, rm *RowMutation) error) error {
	for _, store := range b.storeOrder {
		sm := b.stores[store]
		for _, k := range sm.order {
			if err := fn(store, []byte(k), sm.rows[k]); err != nil {
				return err
			}
		}
	}
	return nil
}
