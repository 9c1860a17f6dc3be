package codec

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// EncodeRow serializes an entire row's columns into one KV value under the
// serialized-columns encoding. On the wire, little-endian:
//
//	u32 count ‖ (u32 col_len ‖ col_bytes ‖ u32 val_len ‖ val_bytes) × count
//
// fields must already be sorted ascending by Column with no duplicates;
// EncodeRow does not sort. A row with zero fields is not representable on
// the wire — callers must delete the underlying key instead of calling
// EncodeRow with an empty slice.
func EncodeRow(fields []Field) ([]byte, error) {
	if len(fields) == 0 {
		return nil, errf("EncodeRow", "a row with zero columns must be deleted, not serialized")
	}
	for i := 1; i < len(fields); i++ {
		if bytes.Compare(fields[i-1].Column, fields[i].Column) >= 0 {
			return nil, errf("EncodeRow", "columns must be strictly sorted ascending with no duplicates (index %d)", i)
		}
	}

	size := 4
	for _, f := range fields {
		size += 4 + len(f.Column) + 4 + len(f.Value)
	}
	out := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint32(out[off:], uint32(len(fields)))
	off += 4
	for _, f := range fields {
		binary.LittleEndian.PutUint32(out[off:], uint32(len(f.Column)))
		off += 4
		off += copy(out[off:], f.Column)
		binary.LittleEndian.PutUint32(out[off:], uint32(len(f.Value)))
		off += 4
		off += copy(out[off:], f.Value)
	}
	return out, nil
}

// DecodeRow deserializes a value written by EncodeRow, verifying the
// length prefixes are internally consistent and that columns are present
// in strictly ascending sorted order. Any inconsistency is an
// Encoding-kind failure, never a silent partial result.
func DecodeRow(data []byte) ([]Field, error) {
	if len(data) < 4 {
		return nil, errf("DecodeRow", "truncated row header: %d bytes", len(data))
	}
	count := binary.LittleEndian.Uint32(data)
	off := 4
	if count == 0 {
		return nil, errf("DecodeRow", "stored row declares zero columns; an empty row must not be persisted")
	}
	fields := make([]Field, 0, count)
	for i := uint32(0); i < count; i++ {
		col, n, err := readChunk(data, off)
		if err != nil {
			return nil, err
		}
		off = n
		val, n, err := readChunk(data, off)
		if err != nil {
			return nil, err
		}
		off = n
		fields = append(fields, Field{Column: col, Value: val})
	}
	if off != len(data) {
		return nil, errf("DecodeRow", "trailing %d bytes after declared %d columns", len(data)-off, count)
	}
	for i := 1; i < len(fields); i++ {
		if bytes.Compare(fields[i-1].Column, fields[i].Column) >= 0 {
			return nil, errf("DecodeRow", "columns not strictly sorted ascending at index %d", i)
		}
	}
	return fields, nil
}

func readChunk(data []byte, off int) (chunk []byte, next int, err error) {
	if off+4 > len(data) {
		return nil, 0, errf("DecodeRow", "truncated length prefix at offset %d", off)
	}
	n := binary.LittleEndian.Uint32(data[off:])
	off += 4
	end := off + int(n)
	if end < off || end > len(data) {
		return nil, 0, errf("DecodeRow", "chunk length %d at offset %d overruns value", n, off)
	}
	return data[off:end], end, nil
}

// MergeRow applies deletions first, then additions, to an existing sorted
// field list; on a column collision within the same call the addition
// wins. Returns a freshly sorted slice. existing may be nil for a row
// that does not yet exist.
func MergeRow(existing []Field, additions []Field, deletions [][]byte) []Field {
	byCol := make(map[string]Field, len(existing)+len(additions))
	order := make([]string, 0, len(existing)+len(additions))
	for _, f := range existing {
		k := string(f.Column)
		if _, ok := byCol[k]; !ok {
			order = append(order, k)
		}
		byCol[k] = f
	}
	for _, col := range deletions {
		delete(byCol, string(col))
	}
	for _, f := range additions {
		k := string(f.Column)
		if _, ok := byCol[k]; !ok {
			order = append(order, k)
		}
		byCol[k] = f
	}
	out := make([]Field, 0, len(byCol))
	for _, k := range order {
		if f, ok := byCol[k]; ok {
			out = append(out, f)
			// A column deleted and re-added in this call sits in order
			// twice; emit it once.
			delete(byCol, k)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Column, out[j].Column) < 0
	})
	return out
}
