package codec

import "bytes"

// Separator is the single reserved byte used to join a row key and a
// column into one flat KV key under the composite-key encoding.
//
// This adapter is an in-process library, not a text-safe wire protocol,
// so it uses 0x00: the lowest possible byte value, which has the useful
// property that RowPrefix(k) is the smallest possible encoded key for
// row k. Stored keys and columns are validated separator-free, so mixing
// data written under a different separator would corrupt decoding.
const Separator = 0x00

// ContainsSeparator reports whether b contains the reserved separator
// byte and therefore cannot legally appear as a row key or column under
// composite-key encoding.
func ContainsSeparator(b []byte) bool {
	return bytes.IndexByte(b, Separator) >= 0
}

// ValidateComponent checks a row key or column destined to be stored (not
// a query bound): non-empty, and free of the reserved separator.
func ValidateComponent(op string, b []byte) error {
	if len(b) == 0 {
		return errf(op, "row key/column must be non-empty under composite-key encoding")
	}
	if ContainsSeparator(b) {
		return errf(op, "row key/column must not contain the reserved separator byte 0x%02x", Separator)
	}
	return nil
}

// EncodeStoredKey builds the flat KV key for an actual stored entry:
// rowKey ∥ SEP ∥ column. Both components must be non-empty and
// separator-free; violations return a *codec.Error so callers can
// surface kcv's IllegalArgument kind.
func EncodeStoredKey(rowKey, column []byte) ([]byte, error) {
	if err := ValidateComponent("EncodeStoredKey", rowKey); err != nil {
		return nil, err
	}
	if err := ValidateComponent("EncodeStoredKey", column); err != nil {
		return nil, err
	}
	return encode(rowKey, column), nil
}

// EncodeBound builds a flat KV key usable as a scan boundary: rowKey ∥ SEP
// ∥ column. Unlike EncodeStoredKey, column may be empty (an empty column
// bound denotes "start of row" or, as an end bound, "nothing of this
// row"); rowKey must still be separator-free since it identifies a single
// row's prefix.
func EncodeBound(rowKey, column []byte) ([]byte, error) {
	if ContainsSeparator(rowKey) {
		return nil, errf("EncodeBound", "row key must not contain the reserved separator byte 0x%02x", Separator)
	}
	if ContainsSeparator(column) {
		return nil, errf("EncodeBound", "column bound must not contain the reserved separator byte 0x%02x", Separator)
	}
	return encode(rowKey, column), nil
}

func encode(rowKey, column []byte) []byte {
	out := make([]byte, 0, len(rowKey)+1+len(column))
	out = append(out, rowKey...)
	out = append(out, Separator)
	out = append(out, column...)
	return out
}

// RowPrefix returns rowKey ∥ SEP, the common prefix of every encoded key
// belonging to rowKey. Every composite-encoded key for a row begins with
// exactly this prefix, and nothing else does (rowKey never contains SEP),
// so range scans with this prefix never cross into another row.
func RowPrefix(rowKey []byte) []byte {
	out := make([]byte, len(rowKey)+1)
	copy(out, rowKey)
	out[len(rowKey)] = Separator
	return out
}

// DecodeKey splits a flat KV key produced by EncodeStoredKey back into its
// row key and column. It fails if no separator is present.
func DecodeKey(encoded []byte) (rowKey, column []byte, err error) {
	idx := bytes.IndexByte(encoded, Separator)
	if idx < 0 {
		return nil, nil, errf("DecodeKey", "no separator found in encoded key")
	}
	return encoded[:idx], encoded[idx+1:], nil
}
