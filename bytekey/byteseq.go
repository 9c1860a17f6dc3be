// Package bytekey provides the immutable byte-sequence primitive the rest of
// the adapter builds on: ordered comparison, prefix tests, and hashing over
// raw row keys, columns, and values.
package bytekey

import (
	"bytes"
	"hash/fnv"
)

// ByteSeq is an immutable, lexicographically ordered sequence of bytes. The
// zero value is the empty sequence. Once constructed, a ByteSeq never
// mutates, so a single instance is safe to share across goroutines.
type ByteSeq struct {
	b []byte
}

// New copies b into a new ByteSeq. The caller's slice may be reused or
// mutated afterward without affecting the result.
func New(b []byte) ByteSeq {
	if len(b) == 0 {
		return ByteSeq{}
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return ByteSeq{b: cp}
}

// Wrap adopts b without copying. Callers must not mutate b afterward.
func Wrap(b []byte) ByteSeq {
	return ByteSeq{b: b}
}

// Bytes returns the underlying bytes. Callers must not mutate the result.
func (s ByteSeq) Bytes() []byte { return s.b }

// Len returns the number of bytes in the sequence.
func (s ByteSeq) Len() int { return len(s.b) }

// IsEmpty reports whether the sequence has zero length.
func (s ByteSeq) IsEmpty() bool { return len(s.b) == 0 }

// At returns the byte at index i.
func (s ByteSeq) At(i int) byte { return s.b[i] }

// Slice returns the sub-sequence [start, end), sharing the backing array.
func (s ByteSeq) Slice(start, end int) ByteSeq { return ByteSeq{b: s.b[start:end]} }

// Compare returns -1, 0, or 1 as s is lexicographically unsigned-less than,
// equal to, or greater than other.
func (s ByteSeq) Compare(other ByteSeq) int { return bytes.Compare(s.b, other.b) }

// Less reports whether s sorts strictly before other.
func (s ByteSeq) Less(other ByteSeq) bool { return s.Compare(other) < 0 }

// Equal reports byte-for-byte equality.
func (s ByteSeq) Equal(other ByteSeq) bool { return bytes.Equal(s.b, other.b) }

// HasPrefix reports whether s begins with prefix.
func (s ByteSeq) HasPrefix(prefix ByteSeq) bool { return bytes.HasPrefix(s.b, prefix.b) }

// Contains reports whether b occurs anywhere within s.
func (s ByteSeq) Contains(b byte) bool { return bytes.IndexByte(s.b, b) >= 0 }

// Concat returns the concatenation of s and others, in order.
func Concat(parts ...ByteSeq) ByteSeq {
	n := 0
	for _, p := range parts {
		n += len(p.b)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p.b...)
	}
	return ByteSeq{b: out}
}

// Hash returns a process-stable, non-cryptographic hash suitable for use as
// a map key or bucket selector. It is not guaranteed stable across process
// restarts or Go versions.
func (s ByteSeq) Hash() uint64 {
	h := fnv.New64a()
	h.Write(s.b)
	return h.Sum64()
}

// String implements fmt.Stringer for debugging and log output; it is not
// guaranteed to round-trip through non-UTF-8 sequences.
func (s ByteSeq) String() string { return string(s.b) }

// Min returns whichever of a, b sorts first.
func Min(a, b ByteSeq) ByteSeq {
	if a.Less(b) {
		return a
	}
	return b
}

// Max returns whichever of a, b sorts last.
func Max(a, b ByteSeq) ByteSeq {
	if a.Less(b) {
		return b
	}
	return a
}
