package bytekey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCopiesInput(t *testing.T) {
	src := []byte("hello")
	s := New(src)
	src[0] = 'H'
	assert.Equal(t, "hello", s.String(), "New must copy, not alias, its input")
}

func TestWrapAliases(t *testing.T) {
	src := []byte("hello")
	s := Wrap(src)
	require.Equal(t, "hello", s.String())
	src[0] = 'H'
	assert.Equal(t, "Hello", s.String(), "Wrap must alias, not copy, its input")
}

func TestCompareOrdering(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"a", "b", -1},
		{"b", "a", 1},
		{"abc", "abc", 0},
		{"abc", "abcd", -1},
		{string([]byte{0x00}), "", 1},
	}
	for _, tc := range tests {
		got := New([]byte(tc.a)).Compare(New([]byte(tc.b)))
		switch {
		case tc.want < 0:
			assert.Negative(t, got, "%q vs %q", tc.a, tc.b)
		case tc.want > 0:
			assert.Positive(t, got, "%q vs %q", tc.a, tc.b)
		default:
			assert.Zero(t, got, "%q vs %q", tc.a, tc.b)
		}
	}
}

func TestUnsignedOrdering(t *testing.T) {
	// 0xFF must sort after 0x7F under unsigned comparison.
	low := Wrap([]byte{0x7F})
	high := Wrap([]byte{0xFF})
	assert.True(t, low.Less(high))
	assert.False(t, high.Less(low))
}

func TestHasPrefix(t *testing.T) {
	s := New([]byte("rowkey\x00col"))
	assert.True(t, s.HasPrefix(New([]byte("rowkey\x00"))))
	assert.False(t, s.HasPrefix(New([]byte("rowkex"))))
}

func TestContains(t *testing.T) {
	s := New([]byte("a\x00b"))
	assert.True(t, s.Contains(0x00))
	assert.False(t, s.Contains(0x1F))
}

func TestConcat(t *testing.T) {
	got := Concat(New([]byte("foo")), New([]byte{0x00}), New([]byte("bar")))
	assert.Equal(t, "foo\x00bar", got.String())
}

func TestMinMax(t *testing.T) {
	a, b := New([]byte("a")), New([]byte("b"))
	assert.Equal(t, a, Min(a, b))
	assert.Equal(t, b, Max(a, b))
}

func TestEmptySequence(t *testing.T) {
	var s ByteSeq
	assert.True(t, s.IsEmpty())
	assert.Equal(t, 0, s.Len())
}
