// Package kcv implements the consumer-facing key-column-value contract
// on top of kvtnative's native KVT boundary and the codec package's two
// wire encodings.
package kcv

import (
	"errors"
	"fmt"

	"github.com/kvtgraph/storage/kvtnative"
)

// Kind is the error taxonomy advertised to the consumer, named
// independently of any concrete type so callers switch on Kind
// rather than on error type.
type Kind int

const (
	// IllegalArgument covers invalid SEP in key/column, empty key/column
	// under composite-key encoding, and malformed encoded values.
	IllegalArgument Kind = iota
	// IllegalState covers use of a closed manager, store, or a
	// committed/rolled-back transaction.
	IllegalState
	// BackendConflict is a retryable conflict or deadlock reported by the
	// underlying KVT.
	BackendConflict
	// BackendPermanent is a non-retryable KVT failure.
	BackendPermanent
	// BackendNotFound is used internally for single-key get semantics; it
	// never escapes a slice operation as an error (empty result instead).
	BackendNotFound
	// Encoding covers serialized-columns deserialization failures: bad
	// length prefixes, non-sorted columns.
	Encoding
)

func (k Kind) String() string {
	switch k {
	case IllegalArgument:
		return "IllegalArgument"
	case IllegalState:
		return "IllegalState"
	case BackendConflict:
		return "Backend(Conflict)"
	case BackendPermanent:
		return "Backend(Permanent)"
	case BackendNotFound:
		return "Backend(NotFound)"
	case Encoding:
		return "Encoding"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is the error type every kcv operation returns. The adapter never
// retries: it only classifies and surfaces; retry policy belongs to the
// consumer.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("kcv: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("kcv: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the consumer should retry the operation that
// produced e. Only a backend conflict/deadlock is retryable; everything
// else (bad arguments, closed handles, permanent backend failure,
// malformed encodings) is not.
func (e *Error) Retryable() bool { return e.Kind == BackendConflict }

func illegalArg(op, format string, args ...interface{}) *Error {
	return &Error{Kind: IllegalArgument, Op: op, Err: fmt.Errorf(format, args...)}
}

func illegalState(op string, err error) *Error {
	return &Error{Kind: IllegalState, Op: op, Err: err}
}

func encodingErr(op string, err error) *Error {
	return &Error{Kind: Encoding, Op: op, Err: err}
}

// fromNative translates a kvtnative result code (or an already-wrapped
// codec error) into a *kcv.Error. Nothing above this package inspects
// bbolt or ResultCode directly.
func fromNative(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *kvtnative.CodedError
	if errors.As(err, &ce) {
		switch ce.Code {
		case kvtnative.ConflictOrDeadlock:
			return &Error{Kind: BackendConflict, Op: op, Err: ce}
		case kvtnative.NotFound:
			return &Error{Kind: BackendNotFound, Op: op, Err: ce}
		case kvtnative.InvalidPartitionMethod:
			return &Error{Kind: IllegalArgument, Op: op, Err: ce}
		default:
			return &Error{Kind: BackendPermanent, Op: op, Err: ce}
		}
	}
	return &Error{Kind: BackendPermanent, Op: op, Err: err}
}
