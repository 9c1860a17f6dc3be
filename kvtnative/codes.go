package kvtnative

import "fmt"

// ResultCode is the integer return convention for every native KVT
// operation: zero means success, everything else is
// a recognized failure code the Go-side boundary translates into a
// kcv.Error kind. Native (in this adapter, bbolt-backed) code never
// returns a raw error across the boundary without also classifying it
// into one of these codes.
type ResultCode int32

const (
	// SUCCESS indicates the call completed as requested.
	SUCCESS ResultCode = iota
	// NotFound indicates a single-key get found nothing. It never
	// escapes a slice operation as an error; slices return an empty
	// result instead.
	NotFound
	// ConflictOrDeadlock indicates the underlying KVT detected a
	// write-write conflict or a lock-ordering deadlock; retryable.
	ConflictOrDeadlock
	// TableAlreadyExists indicates a create_table race lost to another
	// creator; the caller should look the table up instead.
	TableAlreadyExists
	// InvalidPartitionMethod indicates an operation that requires
	// ordered scan was issued against a hash-partitioned table.
	InvalidPartitionMethod
	// BatchNotFullySuccessful indicates a batch_execute call completed
	// with some operations failing; per-operation outcomes accompany it.
	BatchNotFullySuccessful
	// Permanent indicates any other non-retryable native failure (I/O
	// error, corruption, resource exhaustion).
	Permanent
)

func (c ResultCode) String() string {
	switch c {
	case SUCCESS:
		return "SUCCESS"
	case NotFound:
		return "NOT_FOUND"
	case ConflictOrDeadlock:
		return "CONFLICT_OR_DEADLOCK"
	case TableAlreadyExists:
		return "TABLE_ALREADY_EXISTS"
	case InvalidPartitionMethod:
		return "INVALID_PARTITION_METHOD"
	case BatchNotFullySuccessful:
		return "BATCH_NOT_FULLY_SUCCESS"
	case Permanent:
		return "PERMANENT"
	default:
		return fmt.Sprintf("ResultCode(%d)", int32(c))
	}
}

// CodedError pairs a ResultCode with the underlying native error (if any)
// that produced it. kcv translates CodedError into its own error Kind at
// the boundary; nothing above kvtnative inspects bbolt errors directly.
type CodedError struct {
	Code ResultCode
	Op   string
	Err  error
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("kvtnative: %s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("kvtnative: %s: %s", e.Op, e.Code)
}

func (e *CodedError) Unwrap() error { return e.Err }

func coded(code ResultCode, op string, err error) *CodedError {
	return &CodedError{Code: code, Op: op, Err: err}
}
