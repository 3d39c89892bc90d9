// Package lerrors defines the sentinel error taxonomy every public
// operation in this engine converts internal failures into, so that
// callers can branch on error kind without parsing message strings.
package lerrors

import "github.com/pkg/errors"

// Sentinel errors matching the engine's error kinds. Callers should test
// with errors.Is; internal call sites attach context with errors.Wrapf
// so the sentinel survives a Cause/Is walk while the message keeps a
// breadcrumb trail back to the failing operation.
var (
	// ErrNotFound covers a missing primary key in the index or a missing
	// rid in the page directory.
	ErrNotFound = errors.New("lstore: not found")

	// ErrDuplicateKey is returned by insert when the key is already
	// indexed. It is non-retriable: a TransactionWorker must not replay
	// a transaction that failed with this error.
	ErrDuplicateKey = errors.New("lstore: duplicate key")

	// ErrLockDenied is returned when a non-blocking lock acquisition is
	// denied; the caller aborts and its worker retries from scratch.
	ErrLockDenied = errors.New("lstore: lock denied")

	// ErrPoolExhausted is returned when the buffer pool is full and every
	// frame is pinned, so no further page can be cached.
	ErrPoolExhausted = errors.New("lstore: buffer pool exhausted")

	// ErrIO covers a read or write failure against the filesystem.
	ErrIO = errors.New("lstore: io error")

	// ErrShrinkingPhase is returned when a transaction attempts to
	// acquire a lock after it has already released one.
	ErrShrinkingPhase = errors.New("lstore: lock requested during shrinking phase")

	// ErrBadInput covers a non-integer or malformed column value.
	ErrBadInput = errors.New("lstore: bad input")
)

// IsRetriable reports whether a TransactionWorker should re-run a
// transaction that failed with err. Only ErrDuplicateKey is terminal;
// everything else (lock contention, transient IO, pool pressure) is
// worth retrying.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrDuplicateKey)
}
