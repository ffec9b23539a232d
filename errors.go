package jasonisnthappy

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sohzm/jasonisnthappy/internal/wal"
	"github.com/sohzm/jasonisnthappy/mvcc"
	"github.com/sohzm/jasonisnthappy/storage"
)

// Code is the stable numeric error taxonomy consumed by binding
// layers. Zero is success; categories are negative and never renumber.
type Code int

const (
	CodeOK              Code = 0
	CodeInvalidArgument Code = -1
	CodeNotFound        Code = -2
	CodeDuplicateKey    Code = -3
	CodeSchemaViolation Code = -4
	CodeConflict        Code = -5
	CodeCorruption      Code = -6
	CodeIO              Code = -7
	CodeClosed          Code = -8
	CodeLimitExceeded   Code = -9
	CodeReadOnly        Code = -10
)

var (
	// ErrInvalidArgument is returned for malformed input: bad names,
	// nil documents, invalid options.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned when a document, collection or index
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned on primary or unique-index
	// constraint violations.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrSchemaViolation is returned when a document fails the
	// collection's JSON schema.
	ErrSchemaViolation = errors.New("schema violation")

	// ErrConflict is returned when a commit loses a write-write race
	// on a document modified since the transaction's snapshot.
	ErrConflict = errors.New("write conflict")

	// ErrCorruption is returned on CRC mismatches, WAL inconsistency
	// or an impossible catalog state. The database is poisoned into a
	// read-only state once corruption is observed.
	ErrCorruption = errors.New("data corruption")

	// ErrIO wraps read/write/fsync failures.
	ErrIO = errors.New("i/o failure")

	// ErrClosed is returned for operations on a closed database or a
	// finalised transaction.
	ErrClosed = errors.New("handle is closed")

	// ErrLimitExceeded is returned when a document or bulk operation
	// list exceeds its configured ceiling.
	ErrLimitExceeded = errors.New("limit exceeded")

	// ErrReadOnly is returned for mutations on a read-only database.
	ErrReadOnly = errors.New("database is read-only")
)

// CodeOf maps any error produced by the engine to its stable code.
// Unknown errors map to CodeIO when they smell like I/O and
// CodeInvalidArgument otherwise.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrNotFound), errors.Is(err, storage.ErrKeyNotFound):
		return CodeNotFound
	case errors.Is(err, ErrDuplicateKey):
		return CodeDuplicateKey
	case errors.Is(err, ErrSchemaViolation):
		return CodeSchemaViolation
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrCorruption),
		errors.Is(err, storage.ErrCorruptPage),
		errors.Is(err, storage.ErrBadMeta),
		errors.Is(err, wal.ErrCorruptFrame),
		errors.Is(err, wal.ErrCRCMismatch),
		errors.Is(err, mvcc.ErrCorruptChain):
		return CodeCorruption
	case errors.Is(err, ErrClosed), errors.Is(err, os.ErrClosed):
		return CodeClosed
	case errors.Is(err, ErrLimitExceeded):
		return CodeLimitExceeded
	case errors.Is(err, ErrReadOnly), errors.Is(err, storage.ErrReadOnlyPager):
		return CodeReadOnly
	case errors.Is(err, ErrIO), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, os.ErrPermission):
		return CodeIO
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	default:
		return CodeInvalidArgument
	}
}

// isCorruption reports whether err should poison the database.
func isCorruption(err error) bool {
	return CodeOf(err) == CodeCorruption
}

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidArgument}, args...)...)
}
