// Package errs defines the Kind/Error vocabulary shared by the core and its
// subpackages. It sits below every other package in the module (store,
// record, index, filter, indexing) so each can return a properly-kinded
// error without importing the root package and creating an import cycle.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a failure returned by the core. Every
// operation in this module is total: it returns either a success value or
// an error whose Kind can be inspected with AsKind.
type Kind int

const (
	// KindNullInput is returned when a required vector or query is absent.
	KindNullInput Kind = iota
	// KindNotFound is returned when an identifier has no live entry.
	KindNotFound
	// KindDimensionMismatch is returned when vectors of differing dimension
	// are used together.
	KindDimensionMismatch
	// KindInvalidConfiguration is returned for parameters that cannot be
	// satisfied (e.g. a PQ sub-vector count that does not divide the
	// dimension).
	KindInvalidConfiguration
	// KindIoError is returned for failures reading or writing store files.
	KindIoError
	// KindCorruptHeader is returned when a FileHeader fails validation.
	KindCorruptHeader
	// KindVersionUnsupported is returned when a FileHeader's version is
	// newer than this build understands.
	KindVersionUnsupported
	// KindWalReplayFailed is returned when WAL recovery meets an entry it
	// cannot read or apply; a truncated final entry is discarded instead.
	KindWalReplayFailed
	// KindCancelled is returned when an operation observes cancellation at
	// one of its safe points.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindNullInput:
		return "NullInput"
	case KindNotFound:
		return "NotFound"
	case KindDimensionMismatch:
		return "DimensionMismatch"
	case KindInvalidConfiguration:
		return "InvalidConfiguration"
	case KindIoError:
		return "IoError"
	case KindCorruptHeader:
		return "CorruptHeader"
	case KindVersionUnsupported:
		return "VersionUnsupported"
	case KindWalReplayFailed:
		return "WalReplayFailed"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying failure with the operation name and the Kind
// callers should switch on. It mirrors the teacher's StoreError shape.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("nmmf: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("nmmf: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match against a bare Kind sentinel produced by New.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return errors.Is(e.Err, target)
}

// New constructs an *Error for the given operation, kind and cause.
func New(op string, kind Kind, err error) error {
	if err == nil {
		err = errors.New(kind.String())
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// AsKind reports the Kind carried by err, if any, and whether err was a
// *Error at all.
func AsKind(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := AsKind(err)
	return ok && k == kind
}
