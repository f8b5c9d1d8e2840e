package nmmf

import "github.com/nmmf-db/nmmf/pkg/errs"

// Kind identifies the category of a failure returned by the core. Every
// operation in this module is total: it returns either a success value or
// an error whose Kind can be inspected with AsKind. The type lives in
// pkg/errs so every subpackage can return a properly-kinded error without
// importing this root package.
type Kind = errs.Kind

const (
	KindNullInput            = errs.KindNullInput
	KindNotFound             = errs.KindNotFound
	KindDimensionMismatch    = errs.KindDimensionMismatch
	KindInvalidConfiguration = errs.KindInvalidConfiguration
	KindIoError              = errs.KindIoError
	KindCorruptHeader        = errs.KindCorruptHeader
	KindVersionUnsupported   = errs.KindVersionUnsupported
	KindWalReplayFailed      = errs.KindWalReplayFailed
	KindCancelled            = errs.KindCancelled
)

// Error wraps an underlying failure with the operation name and the Kind
// callers should switch on.
type Error = errs.Error

// New constructs an *Error for the given operation, kind and cause.
func New(op string, kind Kind, err error) error { return errs.New(op, kind, err) }

// AsKind reports the Kind carried by err, if any, and whether err was a
// *Error at all.
func AsKind(err error) (Kind, bool) { return errs.AsKind(err) }

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool { return errs.Is(err, kind) }
