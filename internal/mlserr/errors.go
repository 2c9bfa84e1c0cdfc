// Package mlserr defines the error taxonomy the MDK engine uses to classify
// failures at its public boundary. Every fallible engine operation returns
// an error whose Kind can be recovered with As, rather than a bespoke type
// per failure site.
package mlserr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error without committing callers to a specific message.
type Kind int

const (
	// KindGroupNotFound means the referenced group does not exist in storage.
	KindGroupNotFound Kind = iota
	// KindInvalidParameters means the caller supplied input that violates a
	// documented limit or semantic constraint.
	KindInvalidParameters
	// KindCrypto means the MLS layer or an AEAD operation reported a
	// cryptographic failure. Not retryable at the current epoch.
	KindCrypto
	// KindEpochOutOfRange means a message references an epoch the engine
	// cannot currently satisfy; it may become retryable later.
	KindEpochOutOfRange
	// KindNotFound means a row other than a group (welcome, message,
	// snapshot) does not exist.
	KindNotFound
	// KindDatabase means the storage backend's transport failed.
	KindDatabase
	// KindUnknownSchemeVersion means a media scheme label was not
	// recognized.
	KindUnknownSchemeVersion
)

func (k Kind) String() string {
	switch k {
	case KindGroupNotFound:
		return "group_not_found"
	case KindInvalidParameters:
		return "invalid_parameters"
	case KindCrypto:
		return "crypto"
	case KindEpochOutOfRange:
		return "epoch_out_of_range"
	case KindNotFound:
		return "not_found"
	case KindDatabase:
		return "database_error"
	case KindUnknownSchemeVersion:
		return "unknown_scheme_version"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned at the engine boundary.
type Error struct {
	Kind    Kind
	Scheme  string // populated only for KindUnknownSchemeVersion
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target shares this error's Kind, so callers can write
// errors.Is(err, mlserr.ErrGroupNotFound).
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// GroupNotFound builds a KindGroupNotFound error.
func GroupNotFound(groupID string) *Error {
	return newf(KindGroupNotFound, "group %s not found", groupID)
}

// InvalidParameters builds a KindInvalidParameters error.
func InvalidParameters(format string, args ...any) *Error {
	return newf(KindInvalidParameters, format, args...)
}

// Crypto wraps an underlying cryptographic failure.
func Crypto(context string, err error) *Error {
	return &Error{Kind: KindCrypto, Message: context, Err: err}
}

// EpochOutOfRange builds a KindEpochOutOfRange error.
func EpochOutOfRange(format string, args ...any) *Error {
	return newf(KindEpochOutOfRange, format, args...)
}

// NotFound builds a KindNotFound error for the named resource.
func NotFound(what string, id string) *Error {
	return newf(KindNotFound, "%s %s not found", what, id)
}

// Database wraps a storage transport failure.
func Database(context string, err error) *Error {
	return &Error{Kind: KindDatabase, Message: context, Err: err}
}

// UnknownSchemeVersion builds a KindUnknownSchemeVersion error naming the
// unrecognized scheme label.
func UnknownSchemeVersion(scheme string) *Error {
	return &Error{Kind: KindUnknownSchemeVersion, Scheme: scheme, Message: fmt.Sprintf("unknown media scheme version %q", scheme)}
}

// sentinels for errors.Is(err, mlserr.ErrGroupNotFound)-style matching
// against the Kind alone, independent of message text.
var (
	// ErrGroupNotFound matches any *Error with KindGroupNotFound.
	ErrGroupNotFound = &Error{Kind: KindGroupNotFound}
	// ErrInvalidParameters matches any *Error with KindInvalidParameters.
	ErrInvalidParameters = &Error{Kind: KindInvalidParameters}
	// ErrCrypto matches any *Error with KindCrypto.
	ErrCrypto = &Error{Kind: KindCrypto}
	// ErrEpochOutOfRange matches any *Error with KindEpochOutOfRange.
	ErrEpochOutOfRange = &Error{Kind: KindEpochOutOfRange}
	// ErrNotFound matches any *Error with KindNotFound.
	ErrNotFound = &Error{Kind: KindNotFound}
	// ErrDatabase matches any *Error with KindDatabase.
	ErrDatabase = &Error{Kind: KindDatabase}
)

// Of reports whether err is an *Error of the given kind.
func Of(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
