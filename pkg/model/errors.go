package model

import "github.com/pkg/errors"

// Kind is the error taxonomy from spec §7. HTTP and job surfacing logic
// switches on Kind rather than on sentinel errors, so wrapping with
// github.com/pkg/errors.Wrap is safe (Kind travels on the *Error value).
type Kind string

const (
	KindNotFound              Kind = "NotFound"
	KindValidation             Kind = "Validation"
	KindConflict               Kind = "Conflict"
	KindPathTooLong            Kind = "PathTooLong"
	KindArchiveCorrupt         Kind = "ArchiveCorrupt"
	KindUnsupportedFormat      Kind = "UnsupportedFormat"
	KindCacheCapacityExceeded  Kind = "CacheCapacityExceeded"
	KindTooBusy                Kind = "TooBusy"
	KindTimeout                Kind = "Timeout"
	KindInfrastructureUnavailable Kind = "InfrastructureUnavailable"
	KindNoActiveCacheRoot      Kind = "NoActiveCacheRoot"
)

// Error is the typed error value surfaced across component boundaries.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// New builds a typed error of the given kind with a message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, msg: msg}
}

// Wrap builds a typed error of the given kind, wrapping cause with a stack
// trace (github.com/pkg/errors), matching spec §7's correlation-id story for
// PathTooLong/InfrastructureUnavailable style failures.
func Wrap(kind Kind, cause error, msg string) error {
	return &Error{Kind: kind, msg: msg, err: errors.WithStack(cause)}
}

// KindOf extracts the Kind from err, walking Unwrap chains. Returns ("", false)
// if no *Error is found.
func KindOf(err error) (Kind, bool) {
	var e *Error
	for err != nil {
		if as, ok := err.(*Error); ok {
			e = as
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return "", false
	}
	return e.Kind, true
}

// Is reports whether err (or something it wraps) carries kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
