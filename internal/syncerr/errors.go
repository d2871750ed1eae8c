// Package syncerr classifies failures of the sync pipeline into a small set of
// kinds so callers can tell a canceled transfer from a broken archive without
// string matching.
package syncerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies a failure class. Kinds are strings so they read well in logs
// and reports.
type Kind string

const (
	// KindIO is a local read, write or permission failure.
	KindIO Kind = "IO_ERROR"

	// KindNetwork is a transport failure talking to the remote.
	KindNetwork Kind = "NETWORK_ERROR"

	// KindRemoteRejected means the remote answered with a non-success status.
	KindRemoteRejected Kind = "REMOTE_REJECTED"

	// KindArchive is a malformed archive container.
	KindArchive Kind = "ARCHIVE_ERROR"

	// KindNotFound means a required local input does not exist.
	KindNotFound Kind = "NOT_FOUND"

	// KindCanceled is a cooperative abort.
	KindCanceled Kind = "CANCELED"

	// KindValidation covers malformed manifest entries and unsafe paths.
	KindValidation Kind = "VALIDATION_ERROR"

	// KindUnexpected is anything else.
	KindUnexpected Kind = "UNEXPECTED"
)

// Error is a classified pipeline error.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a classified error. Context cancellation and deadline errors are
// always classified as KindCanceled regardless of the requested kind.
func New(kind Kind, op, path string, err error) *Error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = KindCanceled
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// Newf is New with a formatted cause.
func Newf(kind Kind, op, path, format string, args ...interface{}) *Error {
	return New(kind, op, path, fmt.Errorf(format, args...))
}

// Canceled wraps a context error as KindCanceled.
func Canceled(op, path string, err error) *Error {
	if err == nil {
		err = context.Canceled
	}
	return &Error{Kind: KindCanceled, Op: op, Path: path, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
// Unclassified context errors report KindCanceled, anything else KindUnexpected.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindUnexpected
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsCanceled reports whether err is a cooperative abort.
func IsCanceled(err error) bool {
	return Is(err, KindCanceled)
}
