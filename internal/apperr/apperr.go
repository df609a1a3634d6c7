// Package apperr defines the error kinds shared across the server.
// Handlers map kinds to HTTP status codes centrally; everything below the
// HTTP layer returns a kinded error instead of picking a status itself.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the HTTP boundary and for logging.
type Kind int

const (
	// Internal is the zero value: an unexpected server-side fault.
	Internal Kind = iota
	// Validation covers malformed or out-of-range input (400).
	Validation
	// Unauthorized covers missing or invalid credentials (401).
	Unauthorized
	// Forbidden covers authenticated callers lacking access (403).
	Forbidden
	// NotFound covers missing resources (404).
	NotFound
	// Conflict covers unique-constraint style collisions (409).
	Conflict
	// Unprocessable covers well-formed input failing semantic checks (422).
	Unprocessable
	// Storage covers faults in the underlying database or its file I/O.
	Storage
	// External covers faults in serial ports, the filesystem watcher, and
	// other collaborators outside the process.
	External
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Unauthorized:
		return "unauthorized"
	case Forbidden:
		return "forbidden"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Unprocessable:
		return "unprocessable"
	case Storage:
		return "storage"
	case External:
		return "external"
	default:
		return "internal"
	}
}

// Error is a kinded error with a user-facing message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a kinded error with a message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a kinded error with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of err, or Internal for unkinded errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Message returns the user-facing message of err. Unkinded errors get a
// generic message so internals never leak to clients.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "internal server error"
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
