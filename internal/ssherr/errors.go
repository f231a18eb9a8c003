// Package ssherr defines the error taxonomy shared by the connection registry,
// SSH connections and terminal sessions.
//
// Every failure surfaced to a caller is an *Error with a Kind and a message
// naming the offending field, connection id or terminal id. Callers branch on
// the kind with KindOf or Is instead of matching message text.
package ssherr

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	// Unknown is returned by KindOf for errors that are not *Error.
	Unknown Kind = iota
	Validation
	NotFound
	AuthFailure
	TransportFailure
	StateFailure
	Unimplemented
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case AuthFailure:
		return "auth_failure"
	case TransportFailure:
		return "transport_failure"
	case StateFailure:
		return "state_failure"
	case Unimplemented:
		return "unimplemented"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Msg is user visible; Err is the optional
// underlying cause and is appended to the message.
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

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind with a message prefix. A nil err yields nil.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// ConnectionNotFound is the uniform error for an unknown connection id.
func ConnectionNotFound(id string) *Error {
	return New(NotFound, "Connection %s not found", id)
}

// TerminalNotFound is the uniform error for an unknown terminal id.
func TerminalNotFound(id string) *Error {
	return New(NotFound, "Terminal session %s not found", id)
}

// KindOf returns the kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k interface{ ErrorKind() Kind }
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
