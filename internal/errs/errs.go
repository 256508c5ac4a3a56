// Package errs defines the typed error kinds FlowSync's core surfaces to
// callers, per the propagation policy: handler failures never escape the
// worker as raw errors, and every boundary failure is one of these kinds.
package errs

import "fmt"

// Kind distinguishes the seven error categories the core can produce.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "not_found"
	KindNotActive      Kind = "not_active"
	KindHandler        Kind = "handler"
	KindInfrastructure Kind = "infrastructure"
	KindTimeout        Kind = "timeout"
	KindCancelled      Kind = "cancelled"
)

// Error wraps an underlying cause with a classification the API boundary
// can map to a status code without string-matching messages.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func Validation(msg string, cause error) *Error     { return newErr(KindValidation, msg, cause) }
func NotFound(msg string, cause error) *Error       { return newErr(KindNotFound, msg, cause) }
func NotActive(msg string, cause error) *Error      { return newErr(KindNotActive, msg, cause) }
func Handler(msg string, cause error) *Error        { return newErr(KindHandler, msg, cause) }
func Infrastructure(msg string, cause error) *Error { return newErr(KindInfrastructure, msg, cause) }
func Timeout(msg string, cause error) *Error        { return newErr(KindTimeout, msg, cause) }
func Cancelled(msg string, cause error) *Error      { return newErr(KindCancelled, msg, cause) }

// Is reports whether err is a FlowSync *Error of the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if err == nil {
		return false
	}
	if asErr, ok := err.(*Error); ok {
		fe = asErr
	} else if unwrappable, ok := err.(interface{ Unwrap() error }); ok {
		return Is(unwrappable.Unwrap(), kind)
	} else {
		return false
	}
	return fe.Kind == kind
}
