// Package diag classifies errors raised while building a firmware image.
//
// A Fatal error marks a state that should be unreachable with well-formed
// input (a missing label, a broken refcount invariant, a template without a
// jump table). A user error is a diagnostic about the program being compiled
// (a shim signature mismatch, a program that does not fit). Both abort the
// current compile; callers that build several variants keep going after a
// user error in one of them.
package diag

import (
	"errors"
	"fmt"
)

// Kind identifies the class of a diagnostic error.
type Kind int

const (
	KindFatal Kind = iota
	KindUser
)

func (k Kind) String() string {
	switch k {
	case KindFatal:
		return "fatal"
	case KindUser:
		return "error"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is a classified error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Kind == KindFatal {
		if e.Err != nil {
			return "internal error: " + e.Msg + ": " + e.Err.Error()
		}
		return "internal error: " + e.Msg
	}
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Oops returns a Fatal error for an unreachable state.
func Oops(format string, args ...interface{}) error {
	return &Error{Kind: KindFatal, Msg: fmt.Sprintf(format, args...)}
}

// WrapFatal marks err as Fatal with a context message.
func WrapFatal(err error, format string, args ...interface{}) error {
	return &Error{Kind: KindFatal, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Userf returns a user-facing diagnostic.
func Userf(format string, args ...interface{}) error {
	return &Error{Kind: KindUser, Msg: fmt.Sprintf(format, args...)}
}

// Assert returns a Fatal error when cond is false, nil otherwise.
func Assert(cond bool, msg string) error {
	if cond {
		return nil
	}
	return Oops("assertion failed: %s", msg)
}

// IsFatal reports whether err (or anything it wraps) is a Fatal error.
func IsFatal(err error) bool {
	var d *Error
	return errors.As(err, &d) && d.Kind == KindFatal
}

// IsUser reports whether err (or anything it wraps) is a user diagnostic.
func IsUser(err error) bool {
	var d *Error
	return errors.As(err, &d) && d.Kind == KindUser
}

// Diagnostic is a collected, non-aborting report attached to a build
// variant.
type Diagnostic struct {
	Variant string
	Kind    Kind
	Message string
}

func (d Diagnostic) String() string {
	if d.Variant == "" {
		return d.Kind.String() + ": " + d.Message
	}
	return d.Variant + ": " + d.Kind.String() + ": " + d.Message
}

// FromError converts err into a Diagnostic for the named variant.
// Unclassified errors are reported as Fatal.
func FromError(variant string, err error) Diagnostic {
	kind := KindFatal
	var d *Error
	if errors.As(err, &d) {
		kind = d.Kind
	}
	return Diagnostic{Variant: variant, Kind: kind, Message: err.Error()}
}
