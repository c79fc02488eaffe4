// Package apperr defines the error kinds shared by the chat core.
//
// Validation, NotFound and Permission errors are terminal and reported to the
// caller as-is. Transient errors mark unreachable infrastructure and are
// absorbed wherever a fallback exists. Fatal errors are reported without
// their details.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrPermission = errors.New("permission denied")
	ErrTransient  = errors.New("temporarily unavailable")
	ErrFatal      = errors.New("internal error")
)

// Error carries a kind sentinel, the failing operation and an optional cause.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Kind)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func Validation(op, msg string) error {
	return &Error{Kind: ErrValidation, Op: op, Msg: msg}
}

func NotFound(op, msg string) error {
	return &Error{Kind: ErrNotFound, Op: op, Msg: msg}
}

func Permission(op, msg string) error {
	return &Error{Kind: ErrPermission, Op: op, Msg: msg}
}

func Transient(op string, err error) error {
	return &Error{Kind: ErrTransient, Op: op, Err: err}
}

func Fatal(op string, err error) error {
	return &Error{Kind: ErrFatal, Op: op, Err: err}
}

// KindOf returns the kind sentinel of err. Unclassified errors are Fatal.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{ErrValidation, ErrNotFound, ErrPermission, ErrTransient, ErrFatal} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrFatal
}

// Code returns the wire error code for err.
func Code(err error) string {
	switch KindOf(err) {
	case ErrValidation:
		return "validation_failed"
	case ErrNotFound:
		return "not_found"
	case ErrPermission:
		return "forbidden"
	case ErrTransient:
		return "unavailable"
	}
	return "internal_error"
}

// PublicMessage is the text safe to show a client. Fatal and transient
// errors never leak their causes.
func PublicMessage(err error) string {
	var e *Error
	switch KindOf(err) {
	case ErrValidation, ErrNotFound, ErrPermission:
		if errors.As(err, &e) && e.Msg != "" {
			return e.Msg
		}
		return KindOf(err).Error()
	case ErrTransient:
		return ErrTransient.Error()
	}
	return ErrFatal.Error()
}
