package errors

import (
	stderrors "errors"
	"fmt"
)

// Category represents the type of error.
type Category string

const (
	CategoryConnection Category = "connection"
	CategoryProtocol   Category = "protocol"
	CategorySync       Category = "sync"
	CategoryReplay     Category = "replay"
	CategoryConfig     Category = "config"
	CategoryExport     Category = "export"
)

// Error is a structured error with a code, explanation and fix hint.
type Error struct {
	// Code is a unique error identifier (e.g., "FD101").
	Code string

	Category Category

	// Message is a short description of the error.
	Message string

	// Detail is a longer explanation of the error.
	Detail string

	// SessionID names the session involved, if any.
	SessionID string

	// Suggestion is a hint on how to fix the error.
	Suggestion string

	// Wrapped is the underlying error, if any.
	Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Wrapped != nil {
		msg = msg + ": " + e.Wrapped.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	return msg
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// WithSession records the session the error belongs to.
func (e *Error) WithSession(id string) *Error {
	e.SessionID = id
	return e
}

// WithSuggestion adds a fix suggestion to the error.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestion = s
	return e
}

// WithDetail adds a detailed explanation to the error.
func (e *Error) WithDetail(d string) *Error {
	e.Detail = d
	return e
}

// Wrap wraps another error.
func (e *Error) Wrap(err error) *Error {
	e.Wrapped = err
	return e
}

// New creates an Error from a registered error code.
func New(code string) *Error {
	template, ok := registry[code]
	if !ok {
		return &Error{
			Code:    code,
			Message: "Unknown error",
		}
	}
	return &Error{
		Code:       code,
		Category:   template.Category,
		Message:    template.Message,
		Detail:     template.Detail,
		Suggestion: template.Suggestion,
	}
}

// Newf creates an Error with a formatted message and no code.
func Newf(category Category, format string, args ...any) *Error {
	return &Error{
		Category: category,
		Message:  fmt.Sprintf(format, args...),
	}
}

// FromError wraps err under code. An *Error anywhere in err's chain is
// returned as is.
func FromError(err error, code string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return New(code).Wrap(err)
}

// Coder is implemented by domain errors that map to a registered code.
type Coder interface {
	Code() string
}

// CodeOf returns the first code found in err's chain, or "" if none.
func CodeOf(err error) string {
	for err != nil {
		switch e := err.(type) {
		case *Error:
			if e.Code != "" {
				return e.Code
			}
		case Coder:
			if c := e.Code(); c != "" {
				return c
			}
		}
		err = stderrors.Unwrap(err)
	}
	return ""
}

// Describe converts any error into an *Error, using CodeOf to look up the
// template and keeping err as the wrapped cause.
func Describe(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	code := CodeOf(err)
	if code == "" {
		return &Error{Message: err.Error()}
	}
	d := New(code)
	d.Wrapped = err
	return d
}
