// Package apperr defines the service error taxonomy and its HTTP mapping.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the error category surfaced to clients.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindInvalidConfig
	KindDataUnavailable
	KindSimulationFailure
	KindNotFound
	KindStateConflict
)

func (k Kind) String() string {
	switch k {
	case KindInvalidConfig:
		return "InvalidConfig"
	case KindDataUnavailable:
		return "DataUnavailable"
	case KindSimulationFailure:
		return "SimulationFailure"
	case KindNotFound:
		return "NotFound"
	case KindStateConflict:
		return "StateConflict"
	default:
		return "Unknown"
	}
}

// Error is a categorized error with a client-facing message.
type Error struct {
	Kind    Kind
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

// Is matches any *Error of the same kind, so sentinels like ErrNotFound
// can be compared with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

// Kind sentinels for errors.Is.
var (
	ErrInvalidConfig     = &Error{Kind: KindInvalidConfig}
	ErrDataUnavailable   = &Error{Kind: KindDataUnavailable}
	ErrSimulationFailure = &Error{Kind: KindSimulationFailure}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrStateConflict     = &Error{Kind: KindStateConflict}
)

func newf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// InvalidConfig reports user-correctable bad input.
func InvalidConfig(format string, args ...any) *Error {
	return newf(KindInvalidConfig, nil, format, args...)
}

// WrapInvalidConfig reports bad input with the validation error attached.
func WrapInvalidConfig(err error, format string, args ...any) *Error {
	return newf(KindInvalidConfig, err, format, args...)
}

// DataUnavailable reports missing historical data.
func DataUnavailable(format string, args ...any) *Error {
	return newf(KindDataUnavailable, nil, format, args...)
}

// SimulationFailure reports an internal error during simulation.
func SimulationFailure(err error, format string, args ...any) *Error {
	return newf(KindSimulationFailure, err, format, args...)
}

// NotFound reports a lookup miss.
func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, nil, format, args...)
}

// StateConflict reports an operation illegal in the current state.
func StateConflict(format string, args ...any) *Error {
	return newf(KindStateConflict, nil, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Message returns the client-facing message, or a generic one for
// uncategorized errors.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Err != nil && e.Kind == KindInvalidConfig {
			return fmt.Sprintf("%s: %v", e.Message, e.Err)
		}
		return e.Message
	}
	return "internal server error"
}

// HTTPStatus maps an error to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidConfig:
		return http.StatusBadRequest
	case KindDataUnavailable:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindStateConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
