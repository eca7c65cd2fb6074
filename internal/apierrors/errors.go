// Package apierrors provides a typed error taxonomy shared by every layer
// of the gateway, and the HTTP status mapping the transport layer uses to
// translate it into a response.
package apierrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Type identifies the broad category of an Error.
type Type string

// Error type constants. These are the ambient (transport/persistence-level)
// categories; the MCP tool-call error taxonomy in package dispatcher is a
// distinct, smaller vocabulary layered on top of these.
const (
	ErrInvalidArgument  Type = "invalid_argument"
	ErrNotFound         Type = "not_found"
	ErrAlreadyExists    Type = "already_exists"
	ErrConflict         Type = "conflict"
	ErrUnauthenticated  Type = "unauthenticated"
	ErrPermissions      Type = "permissions"
	ErrUnavailable      Type = "unavailable"
	ErrTransport        Type = "transport"
	ErrInternal         Type = "internal"
)

// Error is the concrete error type returned by gateway components.
type Error struct {
	Type    Type
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError constructs an Error of the given type.
func NewError(t Type, message string, cause error) *Error {
	return &Error{Type: t, Message: message, Cause: cause}
}

// NewInvalidArgumentError constructs an ErrInvalidArgument error.
func NewInvalidArgumentError(message string, cause error) *Error {
	return NewError(ErrInvalidArgument, message, cause)
}

// NewNotFoundError constructs an ErrNotFound error.
func NewNotFoundError(message string, cause error) *Error {
	return NewError(ErrNotFound, message, cause)
}

// NewAlreadyExistsError constructs an ErrAlreadyExists error.
func NewAlreadyExistsError(message string, cause error) *Error {
	return NewError(ErrAlreadyExists, message, cause)
}

// NewConflictError constructs an ErrConflict error.
func NewConflictError(message string, cause error) *Error {
	return NewError(ErrConflict, message, cause)
}

// NewUnauthenticatedError constructs an ErrUnauthenticated error.
func NewUnauthenticatedError(message string, cause error) *Error {
	return NewError(ErrUnauthenticated, message, cause)
}

// NewPermissionsError constructs an ErrPermissions error.
func NewPermissionsError(message string, cause error) *Error {
	return NewError(ErrPermissions, message, cause)
}

// NewUnavailableError constructs an ErrUnavailable error.
func NewUnavailableError(message string, cause error) *Error {
	return NewError(ErrUnavailable, message, cause)
}

// NewTransportError constructs an ErrTransport error.
func NewTransportError(message string, cause error) *Error {
	return NewError(ErrTransport, message, cause)
}

// NewInternalError constructs an ErrInternal error.
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

func isType(err error, t Type) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Type == t
	}
	return false
}

// IsInvalidArgument reports whether err is an ErrInvalidArgument.
func IsInvalidArgument(err error) bool { return isType(err, ErrInvalidArgument) }

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool { return isType(err, ErrNotFound) }

// IsAlreadyExists reports whether err is an ErrAlreadyExists.
func IsAlreadyExists(err error) bool { return isType(err, ErrAlreadyExists) }

// IsConflict reports whether err is an ErrConflict.
func IsConflict(err error) bool { return isType(err, ErrConflict) }

// IsUnauthenticated reports whether err is an ErrUnauthenticated.
func IsUnauthenticated(err error) bool { return isType(err, ErrUnauthenticated) }

// IsPermissions reports whether err is an ErrPermissions.
func IsPermissions(err error) bool { return isType(err, ErrPermissions) }

// IsUnavailable reports whether err is an ErrUnavailable.
func IsUnavailable(err error) bool { return isType(err, ErrUnavailable) }

// IsTransport reports whether err is an ErrTransport.
func IsTransport(err error) bool { return isType(err, ErrTransport) }

// IsInternal reports whether err is an ErrInternal.
func IsInternal(err error) bool { return isType(err, ErrInternal) }

// Code maps an error to the HTTP status code the transport layer should
// respond with. Errors that are not *Error map to 500.
func Code(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Type {
	case ErrInvalidArgument:
		return http.StatusBadRequest
	case ErrNotFound:
		return http.StatusNotFound
	case ErrAlreadyExists, ErrConflict:
		return http.StatusConflict
	case ErrUnauthenticated:
		return http.StatusUnauthorized
	case ErrPermissions:
		return http.StatusForbidden
	case ErrUnavailable:
		return http.StatusServiceUnavailable
	case ErrTransport:
		return http.StatusBadGateway
	case ErrInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
