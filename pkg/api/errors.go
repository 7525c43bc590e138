package api

import (
	"errors"
	"net/http"

	"github.com/cuemby/tether/pkg/types"
)

// Error codes carried in the response envelope
const (
	CodeResourceDoesNotExist = "resourceDoesNotExist"
	CodeResourceExists       = "resourceAlreadyExists"
	CodeUnauthorized         = "unauthorized"
	CodeForbidden            = "forbidden"
	CodeInvalidRequest       = "invalidRequest"
	CodeRouteNotFound        = "routeNotFound"
	CodeInternalServerError  = "internalServerError"
)

// Error is an API failure with an HTTP status and an envelope code
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// NewError creates an API error
func NewError(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// BadRequest reports a malformed or invalid request
func BadRequest(err error) *Error {
	return NewError(http.StatusBadRequest, CodeInvalidRequest, err.Error())
}

// ErrorFor converts any handler error into an API error
func ErrorFor(err error) *Error {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, types.ErrNotFound):
		return NewError(http.StatusNotFound, CodeResourceDoesNotExist, "resource does not exist")
	case errors.Is(err, types.ErrConflict):
		return NewError(http.StatusConflict, CodeResourceExists, "resource already exists")
	case errors.Is(err, types.ErrUnauthorized):
		return NewError(http.StatusUnauthorized, CodeUnauthorized, err.Error())
	default:
		return NewError(http.StatusInternalServerError, CodeInternalServerError, "internal server error")
	}
}
