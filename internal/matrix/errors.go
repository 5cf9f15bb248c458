package matrix

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is a Matrix "errcode" value.
type ErrorCode string

const (
	CodeForbidden              ErrorCode = "M_FORBIDDEN"
	CodeUnknownToken           ErrorCode = "M_UNKNOWN_TOKEN"
	CodeUnknown                ErrorCode = "M_UNKNOWN"
	CodeNotFound               ErrorCode = "M_NOT_FOUND"
	CodeUserInUse              ErrorCode = "M_USER_IN_USE"
	CodeInvalidUsername        ErrorCode = "M_INVALID_USERNAME"
	CodeBadJSON                ErrorCode = "M_BAD_JSON"
	CodeNotJSON                ErrorCode = "M_NOT_JSON"
	CodeInvalidParam           ErrorCode = "M_INVALID_PARAM"
	CodeMissingParam           ErrorCode = "M_MISSING_PARAM"
	CodeUnsupportedRoomVersion ErrorCode = "M_UNSUPPORTED_ROOM_VERSION"
	CodeRoomInUse              ErrorCode = "M_ROOM_IN_USE"
	CodeGuestAccessForbidden   ErrorCode = "M_GUEST_ACCESS_FORBIDDEN"
	CodeUnrecognized           ErrorCode = "M_UNRECOGNIZED"
	CodeTooLarge               ErrorCode = "M_TOO_LARGE"
)

// Error is an expected, client-facing failure. The API layer renders it as
//
//	{"errcode": Code, "error": Message}
//
// with Status as the HTTP status code. Anything that is not an *Error is
// treated as an internal failure and never shown to the client.
type Error struct {
	Code    ErrorCode `json:"errcode"`
	Message string    `json:"error"`
	Status  int       `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// NewError builds an *Error with an explicit status.
func NewError(status int, code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Status: status}
}

func Forbidden(format string, args ...any) *Error {
	return NewError(http.StatusForbidden, CodeForbidden, format, args...)
}

// UnknownToken is the only error returned for a bad access token. It does not say
// which check failed.
func UnknownToken() *Error {
	return NewError(http.StatusUnauthorized, CodeUnknownToken, "Invalid access token")
}

func NotFound(format string, args ...any) *Error {
	return NewError(http.StatusNotFound, CodeNotFound, format, args...)
}

func BadRequest(code ErrorCode, format string, args ...any) *Error {
	return NewError(http.StatusBadRequest, code, format, args...)
}

// Internal is the generic body used for every unexpected failure.
func Internal() *Error {
	return NewError(http.StatusInternalServerError, CodeUnknown, "Internal Server Error")
}

// AsError extracts an *Error from err, if there is one in the chain.
func AsError(err error) (*Error, bool) {
	var matrixErr *Error
	if errors.As(err, &matrixErr) {
		return matrixErr, true
	}
	return nil, false
}

// IsCode reports whether err carries the given errcode.
func IsCode(err error, code ErrorCode) bool {
	matrixErr, ok := AsError(err)
	return ok && matrixErr.Code == code
}
