// Package apperr defines the error taxonomy shared by all components of the
// auth manager. Every error carries a stable machine-readable code, a human
// message, and an optional metadata bag (operation, ids, underlying error).
// The HTTP layer derives the response status from the code; callers compare
// with errors.Is against the Code via Is.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error code.
type Code string

const (
	CodeUnauthorized        Code = "unauthorized"
	CodeTokenNotActive      Code = "token_not_active"
	CodeTokenExpired        Code = "token_expired"
	CodeMissingBearerToken  Code = "missing_bearer_token"
	CodeInvalidBearerToken  Code = "invalid_bearer_token"
	CodeTokenNotFound       Code = "token_not_found"
	CodeNoRefreshToken      Code = "no_refresh_token"
	CodeInvalidRequest      Code = "invalid_request"
	CodeInvalidTokenID      Code = "invalid_token_id"
	CodeInvalidTokenType    Code = "invalid_token_type"
	CodeForbidden           Code = "forbidden"
	CodeEncryptionFailed    Code = "encryption_failed"
	CodeDecryptionFailed    Code = "decryption_failed"
	CodeStorageError        Code = "storage_error"
	CodeCleanupError        Code = "cleanup_error"
	CodeInternal            Code = "internal_error"
	CodeIntrospectionFailed Code = "token_introspection_failed"
	CodeKeycloak            Code = "keycloak_error"
	CodeConnection          Code = "connection_error"
)

// httpStatus maps each code to its HTTP response status.
var httpStatus = map[Code]int{
	CodeUnauthorized:        http.StatusUnauthorized,
	CodeTokenNotActive:      http.StatusUnauthorized,
	CodeTokenExpired:        http.StatusUnauthorized,
	CodeMissingBearerToken:  http.StatusUnauthorized,
	CodeInvalidBearerToken:  http.StatusUnauthorized,
	CodeTokenNotFound:       http.StatusNotFound,
	CodeNoRefreshToken:      http.StatusNotFound,
	CodeInvalidRequest:      http.StatusBadRequest,
	CodeInvalidTokenID:      http.StatusBadRequest,
	CodeInvalidTokenType:    http.StatusBadRequest,
	CodeForbidden:           http.StatusForbidden,
	CodeEncryptionFailed:    http.StatusInternalServerError,
	CodeDecryptionFailed:    http.StatusInternalServerError,
	CodeStorageError:        http.StatusInternalServerError,
	CodeCleanupError:        http.StatusInternalServerError,
	CodeInternal:            http.StatusInternalServerError,
	CodeIntrospectionFailed: http.StatusInternalServerError,
	CodeKeycloak:            http.StatusInternalServerError,
	CodeConnection:          http.StatusServiceUnavailable,
}

// Error is the concrete error type used across the service.
type Error struct {
	Code    Code
	Message string
	Meta    map[string]any
	Err     error
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error that records an underlying cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithMeta attaches a key/value pair to the metadata bag and returns the
// receiver for chaining.
func (e *Error) WithMeta(key string, value any) *Error {
	if e.Meta == nil {
		e.Meta = make(map[string]any)
	}
	e.Meta[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports equality by code so that errors.Is(err, apperr.New(code, ""))
// matches any Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// HTTPStatus returns the response status for the given error. Non-Error
// values and unknown codes map to 500.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		if status, ok := httpStatus[e.Code]; ok {
			return status
		}
	}
	return http.StatusInternalServerError
}

// CodeOf extracts the machine code from an error chain. Unknown errors are
// reported as internal_error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MetaOf extracts the metadata bag from an error chain, or nil.
func MetaOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Meta
	}
	return nil
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
