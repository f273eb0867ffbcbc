// Package apperr defines the typed error taxonomy shared by storage, query and policy layers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	TypeValidation  ErrorType = "validation"
	TypeNotFound    ErrorType = "not_found"
	TypeSyntax      ErrorType = "syntax"
	TypeUnavailable ErrorType = "unavailable"
	TypeInternal    ErrorType = "internal"
)

// AppError is a structured error carrying a machine-readable code.
type AppError struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Cause   error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches another *AppError by Type and Code so sentinels work with errors.Is.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// WithCause returns a copy of e wrapping cause.
func (e *AppError) WithCause(cause error) *AppError {
	c := *e
	c.Cause = cause
	return &c
}

// StatusCode maps the error type onto an HTTP status.
func (e *AppError) StatusCode() int {
	switch e.Type {
	case TypeValidation, TypeSyntax:
		return http.StatusBadRequest
	case TypeNotFound:
		return http.StatusNotFound
	case TypeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func Validation(code, message string) *AppError {
	return &AppError{Type: TypeValidation, Code: code, Message: message}
}

func NotFound(resource, id string) *AppError {
	return &AppError{Type: TypeNotFound, Code: "NOT_FOUND", Message: fmt.Sprintf("%s not found: %s", resource, id)}
}

func Unavailable(code, message string) *AppError {
	return &AppError{Type: TypeUnavailable, Code: code, Message: message}
}

func Internal(message string, cause error) *AppError {
	return &AppError{Type: TypeInternal, Code: "INTERNAL_ERROR", Message: message, Cause: cause}
}

// TypeOf returns the ErrorType of the first AppError in err's chain, or TypeInternal.
func TypeOf(err error) ErrorType {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Type
	}
	return TypeInternal
}

// Result is the typed failure value returned for lookups that may miss,
// so callers branch on Success instead of handling an error.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func OK() Result {
	return Result{Success: true}
}

func NotFoundResult(resource, id string) Result {
	return Result{Success: false, Error: fmt.Sprintf("%s not found: %s", resource, id), Code: "NOT_FOUND"}
}
