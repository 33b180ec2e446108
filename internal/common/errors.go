package common

import (
	"errors"
	"net/http"
)

// Error codes used across the client to classify failures.
const (
	CodeValidation   = "VALIDATION"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeTransient    = "TRANSIENT"
	CodeNotFound     = "NOT_FOUND"
)

// Sentinel errors matched by errors.Is against any AppError of the same class.
var (
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
	ErrTransient    = errors.New("transient server error")
	ErrNotFound     = errors.New("not found")
)

// AppError represents an error with an attached code and HTTP status.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
	Details    any
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Code
}

// Unwrap allows errors.Is/As to inspect the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches the class sentinel for the error code.
func (e *AppError) Is(target error) bool {
	if e == nil {
		return false
	}
	return sentinelFor(e.Code) == target
}

// NewAppError constructs an AppError.
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// IsAppError checks whether the error is an AppError.
func IsAppError(err error) bool {
	var target *AppError
	return errors.As(err, &target)
}

// Validation reports a client-detected problem that never reaches the network.
func Validation(message string) *AppError {
	return NewAppError(CodeValidation, message, http.StatusUnprocessableEntity, nil)
}

// Unauthorized reports a missing or rejected credential.
func Unauthorized(message string, err error) *AppError {
	return NewAppError(CodeUnauthorized, message, http.StatusUnauthorized, err)
}

// Transient reports a server or transport failure.
func Transient(message string, err error) *AppError {
	return NewAppError(CodeTransient, message, http.StatusBadGateway, err)
}

// NotFound reports that a requested resource is absent.
func NotFound(message string) *AppError {
	return NewAppError(CodeNotFound, message, http.StatusNotFound, nil)
}

// CodeOf returns the code of the first AppError in the chain or an empty string.
func CodeOf(err error) string {
	var target *AppError
	if errors.As(err, &target) {
		return target.Code
	}
	return ""
}

func sentinelFor(code string) error {
	switch code {
	case CodeValidation:
		return ErrValidation
	case CodeUnauthorized:
		return ErrUnauthorized
	case CodeTransient:
		return ErrTransient
	case CodeNotFound:
		return ErrNotFound
	default:
		return nil
	}
}
