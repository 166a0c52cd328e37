package services

import "errors"

type ErrorCode string

const (
	// ErrorNotFound marks an unknown assessment/history/tag id. These are
	// usage errors at the call site and propagate directly.
	ErrorNotFound ErrorCode = "not_found"
	// ErrorValidation marks a malformed or unsupported interchange
	// document; the whole import aborts before any write.
	ErrorValidation ErrorCode = "validation"
	// ErrorStorage marks an underlying persistence failure. Never
	// swallowed.
	ErrorStorage ErrorCode = "storage"
	// ErrorInvalid marks a bad argument to an engine operation.
	ErrorInvalid ErrorCode = "invalid"
)

type ServiceError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *ServiceError) Error() string { return e.Message }

func (e *ServiceError) Unwrap() error { return e.Err }

func NewNotFoundError(msg string) error   { return &ServiceError{Code: ErrorNotFound, Message: msg} }
func NewValidationError(msg string) error { return &ServiceError{Code: ErrorValidation, Message: msg} }
func NewInvalidError(msg string) error    { return &ServiceError{Code: ErrorInvalid, Message: msg} }

func NewStorageError(msg string, err error) error {
	return &ServiceError{Code: ErrorStorage, Message: msg, Err: err}
}

func AsServiceError(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsNotFound reports whether err is a not-found service error.
func IsNotFound(err error) bool {
	se, ok := AsServiceError(err)
	return ok && se.Code == ErrorNotFound
}
