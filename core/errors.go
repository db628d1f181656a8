package core

import "github.com/pkg/errors"

var (
	// ErrNotFound is returned when a record does not exist or is not visible to the caller.
	ErrNotFound = errors.New("not found")

	// ErrUnauthenticated is returned when no identity could be resolved for a request.
	ErrUnauthenticated = errors.New("user not authenticated")
)

// FieldError is used to indicate an error with a specific struct field.
type FieldError struct {
	Field string
	Error string
}

type ValidationError struct {
	Err    error
	Fields []FieldError
}

func NewValidationError(err error, flds ...FieldError) error {
	return &ValidationError{err, flds}
}

func (err ValidationError) Error() string {
	if err.Err == nil {
		return ""
	}
	return err.Err.Error()
}

// AuthorizationError is returned when the caller lacks the role or capability for an action.
type AuthorizationError struct {
	Reason string
}

func NewAuthorizationError(reason string) error {
	return &AuthorizationError{Reason: reason}
}

func (err AuthorizationError) Error() string {
	return err.Reason
}

func IsAuthorizationError(err error) bool {
	_, ok := errors.Cause(err).(*AuthorizationError)
	return ok
}

func IsValidationError(err error) bool {
	_, ok := errors.Cause(err).(*ValidationError)
	return ok
}

type shutdown struct {
	message string
}

func NewShutdownError(msg string) error {
	return &shutdown{message: msg}
}

func (s shutdown) Error() string {
	return s.message
}

func IsShutdown(err error) bool {
	_, ok := errors.Cause(err).(*shutdown)
	return ok
}
