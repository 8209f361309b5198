package chat

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("not found")
	ErrTransientStore  = errors.New("store temporarily unavailable")
)

// DomainError carries the caller-facing shape of a failure. Kind is one of the
// sentinel errors above so callers can branch with errors.Is.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	Kind    error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Kind
}

func domainError(kind error, status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
		Kind:    kind,
	}
}

func validationError(message string, details any) *DomainError {
	return domainError(ErrValidation, http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, details)
}

func forbiddenError(message string) *DomainError {
	return domainError(ErrForbidden, http.StatusForbidden, "FORBIDDEN", message, nil)
}

func notFoundError(message string) *DomainError {
	return domainError(ErrNotFound, http.StatusNotFound, "NOT_FOUND", message, nil)
}

// Unauthenticated reports a missing or invalid connection credential.
func Unauthenticated(message string) *DomainError {
	return domainError(ErrUnauthenticated, http.StatusUnauthorized, "UNAUTHORIZED", message, nil)
}

// Validation reports malformed caller input.
func Validation(message string) *DomainError {
	return validationError(message, nil)
}

// Forbidden reports an authenticated caller acting outside their studies.
func Forbidden(message string) *DomainError {
	return forbiddenError(message)
}

// NotFound reports a reference to a study or message that does not exist.
func NotFound(message string) *DomainError {
	return notFoundError(message)
}

// Transient wraps a backing store failure the client may retry.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransientStore) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransientStore, err)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// AsDomainError extracts the caller-facing shape, if any.
func AsDomainError(err error) (*DomainError, bool) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr, true
	}
	return nil, false
}
