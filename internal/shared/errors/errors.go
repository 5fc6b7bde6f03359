package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error types for different domains
type ErrorType string

const (
	// Domain errors
	ErrorTypeValidation     ErrorType = "VALIDATION_ERROR"
	ErrorTypeInfrastructure ErrorType = "INFRASTRUCTURE_ERROR"
	ErrorTypeNotFound       ErrorType = "NOT_FOUND_ERROR"
	ErrorTypeConflict       ErrorType = "CONFLICT_ERROR"
	ErrorTypeInternal       ErrorType = "INTERNAL_ERROR"
)

// Query cache errors
var (
	// ErrUnknownCollection is a configuration error: no policy is registered for the collection.
	ErrUnknownCollection = errors.New("unknown collection")
	// ErrRemoteQueryFailure is a transient failure of the remote document store.
	ErrRemoteQueryFailure = errors.New("remote query failure")
	// ErrNoPaginationState means load-more was requested before any successful fetch.
	ErrNoPaginationState = errors.New("no pagination state")
	// ErrInvalidQuery means a filter or limit could not be turned into a query.
	ErrInvalidQuery = errors.New("invalid query")
)

// Error codes carried by AppError.Code for the query cache taxonomy
const (
	CodeUnknownCollection = "UNKNOWN_COLLECTION"
	CodeRemoteQuery       = "REMOTE_QUERY_FAILURE"
	CodeNoPagination      = "NO_PAGINATION_STATE"
	CodeInvalidQuery      = "INVALID_QUERY"
)

// AppError represents a custom application error with context
type AppError struct {
	Type      ErrorType              `json:"type"`
	Message   string                 `json:"message"`
	Code      string                 `json:"code,omitempty"`
	HTTPCode  int                    `json:"-"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
	Component string                 `json:"component,omitempty"`

	sentinel error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the sentinel this error was built from,
// so errors.Is(err, ErrRemoteQueryFailure) holds for wrapped causes too.
func (e *AppError) Is(target error) bool {
	return e.sentinel != nil && e.sentinel == target
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, message string, httpCode int) *AppError {
	return &AppError{
		Type:     errorType,
		Message:  message,
		HTTPCode: httpCode,
		Details:  make(map[string]interface{}),
	}
}

// WithCode adds an error code
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// WithCause adds the underlying cause
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithComponent adds the component name
func (e *AppError) WithComponent(component string) *AppError {
	e.Component = component
	return e
}

// WithDetail adds a detail field
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *AppError) withSentinel(sentinel error) *AppError {
	e.sentinel = sentinel
	return e
}

// Common error constructors

// NewValidationError creates a validation error
func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, message, http.StatusBadRequest)
}

// NewConflictError creates a conflict error
func NewConflictError(message string) *AppError {
	return NewAppError(ErrorTypeConflict, message, http.StatusConflict)
}

// NewInternalError creates an internal server error
func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, message, http.StatusInternalServerError)
}

// Query cache constructors

// NewUnknownCollectionError reports a policy lookup miss. Not retried.
func NewUnknownCollectionError(collection string) *AppError {
	return NewAppError(ErrorTypeNotFound, fmt.Sprintf("no policy registered for collection %q", collection), http.StatusNotFound).
		WithCode(CodeUnknownCollection).
		WithDetail("collection", collection).
		withSentinel(ErrUnknownCollection)
}

// NewRemoteQueryError wraps a remote store failure. Callers may retry.
func NewRemoteQueryError(queryID string, cause error) *AppError {
	return NewAppError(ErrorTypeInfrastructure, "remote query failed", http.StatusBadGateway).
		WithCode(CodeRemoteQuery).
		WithDetail("query_id", queryID).
		WithCause(cause).
		withSentinel(ErrRemoteQueryFailure)
}

// NewNoPaginationStateError reports a load-more before any successful fetch.
func NewNoPaginationStateError(collection string) *AppError {
	return NewAppError(ErrorTypeConflict, fmt.Sprintf("no cached page to extend for collection %q", collection), http.StatusConflict).
		WithCode(CodeNoPagination).
		WithDetail("collection", collection).
		withSentinel(ErrNoPaginationState)
}

// NewInvalidQueryError reports a filter or limit that cannot form a query.
func NewInvalidQueryError(message string) *AppError {
	return NewValidationError(message).
		WithCode(CodeInvalidQuery).
		withSentinel(ErrInvalidQuery)
}

// ValidationError represents validation errors for multiple fields
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// ValidationErrors represents a collection of validation errors
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

// Error implements the error interface
func (ve *ValidationErrors) Error() string {
	if len(ve.Errors) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", ve.Errors[0].Message)
}

// NewValidationErrors creates a new validation errors instance
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{
		Errors: make([]ValidationError, 0),
	}
}

// Add adds a validation error
func (ve *ValidationErrors) Add(field, message string, value interface{}) *ValidationErrors {
	ve.Errors = append(ve.Errors, ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	})
	return ve
}

// HasErrors returns true if there are validation errors
func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

// ToAppError converts validation errors to an AppError
func (ve *ValidationErrors) ToAppError() *AppError {
	if !ve.HasErrors() {
		return nil
	}

	appErr := NewValidationError("validation failed")
	appErr.Details["validation_errors"] = ve.Errors
	return appErr
}

// Helper functions for common error scenarios

// WrapError returns the AppError in err's chain, or an internal error
// carrying err as its cause.
func WrapError(err error, message string) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return NewInternalError(message).WithCause(err)
}

// HTTPStatus returns the HTTP status an error should be reported with.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.HTTPCode != 0 {
		return appErr.HTTPCode
	}
	return http.StatusInternalServerError
}

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == ErrorTypeValidation
	}
	return false
}

// IsUnknownCollection checks for a policy lookup miss
func IsUnknownCollection(err error) bool {
	return errors.Is(err, ErrUnknownCollection)
}

// IsRemoteQueryFailure checks for a transient remote store failure
func IsRemoteQueryFailure(err error) bool {
	return errors.Is(err, ErrRemoteQueryFailure)
}

// IsNoPaginationState checks for a load-more issued before any fetch
func IsNoPaginationState(err error) bool {
	return errors.Is(err, ErrNoPaginationState)
}
