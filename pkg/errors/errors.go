// Package errors defines the error taxonomy for the search core: sentinel
// errors for each failure class plus an AppError wrapper carrying an HTTP
// status for the service surface.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrQuerySyntax marks malformed query text (unbalanced quotes or
	// parentheses, unknown field names). Always recovered into an empty
	// result set by the orchestrator.
	ErrQuerySyntax = errors.New("query syntax error")

	// ErrIndexInconsistency marks an internal index invariant violation,
	// such as a posting list referencing a removed document. Triggers a
	// full index rebuild.
	ErrIndexInconsistency = errors.New("index inconsistency")

	// ErrCacheCorruption marks diverged size accounting in a cache layer.
	// Recovered by flushing the affected layer only.
	ErrCacheCorruption = errors.New("cache corruption")

	ErrDocumentNotFound = errors.New("document not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInternal         = errors.New("internal error")
)

// AppError attaches a message and an HTTP status to a sentinel error.
type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// HTTPStatusCode maps an error to the status code the HTTP surface should
// return. Query syntax errors map to 200 upstream (the orchestrator turns
// them into empty results); this mapping applies to the mutation endpoints.
func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrQuerySyntax):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
