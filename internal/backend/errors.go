package backend

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnreachable is returned when no HTTP response was received.
	ErrUnreachable  = errors.New("could not connect to the Salus backend")
	ErrUnauthorized = errors.New("backend rejected the credentials")
	ErrForbidden    = errors.New("not allowed to access this resource")
	ErrNotFound     = errors.New("resource not found")
)

// Error codes returned by the backend in APIError.Errors.
const (
	CodeDayMismatch        = "conflict.day_mismatch"
	CodeScheduleConflict   = "conflict.schedule_conflict"
	CodeInvalidDateOrRange = "bad_request.invalid_date_or_date_range"
)

// FieldError is one entry of APIError.Errors.
type FieldError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIError is the error body of a non-2xx backend response.
type APIError struct {
	Status    int          `json:"-"`
	Message   string       `json:"message"`
	Errors    []FieldError `json:"errors"`
	Timestamp string       `json:"timestamp"`
}

func (e *APIError) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("backend %d: %s (%s)", e.Status, e.Errors[0].Message, e.Errors[0].Code)
	}
	if e.Message != "" {
		return fmt.Sprintf("backend %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("backend %d: %s", e.Status, http.StatusText(e.Status))
}

// Code returns the first error code, or "" when there is none. Only the
// first one is meant for display.
func (e *APIError) Code() string {
	if len(e.Errors) == 0 {
		return ""
	}
	return e.Errors[0].Code
}

// Is maps HTTP statuses onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	case ErrForbidden:
		return e.Status == http.StatusForbidden
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	}
	return false
}

// HasCode reports whether err is an APIError carrying code.
func HasCode(err error, code string) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, fe := range apiErr.Errors {
		if fe.Code == code {
			return true
		}
	}
	return false
}
