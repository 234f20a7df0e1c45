package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"courier/internal/models"
)

// Error is a non-2xx answer from the server.
type Error struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: server returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: server returned %d: %s", e.Op, e.StatusCode, e.Message)
}

// Retryable reports whether the same request may succeed later. Expired
// sessions count as retryable because the token is refreshed on the next
// attempt.
func (e *Error) Retryable() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusUnauthorized:
		return true
	}
	return e.StatusCode >= http.StatusInternalServerError
}

// ConflictError is returned when the server rejects a settings update
// because its version moved on. Server holds the server's current settings.
type ConflictError struct {
	Server models.Settings
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("settings conflict: server is at version %d", e.Server.Version)
}

// IsRetryable classifies an error returned by Client. Transport failures and
// timeouts are retryable, client errors and conflicts are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return false
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	if errors.Is(err, ErrInvalidResponse) {
		return false
	}
	// Everything else failed before the server could answer.
	return true
}

// IsTimeout reports whether err is a deadline being hit.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
