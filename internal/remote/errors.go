// Package remote provides the HTTP client for the remote reading service.
package remote

import "fmt"

// TransportError indicates the backend could not be reached or did not
// answer in time. Retryable.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// AuthError indicates expired or invalid credentials. Not retried by the
// sync loop; surfaced so the caller can refresh credentials and re-trigger.
type AuthError struct {
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected (status %d)", e.StatusCode)
}

// ValidationError indicates the backend rejected the payload.
type ValidationError struct {
	StatusCode int
	Detail     string
}

func (e *ValidationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("payload rejected (status %d): %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("payload rejected (status %d)", e.StatusCode)
}

// NotFoundError indicates an update/delete referenced a remote id the
// backend no longer has.
type NotFoundError struct {
	RemoteID int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("remote reading %d not found", e.RemoteID)
}

// StatusError covers remaining non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}
