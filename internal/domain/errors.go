package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for domain operations
var (
	// ErrNotFound indicates the requested row does not exist
	ErrNotFound = errors.New("not found")

	// ErrOffline indicates network work is not currently allowed
	ErrOffline = errors.New("offline")

	// ErrNotConfigured indicates the media server is not configured
	ErrNotConfigured = errors.New("media server not configured")

	// ErrEmptyBody indicates a successful response without content
	ErrEmptyBody = errors.New("empty response body")

	// ErrNoStrategy indicates no strategy handles the requested format
	ErrNoStrategy = errors.New("no strategy for format")

	// ErrRetry signals the executor to schedule another attempt
	ErrRetry = errors.New("retry requested")

	// ErrKindMismatch indicates an entity written into a list of another kind
	ErrKindMismatch = errors.New("entity kind does not match list")

	// ErrInvalidTransition indicates a task cannot move to the requested status
	ErrInvalidTransition = errors.New("invalid status transition")
)

// HTTPError is a non-2xx response from the media server
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d from %s", e.StatusCode, e.URL)
}

// IsPermanent reports whether another attempt cannot succeed without user
// action. Being offline is not permanent: retries wait for the network.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrNotConfigured) || errors.Is(err, ErrNoStrategy) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		code := httpErr.StatusCode
		return code >= 400 && code < 500 && code != 408 && code != 429
	}
	return false
}
