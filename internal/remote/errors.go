package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable marks transport-level failures: the server could not be
	// reached at all. Only this class drives the engine's offline mode.
	ErrUnavailable = errors.New("server unavailable")

	// ErrUnauthorized is wrapped into HTTPError for 401 responses to writes.
	ErrUnauthorized = errors.New("unauthorized")
)

// HTTPError is a remote rejection of a write request.
type HTTPError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.Status, e.Body)
}

func (e *HTTPError) Unwrap() error {
	if e.Status == 401 {
		return ErrUnauthorized
	}
	return nil
}
