package birclient

import (
	"errors"
	"fmt"
)

var (
	// ErrAddressNotFound is returned when an address search has no results.
	ErrAddressNotFound = errors.New("address not found")

	// ErrNotInitialized is returned when an operation runs before Initialize.
	ErrNotInitialized = errors.New("client not initialized")

	// errTokenExpired signals a 401 from an authenticated endpoint.
	errTokenExpired = errors.New("token expired")
)

// AuthenticationError reports a rejected or unreachable login, or a token
// that was rejected again right after re-authentication.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// TransientNetworkError reports a transport-level failure (timeout, refused
// connection, reset) on any call.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// StatusError reports an unexpected non-2xx response.
type StatusError struct {
	Op         string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %s", e.Op, e.Status)
}
