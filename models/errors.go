package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the repository. Callers branch on these with
// errors.Is; remote failures that exhaust their retries are surfaced as-is,
// never wrapped in one of these.
var (
	// ErrNotAuthenticated: the operation requires an established identity.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrNotFound: a referenced room or document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTimeout: a bounded wait elapsed before the condition held.
	ErrTimeout = errors.New("timed out")
)

// ValidationError reports malformed caller input (username, room id). It is
// raised immediately and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AuthenticationError reports a failed sign-in or a failed wait for the auth
// provider's first state callback.
type AuthenticationError struct {
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }
