package stream

import "errors"

var (
	// ErrInvalidConfiguration reports bad session parameters or a lifecycle
	// call made in the wrong state. It is returned before streaming begins.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrNotStreaming rejects ingest and output calls outside the Streaming state
	ErrNotStreaming = errors.New("session is not streaming")

	// ErrSessionNotFound is returned by Manager lookups
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionLimit is returned when the manager is at max_sessions
	ErrSessionLimit = errors.New("session limit reached")
)
