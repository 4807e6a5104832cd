package loop

import "errors"

var (
	// ErrEventTimeout means wait_for exhausted its budget without an event.
	// Handlers may recover from it; escaping the handler it is treated as an
	// unhandled failure.
	ErrEventTimeout = errors.New("timed out waiting for event")

	// ErrLoopStopped is raised inside wait_for once a stop has been
	// requested. It unwinds the handler; the manager records STOPPED.
	ErrLoopStopped = errors.New("loop stopped")

	// ErrLoopPaused is raised inside wait_for once a pause has been
	// requested. It unwinds the handler; the manager records PAUSED.
	ErrLoopPaused = errors.New("loop paused")

	// ErrInvalidTimeout flags a wait_for call with a non-positive timeout,
	// which is a programming error in the handler.
	ErrInvalidTimeout = errors.New("timeout must be greater than zero")

	// ErrNotImplemented marks declared-but-undefined context operations.
	ErrNotImplemented = errors.New("not implemented")
)
