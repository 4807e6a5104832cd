package state

import "errors"

var (
	// ErrLoopClaim means the per-loop exclusion token could not be acquired
	// within the acquisition timeout. Transient: the caller may retry or
	// rely on the queued event being observed by the current holder.
	ErrLoopClaim = errors.New("could not acquire loop claim")

	// ErrLoopNotFound means no record exists for the requested loop_id.
	ErrLoopNotFound = errors.New("loop not found")

	// ErrInvalidSender means an event carried a direction outside
	// {CLIENT, SERVER}.
	ErrInvalidSender = errors.New("invalid event sender")
)
