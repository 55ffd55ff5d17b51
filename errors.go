package grpctx

import "errors"

// Standard errors.
var (
	// ErrAlreadyRunning is returned by Run when another goroutine is already
	// driving the context.
	ErrAlreadyRunning = errors.New("grpctx: context is already running")

	// ErrShutdown is returned by Run once the completion queue has been shut
	// down and fully drained.
	ErrShutdown = errors.New("grpctx: context has been shut down")
)
