package session

import "errors"

// Domain errors for the session package.
//
// Every error returned by Manager.Perform wraps exactly one of these, so
// callers can branch with errors.Is:
//
//	if errors.Is(err, session.ErrOverloaded) {
//	    // shed load, retry later
//	}
var (
	// ErrPoolExhausted is returned when no connection could be obtained
	// within the acquire timeout.
	ErrPoolExhausted = errors.New("session: connection pool exhausted")

	// ErrConnectFailed is returned when opening a connection to a device agent fails.
	ErrConnectFailed = errors.New("session: connect failed")

	// ErrRemote is returned when the device agent answered with an error.
	// Remote errors say nothing about the health of the connection.
	ErrRemote = errors.New("session: remote error")

	// ErrOverloaded is returned when the worker queue is full.
	ErrOverloaded = errors.New("session: overloaded")

	// ErrTimeout is returned when the caller's deadline elapsed before a result was available.
	ErrTimeout = errors.New("session: timeout")

	// ErrNotFound is returned when the device id cannot be resolved to an endpoint.
	ErrNotFound = errors.New("session: device not found")

	// ErrClosed is returned by components that have been shut down.
	ErrClosed = errors.New("session: closed")

	// ErrUnknownOperation is returned when an operation name is not in the operation table.
	ErrUnknownOperation = errors.New("session: unknown operation")

	// ErrBatchMismatch is returned when a group executor reports a different
	// number of outcomes than it was given items.
	ErrBatchMismatch = errors.New("session: batch outcome count mismatch")

	// ErrWorkerPanic is returned when a submitted task panicked.
	ErrWorkerPanic = errors.New("session: worker panic")
)

// Error kinds reported to API clients.
const (
	KindPoolExhausted    = "pool_exhausted"
	KindConnectFailed    = "connect_failed"
	KindRemote           = "remote_error"
	KindOverloaded       = "overloaded"
	KindTimeout          = "timeout"
	KindNotFound         = "not_found"
	KindClosed           = "closed"
	KindUnknownOperation = "unknown_operation"
	KindInternal         = "internal_error"
)

// KindOf returns the stable kind string for err.
// Errors that wrap none of the package sentinels are KindInternal.
func KindOf(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnknownOperation):
		return KindUnknownOperation
	case errors.Is(err, ErrPoolExhausted):
		return KindPoolExhausted
	case errors.Is(err, ErrOverloaded):
		return KindOverloaded
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrConnectFailed):
		return KindConnectFailed
	case errors.Is(err, ErrRemote):
		return KindRemote
	case errors.Is(err, ErrClosed):
		return KindClosed
	default:
		return KindInternal
	}
}
