package agent

import "errors"

// Sentinel errors for agent calls.
//
// Both are reported wrapped in session.ErrRemote: they describe the request,
// not the health of the connection, so the pool keeps the connection.
var (
	// ErrInvalidArgs is returned when operation arguments are missing or malformed.
	ErrInvalidArgs = errors.New("agent: invalid arguments")

	// ErrPingFailed is returned by Open when the agent does not answer /ping.
	ErrPingFailed = errors.New("agent: ping failed")
)
