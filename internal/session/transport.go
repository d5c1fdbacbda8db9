package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
)

// Endpoint is the network address of a device agent.
type Endpoint struct {
	Host string
	Port int
}

// Resolver maps a device id to the agent endpoint.
// Implementations return an error wrapping ErrNotFound for unknown devices.
type Resolver interface {
	ResolveEndpoint(ctx context.Context, deviceID string) (Endpoint, error)
}

// Transport opens connections to device agents.
type Transport interface {
	// Open connects to the agent at host:port.
	// Failures are reported as-is; the pool wraps them with ErrConnectFailed.
	Open(ctx context.Context, host string, port int) (Conn, error)
}

// Conn is one live connection to a device agent.
//
// Probe may be called by the health sweep while the pool does not hold the
// connection, but never concurrently with Invoke.
type Conn interface {
	// Invoke performs one opaque remote call.
	// Errors wrapping ErrRemote mean the agent answered with a failure;
	// any other error is treated as a transport failure.
	Invoke(ctx context.Context, operation string, args Args) (Result, error)

	// Probe reports whether the connection is still usable.
	Probe(ctx context.Context) bool

	// Close releases the underlying resources.
	Close() error
}

// Args are the arguments of one device operation.
type Args map[string]any

// Digest returns a stable digest of the arguments.
// encoding/json sorts map keys, so equal argument sets produce equal digests.
func (a Args) Digest() string {
	if len(a) == 0 {
		return ""
	}
	b, err := json.Marshal(a)
	if err != nil {
		// Unencodable args (channels, funcs) never collide with encodable ones.
		return "!" + err.Error()
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:16])
}

// Result is the outcome of a device operation.
type Result struct {
	// ContentType describes Body, e.g. "image/jpeg" or "application/json".
	ContentType string
	Body        []byte
}

// isTransportFailure reports whether err is evidence that the connection is broken.
// Remote errors, timeouts and context errors are not.
func isTransportFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRemote) || errors.Is(err, ErrTimeout) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
