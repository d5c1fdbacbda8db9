// CloudControl Core - device session server for Android device farms
//
// This is the main entry point for CloudControl Core. Core keeps pooled
// connections to the on-device agents of up to a thousand handsets and
// exposes them through a REST and WebSocket API:
//   - Bounded connection pool with health probing and idle expiry
//   - Worker pool that isolates blocking agent calls
//   - Short-lived result cache with request coalescing
//   - Batching of input gestures per device
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
