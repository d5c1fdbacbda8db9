// Package logging provides structured logging for CloudControl Core.
//
// It wraps log/slog so every component logs the same way: JSON in
// production, text during development, with service and version fields on
// every entry.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, discard
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	pool := logger.Component("session")
//	pool.Info("connection opened", "device", id)
//
// The level is shared by a logger and everything derived from it, so
// SetLevel on the root logger applies everywhere.
//
// Never log device agent tokens or MQTT credentials.
package logging
