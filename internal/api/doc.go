// Package api implements the HTTP REST API and WebSocket server of
// CloudControl Core.
//
// This package provides:
//   - REST endpoints for the device registry
//   - Device operations through the session manager
//   - A per-device WebSocket control channel with paced screenshot streaming
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Error Mapping
//
// Session errors become structured JSON errors:
//
//	not_found          404    unknown_operation  400
//	pool_exhausted     503    overloaded         429
//	timeout            504    connect_failed     502
//	remote_error       502    closed             503
//
// # Graceful Degradation
//
// MQTT and InfluxDB are optional. Without them the API serves everything
// except the broker status in /metrics.
package api
