// Package telemetry reports the state of the device session core.
//
// Reporter snapshots session.Stats on an interval and writes one InfluxDB
// point per component (session_pool, session_workers, session_cache,
// session_batch) plus a retained JSON snapshot on
// cloudcontrol/system/session. Recorder is the session.Observer that counts
// every operation and writes device_operation points.
//
// Both sinks are optional; with neither configured the Recorder still
// serves per-operation totals to the HTTP API.
package telemetry
