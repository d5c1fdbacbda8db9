// Package influxdb stores CloudControl session telemetry in InfluxDB 2.x.
//
// It wraps the official influxdb-client-go v2 library. The telemetry
// reporter writes one point per interval for each session component
// (session_pool, session_workers, session_cache, session_batch) and one
// device_operation point per completed device operation.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry storage is optional
//	}
//	defer client.Close()
//
//	client.Write("session_pool", nil, map[string]any{"open": 4}, time.Time{})
//
// # Error Handling
//
// Writes never block and never return errors. Batch failures are delivered
// to the SetOnError callback wrapped in ErrWriteFailed.
package influxdb
