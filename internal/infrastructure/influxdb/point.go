package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WritePoint queues a prepared point. Points written while disconnected are
// dropped.
func (c *Client) WritePoint(p *write.Point) {
	if p == nil || !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(p)
}

// Write queues a point built from its parts. A zero ts means now.
//
// Example:
//
//	client.Write("session_pool",
//	    map[string]string{"host": "core-1"},
//	    map[string]any{"open": 12, "idle": 3},
//	    time.Time{})
func (c *Client) Write(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if measurement == "" || len(fields) == 0 {
		return
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	c.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}
