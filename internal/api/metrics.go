package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/cloudcontrol-core/internal/session"
	"github.com/nerrad567/cloudcontrol-core/internal/telemetry"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string                       `json:"timestamp"`
	Version       string                       `json:"version"`
	UptimeSeconds int64                        `json:"uptime_seconds"`
	Runtime       RuntimeMetrics               `json:"runtime"`
	WebSocket     WSMetrics                    `json:"websocket"`
	MQTT          MQTTMetrics                  `json:"mqtt"`
	Devices       DeviceMetrics                `json:"devices"`
	Database      DatabaseMetrics              `json:"database"`
	Session       session.Stats                `json:"session"`
	Operations    []telemetry.OperationSummary `json:"operations,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
	Streams          int `json:"streams"`
}

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Enabled       bool `json:"enabled"`
	Connected     bool `json:"connected"`
	Subscriptions int  `json:"subscriptions"`
}

// DeviceMetrics contains device registry statistics.
type DeviceMetrics struct {
	Total            int            `json:"total"`
	Present          int            `json:"present"`
	ByHealth         map[string]int `json:"by_health"`
	ByConnectionType map[string]int `json:"by_connection_type"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleMetrics returns comprehensive system metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
			Streams:          s.hub.StreamCount(),
		},
		Session: s.sessions.Stats(),
	}

	// MQTT metrics (if available)
	if s.mqtt != nil {
		metrics.MQTT = MQTTMetrics{
			Enabled:       true,
			Connected:     s.mqtt.IsConnected(),
			Subscriptions: s.mqtt.SubscriptionCount(),
		}
	}

	// Device registry stats
	regStats := s.registry.GetStats()
	metrics.Devices = DeviceMetrics{
		Total:            regStats.TotalDevices,
		Present:          regStats.Present,
		ByHealth:         make(map[string]int),
		ByConnectionType: make(map[string]int),
	}
	for health, count := range regStats.ByHealthStatus {
		metrics.Devices.ByHealth[string(health)] = count
	}
	for ct, count := range regStats.ByConnectionType {
		metrics.Devices.ByConnectionType[string(ct)] = count
	}

	// Database stats (if available)
	if s.db != nil {
		dbStats := s.db.Stats()
		metrics.Database = DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	if s.recorder != nil {
		metrics.Operations = s.recorder.Summary()
	}

	writeJSON(w, http.StatusOK, metrics)
}
