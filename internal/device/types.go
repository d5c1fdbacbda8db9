package device

import "time"

// Device is one Android handset reachable through its on-device agent.
// This matches the devices table in migrations/0001_devices.sql.
type Device struct {
	// Identity. ID is the UDID derived from serial and model.
	ID     string `json:"id"`
	Serial string `json:"serial"`

	// Agent endpoint. A zero Port means the registry default.
	Host string `json:"host"`
	Port int    `json:"port"`

	// Hardware and OS
	Model   string  `json:"model"`
	Brand   string  `json:"brand"`
	Version string  `json:"version"`
	SDK     int     `json:"sdk"`
	Display Display `json:"display"`

	ConnectionType ConnectionType `json:"connection_type"`

	// Availability
	Present bool `json:"present"`
	Ready   bool `json:"ready"`
	Using   bool `json:"using"`

	// Health monitoring
	HealthStatus   HealthStatus `json:"health_status"`
	HealthLastSeen *time.Time   `json:"health_last_seen,omitempty"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Display is the screen resolution in pixels.
type Display struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Clone returns an independent copy of the device.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	cpy := *d
	if d.HealthLastSeen != nil {
		t := *d.HealthLastSeen
		cpy.HealthLastSeen = &t
	}
	return &cpy
}

// ConnectionType is how the agent host attaches to the device.
type ConnectionType string

// ConnectionType constants.
const (
	ConnectionUSB      ConnectionType = "usb"
	ConnectionWiFi     ConnectionType = "wifi"
	ConnectionEmulator ConnectionType = "emulator"
)

// HealthStatus represents the device health state.
type HealthStatus string

// HealthStatus constants.
const (
	HealthStatusOnline   HealthStatus = "online"
	HealthStatusOffline  HealthStatus = "offline"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusUnknown  HealthStatus = "unknown"
)

// AllHealthStatuses returns all valid health status values.
func AllHealthStatuses() []HealthStatus {
	return []HealthStatus{
		HealthStatusOnline, HealthStatusOffline, HealthStatusDegraded, HealthStatusUnknown,
	}
}
