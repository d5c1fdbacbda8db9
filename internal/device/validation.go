package device

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

const (
	maxSerialLength = 128
	maxHostLength   = 253
	maxPort         = 65535
)

var (
	// wifiSerialPattern matches adb serials of network-attached devices, "192.168.1.20:5555".
	wifiSerialPattern = regexp.MustCompile(`^\d+\.\d+\.\d+\.\d+:\d+$`)

	// udidUnsafe matches characters replaced when building a UDID.
	udidUnsafe = regexp.MustCompile(`[^A-Za-z0-9_-]`)

	// hostnamePattern matches RFC 1123 host names.
	hostnamePattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?)*$`)

	validHealthStatus map[HealthStatus]struct{}
)

func init() {
	validHealthStatus = make(map[HealthStatus]struct{}, len(AllHealthStatuses()))
	for _, s := range AllHealthStatuses() {
		validHealthStatus[s] = struct{}{}
	}
}

// DetectConnectionType classifies an adb serial.
//
// Emulators report "emulator-NNNN" or a loopback address; network devices
// report "ip:port". Anything else, including an empty serial, is USB.
func DetectConnectionType(serial string) ConnectionType {
	switch {
	case serial == "":
		return ConnectionUSB
	case strings.HasPrefix(serial, "emulator-"), strings.HasPrefix(serial, "127.0.0.1:"):
		return ConnectionEmulator
	case wifiSerialPattern.MatchString(serial):
		return ConnectionWiFi
	default:
		return ConnectionUSB
	}
}

// GenerateUDID derives the stable device identifier from serial and model.
// Characters outside [A-Za-z0-9_-] become underscores; missing parts read "unknown".
//
// Example: GenerateUDID("192.168.1.20:5555", "Pixel 7") == "192_168_1_20_5555-Pixel_7"
func GenerateUDID(serial, model string) string {
	if serial == "" {
		serial = "unknown"
	}
	if model == "" {
		model = "unknown"
	}
	return udidUnsafe.ReplaceAllString(serial, "_") + "-" + udidUnsafe.ReplaceAllString(model, "_")
}

// ValidateDevice checks a device before it is stored.
// Port 0 is allowed and means the registry default agent port.
func ValidateDevice(d *Device) error {
	if d == nil {
		return fmt.Errorf("%w: nil device", ErrInvalidDevice)
	}
	if d.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDevice)
	}
	if len(d.Serial) > maxSerialLength {
		return fmt.Errorf("%w: serial exceeds %d characters", ErrInvalidDevice, maxSerialLength)
	}
	if err := ValidateHost(d.Host); err != nil {
		return err
	}
	if d.Port != 0 {
		if err := ValidatePort(d.Port); err != nil {
			return err
		}
	}
	if d.Display.Width < 0 || d.Display.Height < 0 {
		return fmt.Errorf("%w: negative display size", ErrInvalidDevice)
	}
	switch d.ConnectionType {
	case "", ConnectionUSB, ConnectionWiFi, ConnectionEmulator:
	default:
		return fmt.Errorf("%w: connection type %q", ErrInvalidDevice, d.ConnectionType)
	}
	if d.HealthStatus != "" {
		if err := ValidateHealthStatus(d.HealthStatus); err != nil {
			return err
		}
	}
	return nil
}

// ValidateHost accepts an IP address or an RFC 1123 host name.
func ValidateHost(host string) error {
	if host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidHost)
	}
	if len(host) > maxHostLength {
		return fmt.Errorf("%w: host exceeds %d characters", ErrInvalidHost, maxHostLength)
	}
	if net.ParseIP(host) != nil || hostnamePattern.MatchString(host) {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidHost, host)
}

// ValidatePort checks that port is a usable TCP port.
func ValidatePort(port int) error {
	if port < 1 || port > maxPort {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	return nil
}

// ValidateHealthStatus checks if a health status is valid.
func ValidateHealthStatus(status HealthStatus) error {
	if _, ok := validHealthStatus[status]; ok {
		return nil
	}
	return fmt.Errorf("%w: health status %q", ErrInvalidDevice, status)
}
