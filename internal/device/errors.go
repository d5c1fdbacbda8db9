package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceAbsent is returned when resolving a device that is registered
	// but not currently attached.
	ErrDeviceAbsent = errors.New("device: not present")

	// ErrInvalidDevice is returned when device validation fails.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInvalidHost is returned when the agent host is empty or malformed.
	ErrInvalidHost = errors.New("device: invalid host")

	// ErrInvalidPort is returned when the agent port is out of range.
	ErrInvalidPort = errors.New("device: invalid port")

	// ErrInvalidAnnouncement is returned for discovery messages that cannot
	// be decoded or disagree with their topic.
	ErrInvalidAnnouncement = errors.New("device: invalid announcement")
)
