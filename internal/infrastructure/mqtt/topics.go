package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every CloudControl topic.
const TopicPrefix = "cloudcontrol"

// Topics provides builders for CloudControl MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.DeviceAnnounce("emulator-5554-sdk_gphone64")
//	// Returns: "cloudcontrol/device/emulator-5554-sdk_gphone64/announce"
type Topics struct{}

// DeviceAnnounce is where a device host publishes a device it attached.
//
// Example: cloudcontrol/device/{udid}/announce
func (Topics) DeviceAnnounce(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/announce", TopicPrefix, deviceID)
}

// DeviceOffline is where a device host reports a device went away.
//
// Example: cloudcontrol/device/{udid}/offline
func (Topics) DeviceOffline(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/offline", TopicPrefix, deviceID)
}

// AllDeviceAnnouncements matches every announce topic.
func (Topics) AllDeviceAnnouncements() string {
	return TopicPrefix + "/device/+/announce"
}

// AllDeviceOffline matches every offline topic.
func (Topics) AllDeviceOffline() string {
	return TopicPrefix + "/device/+/offline"
}

// SystemStatus carries the retained online/offline status of Core.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// SystemSession carries the retained session statistics snapshot.
func (Topics) SystemSession() string {
	return TopicPrefix + "/system/session"
}

// DeviceIDFromTopic extracts the device segment of a cloudcontrol/device/{id}/... topic.
func DeviceIDFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != TopicPrefix || parts[1] != "device" || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}
