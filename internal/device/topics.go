package device

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every device topic. Device firmware builds the
// same names independently, so the templates below must never change.
const TopicPrefix = "hame_energy"

// TopicKind classifies an inbound topic.
type TopicKind string

// Inbound topic kinds.
const (
	// TopicKindDevice is state telemetry published by the device.
	TopicKindDevice TopicKind = "device"

	// TopicKindControl is a command published by an app for the device.
	TopicKindControl TopicKind = "control"
)

// Topics holds the five canonical topics of one device.
type Topics struct {
	// DeviceTopic carries device -> relay telemetry.
	// Example: hame_energy/HMA-1/device/ABC/ctrl
	DeviceTopic string `json:"device_topic"`

	// PublishTopic is the base for relay -> consumer state publications.
	// Example: hame_energy/HMA-1/device/ABC
	PublishTopic string `json:"publish_topic"`

	// DeviceControlTopic carries relay -> device commands.
	// Example: hame_energy/HMA-1/App/ABC/ctrl
	DeviceControlTopic string `json:"device_control_topic"`

	// ControlSubscriptionTopic is the base of app -> relay command topics.
	// Example: hame_energy/HMA-1/control/ABC
	ControlSubscriptionTopic string `json:"control_subscription_topic"`

	// AvailabilityTopic carries online/offline liveness.
	// Example: hame_energy/HMA-1/availability/ABC
	AvailabilityTopic string `json:"availability_topic"`
}

// DeriveTopics builds the canonical topics for a device.
func DeriveTopics(deviceType, deviceID string) Topics {
	return Topics{
		DeviceTopic:              fmt.Sprintf("%s/%s/device/%s/ctrl", TopicPrefix, deviceType, deviceID),
		PublishTopic:             fmt.Sprintf("%s/%s/device/%s", TopicPrefix, deviceType, deviceID),
		DeviceControlTopic:       fmt.Sprintf("%s/%s/App/%s/ctrl", TopicPrefix, deviceType, deviceID),
		ControlSubscriptionTopic: fmt.Sprintf("%s/%s/control/%s", TopicPrefix, deviceType, deviceID),
		AvailabilityTopic:        fmt.Sprintf("%s/%s/availability/%s", TopicPrefix, deviceType, deviceID),
	}
}

// ControlTopic returns the app -> relay topic for one command.
//
// Example: hame_energy/HMA-1/control/ABC/setPower
func (t Topics) ControlTopic(command string) string {
	return t.ControlSubscriptionTopic + "/" + command
}

// StateTopic returns the relay -> consumer topic for one publish path.
//
// Example: hame_energy/HMA-1/device/ABC/data
func (t Topics) StateTopic(path string) string {
	return t.PublishTopic + "/" + path
}

// isControlTopic reports whether topic lies under the control base.
// The base must be followed by "/" (or end the topic) so that device "AB"
// never claims topics of device "ABC".
func (t Topics) isControlTopic(topic string) bool {
	rest, ok := strings.CutPrefix(topic, t.ControlSubscriptionTopic)
	return ok && (rest == "" || strings.HasPrefix(rest, "/"))
}

// CommandName extracts the command from a control topic.
// Returns false when topic is not a control topic of this device or names
// no command.
func (t Topics) CommandName(topic string) (string, bool) {
	if !t.isControlTopic(topic) {
		return "", false
	}
	name := strings.TrimPrefix(strings.TrimPrefix(topic, t.ControlSubscriptionTopic), "/")
	if name == "" {
		return "", false
	}
	return name, true
}
