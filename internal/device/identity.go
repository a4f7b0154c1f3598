package device

import "strings"

// keySeparator joins device type and id in a Key.
// Neither field is expected to contain it.
const keySeparator = ":"

// Device identifies one physical device by model and serial.
// Two devices are the same device iff their keys are equal.
type Device struct {
	DeviceType string `json:"device_type"`
	DeviceID   string `json:"device_id"`
}

// Key is the composite identity of a device ("deviceType:deviceId").
type Key string

// Key returns the composite key for the device.
func (d Device) Key() Key {
	return Key(d.DeviceType + keySeparator + d.DeviceID)
}

// String implements fmt.Stringer.
func (d Device) String() string {
	return string(d.Key())
}

// ParseKey splits a composite key back into a Device.
// Returns false when the key has no separator or an empty part.
func ParseKey(k Key) (Device, bool) {
	deviceType, deviceID, ok := strings.Cut(string(k), keySeparator)
	if !ok || deviceType == "" || deviceID == "" {
		return Device{}, false
	}
	return Device{DeviceType: deviceType, DeviceID: deviceID}, true
}

// State is a partial device state: the fragment published on one path,
// or the merged view across all paths.
type State map[string]any

// DeepCopy returns an independent copy of the state.
func (s State) DeepCopy() State {
	if s == nil {
		return nil
	}
	return State(deepCopyMap(s))
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case State:
		return State(deepCopyMap(val))
	case []any:
		cpy := make([]any, len(val))
		for i, item := range val {
			cpy[i] = deepCopyValue(item)
		}
		return cpy
	default:
		return val
	}
}
