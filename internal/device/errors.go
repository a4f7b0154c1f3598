package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotRegistered) {
//	    // caller asked about a device that never initialised
//	}
var (
	// ErrDeviceNotRegistered is returned when an operation names a device
	// that was not successfully initialised. This is a caller bug.
	ErrDeviceNotRegistered = errors.New("device: not registered")

	// ErrUnknownDeviceType is reported when a configured device type has no
	// schema. The device is skipped; initialisation continues.
	ErrUnknownDeviceType = errors.New("device: unknown device type")

	// ErrDuplicateDevice is reported when the same key is configured twice.
	ErrDuplicateDevice = errors.New("device: duplicate device")

	// ErrInvalidDevice is reported when a device has an empty type or id.
	ErrInvalidDevice = errors.New("device: invalid")
)
