package schema

import "errors"

// Domain errors for the schema package.
var (
	// ErrInvalidDefinition is returned when a definition fails validation.
	ErrInvalidDefinition = errors.New("schema: invalid definition")

	// ErrUnknownDeviceType is returned when no definition exists for a type.
	ErrUnknownDeviceType = errors.New("schema: unknown device type")

	// ErrUnknownCommand is returned when a command is not declared by a definition.
	ErrUnknownCommand = errors.New("schema: unknown command")
)
