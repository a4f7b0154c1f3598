package schema

import "strings"

// DefaultPollCommand is sent to a device when its definition does not declare one.
const DefaultPollCommand = "cd=1"

// valuePlaceholder is substituted with the inbound control payload.
const valuePlaceholder = "{value}"

// Definition describes every message a device type publishes.
type Definition struct {
	// DeviceType is the model identifier used in topics (e.g. "HMA-1").
	DeviceType string `yaml:"device_type" json:"device_type"`

	// PollCommand is the payload that asks the device to report its state.
	PollCommand string `yaml:"poll_command,omitempty" json:"poll_command,omitempty"`

	// Messages are kept in declaration order; that order is significant for
	// control topics and poll interval resolution.
	Messages []MessageDefinition `yaml:"messages" json:"messages"`
}

// MessageDefinition describes one publish path of a device type.
type MessageDefinition struct {
	PublishPath  string            `yaml:"publish_path" json:"publish_path"`
	DefaultState map[string]any    `yaml:"default_state,omitempty" json:"default_state,omitempty"`
	Commands     []Command         `yaml:"commands,omitempty" json:"commands,omitempty"`
	PollInterval *int              `yaml:"poll_interval,omitempty" json:"poll_interval,omitempty"` // milliseconds
	Fields       map[string]string `yaml:"fields,omitempty" json:"fields,omitempty"`               // raw key -> state key
}

// Command is a named device command.
type Command struct {
	Command string `yaml:"command" json:"command"`

	// Payload is the message sent to the device. "{value}" is replaced with
	// the payload received on the control topic. Empty means forward as-is.
	Payload string `yaml:"payload,omitempty" json:"payload,omitempty"`
}

// Render builds the device payload for this command.
func (c Command) Render(value string) string {
	if c.Payload == "" {
		return value
	}
	return strings.ReplaceAll(c.Payload, valuePlaceholder, value)
}

// Message returns the definition for a publish path.
func (d *Definition) Message(path string) (*MessageDefinition, bool) {
	for i := range d.Messages {
		if d.Messages[i].PublishPath == path {
			return &d.Messages[i], true
		}
	}
	return nil, false
}

// DefaultState returns a copy of the declared default state for a path,
// or nil when the path is unknown or declares no default.
func (d *Definition) DefaultState(path string) map[string]any {
	msg, ok := d.Message(path)
	if !ok || msg.DefaultState == nil {
		return nil
	}
	return deepCopyMap(msg.DefaultState)
}

// Commands returns every command across all messages, in declaration order.
func (d *Definition) Commands() []Command {
	var commands []Command
	for _, msg := range d.Messages {
		commands = append(commands, msg.Commands...)
	}
	return commands
}

// Command finds a command by name.
func (d *Definition) Command(name string) (Command, bool) {
	for _, msg := range d.Messages {
		for _, c := range msg.Commands {
			if c.Command == name {
				return c, true
			}
		}
	}
	return Command{}, false
}

// PollIntervals returns the declared poll intervals (milliseconds) in
// message order. Messages without a poll interval are skipped.
func (d *Definition) PollIntervals() []int {
	var intervals []int
	for _, msg := range d.Messages {
		if msg.PollInterval != nil {
			intervals = append(intervals, *msg.PollInterval)
		}
	}
	return intervals
}

// EffectivePollCommand returns the poll payload, defaulting to DefaultPollCommand.
func (d *Definition) EffectivePollCommand() string {
	if d.PollCommand == "" {
		return DefaultPollCommand
	}
	return d.PollCommand
}

// DeepCopy returns an independent copy of the definition.
func (d *Definition) DeepCopy() *Definition {
	if d == nil {
		return nil
	}

	cp := &Definition{
		DeviceType:  d.DeviceType,
		PollCommand: d.PollCommand,
		Messages:    make([]MessageDefinition, len(d.Messages)),
	}

	for i, msg := range d.Messages {
		m := MessageDefinition{
			PublishPath:  msg.PublishPath,
			DefaultState: deepCopyMap(msg.DefaultState),
		}
		if msg.Commands != nil {
			m.Commands = append([]Command(nil), msg.Commands...)
		}
		if msg.PollInterval != nil {
			v := *msg.PollInterval
			m.PollInterval = &v
		}
		if msg.Fields != nil {
			m.Fields = make(map[string]string, len(msg.Fields))
			for k, v := range msg.Fields {
				m.Fields[k] = v
			}
		}
		cp.Messages[i] = m
	}

	return cp
}

// deepCopyMap copies nested maps and slices decoded from YAML or JSON.
func deepCopyMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = deepCopyValue(v)
	}
	return dst
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyValue(item)
		}
		return cp
	default:
		return val
	}
}
