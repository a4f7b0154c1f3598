package schema

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed builtin.yaml
var builtinDefinitions []byte

// document is the on-disk layout of a definitions file.
type document struct {
	Devices []Definition `yaml:"devices"`
}

// Registry maps device types to their definitions.
//
// All public methods are thread-safe.
type Registry struct {
	defs map[string]*Definition
	mu   sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs: make(map[string]*Definition),
	}
}

// NewBuiltinRegistry creates a registry preloaded with the embedded definitions.
func NewBuiltinRegistry() (*Registry, error) {
	r := NewRegistry()
	if err := r.LoadYAML(builtinDefinitions); err != nil {
		return nil, fmt.Errorf("loading built-in definitions: %w", err)
	}
	return r, nil
}

// Register validates and stores a definition, replacing any existing
// definition for the same device type.
func (r *Registry) Register(def *Definition) error {
	if err := Validate(def); err != nil {
		return err
	}

	r.mu.Lock()
	r.defs[def.DeviceType] = def.DeepCopy()
	r.mu.Unlock()

	return nil
}

// Lookup returns the definition for a device type.
// The returned definition is a deep copy; callers can safely modify it.
func (r *Registry) Lookup(deviceType string) (*Definition, bool) {
	r.mu.RLock()
	def, ok := r.defs[deviceType]
	r.mu.RUnlock()

	if !ok {
		return nil, false
	}
	return def.DeepCopy(), true
}

// DeviceTypes returns the registered device types, sorted.
func (r *Registry) DeviceTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.defs))
	for t := range r.defs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// LoadFile reads definitions from a YAML file.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading definitions file: %w", err)
	}
	if err := r.LoadYAML(data); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// LoadYAML parses a definitions document and registers every definition.
// Nothing is registered if any definition is invalid.
func (r *Registry) LoadYAML(data []byte) error {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing definitions: %w", err)
	}

	for i := range doc.Devices {
		if err := Validate(&doc.Devices[i]); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
	}

	for i := range doc.Devices {
		if err := r.Register(&doc.Devices[i]); err != nil {
			return err
		}
	}

	return nil
}

// Validate checks a definition for structural errors.
func Validate(def *Definition) error {
	if def == nil {
		return fmt.Errorf("%w: definition is nil", ErrInvalidDefinition)
	}
	if def.DeviceType == "" {
		return fmt.Errorf("%w: device_type is required", ErrInvalidDefinition)
	}
	if len(def.Messages) == 0 {
		return fmt.Errorf("%w: %s declares no messages", ErrInvalidDefinition, def.DeviceType)
	}

	paths := make(map[string]bool, len(def.Messages))
	commands := make(map[string]bool)

	for i, msg := range def.Messages {
		if msg.PublishPath == "" {
			return fmt.Errorf("%w: %s messages[%d]: publish_path is required", ErrInvalidDefinition, def.DeviceType, i)
		}
		if paths[msg.PublishPath] {
			return fmt.Errorf("%w: %s: duplicate publish_path %q", ErrInvalidDefinition, def.DeviceType, msg.PublishPath)
		}
		paths[msg.PublishPath] = true

		if msg.PollInterval != nil && *msg.PollInterval < 0 {
			return fmt.Errorf("%w: %s %s: poll_interval must not be negative", ErrInvalidDefinition, def.DeviceType, msg.PublishPath)
		}

		for _, c := range msg.Commands {
			if c.Command == "" {
				return fmt.Errorf("%w: %s %s: command name is required", ErrInvalidDefinition, def.DeviceType, msg.PublishPath)
			}
			if commands[c.Command] {
				return fmt.Errorf("%w: %s: duplicate command %q", ErrInvalidDefinition, def.DeviceType, c.Command)
			}
			commands[c.Command] = true
		}
	}

	return nil
}
