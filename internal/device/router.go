package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/hame-relay-core/internal/schema"
)

// DefaultResponseTimeout is used when Options.ResponseTimeout is unset.
const DefaultResponseTimeout = 15 * time.Second

// DefaultPollInterval is used when no definition declares a poll interval
// and Options.DefaultPollInterval is unset.
const DefaultPollInterval = 60 * time.Second

// Logger defines the logging interface used by the Router.
// This allows the router to work with any logger implementation.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// SchemaLookup resolves a device type to its definition.
// *schema.Registry satisfies it.
type SchemaLookup interface {
	Lookup(deviceType string) (*schema.Definition, bool)
}

// Match is the result of routing an inbound topic.
type Match struct {
	Device Device    `json:"device"`
	Kind   TopicKind `json:"kind"`
}

// Options configures a Router.
type Options struct {
	// ResponseTimeout defaults to DefaultResponseTimeout.
	ResponseTimeout time.Duration

	// DefaultPollInterval applies when no definition declares one.
	DefaultPollInterval time.Duration

	// OnStateChanged is called after every fragment update.
	OnStateChanged StateChangedFunc

	// Scheduler defaults to SystemScheduler.
	Scheduler Scheduler

	Logger Logger
}

// record is everything the router knows about one device.
type record struct {
	device     Device
	topics     Topics
	definition *schema.Definition
	state      *deviceState
	timeout    *timeoutSlot
}

// Router maps devices to their topics, state and response timeouts.
//
// Records are built by Initialize and are read-only afterwards; per-device
// state and timeout slots carry their own locks.
//
// Thread Safety:
// All methods are safe for concurrent use.
type Router struct {
	mu      sync.RWMutex
	order   []*record
	records map[Key]*record
	skipped []Device

	responseTimeout time.Duration
	pollFallback    time.Duration
	scheduler       Scheduler
	logger          Logger

	cbMu           sync.RWMutex
	onStateChanged StateChangedFunc
}

// NewRouter creates an empty router. Call Initialize before use.
func NewRouter(opts Options) *Router {
	r := &Router{
		records:         make(map[Key]*record),
		responseTimeout: opts.ResponseTimeout,
		pollFallback:    opts.DefaultPollInterval,
		scheduler:       opts.Scheduler,
		logger:          opts.Logger,
		onStateChanged:  opts.OnStateChanged,
	}
	if r.responseTimeout <= 0 {
		r.responseTimeout = DefaultResponseTimeout
	}
	if r.pollFallback <= 0 {
		r.pollFallback = DefaultPollInterval
	}
	if r.scheduler == nil {
		r.scheduler = SystemScheduler{}
	}
	if r.logger == nil {
		r.logger = noopLogger{}
	}
	return r
}

// SetOnStateChanged replaces the state-changed callback.
func (r *Router) SetOnStateChanged(fn StateChangedFunc) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.onStateChanged = fn
}

func (r *Router) stateChangedFunc() StateChangedFunc {
	r.cbMu.RLock()
	defer r.cbMu.RUnlock()
	return r.onStateChanged
}

// Initialize registers devices in the given order.
//
// Devices whose type has no definition, devices with an empty type or id,
// and repeated keys are skipped with a warning. Initialisation never fails
// because of a single device. Calling Initialize again replaces every
// record and cancels their pending timeouts.
//
// Returns the number of devices registered.
func (r *Router) Initialize(devices []Device, lookup SchemaLookup) int {
	order := make([]*record, 0, len(devices))
	records := make(map[Key]*record, len(devices))
	var skipped []Device

	for _, dev := range devices {
		if dev.DeviceType == "" || dev.DeviceID == "" {
			r.logger.Warn("skipping device", "device", dev.String(), "error", ErrInvalidDevice)
			skipped = append(skipped, dev)
			continue
		}
		if _, dup := records[dev.Key()]; dup {
			r.logger.Warn("skipping device", "device", dev.String(), "error", ErrDuplicateDevice)
			skipped = append(skipped, dev)
			continue
		}

		var def *schema.Definition
		if lookup != nil {
			def, _ = lookup.Lookup(dev.DeviceType)
		}
		if def == nil {
			r.logger.Warn("skipping device", "device", dev.String(), "error", ErrUnknownDeviceType)
			skipped = append(skipped, dev)
			continue
		}

		rec := &record{
			device:     dev,
			topics:     DeriveTopics(dev.DeviceType, dev.DeviceID),
			definition: def,
			state:      newDeviceState(),
			timeout:    &timeoutSlot{},
		}
		order = append(order, rec)
		records[dev.Key()] = rec
		r.logger.Debug("device registered", "device", dev.String())
	}

	r.mu.Lock()
	previous := r.order
	r.order = order
	r.records = records
	r.skipped = skipped
	r.mu.Unlock()

	for _, rec := range previous {
		rec.timeout.clear()
	}

	r.logger.Info("devices initialised", "registered", len(order), "skipped", len(skipped))
	return len(order)
}

// Close cancels every pending response timeout.
func (r *Router) Close() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.order {
		rec.timeout.clear()
	}
}

func (r *Router) lookup(dev Device) (*record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[dev.Key()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotRegistered, dev)
	}
	return rec, nil
}

// Devices returns the registered devices in registration order.
func (r *Router) Devices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, len(r.order))
	for i, rec := range r.order {
		out[i] = rec.device
	}
	return out
}

// Skipped returns the devices Initialize refused, in input order.
func (r *Router) Skipped() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Device(nil), r.skipped...)
}

// Device resolves a key to a registered device.
func (r *Router) Device(k Key) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[k]
	if !ok {
		return Device{}, false
	}
	return rec.device, true
}

// IsRegistered reports whether dev was registered by Initialize.
func (r *Router) IsRegistered(dev Device) bool {
	_, err := r.lookup(dev)
	return err == nil
}

// Definition returns a copy of the schema definition of dev.
func (r *Router) Definition(dev Device) (*schema.Definition, error) {
	rec, err := r.lookup(dev)
	if err != nil {
		return nil, err
	}
	return rec.definition.DeepCopy(), nil
}

// Topics returns the canonical topics of dev.
func (r *Router) Topics(dev Device) (Topics, error) {
	rec, err := r.lookup(dev)
	if err != nil {
		return Topics{}, err
	}
	return rec.topics, nil
}

// ControlTopics returns one control topic per command declared by the
// device's definition, in declaration order.
func (r *Router) ControlTopics(dev Device) ([]string, error) {
	rec, err := r.lookup(dev)
	if err != nil {
		return nil, err
	}
	commands := rec.definition.Commands()
	topics := make([]string, 0, len(commands))
	for _, c := range commands {
		topics = append(topics, rec.topics.ControlTopic(c.Command))
	}
	return topics, nil
}

// FindDeviceForTopic routes an inbound topic to a device.
//
// Devices are checked in registration order. A topic equal to a device's
// DeviceTopic classifies as TopicKindDevice; a topic under its
// ControlSubscriptionTopic classifies as TopicKindControl. The first match
// wins.
func (r *Router) FindDeviceForTopic(topic string) (Match, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rec := range r.order {
		if topic == rec.topics.DeviceTopic {
			return Match{Device: rec.device, Kind: TopicKindDevice}, true
		}
		if rec.topics.isControlTopic(topic) {
			return Match{Device: rec.device, Kind: TopicKindControl}, true
		}
	}
	return Match{}, false
}

// State returns the merged state of dev across every written path.
// A device with no writes yet yields an empty state.
func (r *Router) State(dev Device) (State, error) {
	rec, err := r.lookup(dev)
	if err != nil {
		return nil, err
	}
	return rec.state.merged(), nil
}

// PathState returns the fragment stored for path, the definition's
// default state when nothing was written, or an empty state.
func (r *Router) PathState(dev Device, path string) (State, error) {
	rec, err := r.lookup(dev)
	if err != nil {
		return nil, err
	}
	if frag, ok := rec.state.fragment(path); ok {
		return frag, nil
	}
	if def := rec.definition.DefaultState(path); def != nil {
		return State(def), nil
	}
	return State{}, nil
}

// Paths returns the written paths of dev in first-write order.
func (r *Router) Paths(dev Device) ([]string, error) {
	rec, err := r.lookup(dev)
	if err != nil {
		return nil, err
	}
	return rec.state.pathList(), nil
}

// UpdateState merges updater's result into the fragment at path, stores
// it and fires the state-changed callback. Updates to the same device are
// serialised; the callback sees them in issue order.
//
// Returns the fragment as stored.
func (r *Router) UpdateState(dev Device, path string, updater Updater) (State, error) {
	rec, err := r.lookup(dev)
	if err != nil {
		return nil, err
	}
	defaults := State(rec.definition.DefaultState(path))
	return rec.state.update(rec.device, path, defaults, updater, r.stateChangedFunc()), nil
}

// HasPendingResponse reports whether dev has an armed response timeout.
func (r *Router) HasPendingResponse(dev Device) (bool, error) {
	rec, err := r.lookup(dev)
	if err != nil {
		return false, err
	}
	return rec.timeout.hasPending(), nil
}

// SetResponseTimeout stores h as the pending timeout of dev, cancelling
// any previous one first.
//
// The slot cannot guard a callback it did not schedule: once h's action
// has started, Clear and later Sets only call h.Cancel. Use
// StartResponseTimeout when a cleared timeout must never act.
func (r *Router) SetResponseTimeout(dev Device, h Handle) error {
	rec, err := r.lookup(dev)
	if err != nil {
		return err
	}
	rec.timeout.set(h)
	return nil
}

// StartResponseTimeout arms a response timeout for dev using the configured
// duration. onTimeout runs once unless the timeout is cleared or replaced
// first.
func (r *Router) StartResponseTimeout(dev Device, onTimeout func(Device)) error {
	rec, err := r.lookup(dev)
	if err != nil {
		return err
	}
	rec.timeout.start(r.scheduler, r.responseTimeout, func() {
		r.logger.Debug("response timeout", "device", rec.device.String())
		if onTimeout != nil {
			onTimeout(rec.device)
		}
	})
	return nil
}

// ClearResponseTimeout cancels the pending timeout of dev, if any.
func (r *Router) ClearResponseTimeout(dev Device) error {
	rec, err := r.lookup(dev)
	if err != nil {
		return err
	}
	rec.timeout.clear()
	return nil
}

// PollingInterval returns the GCD of every poll interval declared by the
// registered devices' definitions, or the configured fallback when none
// is declared.
func (r *Router) PollingInterval() time.Duration {
	r.mu.RLock()
	var intervals []int
	for _, rec := range r.order {
		intervals = append(intervals, rec.definition.PollIntervals()...)
	}
	r.mu.RUnlock()

	return resolvePollingInterval(intervals, r.pollFallback)
}

// ResponseTimeout returns how long a device may take to answer.
func (r *Router) ResponseTimeout() time.Duration {
	return r.responseTimeout
}
