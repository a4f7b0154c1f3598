package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/hame-relay-core/internal/device"
	"github.com/nerrad567/hame-relay-core/internal/infrastructure/metrics"
	"github.com/nerrad567/hame-relay-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/hame-relay-core/internal/schema"
)

// EventStateChanged is the broadcast channel for fragment updates.
const EventStateChanged = "device.state_changed"

const (
	historyWriteTimeout = 5 * time.Second
	pruneInterval       = time.Hour
)

// MQTTClient is the subset of the broker client the relay needs.
// *mqtt.Client satisfies it.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// Telemetry receives every stored fragment. *influxdb.Client satisfies it.
type Telemetry interface {
	WriteStateFragment(deviceType, deviceID, path string, state map[string]any, ts time.Time) int
}

// Broadcaster fans events out to live clients. *api.Hub satisfies it.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// Logger defines the logging interface used by the Relay.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// StateChangedEvent is the payload broadcast on EventStateChanged.
type StateChangedEvent struct {
	DeviceType string       `json:"device_type"`
	DeviceID   string       `json:"device_id"`
	Path       string       `json:"path"`
	State      device.State `json:"state"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Options configures a Relay. Router and MQTT are required; the rest are
// optional sinks.
type Options struct {
	Router *device.Router
	MQTT   MQTTClient
	QoS    byte

	History          device.StateHistoryRepository
	HistoryRetention time.Duration

	Telemetry Telemetry
	Events    Broadcaster
	Metrics   *metrics.RelayMetrics
	Logger    Logger
}

// Relay drives a device.Router from MQTT: it subscribes to every device's
// telemetry and control topics, forwards commands, polls devices and
// republishes decoded state.
type Relay struct {
	router    *device.Router
	mqtt      MQTTClient
	qos       byte
	history   device.StateHistoryRepository
	retention time.Duration
	telemetry Telemetry
	events    Broadcaster
	metrics   *metrics.RelayMetrics
	logger    Logger
	decoder   KeyValueDecoder

	mu        sync.Mutex
	online    map[device.Key]bool
	announced map[device.Key]bool
	availMu   map[device.Key]*sync.Mutex
	lastPoll  map[device.Key]time.Time

	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// New creates a relay and installs it as the router's state-changed
// callback. Call Start to begin operation.
func New(opts Options) (*Relay, error) {
	if opts.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if opts.MQTT == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		router:    opts.Router,
		mqtt:      opts.MQTT,
		qos:       opts.QoS,
		history:   opts.History,
		retention: opts.HistoryRetention,
		telemetry: opts.Telemetry,
		events:    opts.Events,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		online:    make(map[device.Key]bool),
		announced: make(map[device.Key]bool),
		availMu:   make(map[device.Key]*sync.Mutex),
		lastPoll:  make(map[device.Key]time.Time),
		ctx:       ctx,
		ctxCancel: cancel,
	}
	if r.logger == nil {
		r.logger = noopLogger{}
	}

	r.router.SetOnStateChanged(r.onStateChanged)

	if r.metrics != nil {
		r.metrics.DevicesRegistered.Set(float64(len(r.router.Devices())))
		r.metrics.DevicesSkipped.Set(float64(len(r.router.Skipped())))
	}

	return r, nil
}

// Start subscribes to every registered device and starts the poll loop
// (and history pruning when retention is set).
func (r *Relay) Start(ctx context.Context) error {
	if err := r.Subscribe(); err != nil {
		return err
	}

	interval := r.router.PollingInterval()
	r.wg.Add(1)
	go r.pollLoop(ctx, interval)

	if r.history != nil && r.retention > 0 {
		r.wg.Add(1)
		go r.pruneLoop(ctx)
	}

	r.logger.Info("relay started",
		"devices", len(r.router.Devices()),
		"poll_interval", interval,
		"response_timeout", r.router.ResponseTimeout(),
	)
	return nil
}

// Subscribe subscribes to the telemetry topic and every control topic of
// each registered device.
func (r *Relay) Subscribe() error {
	for _, dev := range r.router.Devices() {
		topics, err := r.router.Topics(dev)
		if err != nil {
			return err
		}
		if err := r.mqtt.Subscribe(topics.DeviceTopic, r.qos, r.HandleMessage); err != nil {
			return fmt.Errorf("subscribe %s: %w", topics.DeviceTopic, err)
		}

		controls, err := r.router.ControlTopics(dev)
		if err != nil {
			return err
		}
		for _, topic := range controls {
			if err := r.mqtt.Subscribe(topic, r.qos, r.HandleMessage); err != nil {
				return fmt.Errorf("subscribe %s: %w", topic, err)
			}
		}
		r.logger.Debug("device subscribed", "device", dev.String(), "controls", len(controls))
	}
	return nil
}

// Stop ends the background loops and cancels pending response timeouts.
// Safe to call multiple times.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		r.ctxCancel()
		r.wg.Wait()
		r.router.Close()
		r.logger.Info("relay stopped")
	})
}

// HandleMessage routes one inbound MQTT message. It is the handler
// registered for every subscription.
func (r *Relay) HandleMessage(topic string, payload []byte) error {
	match, ok := r.router.FindDeviceForTopic(topic)
	if !ok {
		r.countInbound("unrouted")
		r.logger.Debug("message for unknown topic", "topic", topic)
		return nil
	}

	r.countInbound(string(match.Kind))
	switch match.Kind {
	case device.TopicKindDevice:
		return r.handleDeviceMessage(match.Device, payload)
	case device.TopicKindControl:
		return r.handleControlMessage(match.Device, topic, payload)
	default:
		return nil
	}
}

func (r *Relay) handleDeviceMessage(dev device.Device, payload []byte) error {
	// Any telemetry answers the outstanding request.
	if err := r.router.ClearResponseTimeout(dev); err != nil {
		return err
	}
	r.setOnline(dev, true)

	raw, err := r.decoder.Decode(payload)
	if err != nil {
		return fmt.Errorf("device %s: %w", dev, err)
	}

	def, err := r.router.Definition(dev)
	if err != nil {
		return err
	}

	// Apply in definition order so the merge order is deterministic.
	fragments := Distribute(def, raw)
	for _, msg := range def.Messages {
		frag, ok := fragments[msg.PublishPath]
		if !ok {
			continue
		}
		if _, err := r.router.UpdateState(dev, msg.PublishPath, device.Replace(frag)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Relay) handleControlMessage(dev device.Device, topic string, payload []byte) error {
	topics, err := r.router.Topics(dev)
	if err != nil {
		return err
	}
	name, ok := topics.CommandName(topic)
	if !ok {
		return fmt.Errorf("%w: no command in %q", schema.ErrUnknownCommand, topic)
	}

	def, err := r.router.Definition(dev)
	if err != nil {
		return err
	}
	cmd, ok := def.Command(name)
	if !ok {
		r.logger.Warn("unknown command", "device", dev.String(), "command", name)
		return fmt.Errorf("%w: %s for %s", schema.ErrUnknownCommand, name, dev.DeviceType)
	}

	if err := r.SendCommand(dev, cmd.Render(string(payload))); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.CommandsSent.WithLabelValues(dev.DeviceType, name).Inc()
	}
	r.logger.Debug("command forwarded", "device", dev.String(), "command", name)
	return nil
}

// SendCommand arms a response timeout and publishes payload to the
// device's command topic. The timeout is armed first: the answer may be
// handled before Publish returns.
func (r *Relay) SendCommand(dev device.Device, payload string) error {
	topics, err := r.router.Topics(dev)
	if err != nil {
		return err
	}
	if err := r.router.StartResponseTimeout(dev, r.onResponseTimeout); err != nil {
		return err
	}
	if err := r.mqtt.Publish(topics.DeviceControlTopic, []byte(payload), r.qos, false); err != nil {
		r.countPublishError()
		r.router.ClearResponseTimeout(dev) //nolint:errcheck // dev resolved above
		return fmt.Errorf("sending to %s: %w", dev, err)
	}
	return nil
}

func (r *Relay) onResponseTimeout(dev device.Device) {
	r.logger.Warn("device did not respond", "device", dev.String(), "timeout", r.router.ResponseTimeout())
	if r.metrics != nil {
		r.metrics.ResponseTimeouts.WithLabelValues(dev.DeviceType).Inc()
	}
	r.setOnline(dev, false)
}

// pollLoop polls due devices immediately and then on every tick.
func (r *Relay) pollLoop(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()

	r.PollDue(time.Now())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.ctx.Done():
			return
		case now := <-ticker.C:
			r.PollDue(now)
		}
	}
}

// PollDue sends the poll command to every device whose own cadence has
// elapsed and which has no outstanding request. Returns the number polled.
func (r *Relay) PollDue(now time.Time) int {
	polled := 0
	for _, dev := range r.router.Devices() {
		pending, err := r.router.HasPendingResponse(dev)
		if err != nil || pending {
			continue
		}

		def, err := r.router.Definition(dev)
		if err != nil {
			continue
		}
		if !r.due(dev, def, now) {
			continue
		}

		if err := r.SendCommand(dev, def.EffectivePollCommand()); err != nil {
			r.logger.Warn("poll failed", "device", dev.String(), "error", err)
			continue
		}

		r.mu.Lock()
		r.lastPoll[dev.Key()] = now
		r.mu.Unlock()

		if r.metrics != nil {
			r.metrics.Polls.Inc()
		}
		polled++
	}
	return polled
}

// due reports whether the device's shortest declared poll interval has
// elapsed since it was last polled. Devices declaring none follow the
// global interval.
func (r *Relay) due(dev device.Device, def *schema.Definition, now time.Time) bool {
	r.mu.Lock()
	last, seen := r.lastPoll[dev.Key()]
	r.mu.Unlock()
	if !seen {
		return true
	}

	every := r.router.PollingInterval()
	shortest := 0
	for _, ms := range def.PollIntervals() {
		if ms > 0 && (shortest == 0 || ms < shortest) {
			shortest = ms
		}
	}
	if shortest > 0 {
		every = time.Duration(shortest) * time.Millisecond
	}
	return now.Sub(last) >= every
}

func (r *Relay) pruneLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			deleted, err := r.history.PruneHistory(ctx, r.retention)
			if err != nil {
				r.logger.Warn("state history prune failed", "error", err)
				continue
			}
			if deleted > 0 {
				r.logger.Debug("state history pruned", "deleted", deleted)
			}
		}
	}
}

// onStateChanged fans a stored fragment out to MQTT, history, telemetry
// and live clients. It runs synchronously inside Router.UpdateState.
func (r *Relay) onStateChanged(dev device.Device, path string, state device.State) {
	now := time.Now().UTC()

	if r.metrics != nil {
		r.metrics.StateUpdates.WithLabelValues(dev.DeviceType, path).Inc()
	}

	if err := r.publishState(dev, path, state); err != nil {
		r.logger.Warn("state publish failed", "device", dev.String(), "path", path, "error", err)
	}

	if r.history != nil {
		ctx, cancel := context.WithTimeout(r.ctx, historyWriteTimeout)
		err := r.history.RecordStateChange(ctx, dev.Key(), path, state, device.StateHistorySourceDevice)
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("state history write failed", "device", dev.String(), "error", err)
		}
	}

	if r.telemetry != nil {
		r.telemetry.WriteStateFragment(dev.DeviceType, dev.DeviceID, path, state, now)
	}

	if r.events != nil {
		r.events.Broadcast(EventStateChanged, StateChangedEvent{
			DeviceType: dev.DeviceType,
			DeviceID:   dev.DeviceID,
			Path:       path,
			State:      state,
			Timestamp:  now,
		})
	}
}

func (r *Relay) publishState(dev device.Device, path string, state device.State) error {
	topics, err := r.router.Topics(dev)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}
	if err := r.mqtt.Publish(topics.StateTopic(path), payload, r.qos, true); err != nil {
		r.countPublishError()
		return err
	}
	return nil
}

// setOnline records availability and publishes it when it differs from
// the last value announced. The per-device availability lock is held
// across both, so announcements follow the order of state changes and a
// failed publish is retried on the next call.
func (r *Relay) setOnline(dev device.Device, online bool) {
	lock := r.availabilityLock(dev.Key())
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	r.online[dev.Key()] = online
	count := 0
	for _, v := range r.online {
		if v {
			count++
		}
	}
	last, announced := r.announced[dev.Key()]
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.DevicesOnline.Set(float64(count))
	}

	if announced && last == online {
		return
	}

	topics, err := r.router.Topics(dev)
	if err != nil {
		return
	}
	payload := mqtt.PayloadOffline
	if online {
		payload = mqtt.PayloadOnline
	}
	if err := r.mqtt.Publish(topics.AvailabilityTopic, []byte(payload), r.qos, true); err != nil {
		r.countPublishError()
		r.logger.Warn("availability publish failed", "device", dev.String(), "error", err)
		return
	}

	r.mu.Lock()
	r.announced[dev.Key()] = online
	r.mu.Unlock()
	r.logger.Info("device availability changed", "device", dev.String(), "status", payload)
}

func (r *Relay) availabilityLock(key device.Key) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.availMu[key]
	if !ok {
		lock = &sync.Mutex{}
		r.availMu[key] = lock
	}
	return lock
}

// Online reports whether dev answered its last request.
func (r *Relay) Online(dev device.Device) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online[dev.Key()]
}

func (r *Relay) countInbound(kind string) {
	if r.metrics != nil {
		r.metrics.InboundMessages.WithLabelValues(kind).Inc()
	}
}

func (r *Relay) countPublishError() {
	if r.metrics != nil {
		r.metrics.PublishErrors.Inc()
	}
}
