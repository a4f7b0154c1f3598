package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nerrad567/hame-relay-core/internal/device"
	"github.com/nerrad567/hame-relay-core/internal/infrastructure/metrics"
	"github.com/nerrad567/hame-relay-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/hame-relay-core/internal/schema"
)

var (
	hma = device.Device{DeviceType: "HMA-1", DeviceID: "ABC"}
	hmg = device.Device{DeviceType: "HMG-50", DeviceID: "0011"}
)

type published struct {
	topic    string
	payload  string
	retained bool
}

type fakeMQTT struct {
	mu         sync.Mutex
	subs       map[string]mqtt.MessageHandler
	published  []published
	publishErr error

	// onPublish runs while a publish is in flight, before the broker has
	// stored it. Other messages may be delivered meanwhile.
	onPublish func(topic, payload string)
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{subs: make(map[string]mqtt.MessageHandler)}
}

func (f *fakeMQTT) Publish(topic string, payload []byte, _ byte, retained bool) error {
	f.mu.Lock()
	err, hook := f.publishErr, f.onPublish
	f.mu.Unlock()
	if err != nil {
		return err
	}

	if hook != nil {
		hook(topic, string(payload))
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic: topic, payload: string(payload), retained: retained})
	return nil
}

func (f *fakeMQTT) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[topic] = handler
	return nil
}

func (f *fakeMQTT) IsConnected() bool { return true }

// deliver routes a message through the handler subscribed to topic.
func (f *fakeMQTT) deliver(t *testing.T, topic, payload string) error {
	t.Helper()
	f.mu.Lock()
	h, ok := f.subs[topic]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no subscription for %q", topic)
	}
	return h(topic, []byte(payload))
}

func (f *fakeMQTT) on(topic string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.published {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeMQTT) last(t *testing.T, topic string) published {
	t.Helper()
	msgs := f.on(topic)
	if len(msgs) == 0 {
		t.Fatalf("nothing published on %q", topic)
	}
	return msgs[len(msgs)-1]
}

type fakeScheduler struct {
	mu      sync.Mutex
	pending []*fakeHandle
}

type fakeHandle struct {
	fn        func()
	cancelled bool
}

func (h *fakeHandle) Cancel() { h.cancelled = true }

func (s *fakeScheduler) AfterFunc(_ time.Duration, fn func()) device.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := &fakeHandle{fn: fn}
	s.pending = append(s.pending, h)
	return h
}

func (s *fakeScheduler) fireAll() {
	s.mu.Lock()
	handles := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, h := range handles {
		if !h.cancelled {
			h.fn()
		}
	}
}

type historyRow struct {
	key    device.Key
	path   string
	state  device.State
	source string
}

type fakeHistory struct {
	mu   sync.Mutex
	rows []historyRow
}

func (h *fakeHistory) RecordStateChange(_ context.Context, key device.Key, path string, state device.State, source string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rows = append(h.rows, historyRow{key: key, path: path, state: state, source: source})
	return nil
}

func (h *fakeHistory) GetHistory(context.Context, device.Key, device.HistoryQuery) ([]device.StateHistoryEntry, error) {
	return nil, nil
}

func (h *fakeHistory) PruneHistory(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

type fakeTelemetry struct {
	mu     sync.Mutex
	writes []string
}

func (f *fakeTelemetry) WriteStateFragment(deviceType, deviceID, path string, state map[string]any, _ time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, deviceType+":"+deviceID+"/"+path)
	return len(state)
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []StateChangedEvent
}

func (f *fakeBroadcaster) Broadcast(channel string, payload any) {
	if channel != EventStateChanged {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, payload.(StateChangedEvent))
}

type harness struct {
	relay     *Relay
	router    *device.Router
	mqtt      *fakeMQTT
	sched     *fakeScheduler
	history   *fakeHistory
	telemetry *fakeTelemetry
	events    *fakeBroadcaster
	metrics   *metrics.RelayMetrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	reg, err := schema.NewBuiltinRegistry()
	if err != nil {
		t.Fatalf("NewBuiltinRegistry() error = %v", err)
	}

	sched := &fakeScheduler{}
	router := device.NewRouter(device.Options{Scheduler: sched})
	if n := router.Initialize([]device.Device{hma, hmg}, reg); n != 2 {
		t.Fatalf("Initialize() = %d, want 2", n)
	}

	h := &harness{
		router:    router,
		mqtt:      newFakeMQTT(),
		sched:     sched,
		history:   &fakeHistory{},
		telemetry: &fakeTelemetry{},
		events:    &fakeBroadcaster{},
		metrics:   metrics.NewRelayMetrics(prometheus.NewRegistry()),
	}

	h.relay, err = New(Options{
		Router:    router,
		MQTT:      h.mqtt,
		History:   h.history,
		Telemetry: h.telemetry,
		Events:    h.events,
		Metrics:   h.metrics,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := h.relay.Subscribe(); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	t.Cleanup(h.relay.Stop)
	return h
}

func TestNewRequiresRouterAndClient(t *testing.T) {
	if _, err := New(Options{MQTT: newFakeMQTT()}); err == nil {
		t.Error("New() without router succeeded")
	}
	if _, err := New(Options{Router: device.NewRouter(device.Options{})}); err == nil {
		t.Error("New() without MQTT client succeeded")
	}
}

func TestSubscribe(t *testing.T) {
	h := newHarness(t)

	want := []string{
		"hame_energy/HMA-1/device/ABC/ctrl",
		"hame_energy/HMA-1/control/ABC/refresh",
		"hame_energy/HMA-1/control/ABC/setChargingMode",
		"hame_energy/HMA-1/control/ABC/setDischargeDepth",
		"hame_energy/HMA-1/control/ABC/setPower",
		"hame_energy/HMA-1/control/ABC/setOutputThreshold",
		"hame_energy/HMG-50/device/0011/ctrl",
		"hame_energy/HMG-50/control/0011/refresh",
		"hame_energy/HMG-50/control/0011/setWorkingMode",
		"hame_energy/HMG-50/control/0011/setMaxDischargePower",
	}
	for _, topic := range want {
		if _, ok := h.mqtt.subs[topic]; !ok {
			t.Errorf("not subscribed to %q", topic)
		}
	}
	if len(h.mqtt.subs) != len(want) {
		t.Errorf("subscriptions = %d, want %d", len(h.mqtt.subs), len(want))
	}
}

func TestDeviceMessageUpdatesState(t *testing.T) {
	h := newHarness(t)

	if err := h.mqtt.deliver(t, "hame_energy/HMA-1/device/ABC/ctrl", "pe=55,w1=120,lv=80"); err != nil {
		t.Fatalf("deliver error = %v", err)
	}

	data, _ := h.router.PathState(hma, "data")
	if data["battery_percentage"] != 55.0 || data["solar_power_1"] != 120.0 {
		t.Errorf("data = %v", data)
	}
	// Defaults survive the merge.
	if data["solar_power_2"] != 0 {
		t.Errorf("data[solar_power_2] = %v, want default 0", data["solar_power_2"])
	}

	settings, _ := h.router.PathState(hma, "settings")
	if settings["output_threshold"] != 80.0 || settings["power"] != "off" {
		t.Errorf("settings = %v", settings)
	}

	msg := h.mqtt.last(t, "hame_energy/HMA-1/device/ABC/data")
	if !msg.retained {
		t.Error("state publication not retained")
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(msg.payload), &decoded); err != nil {
		t.Fatalf("state payload is not JSON: %v", err)
	}
	if decoded["battery_percentage"] != 55.0 {
		t.Errorf("published battery_percentage = %v", decoded["battery_percentage"])
	}

	avail := h.mqtt.last(t, "hame_energy/HMA-1/availability/ABC")
	if avail.payload != mqtt.PayloadOnline || !avail.retained {
		t.Errorf("availability = %+v, want retained online", avail)
	}
	if !h.relay.Online(hma) {
		t.Error("Online() = false after telemetry")
	}

	if len(h.history.rows) != 2 {
		t.Fatalf("history rows = %d, want 2", len(h.history.rows))
	}
	if h.history.rows[0].path != "data" || h.history.rows[1].path != "settings" {
		t.Errorf("history paths = %s, %s, want data, settings", h.history.rows[0].path, h.history.rows[1].path)
	}
	if h.history.rows[0].source != device.StateHistorySourceDevice {
		t.Errorf("history source = %q", h.history.rows[0].source)
	}

	if len(h.telemetry.writes) != 2 {
		t.Errorf("telemetry writes = %v", h.telemetry.writes)
	}
	if len(h.events.events) != 2 || h.events.events[0].DeviceID != "ABC" {
		t.Errorf("events = %+v", h.events.events)
	}

	if got := testutil.ToFloat64(h.metrics.InboundMessages.WithLabelValues("device")); got != 1 {
		t.Errorf("inbound device messages = %v, want 1", got)
	}
	if got := testutil.ToFloat64(h.metrics.StateUpdates.WithLabelValues("HMA-1", "data")); got != 1 {
		t.Errorf("state updates = %v, want 1", got)
	}
}

func TestAvailabilityPublishedOnlyOnChange(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 3; i++ {
		if err := h.mqtt.deliver(t, "hame_energy/HMA-1/device/ABC/ctrl", "pe=1"); err != nil {
			t.Fatalf("deliver error = %v", err)
		}
	}
	if got := len(h.mqtt.on("hame_energy/HMA-1/availability/ABC")); got != 1 {
		t.Errorf("availability publications = %d, want 1", got)
	}
}

func TestMalformedDeviceMessage(t *testing.T) {
	h := newHarness(t)

	err := h.mqtt.deliver(t, "hame_energy/HMA-1/device/ABC/ctrl", "garbage")
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("deliver error = %v, want ErrMalformedPayload", err)
	}
	paths, _ := h.router.Paths(hma)
	if len(paths) != 0 {
		t.Errorf("paths = %v, want none stored", paths)
	}
}

func TestControlMessageForwardsCommand(t *testing.T) {
	h := newHarness(t)

	if err := h.mqtt.deliver(t, "hame_energy/HMA-1/control/ABC/setPower", "1"); err != nil {
		t.Fatalf("deliver error = %v", err)
	}

	sent := h.mqtt.last(t, "hame_energy/HMA-1/App/ABC/ctrl")
	if sent.payload != "cd=4,md=1" {
		t.Errorf("command payload = %q, want cd=4,md=1", sent.payload)
	}
	if sent.retained {
		t.Error("command published retained")
	}

	pending, _ := h.router.HasPendingResponse(hma)
	if !pending {
		t.Error("no response timeout after command")
	}
	if got := testutil.ToFloat64(h.metrics.CommandsSent.WithLabelValues("HMA-1", "setPower")); got != 1 {
		t.Errorf("commands sent = %v, want 1", got)
	}

	// The device answers; the timeout is cleared.
	if err := h.mqtt.deliver(t, "hame_energy/HMA-1/device/ABC/ctrl", "lmo=1"); err != nil {
		t.Fatalf("deliver error = %v", err)
	}
	pending, _ = h.router.HasPendingResponse(hma)
	if pending {
		t.Error("response timeout still pending after answer")
	}
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t)

	err := h.relay.HandleMessage("hame_energy/HMA-1/control/ABC/selfDestruct", []byte("1"))
	if !errors.Is(err, schema.ErrUnknownCommand) {
		t.Fatalf("HandleMessage() error = %v, want ErrUnknownCommand", err)
	}
	if len(h.mqtt.on("hame_energy/HMA-1/App/ABC/ctrl")) != 0 {
		t.Error("unknown command was forwarded")
	}
}

func TestUnroutedMessage(t *testing.T) {
	h := newHarness(t)

	if err := h.relay.HandleMessage("hame_energy/HMA-1/device/XYZ/ctrl", []byte("pe=1")); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if got := testutil.ToFloat64(h.metrics.InboundMessages.WithLabelValues("unrouted")); got != 1 {
		t.Errorf("unrouted = %v, want 1", got)
	}
}

func TestResponseTimeoutMarksOffline(t *testing.T) {
	h := newHarness(t)

	if err := h.mqtt.deliver(t, "hame_energy/HMA-1/device/ABC/ctrl", "pe=1"); err != nil {
		t.Fatalf("deliver error = %v", err)
	}
	if err := h.relay.SendCommand(hma, "cd=1"); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}

	h.sched.fireAll()

	avail := h.mqtt.last(t, "hame_energy/HMA-1/availability/ABC")
	if avail.payload != mqtt.PayloadOffline {
		t.Errorf("availability = %q, want offline", avail.payload)
	}
	if h.relay.Online(hma) {
		t.Error("Online() = true after timeout")
	}
	if got := testutil.ToFloat64(h.metrics.ResponseTimeouts.WithLabelValues("HMA-1")); got != 1 {
		t.Errorf("response timeouts = %v, want 1", got)
	}
}

func TestAnswerBeforeTimeoutStaysOnline(t *testing.T) {
	h := newHarness(t)

	if err := h.relay.SendCommand(hma, "cd=1"); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	if err := h.mqtt.deliver(t, "hame_energy/HMA-1/device/ABC/ctrl", "pe=1"); err != nil {
		t.Fatalf("deliver error = %v", err)
	}

	h.sched.fireAll()

	if !h.relay.Online(hma) {
		t.Error("Online() = false; cleared timeout fired")
	}
}

func TestAnswerDuringPublishStaysOnline(t *testing.T) {
	h := newHarness(t)

	// The device answers before the broker acknowledges the command.
	h.mqtt.onPublish = func(topic, _ string) {
		if topic != "hame_energy/HMA-1/App/ABC/ctrl" {
			return
		}
		if err := h.relay.HandleMessage("hame_energy/HMA-1/device/ABC/ctrl", []byte("pe=42")); err != nil {
			t.Errorf("HandleMessage() error = %v", err)
		}
	}

	if err := h.relay.SendCommand(hma, "cd=1"); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	pending, _ := h.router.HasPendingResponse(hma)
	if pending {
		t.Error("response timeout armed after the device already answered")
	}

	h.sched.fireAll()

	if !h.relay.Online(hma) {
		t.Error("Online() = false for a device that answered")
	}
	if avail := h.mqtt.last(t, "hame_energy/HMA-1/availability/ABC"); avail.payload != mqtt.PayloadOnline {
		t.Errorf("availability = %q, want online", avail.payload)
	}
}

func TestAvailabilityFollowsStateOrder(t *testing.T) {
	h := newHarness(t)

	// A timeout fires while the online announcement is still in flight.
	var wg sync.WaitGroup
	var once sync.Once
	h.mqtt.onPublish = func(topic, payload string) {
		if topic != "hame_energy/HMA-1/availability/ABC" || payload != mqtt.PayloadOnline {
			return
		}
		once.Do(func() {
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.relay.setOnline(hma, false)
			}()
			// Give the competing update a chance to overtake.
			time.Sleep(20 * time.Millisecond)
		})
	}

	h.relay.setOnline(hma, true)
	wg.Wait()

	if h.relay.Online(hma) {
		t.Fatal("Online() = true, want false after the later update")
	}
	if avail := h.mqtt.last(t, "hame_energy/HMA-1/availability/ABC"); avail.payload != mqtt.PayloadOffline {
		t.Errorf("retained availability = %q, want offline to match Online()", avail.payload)
	}
}

func TestAvailabilityConcurrentUpdates(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(online bool) {
			defer wg.Done()
			h.relay.setOnline(hma, online)
		}(i%2 == 0)
	}
	wg.Wait()

	want := mqtt.PayloadOffline
	if h.relay.Online(hma) {
		want = mqtt.PayloadOnline
	}
	if avail := h.mqtt.last(t, "hame_energy/HMA-1/availability/ABC"); avail.payload != want {
		t.Errorf("retained availability = %q, Online() implies %q", avail.payload, want)
	}
}

func TestAvailabilityRetriedAfterPublishFailure(t *testing.T) {
	h := newHarness(t)

	h.mqtt.mu.Lock()
	h.mqtt.publishErr = errors.New("broker gone")
	h.mqtt.mu.Unlock()
	h.relay.setOnline(hma, true)

	h.mqtt.mu.Lock()
	h.mqtt.publishErr = nil
	h.mqtt.mu.Unlock()
	h.relay.setOnline(hma, true)

	if got := h.mqtt.on("hame_energy/HMA-1/availability/ABC"); len(got) != 1 || got[0].payload != mqtt.PayloadOnline {
		t.Errorf("availability publications = %+v, want one online", got)
	}
}

func TestNonFiniteValueStillPublished(t *testing.T) {
	h := newHarness(t)

	if err := h.mqtt.deliver(t, "hame_energy/HMA-1/device/ABC/ctrl", "pe=nan,w1=5"); err != nil {
		t.Fatalf("deliver error = %v", err)
	}

	data, _ := h.router.PathState(hma, "data")
	if data["battery_percentage"] != "nan" {
		t.Errorf("battery_percentage = %#v, want string \"nan\"", data["battery_percentage"])
	}

	msg := h.mqtt.last(t, "hame_energy/HMA-1/device/ABC/data")
	var decoded map[string]any
	if err := json.Unmarshal([]byte(msg.payload), &decoded); err != nil {
		t.Fatalf("state payload is not JSON: %v", err)
	}
	if decoded["solar_power_1"] != 5.0 {
		t.Errorf("published solar_power_1 = %v, want 5", decoded["solar_power_1"])
	}
}

func TestPollDue(t *testing.T) {
	h := newHarness(t)
	start := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

	if got := h.relay.PollDue(start); got != 2 {
		t.Fatalf("first PollDue() = %d, want 2", got)
	}
	if sent := h.mqtt.last(t, "hame_energy/HMG-50/App/0011/ctrl"); sent.payload != "cd=1" {
		t.Errorf("poll payload = %q, want cd=1", sent.payload)
	}

	// Both devices are awaiting an answer.
	if got := h.relay.PollDue(start.Add(time.Hour)); got != 0 {
		t.Errorf("PollDue() with pending responses = %d, want 0", got)
	}

	for _, topic := range []string{"hame_energy/HMA-1/device/ABC/ctrl", "hame_energy/HMG-50/device/0011/ctrl"} {
		if err := h.mqtt.deliver(t, topic, "pe=1,cel_c=2"); err != nil {
			t.Fatalf("deliver error = %v", err)
		}
	}

	// HMG-50 polls every 15s, HMA-1 every 60s.
	if got := h.relay.PollDue(start.Add(15 * time.Second)); got != 1 {
		t.Errorf("PollDue(+15s) = %d, want 1", got)
	}
	if err := h.mqtt.deliver(t, "hame_energy/HMG-50/device/0011/ctrl", "cel_c=3"); err != nil {
		t.Fatalf("deliver error = %v", err)
	}
	if got := h.relay.PollDue(start.Add(60 * time.Second)); got != 2 {
		t.Errorf("PollDue(+60s) = %d, want 2", got)
	}

	if got := testutil.ToFloat64(h.metrics.Polls); got != 5 {
		t.Errorf("polls = %v, want 5", got)
	}
}

func TestPublishFailureCounted(t *testing.T) {
	h := newHarness(t)
	h.mqtt.publishErr = errors.New("broker gone")

	if err := h.relay.SendCommand(hma, "cd=1"); err == nil {
		t.Fatal("SendCommand() succeeded with failing client")
	}
	pending, _ := h.router.HasPendingResponse(hma)
	if pending {
		t.Error("timeout armed for a command that was never sent")
	}
	if got := testutil.ToFloat64(h.metrics.PublishErrors); got != 1 {
		t.Errorf("publish errors = %v, want 1", got)
	}
}

func TestStartAndStop(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.relay.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(h.mqtt.on("hame_energy/HMA-1/App/ABC/ctrl")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no initial poll after Start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.relay.Stop()
	h.relay.Stop()

	pending, _ := h.router.HasPendingResponse(hma)
	if pending {
		t.Error("Stop() left a response timeout armed")
	}
}
