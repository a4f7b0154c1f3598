package device

import (
	"sync"
	"time"

	"github.com/nerrad567/hame-relay-core/internal/schema"
)

// fakeScheduler records scheduled actions and fires them on demand.
type fakeScheduler struct {
	mu      sync.Mutex
	handles []*fakeHandle
}

type fakeHandle struct {
	mu        sync.Mutex
	d         time.Duration
	fn        func()
	cancelled bool
	fired     bool
}

func (s *fakeScheduler) AfterFunc(d time.Duration, fn func()) Handle {
	h := &fakeHandle{d: d, fn: fn}
	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()
	return h
}

func (h *fakeHandle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled = true
}

func (h *fakeHandle) isCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// run invokes the action even when cancelled, the way a runtime timer
// can dispatch just before Stop takes effect.
func (h *fakeHandle) run() {
	h.mu.Lock()
	h.fired = true
	h.mu.Unlock()
	h.fn()
}

// fireLive runs every handle that has not been cancelled or fired.
func (s *fakeScheduler) fireLive() int {
	s.mu.Lock()
	handles := append([]*fakeHandle(nil), s.handles...)
	s.mu.Unlock()

	n := 0
	for _, h := range handles {
		h.mu.Lock()
		live := !h.cancelled && !h.fired
		h.mu.Unlock()
		if live {
			h.run()
			n++
		}
	}
	return n
}

func (s *fakeScheduler) all() []*fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeHandle(nil), s.handles...)
}

// mapLookup is a SchemaLookup over a fixed set of definitions.
type mapLookup map[string]*schema.Definition

func (m mapLookup) Lookup(deviceType string) (*schema.Definition, bool) {
	def, ok := m[deviceType]
	if !ok {
		return nil, false
	}
	return def.DeepCopy(), true
}

func intPtr(v int) *int { return &v }

// testLookup returns two device types with known paths, defaults,
// commands and poll intervals.
func testLookup() mapLookup {
	return mapLookup{
		"HMA-1": {
			DeviceType: "HMA-1",
			Messages: []schema.MessageDefinition{
				{
					PublishPath:  "data",
					PollInterval: intPtr(6000),
					Commands: []schema.Command{
						{Command: "refresh", Payload: "cd=1"},
						{Command: "setChargingMode", Payload: "cd=3,md={value}"},
					},
				},
				{
					PublishPath:  "settings",
					DefaultState: map[string]any{"power": "off"},
					Commands: []schema.Command{
						{Command: "setPower", Payload: "cd=4,md={value}"},
					},
				},
			},
		},
		"HMG-50": {
			DeviceType: "HMG-50",
			Messages: []schema.MessageDefinition{
				{PublishPath: "data", PollInterval: intPtr(9000)},
				{PublishPath: "status", PollInterval: intPtr(15000)},
			},
		},
	}
}
