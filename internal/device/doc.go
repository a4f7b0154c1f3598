// Package device routes MQTT traffic for Hame energy devices.
//
// Each configured device (type + id) gets one record holding its canonical
// topics, its schema definition, its per-path state and at most one
// pending response timeout. The Router is the only entry point.
//
// # Architecture
//
//	            inbound topic
//	                 │
//	                 ▼
//	┌──────────────────────────────────────────────────────────┐
//	│                         Router                           │
//	│  FindDeviceForTopic ─▶ record (registration order)       │
//	│                                                          │
//	│  record                                                  │
//	│   ├─ Topics        (topics.go, pure derivation)          │
//	│   ├─ Definition    (internal/schema)                     │
//	│   ├─ deviceState   (state.go, per-path fragments)        │
//	│   └─ timeoutSlot   (timeout.go, single pending timer)    │
//	│                                                          │
//	│  PollingInterval   (polling.go, GCD of declared values)  │
//	└──────────────────────────────────────────────────────────┘
//	                 │ OnStateChanged(device, path, fragment)
//	                 ▼
//	      publish / history / telemetry
//
// # Topics
//
// All topics live under "hame_energy/{type}/...". The templates are fixed by
// device firmware and must not change:
//
//	hame_energy/{type}/device/{id}/ctrl     device -> relay telemetry
//	hame_energy/{type}/device/{id}          relay -> consumer state base
//	hame_energy/{type}/App/{id}/ctrl        relay -> device commands
//	hame_energy/{type}/control/{id}/{cmd}   app -> relay commands
//	hame_energy/{type}/availability/{id}    online / offline
//
// # State
//
// A device publishes several message kinds, each stored under its publish
// path. The merged view folds fragments in the order their paths were first
// written. Reading a path never written yields the schema's default state.
//
// # Usage
//
//	router := device.NewRouter(device.Options{
//	    ResponseTimeout: cfg.GetResponseTimeout(),
//	    OnStateChanged:  publishFragment,
//	    Logger:          log,
//	})
//	router.Initialize(devices, schemas)
//
//	if m, ok := router.FindDeviceForTopic(topic); ok && m.Kind == device.TopicKindDevice {
//	    _, err := router.UpdateState(m.Device, "data", device.Replace(fields))
//	}
//
// # Thread Safety
//
// All Router methods are safe for concurrent use. Updates to one device are
// serialised and notify in issue order.
package device
