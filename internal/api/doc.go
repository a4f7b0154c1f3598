// Package api implements the HTTP REST API and WebSocket server for the Hame
// relay.
//
// This package provides:
//   - Read-only REST endpoints for registered devices, their topics and state
//   - State history queries backed by SQLite
//   - Polling and response timeout introspection
//   - WebSocket hub for real-time device.state_changed broadcasts
//   - Prometheus exposition on the metrics path
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// The relay owns the MQTT side. The API only reads from the device router and
// receives state change events through the Hub, which the relay uses as its
// broadcaster:
//
//	MQTT ──▶ relay ──▶ device.Router ◀── GET /api/v1/devices/...
//	           │
//	           └──▶ Hub.Broadcast ──▶ WebSocket clients
//
// # Graceful Degradation
//
// The server runs without MQTT, history or metrics. Endpoints backed by a
// missing component answer 503.
package api
