// Package relay connects the device router to the MQTT broker.
//
// For every registered device the relay:
//   - subscribes to its telemetry topic and one control topic per command
//   - decodes "k=v,k=v" telemetry into per-path fragments and stores them
//   - forwards app commands to the device and waits for an answer
//   - polls it at its declared cadence when nothing is outstanding
//   - publishes availability (online / offline, retained)
//
// Every stored fragment is republished as retained JSON on
// {publish_topic}/{path}, and optionally recorded in the state history,
// written to InfluxDB and broadcast to WebSocket clients.
//
// A device that misses its response timeout is marked offline. There is no
// retry; the next poll tries again.
package relay
