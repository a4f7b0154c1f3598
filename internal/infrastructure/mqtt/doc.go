// Package mqtt is the relay's broker connection, built on paho.
//
// The relay is the only party that talks to the broker on behalf of the
// router: devices publish telemetry on hame_energy/{type}/device/{id}/ctrl,
// apps publish commands on hame_energy/{type}/control/{id}/..., and the
// relay answers on the topics derived in package device. Client adds what
// paho leaves to the caller: subscriptions replayed after a reconnect,
// a retained online/offline status for the relay itself (with a matching
// Last Will), topic validation and recovered handler panics.
package mqtt
