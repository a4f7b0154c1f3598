// Package logging builds the relay's log/slog logger.
//
// Entries are JSON by default, text when logging.format is "text", and go
// to stdout, stderr or a lumberjack-rotated file. Every entry carries
// service=hamerelay and the build version; Component adds the emitting
// subsystem:
//
//	log := logging.New(cfg.Logging, version)
//	defer log.Close()
//	relayLog := log.Component("relay")
//	relayLog.Warn("device did not answer", "device", "HMA-1:ABC")
//
// MQTT passwords and the InfluxDB token must never be logged.
package logging
