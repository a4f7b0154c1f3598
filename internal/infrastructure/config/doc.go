// Package config loads the relay's YAML configuration.
//
// Load starts from built-in defaults, overlays the YAML file, then applies
// HAMERELAY_* environment overrides (broker host, port and credentials,
// database path, InfluxDB token, response timeout, schema file) and
// validates the result. Secrets belong in the environment rather than the
// file.
//
// The devices list names the Hame units the relay serves, each as a
// device_type and device_id pair. Entries are checked for presence and
// duplicates; the device router decides whether a type is known.
package config
