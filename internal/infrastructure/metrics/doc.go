// Package metrics exposes relay counters and gauges to Prometheus.
package metrics
