package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hamerelay"

// NewRegistry creates a private registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves g in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RelayMetrics are the relay's domain metrics.
type RelayMetrics struct {
	InboundMessages   *prometheus.CounterVec // labels: kind=device|control|unrouted
	StateUpdates      *prometheus.CounterVec // labels: device_type, path
	Polls             prometheus.Counter
	CommandsSent      *prometheus.CounterVec // labels: device_type, command
	ResponseTimeouts  *prometheus.CounterVec // labels: device_type
	PublishErrors     prometheus.Counter
	DevicesRegistered prometheus.Gauge
	DevicesSkipped    prometheus.Gauge
	DevicesOnline     prometheus.Gauge
}

// NewRelayMetrics creates the relay metrics and registers them with reg.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		InboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound MQTT messages by routing result.",
		}, []string{"kind"}),
		StateUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_updates_total",
			Help:      "State fragment updates by device type and path.",
		}, []string{"device_type", "path"}),
		Polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Poll commands sent to devices.",
		}),
		CommandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_sent_total",
			Help:      "Control commands forwarded to devices.",
		}, []string{"device_type", "command"}),
		ResponseTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_timeouts_total",
			Help:      "Devices that did not answer within the response timeout.",
		}, []string{"device_type"}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Failed MQTT publishes.",
		}),
		DevicesRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_registered",
			Help:      "Devices with a known schema.",
		}),
		DevicesSkipped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_skipped",
			Help:      "Configured devices skipped at start-up.",
		}),
		DevicesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_online",
			Help:      "Devices currently marked online.",
		}),
	}
	reg.MustRegister(
		m.InboundMessages,
		m.StateUpdates,
		m.Polls,
		m.CommandsSent,
		m.ResponseTimeouts,
		m.PublishErrors,
		m.DevicesRegistered,
		m.DevicesSkipped,
		m.DevicesOnline,
	)
	return m
}

// New creates a registry and the relay metrics registered in it.
func New() (*prometheus.Registry, *RelayMetrics) {
	reg := NewRegistry()
	return reg, NewRelayMetrics(reg)
}
