package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the mycap server
type Metrics struct {
	// UDP packet metrics
	PacketsReceived  prometheus.Counter
	PacketsProcessed prometheus.Counter
	ParseErrors      prometheus.Counter
	OutOfOrderDrops  prometheus.Counter

	// Device metrics
	DevicesConnected prometheus.Gauge
	HeartbeatsSent   prometheus.Counter

	// Tracker metrics
	TrackersRegistered prometheus.Gauge

	// Main loop metrics
	LoopOverruns prometheus.Counter
	LoopDuration prometheus.Histogram

	// Relay metrics
	RelayClients prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "mycap_packets_received_total",
			Help: "Total number of UDP datagrams received",
		}),
		PacketsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mycap_packets_processed_total",
			Help: "Total number of UDP datagrams successfully decoded and dispatched",
		}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "mycap_parse_errors_total",
			Help: "Total number of malformed or unknown packets dropped",
		}),
		OutOfOrderDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "mycap_out_of_order_drops_total",
			Help: "Total number of packets dropped by the anti-replay watermark",
		}),

		DevicesConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mycap_devices_connected",
			Help: "Number of devices that have ever handshaken",
		}),
		HeartbeatsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "mycap_heartbeats_sent_total",
			Help: "Total number of heartbeat frames sent during upkeep",
		}),

		TrackersRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mycap_trackers_registered",
			Help: "Number of registered trackers",
		}),

		LoopOverruns: factory.NewCounter(prometheus.CounterOpts{
			Name: "mycap_loop_overruns_total",
			Help: "Total number of main loop iterations exceeding the target period",
		}),
		LoopDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mycap_loop_duration_seconds",
			Help:    "Duration of main loop iterations",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 10), // 0.5ms to ~0.5s
		}),

		RelayClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mycap_relay_clients",
			Help: "Number of connected websocket relay clients",
		}),
	}
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived() {
	m.PacketsReceived.Inc()
}

// RecordPacketProcessed increments the packets processed counter
func (m *Metrics) RecordPacketProcessed() {
	m.PacketsProcessed.Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	m.ParseErrors.Inc()
}

// RecordOutOfOrderDrop increments the anti-replay drop counter
func (m *Metrics) RecordOutOfOrderDrop() {
	m.OutOfOrderDrops.Inc()
}

// SetDevicesConnected sets the connected devices gauge
func (m *Metrics) SetDevicesConnected(count int) {
	m.DevicesConnected.Set(float64(count))
}

// RecordHeartbeat increments the heartbeats sent counter
func (m *Metrics) RecordHeartbeat() {
	m.HeartbeatsSent.Inc()
}

// SetTrackersRegistered sets the registered trackers gauge
func (m *Metrics) SetTrackersRegistered(count int) {
	m.TrackersRegistered.Set(float64(count))
}

// RecordLoopIteration records one main loop iteration and whether it overran
func (m *Metrics) RecordLoopIteration(durationSeconds float64, overrun bool) {
	m.LoopDuration.Observe(durationSeconds)
	if overrun {
		m.LoopOverruns.Inc()
	}
}

// SetRelayClients sets the relay clients gauge
func (m *Metrics) SetRelayClients(count int) {
	m.RelayClients.Set(float64(count))
}
