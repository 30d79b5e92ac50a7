package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// MQTTMetrics tracks the detection subscription.
type MQTTMetrics struct {
	ConnectionStatus prometheus.Gauge
	LastConnectTime  prometheus.Gauge
	Connects         *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	MessageSize      prometheus.Histogram
	Errors           *prometheus.CounterVec
}

// NewMQTTMetrics registers the subscription collectors on registry.
func NewMQTTMetrics(registry *prometheus.Registry) (*MQTTMetrics, error) {
	m := &MQTTMetrics{
		ConnectionStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "birdnet_tiles_mqtt_connection_status",
			Help: "1 while the broker session is up, 0 otherwise",
		}),
		LastConnectTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "birdnet_tiles_mqtt_last_connect_time_seconds",
			Help: "Unix time of the last successful broker connection",
		}),
		Connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "birdnet_tiles_mqtt_connects_total",
			Help: "Broker connections, by kind (initial, reconnect)",
		}, []string{"kind"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "birdnet_tiles_mqtt_messages_received_total",
			Help: "Messages received on the detection topic, by delivery kind",
		}, []string{"kind"}),
		MessageSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "birdnet_tiles_mqtt_message_size_bytes",
			Help:    "Payload size of received messages",
			Buckets: prometheus.ExponentialBuckets(64, 2, 10),
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "birdnet_tiles_mqtt_errors_total",
			Help: "Subscription errors, by stage",
		}, []string{"stage"}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("register mqtt collectors: %w", err)
	}
	return m, nil
}

// UpdateConnectionStatus sets the status gauge.
func (m *MQTTMetrics) UpdateConnectionStatus(connected bool) {
	if connected {
		m.ConnectionStatus.Set(1)
		return
	}
	m.ConnectionStatus.Set(0)
}

// RecordConnect counts a successful connection and stamps its time.
func (m *MQTTMetrics) RecordConnect(reconnect bool) {
	kind := "initial"
	if reconnect {
		kind = "reconnect"
	}
	m.Connects.WithLabelValues(kind).Inc()
	m.LastConnectTime.SetToCurrentTime()
}

// IncrementMessagesReceived counts a message and observes its size.
func (m *MQTTMetrics) IncrementMessagesReceived(retained bool, sizeBytes int) {
	kind := "live"
	if retained {
		kind = "retained"
	}
	m.MessagesReceived.WithLabelValues(kind).Inc()
	m.MessageSize.Observe(float64(sizeBytes))
}

// IncrementErrors counts an error at stage: connect, subscribe or connection_lost.
func (m *MQTTMetrics) IncrementErrors(stage string) {
	m.Errors.WithLabelValues(stage).Inc()
}

func (m *MQTTMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ConnectionStatus, m.LastConnectTime, m.Connects,
		m.MessagesReceived, m.MessageSize, m.Errors,
	}
}

func (m *MQTTMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

func (m *MQTTMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}
