// metrics.go: Package observability owns the Prometheus registry and the collectors of
// each birdnet-tiles component.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tphakala/birdnet-tiles/internal/observability/metrics"
)

// Metrics groups the per-component collectors registered on one registry.
type Metrics struct {
	registry   *prometheus.Registry
	MQTT       *metrics.MQTTMetrics
	ImageCache *metrics.ImageCacheMetrics
	Pipeline   *metrics.PipelineMetrics
}

// NewMetrics builds a registry with the Go and process collectors plus one
// collector set per component.
func NewMetrics() (*Metrics, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{registry: reg}
	var err error
	if m.MQTT, err = metrics.NewMQTTMetrics(reg); err != nil {
		return nil, fmt.Errorf("mqtt metrics: %w", err)
	}
	if m.ImageCache, err = metrics.NewImageCacheMetrics(reg); err != nil {
		return nil, fmt.Errorf("image cache metrics: %w", err)
	}
	if m.Pipeline, err = metrics.NewPipelineMetrics(reg); err != nil {
		return nil, fmt.Errorf("pipeline metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(m.registry,
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
			ErrorHandling:     promhttp.ContinueOnError,
			EnableOpenMetrics: true,
		}))
}
