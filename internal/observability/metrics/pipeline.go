package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics contains Prometheus metrics for the detection pipeline and tiles.
type PipelineMetrics struct {
	Detections    *prometheus.CounterVec
	Dropped       prometheus.Counter
	RollingCount  prometheus.Gauge
	SpeciesToday  prometheus.Gauge
	Contexts      *prometheus.GaugeVec
	TileUpdates   *prometheus.CounterVec
	RotationTicks *prometheus.CounterVec
	Saves         *prometheus.CounterVec
	SaveDuration  prometheus.Histogram
	registry      *prometheus.Registry
}

// NewPipelineMetrics creates a new instance of PipelineMetrics.
// It requires a Prometheus registry to register the metrics.
// It returns an error if metric registration fails.
func NewPipelineMetrics(registry *prometheus.Registry) (*PipelineMetrics, error) {
	m := &PipelineMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize Pipeline metrics: %w", err)
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register Pipeline metrics: %w", err)
	}
	return m, nil
}

func (m *PipelineMetrics) initMetrics() error {
	m.Detections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "birdnet_tiles_detections_total",
		Help: "Normalized detections, by normalization source and delivery kind",
	}, []string{"source", "kind"})

	m.Dropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "birdnet_tiles_messages_dropped_total",
		Help: "Messages that produced no detection (empty payload)",
	})

	m.RollingCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "birdnet_tiles_detections_last_hour",
		Help: "Live detections within the rolling one-hour window",
	})

	m.SpeciesToday = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "birdnet_tiles_species_today",
		Help: "Distinct species in today's aggregate",
	})

	m.Contexts = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "birdnet_tiles_contexts",
		Help: "Registered display contexts, by tile kind",
	}, []string{"kind"})

	m.TileUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "birdnet_tiles_tile_updates_total",
		Help: "Display updates pushed to contexts, by variant",
	}, []string{"variant"})

	m.RotationTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "birdnet_tiles_rotation_ticks_total",
		Help: "Rotation ticks, by outcome (species, waiting)",
	}, []string{"outcome"})

	m.Saves = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "birdnet_tiles_snapshot_saves_total",
		Help: "Snapshot save attempts, by status",
	}, []string{"status"})

	m.SaveDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "birdnet_tiles_snapshot_save_duration_seconds",
		Help:    "Duration of snapshot saves in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	return nil
}

// RecordDetection counts a normalized detection.
func (m *PipelineMetrics) RecordDetection(source string, retained bool) {
	kind := "live"
	if retained {
		kind = "retained"
	}
	m.Detections.WithLabelValues(source, kind).Inc()
}

// IncrementDropped counts a message that yielded no detection.
func (m *PipelineMetrics) IncrementDropped() {
	m.Dropped.Inc()
}

// SetAggregates updates the rolling count and species gauges.
func (m *PipelineMetrics) SetAggregates(rollingCount, speciesToday int) {
	m.RollingCount.Set(float64(rollingCount))
	m.SpeciesToday.Set(float64(speciesToday))
}

// SetContexts sets the registered context count for a tile kind.
func (m *PipelineMetrics) SetContexts(kind string, n int) {
	m.Contexts.WithLabelValues(kind).Set(float64(n))
}

// IncrementTileUpdates counts a tile update of the given variant.
func (m *PipelineMetrics) IncrementTileUpdates(variant string) {
	m.TileUpdates.WithLabelValues(variant).Inc()
}

// IncrementRotationTicks counts a rotation tick.
func (m *PipelineMetrics) IncrementRotationTicks(outcome string) {
	m.RotationTicks.WithLabelValues(outcome).Inc()
}

// RecordSave records a snapshot save outcome and duration.
func (m *PipelineMetrics) RecordSave(err error, durationSeconds float64) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.Saves.WithLabelValues(status).Inc()
	m.SaveDuration.Observe(durationSeconds)
}

// Collect implements the prometheus.Collector interface.
func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Detections.Collect(ch)
	ch <- m.Dropped
	ch <- m.RollingCount
	ch <- m.SpeciesToday
	m.Contexts.Collect(ch)
	m.TileUpdates.Collect(ch)
	m.RotationTicks.Collect(ch)
	m.Saves.Collect(ch)
	ch <- m.SaveDuration
}

// Describe implements the prometheus.Collector interface.
func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Detections.Describe(ch)
	ch <- m.Dropped.Desc()
	ch <- m.RollingCount.Desc()
	ch <- m.SpeciesToday.Desc()
	m.Contexts.Describe(ch)
	m.TileUpdates.Describe(ch)
	m.RotationTicks.Describe(ch)
	m.Saves.Describe(ch)
	ch <- m.SaveDuration.Desc()
}
