// imagecache.go: Package metrics provides custom Prometheus metrics for the birdnet-tiles components.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// ImageCacheMetrics contains all Prometheus metrics related to image cache operations.
type ImageCacheMetrics struct {
	CacheEntries     prometheus.Gauge
	CacheBytes       prometheus.Gauge
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	CoalescedFetches prometheus.Counter
	ImageDownloads   prometheus.Counter
	DownloadErrors   prometheus.Counter
	DownloadDuration prometheus.Histogram
	registry         *prometheus.Registry
}

// NewImageCacheMetrics creates a new instance of ImageCacheMetrics.
// It requires a Prometheus registry to register the metrics.
// It returns an error if metric registration fails.
func NewImageCacheMetrics(registry *prometheus.Registry) (*ImageCacheMetrics, error) {
	m := &ImageCacheMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize ImageCache metrics: %w", err)
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register ImageCache metrics: %w", err)
	}
	return m, nil
}

// initMetrics initializes all metrics for ImageCacheMetrics.
func (m *ImageCacheMetrics) initMetrics() error {
	m.CacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "birdnet_tiles_image_cache_entries",
		Help: "Number of images held in the cache.",
	})

	m.CacheBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "birdnet_tiles_image_cache_size_bytes",
		Help: "Total size of cached image data in bytes.",
	})

	m.CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "birdnet_tiles_image_cache_hits_total",
		Help: "Total number of cache hits.",
	})

	m.CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "birdnet_tiles_image_cache_misses_total",
		Help: "Total number of cache misses.",
	})

	m.CoalescedFetches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "birdnet_tiles_image_cache_coalesced_total",
		Help: "Total number of fetches that attached to an in-flight download.",
	})

	m.ImageDownloads = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "birdnet_tiles_image_downloads_total",
		Help: "Total number of image downloads.",
	})

	m.DownloadErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "birdnet_tiles_image_download_errors_total",
		Help: "Total number of image download errors.",
	})

	m.DownloadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "birdnet_tiles_image_download_duration_seconds",
		Help:    "Duration of image downloads in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	return nil
}

// SetCacheSize updates the entry count and byte size gauges.
func (m *ImageCacheMetrics) SetCacheSize(entries int, sizeBytes int64) {
	m.CacheEntries.Set(float64(entries))
	m.CacheBytes.Set(float64(sizeBytes))
}

// IncrementCacheHits increases the cache hit counter by one.
func (m *ImageCacheMetrics) IncrementCacheHits() {
	m.CacheHits.Inc()
}

// IncrementCacheMisses increases the cache miss counter by one.
func (m *ImageCacheMetrics) IncrementCacheMisses() {
	m.CacheMisses.Inc()
}

// IncrementCoalescedFetches increases the coalesced fetch counter by one.
func (m *ImageCacheMetrics) IncrementCoalescedFetches() {
	m.CoalescedFetches.Inc()
}

// IncrementImageDownloads increases the image download counter by one.
func (m *ImageCacheMetrics) IncrementImageDownloads() {
	m.ImageDownloads.Inc()
}

// IncrementDownloadErrors increases the download error counter by one.
func (m *ImageCacheMetrics) IncrementDownloadErrors() {
	m.DownloadErrors.Inc()
}

// ObserveDownloadDuration records the duration of an image download operation.
// The duration should be provided in seconds.
func (m *ImageCacheMetrics) ObserveDownloadDuration(durationSeconds float64) {
	m.DownloadDuration.Observe(durationSeconds)
}

// Collect implements the prometheus.Collector interface.
func (m *ImageCacheMetrics) Collect(ch chan<- prometheus.Metric) {
	ch <- m.CacheEntries
	ch <- m.CacheBytes
	ch <- m.CacheHits
	ch <- m.CacheMisses
	ch <- m.CoalescedFetches
	ch <- m.ImageDownloads
	ch <- m.DownloadErrors
	ch <- m.DownloadDuration
}

// Describe implements the prometheus.Collector interface.
func (m *ImageCacheMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.CacheEntries.Desc()
	ch <- m.CacheBytes.Desc()
	ch <- m.CacheHits.Desc()
	ch <- m.CacheMisses.Desc()
	ch <- m.CoalescedFetches.Desc()
	ch <- m.ImageDownloads.Desc()
	ch <- m.DownloadErrors.Desc()
	ch <- m.DownloadDuration.Desc()
}
