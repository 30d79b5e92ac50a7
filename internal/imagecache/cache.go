// cache.go: Package imagecache fetches bird images by URL and keeps them for the
// process lifetime. Concurrent requests for the same URL share one download.
package imagecache

import (
	"context"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/tphakala/birdnet-tiles/internal/clock"
	"github.com/tphakala/birdnet-tiles/internal/errors"
	"github.com/tphakala/birdnet-tiles/internal/logger"
	"github.com/tphakala/birdnet-tiles/internal/observability/metrics"
)

// Image is a downloaded image.
type Image struct {
	URL         string    `json:"url"`
	ContentType string    `json:"contentType"`
	Data        []byte    `json:"-"`
	FetchedAt   time.Time `json:"fetchedAt"`
}

// Size returns the payload length in bytes.
func (i Image) Size() int {
	return len(i.Data)
}

// Transport downloads one URL.
type Transport interface {
	Fetch(ctx context.Context, url string) (contentType string, data []byte, err error)
}

// Cache memoizes successful fetches without eviction. Failures are never
// cached, so a later call for the same URL goes back to the network.
type Cache struct {
	transport Transport
	memo      *gocache.Cache
	group     singleflight.Group
	clock     clock.Clock
	log       logger.Logger
	metrics   *metrics.ImageCacheMetrics
	bytes     atomic.Int64
	waiting   atomic.Int32
}

// Option configures a Cache.
type Option func(*Cache)

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.ImageCacheMetrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// WithClock sets the clock used for FetchedAt.
func WithClock(cl clock.Clock) Option {
	return func(c *Cache) { c.clock = cl }
}

// New creates a Cache on top of transport.
func New(transport Transport, opts ...Option) *Cache {
	c := &Cache{
		transport: transport,
		memo:      gocache.New(gocache.NoExpiration, 0),
		clock:     clock.Real{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Global().Module("imagecache")
	}
	return c
}

// Fetch returns the image for url, downloading it at most once at a time.
// Cancelling ctx stops the wait, not the download; a download that completes
// after its callers gave up is still cached.
func (c *Cache) Fetch(ctx context.Context, url string) (Image, error) {
	if url == "" {
		return Image{}, errors.Newf("empty image url").
			Component("imagecache").
			Category(errors.CategoryValidation).
			Build()
	}

	if img, ok := c.Peek(url); ok {
		c.recordHit()
		return img, nil
	}
	c.recordMiss()

	c.waiting.Add(1)
	defer c.waiting.Add(-1)

	led := false
	ch := c.group.DoChan(url, func() (any, error) {
		led = true
		// A download may have settled between Peek and DoChan.
		if img, ok := c.Peek(url); ok {
			return img, nil
		}
		return c.download(context.WithoutCancel(ctx), url)
	})

	select {
	case res := <-ch:
		if res.Shared && !led && c.metrics != nil {
			c.metrics.IncrementCoalescedFetches()
		}
		if res.Err != nil {
			return Image{}, res.Err
		}
		img, _ := res.Val.(Image)
		return img, nil
	case <-ctx.Done():
		return Image{}, errors.New(ctx.Err()).
			Component("imagecache").
			Category(errors.CategoryCancellation).
			Context("url", url).
			Build()
	}
}

// Peek returns a cached image without fetching.
func (c *Cache) Peek(url string) (Image, bool) {
	v, ok := c.memo.Get(url)
	if !ok {
		return Image{}, false
	}
	img, ok := v.(Image)
	return img, ok
}

// Len returns the number of cached images.
func (c *Cache) Len() int {
	return c.memo.ItemCount()
}

// Bytes returns the total cached payload size.
func (c *Cache) Bytes() int64 {
	return c.bytes.Load()
}

// Waiting returns the number of callers blocked on a download.
func (c *Cache) Waiting() int {
	return int(c.waiting.Load())
}

func (c *Cache) download(ctx context.Context, url string) (Image, error) {
	start := c.clock.Now()
	if c.metrics != nil {
		c.metrics.IncrementImageDownloads()
	}

	contentType, data, err := c.transport.Fetch(ctx, url)
	elapsed := c.clock.Now().Sub(start)
	if c.metrics != nil {
		c.metrics.ObserveDownloadDuration(elapsed.Seconds())
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.IncrementDownloadErrors()
		}
		c.log.Warn("image fetch failed",
			logger.String("url", url),
			logger.Duration("elapsed", elapsed),
			logger.Error(err))
		if errors.IsCategory(err, errors.CategoryImageFetch) {
			return Image{}, err
		}
		return Image{}, errors.New(err).
			Component("imagecache").
			Category(errors.CategoryImageFetch).
			Context("url", url).
			Context("elapsed_ms", elapsed.Milliseconds()).
			Build()
	}

	img := Image{URL: url, ContentType: contentType, Data: data, FetchedAt: c.clock.Now()}
	c.memo.Set(url, img, gocache.NoExpiration)
	total := c.bytes.Add(int64(len(data)))
	if c.metrics != nil {
		c.metrics.SetCacheSize(c.memo.ItemCount(), total)
	}
	c.log.Debug("image cached",
		logger.String("url", url),
		logger.String("content_type", contentType),
		logger.Int("bytes", len(data)),
		logger.Duration("elapsed", elapsed))
	return img, nil
}

func (c *Cache) recordHit() {
	if c.metrics != nil {
		c.metrics.IncrementCacheHits()
	}
}

func (c *Cache) recordMiss() {
	if c.metrics != nil {
		c.metrics.IncrementCacheMisses()
	}
}
