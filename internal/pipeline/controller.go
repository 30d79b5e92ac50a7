// controller.go: Package pipeline runs the detection event loop: broker messages, timers,
// image fetch completions and context registrations are all applied on one
// goroutine, so the aggregates and rotation state need no locks.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/tphakala/birdnet-tiles/internal/clock"
	"github.com/tphakala/birdnet-tiles/internal/conf"
	"github.com/tphakala/birdnet-tiles/internal/daily"
	"github.com/tphakala/birdnet-tiles/internal/datastore"
	"github.com/tphakala/birdnet-tiles/internal/detection"
	"github.com/tphakala/birdnet-tiles/internal/display"
	"github.com/tphakala/birdnet-tiles/internal/errors"
	"github.com/tphakala/birdnet-tiles/internal/imagecache"
	"github.com/tphakala/birdnet-tiles/internal/logger"
	"github.com/tphakala/birdnet-tiles/internal/mqtt"
	"github.com/tphakala/birdnet-tiles/internal/observability/metrics"
	"github.com/tphakala/birdnet-tiles/internal/rolling"
	"github.com/tphakala/birdnet-tiles/internal/rotation"
)

// taskBuffer is the capacity of the loop's task queue.
const taskBuffer = 256

// storeTimeout bounds a snapshot load or save.
const storeTimeout = 10 * time.Second

// ErrStopped is returned by calls made after Run has returned.
var ErrStopped = errors.NewStd("pipeline stopped")

// Subscriber is the broker connection the controller consumes.
type Subscriber interface {
	Connect(ctx context.Context) error
	Events() <-chan mqtt.Event
	Disconnect()
}

// SubscriberFactory creates a subscriber for a broker config.
type SubscriberFactory func(cfg mqtt.Config) Subscriber

// ImageFetcher resolves image URLs. *imagecache.Cache implements it.
type ImageFetcher interface {
	Fetch(ctx context.Context, url string) (imagecache.Image, error)
}

// Config wires a Controller to its collaborators. Only Settings and Driver
// are required.
type Config struct {
	Settings  *conf.Settings
	Driver    display.Driver
	Subscribe SubscriberFactory
	Images    ImageFetcher
	Store     datastore.Interface
	Clock     clock.Clock
	Metrics   *metrics.PipelineMetrics
	Logger    logger.Logger
}

// Status is a point-in-time view of the pipeline for the HTTP surface.
type Status struct {
	Connected      bool                    `json:"connected"`
	BrokerError    bool                    `json:"brokerError"`
	DateKey        string                  `json:"dateKey"`
	RollingCount   int                     `json:"rollingCount"`
	SpeciesToday   int                     `json:"speciesToday"`
	Latest         *detection.Detection    `json:"latest,omitempty"`
	LatestImageURL string                  `json:"latestImageUrl,omitempty"`
	Contexts       map[string]display.Kind `json:"contexts"`
}

// latestImage is the newest detection that carried an image URL.
type latestImage struct {
	url        string
	name       string
	confidence *float64
	occurrence *float64
}

// Controller owns all pipeline state. Every field below the channels is
// touched only by the goroutine running Run.
type Controller struct {
	driver    display.Driver
	subscribe SubscriberFactory
	images    ImageFetcher
	store     datastore.Interface
	clock     clock.Clock
	metrics   *metrics.PipelineMetrics
	log       logger.Logger

	tasks   chan func()
	done    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	settings   *conf.Settings
	normalizer *detection.Normalizer
	builder    *display.Builder
	counter    *rolling.Counter
	aggregator *daily.Aggregator
	debouncer  *daily.Debouncer
	scheduler  *rotation.Scheduler
	contexts   map[string]display.Kind

	latest      *detection.Detection
	latestImage latestImage

	sub         Subscriber
	events      <-chan mqtt.Event
	connected   bool
	brokerError bool
	retryTimer  clock.Timer
	meterTimer  *meterTick
	fetchCtx    context.Context
	cancelFetch context.CancelFunc
}

type meterTick struct {
	timer clock.Timer
}

// New creates a Controller. Call Run to start it.
func New(cfg Config) *Controller {
	c := &Controller{
		driver:    cfg.Driver,
		subscribe: cfg.Subscribe,
		images:    cfg.Images,
		store:     cfg.Store,
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
		tasks:     make(chan func(), taskBuffer),
		done:      make(chan struct{}),
		settings:  cfg.Settings,
		counter:   rolling.NewCounter(),
		contexts:  make(map[string]display.Kind),
	}
	if c.clock == nil {
		c.clock = clock.Real{}
	}
	if c.log == nil {
		c.log = logger.Global().Module("pipeline")
	}
	if c.settings == nil {
		c.settings = &conf.Settings{}
	}

	exec := clock.Executor(func(task func()) { c.post(task) })

	c.normalizer = detection.NewNormalizer(c.log.Module("detection"))
	c.builder = display.NewBuilder(c.settings.Display, c.thresholds)
	c.debouncer = daily.NewDebouncer(c.clock, exec, c.settings.Storage.SaveDelay, c.save)
	c.aggregator = daily.NewAggregator(c.clock, c.debouncer.Mark)
	c.scheduler = rotation.New(rotation.Config{
		Clock:    c.clock,
		Executor: exec,
		Settings: c.rotationSettings,
		Species:  c.aggregator.TodaySpecies,
		Builder:  c.builder,
		Driver:   c.driver,
		Metrics:  c.metrics,
		Logger:   c.log.Module("rotation"),
	})
	return c
}

// Run processes events until ctx is cancelled, then flushes pending state.
// It must be called once.
func (c *Controller) Run(ctx context.Context) error {
	c.fetchCtx, c.cancelFetch = context.WithCancel(context.WithoutCancel(ctx))
	c.startup(ctx)

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case task := <-c.tasks:
			task()
		case ev := <-c.events:
			c.handleEvent(ev)
		}
	}
}

// post queues task for the loop. It returns false once the loop has stopped.
func (c *Controller) post(task func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.tasks <- task:
		return true
	case <-c.done:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (c *Controller) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !c.post(func() { fn(); close(finished) }) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// goTracked runs fn on a goroutine that shutdown waits for.
func (c *Controller) goTracked(fn func()) {
	c.wg.Go(fn)
}

// Register attaches a display context to a tile kind. Registering an
// existing ID replaces its kind.
func (c *Controller) Register(ctx context.Context, id string, kind display.Kind) error {
	if id == "" {
		return errors.ValidationError("context id is required")
	}
	if _, err := display.ParseKind(string(kind)); err != nil {
		return errors.New(err).
			Component("pipeline").
			Category(errors.CategoryValidation).
			Build()
	}
	return c.call(ctx, func() { c.register(id, kind) })
}

// Unregister detaches a display context. Unknown IDs are reported as not found.
func (c *Controller) Unregister(ctx context.Context, id string) error {
	var found bool
	if err := c.call(ctx, func() { found = c.unregister(id) }); err != nil {
		return err
	}
	if !found {
		return errors.Newf("context %q is not registered", id).
			Component("pipeline").
			Category(errors.CategoryNotFound).
			Build()
	}
	return nil
}

// UpdateSettings applies new settings. Thresholds and timings take effect on
// their next use; broker changes reconnect.
func (c *Controller) UpdateSettings(s *conf.Settings) {
	if s == nil {
		return
	}
	c.post(func() { c.applySettings(s) })
}

// TodaySpecies returns today's species, rarest first.
func (c *Controller) TodaySpecies(ctx context.Context) ([]daily.SpeciesRecord, error) {
	var out []daily.SpeciesRecord
	err := c.call(ctx, func() { out = c.aggregator.TodaySpecies() })
	return out, err
}

// Status returns a snapshot of the pipeline state.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.call(ctx, func() {
		st = Status{
			Connected:      c.connected,
			BrokerError:    c.brokerError,
			DateKey:        c.aggregator.Today(),
			RollingCount:   c.counter.Count(c.clock.Now()),
			SpeciesToday:   len(c.aggregator.TodaySpecies()),
			LatestImageURL: c.latestImage.url,
			Contexts:       make(map[string]display.Kind, len(c.contexts)),
		}
		if c.latest != nil {
			d := *c.latest
			st.Latest = &d
		}
		for id, k := range c.contexts {
			st.Contexts[id] = k
		}
	})
	return st, err
}

func (c *Controller) startup(ctx context.Context) {
	c.restore(ctx)
	for _, cs := range c.settings.Contexts {
		kind, err := display.ParseKind(cs.Kind)
		if err != nil {
			c.log.Warn("skipping configured context", logger.String("context_id", cs.ID), logger.Error(err))
			continue
		}
		c.register(cs.ID, kind)
	}
	c.armMeter()
	c.connect()
	c.log.Info("pipeline started",
		logger.Int("contexts", len(c.contexts)),
		logger.Int("species_today", c.aggregator.Len()))
}

func (c *Controller) shutdown() {
	c.scheduler.StopAll()
	if c.meterTimer != nil {
		c.meterTimer.timer.Stop()
		c.meterTimer = nil
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.debouncer.Flush()
	c.cancelFetch()
	c.disconnect()

	c.stopped.Do(func() { close(c.done) })
	c.wg.Wait()
	c.log.Info("pipeline stopped")
}

func (c *Controller) restore(ctx context.Context) {
	if c.store == nil {
		return
	}
	loadCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	snap, err := c.store.Load(loadCtx)
	if err != nil {
		c.log.Warn("failed to load snapshot, starting empty", logger.Error(err))
		return
	}
	if snap == nil {
		return
	}
	if today := c.aggregator.Today(); snap.DateKey != today {
		c.log.Info("discarding snapshot from another day",
			logger.String("snapshot_date", snap.DateKey),
			logger.String("today", today))
		return
	}

	c.aggregator.Restore(snap.DateKey, snap.Species)
	c.latest = snap.Latest
	c.latestImage = latestImage{url: snap.LatestImageURL}
	if d := snap.Latest; d != nil && d.ImageURL == snap.LatestImageURL {
		c.latestImage = latestImage{url: d.ImageURL, name: d.Name, confidence: d.Confidence, occurrence: d.Occurrence}
	}
	c.log.Info("snapshot restored",
		logger.String("date", snap.DateKey),
		logger.Int("species", len(snap.Species)))
}

// save persists the current state. It runs on the loop, from the debouncer.
func (c *Controller) save() {
	if c.store == nil {
		return
	}
	snap := &datastore.Snapshot{
		DateKey:        c.aggregator.DateKey(),
		Species:        c.aggregator.Records(),
		Latest:         c.latest,
		LatestImageURL: c.latestImage.url,
		SavedAt:        c.clock.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.store.Save(ctx, snap); err != nil {
		c.log.Warn("failed to save snapshot", logger.Error(err))
	}
}
