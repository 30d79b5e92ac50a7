// scheduler.go: Package rotation cycles each registered context through today's species,
// holding rare species on screen longer.
package rotation

import (
	"time"

	"github.com/tphakala/birdnet-tiles/internal/clock"
	"github.com/tphakala/birdnet-tiles/internal/daily"
	"github.com/tphakala/birdnet-tiles/internal/display"
	"github.com/tphakala/birdnet-tiles/internal/logger"
	"github.com/tphakala/birdnet-tiles/internal/observability/metrics"
	"github.com/tphakala/birdnet-tiles/internal/rarity"
)

// Default timings.
const (
	DefaultInterval       = 10 * time.Second
	DefaultHoldMultiplier = 2.0
	DefaultRetryDelay     = 2 * time.Second
	DefaultInitialDelay   = 50 * time.Millisecond
)

// Tick outcomes reported to metrics.
const (
	outcomeShown   = "shown"
	outcomeRare    = "shown_rare"
	outcomeWaiting = "waiting"
)

// Settings are read on every tick.
type Settings struct {
	Interval       time.Duration
	HoldMultiplier float64
	RetryDelay     time.Duration
	InitialDelay   time.Duration
	Thresholds     rarity.Thresholds
}

// DefaultSettings returns the stock timings and thresholds.
func DefaultSettings() Settings {
	return Settings{
		Interval:       DefaultInterval,
		HoldMultiplier: DefaultHoldMultiplier,
		RetryDelay:     DefaultRetryDelay,
		InitialDelay:   DefaultInitialDelay,
		Thresholds:     rarity.DefaultThresholds(),
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.Interval <= 0 {
		s.Interval = d.Interval
	}
	if s.HoldMultiplier < 1 {
		s.HoldMultiplier = d.HoldMultiplier
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = d.RetryDelay
	}
	if s.InitialDelay <= 0 {
		s.InitialDelay = d.InitialDelay
	}
	return s
}

// Config wires a Scheduler to its collaborators.
type Config struct {
	Clock    clock.Clock
	Executor clock.Executor
	Settings func() Settings
	Species  func() []daily.SpeciesRecord
	Builder  *display.Builder
	Driver   display.Driver
	Metrics  *metrics.PipelineMetrics
	Logger   logger.Logger
}

// contextState is one context's rotation. A fresh value is created on every
// Start so callbacks armed for a replaced state can detect it. gen changes
// whenever the pending timer is replaced or cancelled.
type contextState struct {
	index       int
	timer       clock.Timer
	gen         uint64
	lastWasRare bool
}

// Scheduler holds independent rotation state per context. All methods and
// timer callbacks must run on the owner's event loop; Executor is how timer
// callbacks get there.
type Scheduler struct {
	clock    clock.Clock
	exec     clock.Executor
	settings func() Settings
	species  func() []daily.SpeciesRecord
	builder  *display.Builder
	driver   display.Driver
	metrics  *metrics.PipelineMetrics
	log      logger.Logger
	contexts map[string]*contextState
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		clock:    cfg.Clock,
		exec:     cfg.Executor,
		settings: cfg.Settings,
		species:  cfg.Species,
		builder:  cfg.Builder,
		driver:   cfg.Driver,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		contexts: make(map[string]*contextState),
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	if s.exec == nil {
		s.exec = clock.Inline
	}
	if s.settings == nil {
		s.settings = DefaultSettings
	}
	if s.species == nil {
		s.species = func() []daily.SpeciesRecord { return nil }
	}
	if s.log == nil {
		s.log = logger.Global().Module("rotation")
	}
	if s.builder == nil {
		s.builder = display.NewBuilder(display.DefaultLayout(), func() rarity.Thresholds {
			return s.settings().Thresholds
		})
	}
	return s
}

// Start begins rotating contextID, replacing any existing rotation. With
// immediate the first tick runs now; otherwise after the initial delay.
func (s *Scheduler) Start(contextID string, immediate bool) {
	s.Stop(contextID)
	st := &contextState{}
	s.contexts[contextID] = st

	if immediate {
		s.tick(contextID, st)
		return
	}
	s.arm(contextID, st, s.settings().withDefaults().InitialDelay)
}

// Stop cancels the context's pending tick and forgets it. Stopping an
// unknown context is a no-op.
func (s *Scheduler) Stop(contextID string) {
	st, ok := s.contexts[contextID]
	if !ok {
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	delete(s.contexts, contextID)
}

// StopAll stops every context.
func (s *Scheduler) StopAll() {
	for id := range s.contexts {
		s.Stop(id)
	}
}

// PauseAll cancels every pending tick but keeps each context's position so a
// later Resume continues where it left off.
func (s *Scheduler) PauseAll() {
	for _, st := range s.contexts {
		s.cancel(st)
	}
}

// Resume ticks contextID now, continuing from its current position. An
// unknown context is started fresh.
func (s *Scheduler) Resume(contextID string) {
	st, ok := s.contexts[contextID]
	if !ok {
		s.Start(contextID, true)
		return
	}
	s.cancel(st)
	s.tick(contextID, st)
}

// Refresh ticks every registered context now without resetting its position,
// so frequent refreshes still walk the whole list.
func (s *Scheduler) Refresh() {
	for _, id := range s.Contexts() {
		s.Resume(id)
	}
}

// Contexts returns the registered context IDs.
func (s *Scheduler) Contexts() []string {
	ids := make([]string, 0, len(s.contexts))
	for id := range s.contexts {
		ids = append(ids, id)
	}
	return ids
}

// Active reports whether contextID is rotating.
func (s *Scheduler) Active(contextID string) bool {
	_, ok := s.contexts[contextID]
	return ok
}

// Len returns the number of rotating contexts.
func (s *Scheduler) Len() int {
	return len(s.contexts)
}

func (s *Scheduler) arm(contextID string, st *contextState, d time.Duration) {
	st.gen++
	gen := st.gen
	st.timer = s.clock.AfterFunc(d, func() {
		s.exec(func() { s.fire(contextID, st, gen) })
	})
}

func (s *Scheduler) cancel(st *contextState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.gen++
}

func (s *Scheduler) fire(contextID string, st *contextState, gen uint64) {
	if s.contexts[contextID] != st || st.gen != gen {
		// Stopped, restarted or re-armed since this timer was armed.
		return
	}
	s.tick(contextID, st)
}

func (s *Scheduler) tick(contextID string, st *contextState) {
	cfg := s.settings().withDefaults()
	list := s.species()

	if len(list) == 0 {
		s.driver.SetWaiting(contextID)
		s.countTick(outcomeWaiting)
		s.arm(contextID, st, cfg.RetryDelay)
		return
	}

	st.index %= len(list)
	rec := list[st.index]
	st.index++

	m := s.builder.Build(display.Input{
		Name:       rec.Name,
		Confidence: rec.Confidence,
		Occurrence: rec.Occurrence,
	})
	s.driver.UpdateTile(contextID, m, display.VariantRotation)
	if s.metrics != nil {
		s.metrics.IncrementTileUpdates(string(display.VariantRotation))
	}

	st.lastWasRare = rarity.IsRare(rec.Occurrence, cfg.Thresholds)
	delay := cfg.Interval
	outcome := outcomeShown
	if st.lastWasRare {
		delay = time.Duration(float64(delay) * cfg.HoldMultiplier)
		outcome = outcomeRare
	}
	s.countTick(outcome)

	s.log.Trace("rotation tick",
		logger.String("context_id", contextID),
		logger.String("species", rec.Name),
		logger.Int("position", st.index),
		logger.Int("species_count", len(list)),
		logger.Duration("delay", delay))

	s.arm(contextID, st, delay)
}

func (s *Scheduler) countTick(outcome string) {
	if s.metrics != nil {
		s.metrics.IncrementRotationTicks(outcome)
	}
}
