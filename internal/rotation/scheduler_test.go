package rotation

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdnet-tiles/internal/clock"
	"github.com/tphakala/birdnet-tiles/internal/daily"
	"github.com/tphakala/birdnet-tiles/internal/display"
	"github.com/tphakala/birdnet-tiles/internal/logger"
	"github.com/tphakala/birdnet-tiles/internal/rarity"
)

type call struct {
	contextID string
	kind      string
	name      string
	at        time.Time
}

type recordingDriver struct {
	clock *clock.Fake
	calls []call
}

func (d *recordingDriver) UpdateTile(contextID string, m display.Model, _ display.Variant) {
	d.calls = append(d.calls, call{contextID, "update", m.Name, d.clock.Now()})
}

func (d *recordingDriver) SetError(contextID string) {
	d.calls = append(d.calls, call{contextID, "error", "", d.clock.Now()})
}

func (d *recordingDriver) SetWaiting(contextID string) {
	d.calls = append(d.calls, call{contextID, "waiting", "", d.clock.Now()})
}

func (d *recordingDriver) names(contextID string) []string {
	var out []string
	for _, c := range d.calls {
		if c.contextID == contextID && c.kind == "update" {
			out = append(out, c.name)
		}
	}
	return out
}

func occ(v float64) *float64 { return &v }

type fixture struct {
	clock    *clock.Fake
	driver   *recordingDriver
	species  []daily.SpeciesRecord
	settings Settings
	sched    *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:    clock.NewFake(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)),
		settings: DefaultSettings(),
	}
	f.driver = &recordingDriver{clock: f.clock}
	f.sched = New(Config{
		Clock:    f.clock,
		Executor: clock.Inline,
		Settings: func() Settings { return f.settings },
		Species:  func() []daily.SpeciesRecord { return f.species },
		Driver:   f.driver,
		Logger:   logger.NewConsoleLogger(io.Discard, logger.LogLevelError).Module("rotation"),
	})
	return f
}

func TestRotationVisitsEachSpeciesInOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.species = []daily.SpeciesRecord{
		{Name: "A", Occurrence: occ(0.5)},
		{Name: "B", Occurrence: occ(0.6)},
		{Name: "C", Occurrence: occ(0.7)},
	}

	f.sched.Start("ctx", true)
	f.clock.Advance(50 * time.Second)

	assert.Equal(t, []string{"A", "B", "C", "A", "B", "C"}, f.driver.names("ctx"))
}

func TestRotationDelayedStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.species = []daily.SpeciesRecord{{Name: "A", Occurrence: occ(0.9)}}

	f.sched.Start("ctx", false)
	assert.Empty(t, f.driver.calls)

	f.clock.Advance(DefaultInitialDelay)
	require.Len(t, f.driver.calls, 1)
	assert.Equal(t, "A", f.driver.calls[0].name)
}

func TestRareSpeciesHeldLonger(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.species = []daily.SpeciesRecord{
		{Name: "Rare", Occurrence: occ(0.1)},
		{Name: "Common", Occurrence: occ(0.9)},
	}
	start := f.clock.Now()

	f.sched.Start("ctx", true)
	f.clock.Advance(30 * time.Second)

	require.GreaterOrEqual(t, len(f.driver.calls), 3)
	assert.Equal(t, start, f.driver.calls[0].at)
	assert.Equal(t, start.Add(20*time.Second), f.driver.calls[1].at, "rare dwell doubled")
	assert.Equal(t, start.Add(30*time.Second), f.driver.calls[2].at)
	assert.Equal(t, "Rare", f.driver.calls[2].name)
}

func TestEmptyListShowsWaitingAndRetries(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.sched.Start("ctx", true)
	require.Len(t, f.driver.calls, 1)
	assert.Equal(t, "waiting", f.driver.calls[0].kind)

	f.species = []daily.SpeciesRecord{{Name: "Wren"}}
	f.clock.Advance(DefaultRetryDelay)
	require.Len(t, f.driver.calls, 2)
	assert.Equal(t, "Wren", f.driver.calls[1].name)
}

func TestIndexWrapsWhenListShrinks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.species = []daily.SpeciesRecord{{Name: "A"}, {Name: "B"}, {Name: "C"}}

	f.sched.Start("ctx", true)
	f.clock.Advance(20 * time.Second) // A, B, C shown; next index 3
	f.species = f.species[:2]
	f.clock.Advance(10 * time.Second)

	assert.Equal(t, []string{"A", "B", "C", "B"}, f.driver.names("ctx"))
}

func TestStopIsIdempotentAndCancels(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.species = []daily.SpeciesRecord{{Name: "A"}}

	f.sched.Start("ctx", true)
	f.sched.Stop("ctx")
	f.sched.Stop("ctx")
	f.sched.Stop("unknown")

	f.clock.Advance(time.Minute)
	assert.Len(t, f.driver.calls, 1)
	assert.False(t, f.sched.Active("ctx"))
	assert.Equal(t, 0, f.clock.Pending())
}

func TestStaleCallbackIgnoredAfterRestart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.species = []daily.SpeciesRecord{{Name: "A"}, {Name: "B"}}

	var queued []func()
	f.sched.exec = func(task func()) { queued = append(queued, task) }

	f.sched.Start("ctx", true)
	f.clock.Advance(10 * time.Second) // fires, task queued but not run
	require.Len(t, queued, 1)

	f.sched.Start("ctx", true) // replaces state; index restarts
	for _, task := range queued {
		task()
	}

	assert.Equal(t, []string{"A", "A"}, f.driver.names("ctx"))
}

func TestContextsAreIndependent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.species = []daily.SpeciesRecord{{Name: "A"}, {Name: "B"}}

	f.sched.Start("one", true)
	f.clock.Advance(5 * time.Second)
	f.sched.Start("two", true)
	f.clock.Advance(5 * time.Second)

	assert.Equal(t, []string{"A", "B"}, f.driver.names("one"))
	assert.Equal(t, []string{"A"}, f.driver.names("two"))
	assert.Equal(t, 2, f.sched.Len())
}

func TestRefreshKeepsPosition(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.species = []daily.SpeciesRecord{{Name: "A"}, {Name: "B"}}

	f.sched.Start("one", true)
	f.sched.Start("two", true)
	f.sched.Refresh()

	assert.Equal(t, []string{"A", "B"}, f.driver.names("one"))
	assert.Equal(t, []string{"A", "B"}, f.driver.names("two"))
	assert.Equal(t, 2, f.clock.Pending())
}

func TestFrequentRefreshStillCycles(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.species = []daily.SpeciesRecord{
		{Name: "A", Occurrence: occ(0.5)},
		{Name: "B", Occurrence: occ(0.6)},
		{Name: "C", Occurrence: occ(0.7)},
	}

	f.sched.Start("ctx", true)
	for range 3 {
		// Detections arrive faster than the rotation interval.
		f.clock.Advance(6 * time.Second)
		f.sched.Refresh()
	}

	assert.Equal(t, []string{"A", "B", "C", "A"}, f.driver.names("ctx"))
	assert.Equal(t, 1, f.clock.Pending())
}

func TestStaleCallbackIgnoredAfterRefresh(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.species = []daily.SpeciesRecord{{Name: "A"}, {Name: "B"}, {Name: "C"}}

	var queued []func()
	f.sched.exec = func(task func()) { queued = append(queued, task) }

	f.sched.Start("ctx", true)
	f.clock.Advance(10 * time.Second) // fires, task queued but not run
	require.Len(t, queued, 1)

	f.sched.Refresh() // same state, re-armed
	for _, task := range queued {
		task()
	}

	assert.Equal(t, []string{"A", "B"}, f.driver.names("ctx"))
}

func TestPauseAllAndResume(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.species = []daily.SpeciesRecord{{Name: "A"}, {Name: "B"}, {Name: "C"}}

	f.sched.Start("ctx", true)
	f.clock.Advance(10 * time.Second)
	f.sched.PauseAll()
	assert.Equal(t, 0, f.clock.Pending())
	assert.True(t, f.sched.Active("ctx"))

	f.clock.Advance(time.Minute)
	assert.Equal(t, []string{"A", "B"}, f.driver.names("ctx"))

	f.sched.Resume("ctx")
	f.sched.Resume("new")
	assert.Equal(t, []string{"A", "B", "C"}, f.driver.names("ctx"))
	assert.Equal(t, []string{"A"}, f.driver.names("new"))
	assert.Equal(t, 2, f.clock.Pending())
}

func TestSettingsApplyToNextDelay(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.species = []daily.SpeciesRecord{{Name: "A", Occurrence: occ(0.3)}}
	start := f.clock.Now()

	f.sched.Start("ctx", true)
	f.settings.Interval = 3 * time.Second
	f.settings.Thresholds = rarity.Thresholds{Epic: 0.05, Rare: 0.4, Uncommon: 0.5}
	f.clock.Advance(10 * time.Second)
	f.clock.Advance(6 * time.Second)

	require.Len(t, f.driver.calls, 3)
	assert.Equal(t, start.Add(10*time.Second), f.driver.calls[1].at, "already armed delay unchanged")
	assert.Equal(t, start.Add(16*time.Second), f.driver.calls[2].at, "new interval with rare hold")
}
