package pipeline

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
	"github.com/tphakala/birdnet-tiles/internal/rarity"
	"github.com/tphakala/birdnet-tiles/internal/rolling"
)

var testStart = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

type fakeSubscriber struct {
	cfg        mqtt.Config
	events     chan mqtt.Event
	connectErr error
	// pending makes Connect hold mu until its context ends, like a broker
	// that never answers.
	pending bool

	mu           sync.Mutex
	connects     int
	disconnected bool
}

func (s *fakeSubscriber) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if s.pending {
		<-ctx.Done()
	}
	return s.connectErr
}

func (s *fakeSubscriber) Events() <-chan mqtt.Event { return s.events }

func (s *fakeSubscriber) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = true
}

func (s *fakeSubscriber) isDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

type memStore struct {
	mu    sync.Mutex
	snap  *datastore.Snapshot
	saves int
}

func (m *memStore) Load(context.Context) (*datastore.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, nil
}

func (m *memStore) Save(_ context.Context, s *datastore.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = s
	m.saves++
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

type stubImages struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (s *stubImages) Fetch(_ context.Context, url string) (imagecache.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls = append(s.urls, url)
	if s.err != nil {
		return imagecache.Image{}, s.err
	}
	return imagecache.Image{URL: url, ContentType: "image/jpeg", Data: []byte("jpeg"), FetchedAt: testStart}, nil
}

type harness struct {
	t        *testing.T
	clock    *clock.Fake
	board    *display.Board
	store    *memStore
	images   *stubImages
	settings *conf.Settings
	c        *Controller

	mu         sync.Mutex
	subs       []*fakeSubscriber
	connectErr error
	pending    bool

	cancel context.CancelFunc
	errc   chan error
}

func testSettings() *conf.Settings {
	s := &conf.Settings{}
	s.MQTT.Broker = "tcp://localhost:1883"
	s.MQTT.Topic = "birdnet"
	s.MQTT.ReconnectInterval = 5 * time.Second
	s.Payload.FieldPath = "CommonName"
	s.Rarity = rarity.DefaultThresholds()
	s.Rotation.Interval = 10 * time.Second
	s.Rotation.HoldMultiplier = 2
	s.Rotation.RetryDelay = 2 * time.Second
	s.Rotation.InitialDelay = 50 * time.Millisecond
	s.Meter.RefreshInterval = time.Minute
	s.Display = display.DefaultLayout()
	s.Storage.SaveDelay = time.Second
	return s
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		clock:    clock.NewFake(testStart),
		board:    display.NewBoard(logger.NewConsoleLogger(io.Discard, logger.LogLevelError).Module("display")),
		store:    &memStore{},
		images:   &stubImages{},
		settings: testSettings(),
	}
	return h
}

func (h *harness) subscribe(cfg mqtt.Config) Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := &fakeSubscriber{cfg: cfg, events: make(chan mqtt.Event), connectErr: h.connectErr, pending: h.pending}
	h.connectErr = nil
	h.subs = append(h.subs, s)
	return s
}

func (h *harness) sub() *fakeSubscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(h.t, h.subs)
	return h.subs[len(h.subs)-1]
}

func (h *harness) subCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *harness) start() {
	h.t.Helper()
	h.c = New(Config{
		Settings:  h.settings,
		Driver:    h.board,
		Subscribe: h.subscribe,
		Images:    h.images,
		Store:     h.store,
		Clock:     h.clock,
		Logger:    logger.NewConsoleLogger(io.Discard, logger.LogLevelError).Module("pipeline"),
	})
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.errc = make(chan error, 1)
	go func() { h.errc <- h.c.Run(ctx) }()
	h.t.Cleanup(h.stop)
	h.sync()
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	select {
	case err := <-h.errc:
		require.NoError(h.t, err)
	case <-time.After(5 * time.Second):
		h.t.Fatal("controller did not stop")
	}
}

// sync waits until the loop has drained every task queued before it.
func (h *harness) sync() {
	h.t.Helper()
	require.NoError(h.t, h.c.call(context.Background(), func() {}))
}

func (h *harness) send(ev mqtt.Event) {
	h.t.Helper()
	select {
	case h.sub().events <- ev:
	case <-time.After(5 * time.Second):
		h.t.Fatal("event not consumed")
	}
	h.sync()
}

func (h *harness) publish(payload string, retained bool) {
	h.t.Helper()
	h.send(mqtt.Event{Kind: mqtt.EventMessage, Topic: "birdnet", Payload: []byte(payload), Retained: retained})
}

// advance moves the fake clock in steps, draining the loop after each so
// timers re-armed by callbacks are picked up.
func (h *harness) advance(total, step time.Duration) {
	h.t.Helper()
	for elapsed := time.Duration(0); elapsed < total; elapsed += step {
		h.clock.Advance(step)
		h.sync()
	}
}

func (h *harness) register(id string, kind display.Kind) {
	h.t.Helper()
	require.NoError(h.t, h.c.Register(context.Background(), id, kind))
}

func (h *harness) tile(id string) display.TileState {
	h.t.Helper()
	st, ok := h.board.Get(id)
	require.True(h.t, ok, "no tile for %s", id)
	return st
}

func TestDetectionRendersLatestTile(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start()
	h.register("latest", display.KindLatest)

	assert.Equal(t, display.StateWaiting, h.tile("latest").Model.State)

	h.publish(`{"CommonName":"Blue Jay","Confidence":0.87,"occurrence":0.05}`, false)

	st := h.tile("latest")
	assert.Equal(t, display.VariantText, st.Variant)
	assert.Equal(t, "Blue Jay", st.Model.Name)
	assert.Equal(t, rarity.Epic, st.Model.Tier)
	require.NotNil(t, st.Model.ConfidencePercent)
	assert.Equal(t, 87, *st.Model.ConfidencePercent)
}

func TestRawTextPayloadBecomesDetection(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start()
	h.register("latest", display.KindLatest)

	h.publish("American Robin", false)
	h.publish("   ", false)

	st := h.tile("latest")
	assert.Equal(t, "American Robin", st.Model.Name)
	assert.Equal(t, rarity.Unknown, st.Model.Tier)
	assert.Nil(t, st.Model.Confidence)
}

func TestRetainedMessageIsNotCounted(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start()
	h.register("meter", display.KindMeter)

	h.publish(`{"CommonName":"Blue Jay"}`, true)
	st := h.tile("meter")
	require.NotNil(t, st.Model.Count)
	assert.Equal(t, 0, *st.Model.Count)

	species, err := h.c.TodaySpecies(context.Background())
	require.NoError(t, err)
	assert.Len(t, species, 1, "retained detections still feed today's species")

	h.publish(`{"CommonName":"Blue Jay"}`, false)
	st = h.tile("meter")
	assert.Equal(t, 1, *st.Model.Count)
	assert.Equal(t, display.VariantRingMeter, st.Variant)
}

func TestMeterRefreshDropsExpiredCounts(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start()
	h.register("meter", display.KindMeter)

	h.publish(`{"CommonName":"Blue Jay"}`, false)
	assert.Equal(t, 1, *h.tile("meter").Model.Count)

	h.advance(rolling.Window+time.Minute, time.Minute)
	assert.Equal(t, 0, *h.tile("meter").Model.Count)
}

func TestBurstCoalescesIntoOneSave(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start()

	for _, name := range []string{"Blue Jay", "Northern Cardinal", "American Robin", "Song Sparrow", "Mourning Dove"} {
		h.publish(`{"CommonName":"`+name+`","occurrence":0.5}`, false)
	}
	assert.Equal(t, 0, h.store.saveCount())

	h.advance(time.Second, 100*time.Millisecond)
	assert.Equal(t, 1, h.store.saveCount())

	h.store.mu.Lock()
	snap := h.store.snap
	h.store.mu.Unlock()
	require.NotNil(t, snap)
	assert.Equal(t, "2026-05-01", snap.DateKey)
	assert.Len(t, snap.Species, 5)
	require.NotNil(t, snap.Latest)
	assert.Equal(t, "Mourning Dove", snap.Latest.Name)
}

func TestShutdownFlushesPendingSave(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start()

	h.publish(`{"CommonName":"Blue Jay"}`, false)
	assert.Equal(t, 0, h.store.saveCount())

	h.stop()
	assert.Equal(t, 1, h.store.saveCount())
}

func TestRestoreKeepsTodaysSnapshotOnly(t *testing.T) {
	t.Parallel()

	occ := 0.05
	records := []daily.SpeciesRecord{{Name: "Blue Jay", Occurrence: &occ, LastSeen: testStart}}

	tests := []struct {
		name    string
		dateKey string
		want    int
	}{
		{"today", "2026-05-01", 1},
		{"yesterday", "2026-04-30", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.store.snap = &datastore.Snapshot{
				DateKey:        tt.dateKey,
				Species:        records,
				Latest:         &detection.Detection{Name: "Blue Jay", Occurrence: &occ, ImageURL: "https://img.example/jay.jpg"},
				LatestImageURL: "https://img.example/jay.jpg",
			}
			h.start()

			species, err := h.c.TodaySpecies(context.Background())
			require.NoError(t, err)
			assert.Len(t, species, tt.want)

			st, err := h.c.Status(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want == 1, st.Latest != nil)
		})
	}
}

func TestBrokerErrorShowsErrorTiles(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start()
	h.register("latest", display.KindLatest)
	h.register("today", display.KindToday)
	h.register("image", display.KindImage)
	h.send(mqtt.Event{Kind: mqtt.EventConnected})
	h.publish(`{"CommonName":"Blue Jay"}`, false)

	imageBefore := h.tile("image")

	h.send(mqtt.Event{Kind: mqtt.EventConnectionLost, Err: errors.NewStd("connection reset")})

	assert.Equal(t, display.StateError, h.tile("latest").Model.State)
	assert.Equal(t, display.StateError, h.tile("today").Model.State)
	assert.Equal(t, imageBefore.Updates, h.tile("image").Updates, "image contexts keep their last tile")

	// Rotation is stopped while the broker is down.
	h.advance(30*time.Second, time.Second)
	assert.Equal(t, display.StateError, h.tile("today").Model.State)

	st, err := h.c.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.BrokerError)
	assert.False(t, st.Connected)

	h.send(mqtt.Event{Kind: mqtt.EventConnected})
	assert.Equal(t, "Blue Jay", h.tile("latest").Model.Name)
	today := h.tile("today")
	assert.Equal(t, display.VariantRotation, today.Variant)
	assert.Equal(t, "Blue Jay", today.Model.Name)
}

func TestRegisterDuringBrokerError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start()
	h.send(mqtt.Event{Kind: mqtt.EventError, Err: errors.NewStd("dial failed")})

	h.register("latest", display.KindLatest)
	h.register("meter", display.KindMeter)
	h.register("today", display.KindToday)

	for _, id := range []string{"latest", "meter", "today"} {
		assert.Equal(t, display.StateError, h.tile(id).Model.State, id)
	}
}

func TestTodayRotationFollowsLiveDetections(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start()
	h.register("today", display.KindToday)

	h.advance(100*time.Millisecond, 50*time.Millisecond)
	assert.Equal(t, display.StateWaiting, h.tile("today").Model.State)

	h.publish(`{"CommonName":"Northern Cardinal","occurrence":0.9}`, false)
	assert.Equal(t, "Northern Cardinal", h.tile("today").Model.Name)

	h.publish(`{"CommonName":"Blue Jay","occurrence":0.05}`, false)
	// Refresh keeps the position; the rarest species sorts first so the
	// second slot is still the cardinal.
	assert.Equal(t, "Northern Cardinal", h.tile("today").Model.Name)

	h.advance(10*time.Second, time.Second)
	assert.Equal(t, "Blue Jay", h.tile("today").Model.Name)

	h.advance(10*time.Second, time.Second)
	assert.Equal(t, "Blue Jay", h.tile("today").Model.Name, "rare species are held longer")

	h.advance(10*time.Second, time.Second)
	assert.Equal(t, "Northern Cardinal", h.tile("today").Model.Name)
}

func TestRegisterImageFetchesLatestImage(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start()

	h.register("empty", display.KindImage)
	assert.Equal(t, display.StateWaiting, h.tile("empty").Model.State)

	h.publish(`{"CommonName":"Blue Jay","occurrence":0.05,"BirdImage":{"URL":"https://img.example/jay.jpg"}}`, true)
	h.register("image", display.KindImage)

	require.Eventually(t, func() bool {
		st, ok := h.board.Get("image")
		return ok && st.Variant == display.VariantImage
	}, 5*time.Second, 5*time.Millisecond)

	st := h.tile("image")
	require.NotNil(t, st.Model.Image)
	assert.Equal(t, "https://img.example/jay.jpg", st.Model.Image.URL)
	assert.Equal(t, "Blue Jay", st.Model.Name)
	assert.Equal(t, rarity.Epic, st.Model.Tier)

	h.sync()
	assert.Equal(t, display.StateWaiting, h.tile("empty").Model.State, "registration fetch targets the new context only")
}

func TestLiveImageUpdatesEveryImageContext(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start()
	h.register("a", display.KindImage)
	h.register("b", display.KindImage)

	h.publish(`{"CommonName":"Blue Jay","imageUrl":"https://img.example/jay.jpg"}`, false)

	require.Eventually(t, func() bool {
		a, okA := h.board.Get("a")
		b, okB := h.board.Get("b")
		return okA && okB && a.Variant == display.VariantImage && b.Variant == display.VariantImage
	}, 5*time.Second, 5*time.Millisecond)
}

func TestImageFetchFailureLeavesTiles(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.images.err = errors.NewStd("boom")
	h.start()
	h.register("image", display.KindImage)
	before := h.tile("image")

	h.publish(`{"CommonName":"Blue Jay","imageUrl":"https://img.example/jay.jpg"}`, false)

	require.Eventually(t, func() bool {
		h.images.mu.Lock()
		defer h.images.mu.Unlock()
		return len(h.images.urls) == 1
	}, 5*time.Second, 5*time.Millisecond)
	h.sync()
	h.sync()
	assert.Equal(t, before.Updates, h.tile("image").Updates)
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start()
	ctx := context.Background()

	require.Error(t, h.c.Register(ctx, "", display.KindLatest))

	err := h.c.Register(ctx, "x", display.Kind("radar"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	err = h.c.Unregister(ctx, "missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	h.register("x", display.KindLatest)
	require.NoError(t, h.c.Unregister(ctx, "x"))

	st, err := h.c.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Contexts)
}

func TestUnregisterDropsTile(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start()
	ctx := context.Background()
	h.publish(`{"CommonName":"Blue Jay"}`, false)

	h.register("gone", display.KindToday)
	h.register("kept", display.KindLatest)
	h.advance(time.Second, 100*time.Millisecond)
	require.NoError(t, h.c.Unregister(ctx, "gone"))

	_, ok := h.board.Get("gone")
	assert.False(t, ok)
	_, ok = h.board.Get("kept")
	assert.True(t, ok)

	// No late rotation tick brings the tile back.
	h.advance(30*time.Second, time.Second)
	_, ok = h.board.Get("gone")
	assert.False(t, ok)
}

func TestReRegisterChangesKind(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start()
	h.publish(`{"CommonName":"Blue Jay"}`, false)

	h.register("ctx", display.KindToday)
	h.register("ctx", display.KindMeter)
	h.advance(30*time.Second, time.Second)

	st := h.tile("ctx")
	assert.Equal(t, display.VariantRingMeter, st.Variant, "the old rotation must not draw on the context")
}

func TestConfiguredContextsRegisterAtStartup(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.settings.Contexts = []conf.ContextSettings{
		{ID: "one", Kind: "latest"},
		{ID: "two", Kind: "bogus"},
	}
	h.start()

	st, err := h.c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]display.Kind{"one": display.KindLatest}, st.Contexts)
}

func TestBrokerSettingsChangeReconnects(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start()
	first := h.sub()

	same := *h.settings
	same.Rarity = rarity.Thresholds{Epic: 0.01, Rare: 0.02, Uncommon: 0.03}
	h.c.UpdateSettings(&same)
	h.sync()
	assert.Equal(t, 1, h.subCount())

	changed := same
	changed.MQTT.Topic = "birdnet/other"
	h.c.UpdateSettings(&changed)
	h.sync()

	require.Equal(t, 2, h.subCount())
	assert.True(t, first.isDisconnected())
	assert.Equal(t, "birdnet/other", h.sub().cfg.Topic)
}

func TestThresholdChangeAppliesToNextRender(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start()
	h.register("latest", display.KindLatest)

	h.publish(`{"CommonName":"Blue Jay","occurrence":0.2}`, false)
	assert.Equal(t, rarity.Uncommon, h.tile("latest").Model.Tier)

	next := *h.settings
	next.Rarity = rarity.Thresholds{Epic: 0.25, Rare: 0.3, Uncommon: 0.4}
	h.c.UpdateSettings(&next)
	h.sync()
	assert.Equal(t, rarity.Epic, h.tile("latest").Model.Tier)
}

func TestConnectFailureRetriesWithNewSubscriber(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connectErr = errors.NewStd("no such host")
	h.settings.Contexts = []conf.ContextSettings{{ID: "latest", Kind: "latest"}}
	h.start()

	require.Eventually(t, func() bool {
		st, ok := h.board.Get("latest")
		return ok && st.Model.State == display.StateError
	}, 5*time.Second, 5*time.Millisecond)
	h.sync()

	h.advance(5*time.Second, time.Second)
	require.Equal(t, 2, h.subCount())
	h.mu.Lock()
	first := h.subs[0]
	h.mu.Unlock()
	assert.True(t, first.isDisconnected())

	h.send(mqtt.Event{Kind: mqtt.EventConnected})
	assert.Equal(t, display.StateWaiting, h.tile("latest").Model.State)
}

func TestCallsAfterStopFail(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start()
	h.stop()

	_, err := h.c.Status(context.Background())
	require.ErrorIs(t, err, ErrStopped)
	require.ErrorIs(t, h.c.Register(context.Background(), "x", display.KindLatest), ErrStopped)
}

func TestShutdownWithUnansweredConnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.pending = true
	h.start()
	h.register("latest", display.KindLatest)

	start := time.Now()
	h.stop()
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, h.sub().isDisconnected())
}
