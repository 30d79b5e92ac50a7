package datastore

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdnet-tiles/internal/daily"
	"github.com/tphakala/birdnet-tiles/internal/detection"
	"github.com/tphakala/birdnet-tiles/internal/logger"
	"github.com/tphakala/birdnet-tiles/internal/observability/metrics"
)

func ptr(v float64) *float64 { return &v }

func openTestStore(t *testing.T, opts ...Option) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "tiles.db")
	log := logger.NewConsoleLogger(io.Discard, logger.LogLevelError).Module("datastore")
	s, err := OpenSQLite(path, append([]Option{WithLogger(log)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLoadEmpty(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	snap, err := s.Load(t.Context())
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestSaveAndLoad(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	seen := time.Date(2026, 5, 1, 7, 30, 0, 0, time.UTC)

	in := &Snapshot{
		DateKey: "2026-05-01",
		Species: []daily.SpeciesRecord{
			{Name: "Wren", Occurrence: ptr(0.4), Confidence: ptr(0.8), LastSeen: seen},
			{Name: "Blue Jay", Occurrence: ptr(0.03), LastSeen: seen},
			{Name: "Robin", LastSeen: seen},
		},
		Latest: &detection.Detection{
			Name:          "Wren",
			Confidence:    ptr(0.8),
			ImageURL:      "https://img.example/wren.jpg",
			DetectionDate: "2026-05-01",
			ReceivedAt:    seen,
		},
		LatestImageURL: "https://img.example/wren.jpg",
		SavedAt:        seen,
	}
	require.NoError(t, s.Save(t.Context(), in))

	out, err := s.Load(t.Context())
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "2026-05-01", out.DateKey)
	require.Len(t, out.Species, 3)
	assert.Equal(t, "Blue Jay", out.Species[0].Name, "ordered by name")
	assert.InDelta(t, 0.03, *out.Species[0].Occurrence, 1e-9)
	assert.Nil(t, out.Species[0].Confidence)
	assert.Nil(t, out.Species[1].Occurrence)
	require.NotNil(t, out.Latest)
	assert.Equal(t, "Wren", out.Latest.Name)
	assert.Equal(t, "https://img.example/wren.jpg", out.LatestImageURL)
	assert.True(t, out.Latest.ReceivedAt.Equal(seen))
}

func TestSaveReplacesPreviousDay(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	require.NoError(t, s.Save(t.Context(), &Snapshot{
		DateKey: "2026-05-01",
		Species: []daily.SpeciesRecord{{Name: "Wren"}, {Name: "Robin"}},
	}))
	require.NoError(t, s.Save(t.Context(), &Snapshot{
		DateKey: "2026-05-02",
		Species: []daily.SpeciesRecord{{Name: "Blue Jay"}},
	}))

	out, err := s.Load(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "2026-05-02", out.DateKey)
	require.Len(t, out.Species, 1)
	assert.Equal(t, "Blue Jay", out.Species[0].Name)
	assert.Nil(t, out.Latest)

	var count int64
	require.NoError(t, s.db.Model(&speciesRow{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestSaveNil(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	assert.Error(t, s.Save(t.Context(), nil))
}

func TestSnapshotSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tiles.db")
	log := logger.NewConsoleLogger(io.Discard, logger.LogLevelError).Module("datastore")

	s, err := OpenSQLite(path, WithLogger(log))
	require.NoError(t, err)
	require.NoError(t, s.Save(t.Context(), &Snapshot{DateKey: "2026-05-01", Species: []daily.SpeciesRecord{{Name: "Wren"}}}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path, WithLogger(log))
	require.NoError(t, err)
	defer s.Close()
	out, err := s.Load(t.Context())
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Len(t, out.Species, 1)
}

func TestSaveRecordsMetrics(t *testing.T) {
	t.Parallel()
	m, err := metrics.NewPipelineMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	s := openTestStore(t, WithMetrics(m))

	require.NoError(t, s.Save(t.Context(), &Snapshot{DateKey: "2026-05-01"}))
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.Saves.WithLabelValues("success")), 0)
}
