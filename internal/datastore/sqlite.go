// sqlite.go: SQLite snapshot store backed by GORM
package datastore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tphakala/birdnet-tiles/internal/daily"
	"github.com/tphakala/birdnet-tiles/internal/detection"
	"github.com/tphakala/birdnet-tiles/internal/errors"
	"github.com/tphakala/birdnet-tiles/internal/logger"
	"github.com/tphakala/birdnet-tiles/internal/observability/metrics"
)

// slowQueryThreshold is when GORM queries are logged as slow.
const slowQueryThreshold = 200 * time.Millisecond

// SQLiteStore implements Interface on a SQLite file through GORM.
type SQLiteStore struct {
	db      *gorm.DB
	path    string
	log     logger.Logger
	metrics *metrics.PipelineMetrics
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithLogger sets the store's logger.
func WithLogger(l logger.Logger) Option {
	return func(s *SQLiteStore) { s.log = l }
}

// WithMetrics records save outcomes.
func WithMetrics(m *metrics.PipelineMetrics) Option {
	return func(s *SQLiteStore) { s.metrics = m }
}

// OpenSQLite opens (creating if needed) the database at path and migrates
// the schema. ":memory:" opens an in-memory database.
func OpenSQLite(path string, opts ...Option) (*SQLiteStore, error) {
	if path == "" {
		path = DefaultPath
	}
	s := &SQLiteStore{path: path}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Global().Module("datastore")
	}

	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, errors.New(err).
				Component("datastore").
				Category(errors.CategoryFileIO).
				Context("path", path).
				Build()
		}
		dsn = fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.NewGormLoggerAdapter(s.log, slowQueryThreshold),
	})
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to open SQLite database: %w", err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("path", path).
			Build()
	}
	if err := db.AutoMigrate(&snapshotRow{}, &speciesRow{}); err != nil {
		return nil, errors.New(fmt.Errorf("failed to auto-migrate SQLite database: %w", err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Build()
	}
	s.db = db

	s.log.Debug("snapshot store opened", logger.String("path", path))
	return s, nil
}

// Path returns the database location.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Load returns the stored snapshot, or nil when nothing has been saved.
func (s *SQLiteStore) Load(ctx context.Context) (*Snapshot, error) {
	var head snapshotRow
	err := s.db.WithContext(ctx).First(&head, snapshotID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError(err, "load_snapshot")
	}

	var rows []speciesRow
	if err := s.db.WithContext(ctx).
		Where("date_key = ?", head.DateKey).
		Order("name").
		Find(&rows).Error; err != nil {
		return nil, dbError(err, "load_species")
	}

	snap := &Snapshot{
		DateKey:        head.DateKey,
		Species:        make([]daily.SpeciesRecord, 0, len(rows)),
		LatestImageURL: head.ImageURL,
		SavedAt:        head.SavedAt,
	}
	for _, r := range rows {
		snap.Species = append(snap.Species, daily.SpeciesRecord{
			Name:       r.Name,
			Occurrence: r.Occurrence,
			Confidence: r.Confidence,
			LastSeen:   r.LastSeen,
		})
	}
	if head.LatestName != "" {
		snap.Latest = &detection.Detection{
			Name:          head.LatestName,
			Confidence:    head.LatestConfidence,
			Occurrence:    head.LatestOccurrence,
			ImageURL:      head.LatestImageURL,
			DetectionDate: head.LatestDetectionDate,
			ReceivedAt:    head.LatestReceivedAt,
		}
	}
	return snap, nil
}

// Save replaces the stored snapshot in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) (err error) {
	if snap == nil {
		return errors.Newf("snapshot is nil").
			Component("datastore").
			Category(errors.CategoryValidation).
			Build()
	}
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordSave(err, time.Since(start).Seconds())
		}
	}()

	head := snapshotRow{
		ID:       snapshotID,
		DateKey:  snap.DateKey,
		ImageURL: snap.LatestImageURL,
		SavedAt:  snap.SavedAt,
	}
	if head.SavedAt.IsZero() {
		head.SavedAt = time.Now()
	}
	if d := snap.Latest; d != nil {
		head.LatestName = d.Name
		head.LatestConfidence = d.Confidence
		head.LatestOccurrence = d.Occurrence
		head.LatestImageURL = d.ImageURL
		head.LatestDetectionDate = d.DetectionDate
		head.LatestReceivedAt = d.ReceivedAt
	}

	rows := make([]speciesRow, 0, len(snap.Species))
	for _, r := range snap.Species {
		rows = append(rows, speciesRow{
			DateKey:    snap.DateKey,
			Name:       r.Name,
			Occurrence: r.Occurrence,
			Confidence: r.Confidence,
			LastSeen:   r.LastSeen,
		})
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&head).Error; err != nil {
			return err
		}
		if err := tx.Where("1 = 1").Delete(&speciesRow{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, 100).Error
	})
	if err != nil {
		return dbError(err, "save_snapshot")
	}

	s.log.Debug("snapshot saved",
		logger.String("date", snap.DateKey),
		logger.Int("species", len(rows)),
		logger.Duration("duration", time.Since(start)))
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return dbError(err, "close")
	}
	return sqlDB.Close()
}

func dbError(err error, op string) error {
	return errors.New(err).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Context("operation", op).
		Build()
}
