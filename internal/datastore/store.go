// store.go: Package datastore persists the daily species snapshot so a restart during
// the day keeps today's list.
package datastore

import (
	"context"
	"time"

	"github.com/tphakala/birdnet-tiles/internal/daily"
	"github.com/tphakala/birdnet-tiles/internal/detection"
)

// DefaultPath is the SQLite file used when none is configured.
const DefaultPath = "data/birdnet-tiles.db"

// Snapshot is the persisted pipeline state.
type Snapshot struct {
	DateKey        string
	Species        []daily.SpeciesRecord
	Latest         *detection.Detection
	LatestImageURL string
	SavedAt        time.Time
}

// Interface is the persistence collaborator used by the pipeline.
type Interface interface {
	// Load returns the stored snapshot, or nil when nothing has been saved.
	Load(ctx context.Context) (*Snapshot, error)
	// Save replaces the stored snapshot.
	Save(ctx context.Context, s *Snapshot) error
	Close() error
}
