package datastore

import "time"

// snapshotRow holds the single-row snapshot header.
type snapshotRow struct {
	ID                  uint   `gorm:"primaryKey"`
	DateKey             string `gorm:"size:10"`
	LatestName          string
	LatestConfidence    *float64
	LatestOccurrence    *float64
	LatestImageURL      string
	LatestDetectionDate string `gorm:"size:10"`
	LatestReceivedAt    time.Time
	ImageURL            string
	SavedAt             time.Time
}

func (snapshotRow) TableName() string { return "snapshots" }

// speciesRow is one species of the snapshot's day.
type speciesRow struct {
	ID         uint   `gorm:"primaryKey"`
	DateKey    string `gorm:"size:10;index:idx_species_date_name,unique"`
	Name       string `gorm:"index:idx_species_date_name,unique"`
	Occurrence *float64
	Confidence *float64
	LastSeen   time.Time
}

func (speciesRow) TableName() string { return "species_records" }

// snapshotID is the primary key of the only snapshot row.
const snapshotID = 1
