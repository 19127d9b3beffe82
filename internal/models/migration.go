package models

import "time"

// MigrationState is the state of one dataset's move from legacy storage.
type MigrationState string

const (
	MigrationPending   MigrationState = "pending"
	MigrationReading   MigrationState = "reading"
	MigrationWriting   MigrationState = "writing"
	MigrationVerifying MigrationState = "verifying"
	MigrationCommitted MigrationState = "committed"
	MigrationFailed    MigrationState = "failed"
)

// Terminal reports whether no further transition happens without an explicit
// retry. Only committed is final; failed may be retried from pending.
func (s MigrationState) Terminal() bool {
	return s == MigrationCommitted
}

// InFlight reports whether a run is working on the dataset in this state.
func (s MigrationState) InFlight() bool {
	switch s {
	case MigrationReading, MigrationWriting, MigrationVerifying:
		return true
	}
	return false
}

// MigrationRecord tracks a dataset through the migration state machine.
type MigrationRecord struct {
	DatasetID      string
	State          MigrationState
	RunID          string
	LeaseExpiresAt time.Time
	Attempts       int
	LastError      string
	SourceRowCount int64
	SourceBBox     *BBox
	UpdatedAt      time.Time
}
