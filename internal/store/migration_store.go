package store

import (
	"context"
	"time"

	"github.com/EPajares/goat-sub003/internal/models"
)

// MigrationStore persists the per-dataset migration state machine.
type MigrationStore interface {
	// Get returns the record, or ErrMigrationNotFound.
	Get(ctx context.Context, datasetID string) (*models.MigrationRecord, error)

	// Claim moves the dataset to pending under runID. It fails with
	// ErrMigrationInProgress while another run holds an unexpired lease on an
	// in-flight record. A committed record is returned unchanged so the
	// caller can short-circuit.
	Claim(ctx context.Context, datasetID, runID string, lease time.Duration) (*models.MigrationRecord, error)

	// Transition moves the record from one state to another if it is still in
	// from and owned by runID, otherwise ErrMigrationConflict.
	Transition(ctx context.Context, datasetID, runID string, from, to models.MigrationState, upd MigrationUpdate) (*models.MigrationRecord, error)

	// List returns records in the given state; empty state lists all.
	List(ctx context.Context, state models.MigrationState) ([]*models.MigrationRecord, error)
}

// MigrationUpdate carries optional fields set along with a transition.
type MigrationUpdate struct {
	LastError      *string
	SourceRowCount *int64
	SourceBBox     *models.BBox
	// ExtendLease pushes the lease forward by this much.
	ExtendLease time.Duration
}

// Apply writes the update into rec.
func (u MigrationUpdate) Apply(rec *models.MigrationRecord, now time.Time) {
	if u.LastError != nil {
		rec.LastError = *u.LastError
	}
	if u.SourceRowCount != nil {
		rec.SourceRowCount = *u.SourceRowCount
	}
	if u.SourceBBox != nil {
		rec.SourceBBox = u.SourceBBox.Clone()
	}
	if u.ExtendLease > 0 {
		rec.LeaseExpiresAt = now.Add(u.ExtendLease)
	}
	rec.UpdatedAt = now
}

// CanClaim reports whether a new run may take over rec at now.
func CanClaim(rec *models.MigrationRecord, now time.Time) bool {
	if rec == nil {
		return true
	}
	if rec.State.InFlight() || rec.State == models.MigrationPending {
		return rec.LeaseExpiresAt.Before(now)
	}
	return true
}

// PointerStore is the adapter onto the external business metadata that says
// which backend serves a dataset.
type PointerStore interface {
	GetBackend(ctx context.Context, datasetID string) (models.StorageBackend, error)
	SetBackend(ctx context.Context, datasetID string, backend models.StorageBackend) error
}
