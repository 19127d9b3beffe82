package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/EPajares/goat-sub003/internal/models"
	"github.com/EPajares/goat-sub003/internal/store"
)

// MigrationStore implements store.MigrationStore using in-memory storage.
type MigrationStore struct {
	mu      sync.RWMutex
	now     func() time.Time
	records map[string]*models.MigrationRecord // dataset_id -> record
}

// NewMigrationStore creates a new in-memory migration store. A nil clock
// defaults to time.Now.
func NewMigrationStore(now func() time.Time) *MigrationStore {
	if now == nil {
		now = time.Now
	}
	return &MigrationStore{
		now:     now,
		records: make(map[string]*models.MigrationRecord),
	}
}

// Get returns a copy of the record.
func (s *MigrationStore) Get(ctx context.Context, datasetID string) (*models.MigrationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[datasetID]
	if !exists {
		return nil, store.ErrMigrationNotFound
	}
	return cloneRecord(rec), nil
}

// Claim moves the record to pending under runID.
func (s *MigrationStore) Claim(ctx context.Context, datasetID, runID string, lease time.Duration) (*models.MigrationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := s.records[datasetID]
	if rec != nil && rec.State == models.MigrationCommitted {
		return cloneRecord(rec), nil
	}
	if !store.CanClaim(rec, now) {
		return nil, store.ErrMigrationInProgress
	}

	if rec == nil {
		rec = &models.MigrationRecord{DatasetID: datasetID}
		s.records[datasetID] = rec
	}
	rec.State = models.MigrationPending
	rec.RunID = runID
	rec.LeaseExpiresAt = now.Add(lease)
	rec.Attempts++
	rec.LastError = ""
	rec.UpdatedAt = now

	return cloneRecord(rec), nil
}

// Transition applies a compare-and-swap on state and run id.
func (s *MigrationStore) Transition(ctx context.Context, datasetID, runID string, from, to models.MigrationState, upd store.MigrationUpdate) (*models.MigrationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[datasetID]
	if !exists {
		return nil, store.ErrMigrationNotFound
	}
	if rec.State != from || rec.RunID != runID {
		return nil, store.ErrMigrationConflict
	}

	rec.State = to
	upd.Apply(rec, s.now())
	return cloneRecord(rec), nil
}

// List returns records in state, or all records when state is empty.
func (s *MigrationStore) List(ctx context.Context, state models.MigrationState) ([]*models.MigrationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.MigrationRecord
	for _, rec := range s.records {
		if state == "" || rec.State == state {
			out = append(out, cloneRecord(rec))
		}
	}
	slices.SortFunc(out, func(a, b *models.MigrationRecord) int {
		return strings.Compare(a.DatasetID, b.DatasetID)
	})
	return out, nil
}

func cloneRecord(rec *models.MigrationRecord) *models.MigrationRecord {
	clone := *rec
	clone.SourceBBox = rec.SourceBBox.Clone()
	return &clone
}

// PointerStore implements store.PointerStore using in-memory storage.
// Datasets that were never set report the legacy backend.
type PointerStore struct {
	mu       sync.RWMutex
	backends map[string]models.StorageBackend

	// FailSet makes SetBackend fail for the given dataset ids.
	FailSet map[string]error
}

// NewPointerStore creates a new in-memory pointer store.
func NewPointerStore() *PointerStore {
	return &PointerStore{
		backends: make(map[string]models.StorageBackend),
		FailSet:  make(map[string]error),
	}
}

// GetBackend returns the backend serving a dataset.
func (s *PointerStore) GetBackend(ctx context.Context, datasetID string) (models.StorageBackend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if b, ok := s.backends[datasetID]; ok {
		return b, nil
	}
	return models.BackendLegacy, nil
}

// SetBackend records the backend serving a dataset.
func (s *PointerStore) SetBackend(ctx context.Context, datasetID string, backend models.StorageBackend) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.FailSet[datasetID]; ok {
		return err
	}
	s.backends[datasetID] = backend
	return nil
}
