package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/EPajares/goat-sub003/internal/models"
	"github.com/EPajares/goat-sub003/internal/store"
	"github.com/rs/zerolog/log"
)

// CatalogStore implements store.CatalogStore using in-memory storage.
// This implementation is for testing and local use - data is lost on restart.
type CatalogStore struct {
	mu  sync.RWMutex
	cfg store.CatalogConfig

	namespaces map[string]string        // organization_id -> schema name
	datasets   map[string]*datasetEntry // dataset_id -> entry
}

type datasetEntry struct {
	dataset *models.Dataset
	// history holds every retained snapshot, oldest first.
	history []*models.Snapshot

	writerTxnID     string
	writerExpiresAt time.Time
}

func (e *datasetEntry) current() *models.Snapshot {
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].SnapshotID == e.dataset.CurrentSnapshotID {
			return e.history[i]
		}
	}
	return models.EmptySnapshot(e.dataset.DatasetID)
}

// NewCatalogStore creates a new in-memory catalog.
func NewCatalogStore(cfg store.CatalogConfig) *CatalogStore {
	cfg.ApplyDefaults()
	return &CatalogStore{
		cfg:        cfg,
		namespaces: make(map[string]string),
		datasets:   make(map[string]*datasetEntry),
	}
}

// EnsureNamespace records the namespace of an organization. Repeated calls are
// no-ops. A schema name owned by another organization fails with
// store.ErrNamespaceConflict.
func (s *CatalogStore) EnsureNamespace(ctx context.Context, organizationID, schemaName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.namespaces[organizationID]; exists {
		return nil
	}
	for org, name := range s.namespaces {
		if name == schemaName {
			log.Warn().Str("organization_id", organizationID).Str("owner", org).Str("schema", schemaName).Msg("Schema name already taken")
			return store.ErrNamespaceConflict
		}
	}
	s.namespaces[organizationID] = schemaName
	return nil
}

// Namespace returns the schema name registered for an organization.
func (s *CatalogStore) Namespace(organizationID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	name, ok := s.namespaces[organizationID]
	return name, ok
}

// RegisterDataset adds a dataset with no snapshot.
func (s *CatalogStore) RegisterDataset(ctx context.Context, ds *models.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.datasets[ds.DatasetID]; exists {
		return store.ErrDatasetAlreadyExists
	}

	now := s.cfg.Now()
	clone := cloneDataset(ds)
	clone.CurrentSnapshotID = 0
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	s.datasets[ds.DatasetID] = &datasetEntry{dataset: clone}

	log.Debug().Str("dataset_id", ds.DatasetID).Msg("Registered dataset")
	return nil
}

// GetDataset retrieves a dataset entry.
func (s *CatalogStore) GetDataset(ctx context.Context, datasetID string) (*models.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.datasets[datasetID]
	if !exists {
		return nil, store.ErrDatasetNotFound
	}
	return cloneDataset(e.dataset), nil
}

// DropDataset removes the entry and its snapshot history.
func (s *CatalogStore) DropDataset(ctx context.Context, datasetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.datasets[datasetID]; !exists {
		return store.ErrDatasetNotFound
	}
	delete(s.datasets, datasetID)
	return nil
}

// BeginTransaction takes the writer lease of the dataset.
func (s *CatalogStore) BeginTransaction(ctx context.Context, datasetID string) (*store.Txn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.datasets[datasetID]
	if !exists {
		return nil, store.ErrDatasetNotFound
	}

	now := s.cfg.Now()
	if e.writerTxnID != "" && now.Before(e.writerExpiresAt) {
		return nil, store.ErrConcurrentWriter
	}

	txn, err := store.NewTxn(datasetID, e.current(), now, s.cfg.WriterLeaseTTL)
	if err != nil {
		return nil, err
	}
	e.writerTxnID = txn.ID
	e.writerExpiresAt = txn.LeaseExpiresAt
	return txn, nil
}

// Commit records the snapshot if the pointer and the lease are unchanged.
func (s *CatalogStore) Commit(ctx context.Context, txn *store.Txn, req store.CommitRequest) (*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.datasets[txn.DatasetID]
	if !exists {
		return nil, store.ErrDatasetNotFound
	}
	if e.dataset.CurrentSnapshotID != txn.BaseSnapshotID || e.writerTxnID != txn.ID {
		return nil, store.ErrStaleTransaction
	}

	now := s.cfg.Now()
	files := append([]models.DataFile{}, req.Files...)
	snap := models.NewSnapshot(txn.DatasetID, txn.BaseSnapshotID+1, txn.BaseSnapshotID, req.Operation, files, now)

	e.history = append(e.history, snap.Clone())
	e.dataset.CurrentSnapshotID = snap.SnapshotID
	e.dataset.UpdatedAt = now
	e.writerTxnID = ""
	e.writerExpiresAt = time.Time{}

	return snap, nil
}

// Abort releases the lease if txn still holds it.
func (s *CatalogStore) Abort(ctx context.Context, txn *store.Txn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.datasets[txn.DatasetID]
	if !exists {
		return nil
	}
	if e.writerTxnID == txn.ID {
		e.writerTxnID = ""
		e.writerExpiresAt = time.Time{}
	}
	return nil
}

// CurrentSnapshot returns the latest committed snapshot.
func (s *CatalogStore) CurrentSnapshot(ctx context.Context, datasetID string) (*models.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.datasets[datasetID]
	if !exists {
		return nil, store.ErrDatasetNotFound
	}
	return e.current().Clone(), nil
}

// ListSnapshots returns the retained history, newest first.
func (s *CatalogStore) ListSnapshots(ctx context.Context, datasetID string) ([]*models.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.datasets[datasetID]
	if !exists {
		return nil, store.ErrDatasetNotFound
	}
	return newestFirst(e.history), nil
}

// ExpireSnapshots removes history rows selected by policy.
func (s *CatalogStore) ExpireSnapshots(ctx context.Context, datasetID string, policy store.ExpirePolicy) ([]*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.datasets[datasetID]
	if !exists {
		return nil, store.ErrDatasetNotFound
	}
	if policy.Now.IsZero() {
		policy.Now = s.cfg.Now()
	}

	expired := policy.Expired(newestFirst(e.history), e.dataset.CurrentSnapshotID)
	if len(expired) == 0 {
		return nil, nil
	}

	drop := make(map[int64]struct{}, len(expired))
	for _, snap := range expired {
		drop[snap.SnapshotID] = struct{}{}
	}
	e.history = slices.DeleteFunc(e.history, func(snap *models.Snapshot) bool {
		_, ok := drop[snap.SnapshotID]
		return ok
	})
	return expired, nil
}

// Close is a no-op.
func (s *CatalogStore) Close() error {
	return nil
}

func newestFirst(history []*models.Snapshot) []*models.Snapshot {
	out := make([]*models.Snapshot, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		out = append(out, history[i].Clone())
	}
	return out
}

func cloneDataset(ds *models.Dataset) *models.Dataset {
	clone := *ds
	clone.Schema = slices.Clone(ds.Schema)
	return &clone
}
