package store

import (
	"context"
	"time"

	"github.com/EPajares/goat-sub003/internal/models"
	"github.com/google/uuid"
)

// DefaultWriterLeaseTTL bounds how long a crashed writer can block a dataset.
const DefaultWriterLeaseTTL = 5 * time.Minute

// CatalogConfig holds settings shared by every catalog implementation.
type CatalogConfig struct {
	// WriterLeaseTTL is how long BeginTransaction holds a dataset.
	// Default: 5 minutes
	WriterLeaseTTL time.Duration

	// Now is the clock used for leases and snapshot timestamps.
	// Default: time.Now
	Now func() time.Time
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *CatalogConfig) ApplyDefaults() {
	if c.WriterLeaseTTL == 0 {
		c.WriterLeaseTTL = DefaultWriterLeaseTTL
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// CatalogStore is the transactional metadata store. It owns the current
// snapshot pointer of every dataset and moves it only with compare-and-swap.
type CatalogStore interface {
	// Dataset entries
	RegisterDataset(ctx context.Context, ds *models.Dataset) error
	GetDataset(ctx context.Context, datasetID string) (*models.Dataset, error)
	DropDataset(ctx context.Context, datasetID string) error
	EnsureNamespace(ctx context.Context, organizationID, schemaName string) error

	// Write transactions. BeginTransaction takes the single-writer lease of
	// the dataset and fails with ErrConcurrentWriter while another writer
	// holds an unexpired lease.
	BeginTransaction(ctx context.Context, datasetID string) (*Txn, error)
	// Commit atomically records a new snapshot and advances the current
	// pointer from txn.BaseSnapshotID, or fails with ErrStaleTransaction.
	Commit(ctx context.Context, txn *Txn, req CommitRequest) (*models.Snapshot, error)
	// Abort releases the lease if txn still holds it. Safe to call twice.
	Abort(ctx context.Context, txn *Txn) error

	// Snapshots. Readers never take the writer lease.
	CurrentSnapshot(ctx context.Context, datasetID string) (*models.Snapshot, error)
	ListSnapshots(ctx context.Context, datasetID string) ([]*models.Snapshot, error)
	ExpireSnapshots(ctx context.Context, datasetID string, policy ExpirePolicy) ([]*models.Snapshot, error)

	Close() error
}

// Txn is an open write transaction on one dataset.
type Txn struct {
	ID             string
	DatasetID      string
	BaseSnapshotID int64
	// BaseFiles are the files of the base snapshot, used by appends.
	BaseFiles      []models.DataFile
	StartedAt      time.Time
	LeaseExpiresAt time.Time
}

// NewTxn builds a transaction with a fresh time-ordered id.
func NewTxn(datasetID string, base *models.Snapshot, now time.Time, ttl time.Duration) (*Txn, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultWriterLeaseTTL
	}
	txn := &Txn{
		ID:             id.String(),
		DatasetID:      datasetID,
		StartedAt:      now,
		LeaseExpiresAt: now.Add(ttl),
	}
	if base != nil {
		txn.BaseSnapshotID = base.SnapshotID
		txn.BaseFiles = base.Clone().Files
	}
	return txn, nil
}

// CommitRequest carries the complete file list of the snapshot to create.
type CommitRequest struct {
	Operation models.WriteMode
	Files     []models.DataFile
}

// ExpirePolicy selects history rows that may be removed. The current snapshot
// is always kept.
type ExpirePolicy struct {
	RetainLast int
	MinAge     time.Duration
	Now        time.Time
}

// Expired returns the snapshots of history (newest first) that the policy
// removes.
func (p ExpirePolicy) Expired(history []*models.Snapshot, currentID int64) []*models.Snapshot {
	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}
	retain := max(p.RetainLast, 1)

	var out []*models.Snapshot
	for i, s := range history {
		if i < retain || s.SnapshotID == currentID {
			continue
		}
		if now.Sub(s.CreatedAt) < p.MinAge {
			continue
		}
		out = append(out, s)
	}
	return out
}
