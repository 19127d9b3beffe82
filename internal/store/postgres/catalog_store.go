package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/EPajares/goat-sub003/internal/models"
	"github.com/EPajares/goat-sub003/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// CatalogStore implements store.CatalogStore on PostgreSQL. The current
// snapshot pointer and the writer lease live on the dataset row and are only
// moved by conditional UPDATE statements.
type CatalogStore struct {
	pool *pgxpool.Pool
	cfg  store.CatalogConfig
}

var _ store.CatalogStore = (*CatalogStore)(nil)

// NewCatalogStore creates a catalog on an existing pool. The caller owns the
// pool and must have applied the migrations.
func NewCatalogStore(pool *pgxpool.Pool, cfg store.CatalogConfig) *CatalogStore {
	cfg.ApplyDefaults()
	return &CatalogStore{pool: pool, cfg: cfg}
}

// EnsureNamespace records the namespace of an organization. Repeated calls are no-ops.
func (s *CatalogStore) EnsureNamespace(ctx context.Context, organizationID, schemaName string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO layerstore_namespaces (organization_id, schema_name, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (organization_id) DO NOTHING
	`, organizationID, schemaName, s.cfg.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to ensure namespace: %w", mapPostgresError(err))
	}
	return nil
}

// RegisterDataset adds a dataset with no snapshot.
func (s *CatalogStore) RegisterDataset(ctx context.Context, ds *models.Dataset) error {
	schema, err := json.Marshal(ds.Schema)
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}

	now := s.cfg.Now().UTC()
	createdAt := ds.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO layerstore_datasets (dataset_id, organization_id, schema, geometry_type, current_snapshot_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6)
	`, ds.DatasetID, ds.OrganizationID, schema, string(ds.GeometryType), createdAt, now)
	if err != nil {
		return mapPostgresError(err)
	}

	log.Debug().Str("dataset_id", ds.DatasetID).Msg("Registered dataset")
	return nil
}

// GetDataset retrieves a dataset entry.
func (s *CatalogStore) GetDataset(ctx context.Context, datasetID string) (*models.Dataset, error) {
	var (
		ds     models.Dataset
		schema []byte
		gt     string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT dataset_id, organization_id, schema, geometry_type, current_snapshot_id, created_at, updated_at
		FROM layerstore_datasets
		WHERE dataset_id = $1
	`, datasetID).Scan(&ds.DatasetID, &ds.OrganizationID, &schema, &gt, &ds.CurrentSnapshotID, &ds.CreatedAt, &ds.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrDatasetNotFound
		}
		return nil, fmt.Errorf("failed to get dataset: %w", mapPostgresError(err))
	}

	if err := json.Unmarshal(schema, &ds.Schema); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schema: %w", err)
	}
	ds.GeometryType = models.GeometryType(gt)
	return &ds, nil
}

// DropDataset removes the entry. Snapshot rows go with it.
func (s *CatalogStore) DropDataset(ctx context.Context, datasetID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM layerstore_datasets WHERE dataset_id = $1`, datasetID)
	if err != nil {
		return fmt.Errorf("failed to drop dataset: %w", mapPostgresError(err))
	}
	if tag.RowsAffected() == 0 {
		return store.ErrDatasetNotFound
	}
	return nil
}

// BeginTransaction takes the writer lease when it is free or expired.
func (s *CatalogStore) BeginTransaction(ctx context.Context, datasetID string) (*store.Txn, error) {
	now := s.cfg.Now().UTC()
	txn, err := store.NewTxn(datasetID, nil, now, s.cfg.WriterLeaseTTL)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", mapPostgresError(err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	err = tx.QueryRow(ctx, `
		UPDATE layerstore_datasets
		SET writer_txn_id = $2, writer_lease_expires_at = $3
		WHERE dataset_id = $1
		  AND (writer_txn_id IS NULL OR writer_lease_expires_at <= $4)
		RETURNING current_snapshot_id
	`, datasetID, txn.ID, txn.LeaseExpiresAt, now).Scan(&txn.BaseSnapshotID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if exists, existsErr := datasetExists(ctx, tx, datasetID); existsErr != nil {
				return nil, existsErr
			} else if !exists {
				return nil, store.ErrDatasetNotFound
			}
			return nil, store.ErrConcurrentWriter
		}
		return nil, fmt.Errorf("failed to take writer lease: %w", mapPostgresError(err))
	}

	if txn.BaseSnapshotID > 0 {
		base, err := getSnapshot(ctx, tx, datasetID, txn.BaseSnapshotID)
		if err != nil {
			return nil, err
		}
		txn.BaseFiles = base.Files
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", mapPostgresError(err))
	}

	log.Debug().Str("dataset_id", datasetID).Str("txn_id", txn.ID).Int64("base_snapshot_id", txn.BaseSnapshotID).Msg("Began write transaction")
	return txn, nil
}

// Commit advances the pointer from the base snapshot and inserts the new
// snapshot in one database transaction.
func (s *CatalogStore) Commit(ctx context.Context, txn *store.Txn, req store.CommitRequest) (*models.Snapshot, error) {
	now := s.cfg.Now().UTC()
	files := append([]models.DataFile{}, req.Files...)
	snap := models.NewSnapshot(txn.DatasetID, txn.BaseSnapshotID+1, txn.BaseSnapshotID, req.Operation, files, now)

	filesJSON, err := json.Marshal(snap.Files)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal files: %w", err)
	}
	bboxJSON, err := marshalBBox(snap.BBox)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", mapPostgresError(err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	tag, err := tx.Exec(ctx, `
		UPDATE layerstore_datasets
		SET current_snapshot_id = $3, writer_txn_id = NULL, writer_lease_expires_at = NULL, updated_at = $4
		WHERE dataset_id = $1 AND current_snapshot_id = $2 AND writer_txn_id = $5
	`, txn.DatasetID, txn.BaseSnapshotID, snap.SnapshotID, now, txn.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to advance snapshot pointer: %w", mapPostgresError(err))
	}
	if tag.RowsAffected() == 0 {
		exists, err := datasetExists(ctx, tx, txn.DatasetID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, store.ErrDatasetNotFound
		}
		return nil, store.ErrStaleTransaction
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO layerstore_snapshots (dataset_id, snapshot_id, parent_snapshot_id, operation, files, row_count, bbox, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, snap.DatasetID, snap.SnapshotID, snap.ParentSnapshotID, string(snap.Operation), filesJSON, snap.RowCount, bboxJSON, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert snapshot: %w", mapPostgresError(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit snapshot: %w", mapPostgresError(err))
	}

	log.Debug().Str("dataset_id", snap.DatasetID).Int64("snapshot_id", snap.SnapshotID).Int("files", len(snap.Files)).Msg("Committed snapshot")
	return snap, nil
}

// Abort releases the lease if txn still holds it.
func (s *CatalogStore) Abort(ctx context.Context, txn *store.Txn) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE layerstore_datasets
		SET writer_txn_id = NULL, writer_lease_expires_at = NULL
		WHERE dataset_id = $1 AND writer_txn_id = $2
	`, txn.DatasetID, txn.ID)
	if err != nil {
		return fmt.Errorf("failed to release writer lease: %w", mapPostgresError(err))
	}
	return nil
}

// CurrentSnapshot returns the latest committed snapshot.
func (s *CatalogStore) CurrentSnapshot(ctx context.Context, datasetID string) (*models.Snapshot, error) {
	var (
		currentID int64
		parentID  *int64
		operation *string
		files     []byte
		createdAt *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT d.current_snapshot_id, s.parent_snapshot_id, s.operation, s.files, s.created_at
		FROM layerstore_datasets d
		LEFT JOIN layerstore_snapshots s
		  ON s.dataset_id = d.dataset_id AND s.snapshot_id = d.current_snapshot_id
		WHERE d.dataset_id = $1
	`, datasetID).Scan(&currentID, &parentID, &operation, &files, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrDatasetNotFound
		}
		return nil, fmt.Errorf("failed to get current snapshot: %w", mapPostgresError(err))
	}

	if currentID == 0 || parentID == nil {
		return models.EmptySnapshot(datasetID), nil
	}
	return buildSnapshot(datasetID, currentID, *parentID, *operation, files, *createdAt)
}

// ListSnapshots returns the retained history, newest first.
func (s *CatalogStore) ListSnapshots(ctx context.Context, datasetID string) ([]*models.Snapshot, error) {
	exists, err := datasetExists(ctx, s.pool, datasetID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrDatasetNotFound
	}
	return listSnapshots(ctx, s.pool, datasetID)
}

// ExpireSnapshots removes history rows selected by policy. The dataset row is
// locked so a concurrent commit cannot change the current snapshot meanwhile.
func (s *CatalogStore) ExpireSnapshots(ctx context.Context, datasetID string, policy store.ExpirePolicy) ([]*models.Snapshot, error) {
	if policy.Now.IsZero() {
		policy.Now = s.cfg.Now()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", mapPostgresError(err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	var currentID int64
	err = tx.QueryRow(ctx, `
		SELECT current_snapshot_id FROM layerstore_datasets WHERE dataset_id = $1 FOR UPDATE
	`, datasetID).Scan(&currentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrDatasetNotFound
		}
		return nil, fmt.Errorf("failed to lock dataset: %w", mapPostgresError(err))
	}

	history, err := listSnapshots(ctx, tx, datasetID)
	if err != nil {
		return nil, err
	}

	expired := policy.Expired(history, currentID)
	if len(expired) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(expired))
	for i, snap := range expired {
		ids[i] = snap.SnapshotID
	}
	_, err = tx.Exec(ctx, `
		DELETE FROM layerstore_snapshots WHERE dataset_id = $1 AND snapshot_id = ANY($2)
	`, datasetID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to delete snapshots: %w", mapPostgresError(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit expiry: %w", mapPostgresError(err))
	}

	log.Debug().Str("dataset_id", datasetID).Int("expired", len(expired)).Msg("Expired snapshots")
	return expired, nil
}

// Close is a no-op; the pool belongs to the caller.
func (s *CatalogStore) Close() error {
	return nil
}

// querier is the subset of pgx shared by pools and transactions.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func datasetExists(ctx context.Context, q querier, datasetID string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM layerstore_datasets WHERE dataset_id = $1)`, datasetID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check dataset: %w", mapPostgresError(err))
	}
	return exists, nil
}

func getSnapshot(ctx context.Context, q querier, datasetID string, snapshotID int64) (*models.Snapshot, error) {
	var (
		parentID  int64
		operation string
		files     []byte
		createdAt time.Time
	)
	err := q.QueryRow(ctx, `
		SELECT parent_snapshot_id, operation, files, created_at
		FROM layerstore_snapshots
		WHERE dataset_id = $1 AND snapshot_id = $2
	`, datasetID, snapshotID).Scan(&parentID, &operation, &files, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("snapshot %d of %s missing from history: %w", snapshotID, datasetID, store.ErrStaleTransaction)
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", mapPostgresError(err))
	}
	return buildSnapshot(datasetID, snapshotID, parentID, operation, files, createdAt)
}

func listSnapshots(ctx context.Context, q querier, datasetID string) ([]*models.Snapshot, error) {
	rows, err := q.Query(ctx, `
		SELECT snapshot_id, parent_snapshot_id, operation, files, created_at
		FROM layerstore_snapshots
		WHERE dataset_id = $1
		ORDER BY snapshot_id DESC
	`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var out []*models.Snapshot
	for rows.Next() {
		var (
			snapshotID, parentID int64
			operation            string
			files                []byte
			createdAt            time.Time
		)
		if err := rows.Scan(&snapshotID, &parentID, &operation, &files, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap, err := buildSnapshot(datasetID, snapshotID, parentID, operation, files, createdAt)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate snapshots: %w", mapPostgresError(err))
	}
	return out, nil
}

func buildSnapshot(datasetID string, snapshotID, parentID int64, operation string, filesJSON []byte, createdAt time.Time) (*models.Snapshot, error) {
	files := []models.DataFile{}
	if err := json.Unmarshal(filesJSON, &files); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot files: %w", err)
	}
	return models.NewSnapshot(datasetID, snapshotID, parentID, models.WriteMode(operation), files, createdAt), nil
}

func marshalBBox(b *models.BBox) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bbox: %w", err)
	}
	return data, nil
}
