package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/EPajares/goat-sub003/internal/models"
	"github.com/EPajares/goat-sub003/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultPointerTable is the business metadata table holding the backend
// marker of every layer.
const DefaultPointerTable = "customer.layer"

// PointerStore implements store.PointerStore against the external layer
// table. Rows are matched on their id column compared as text; a NULL
// storage_backend means the dataset still lives in legacy storage.
type PointerStore struct {
	pool  *pgxpool.Pool
	table string
}

var _ store.PointerStore = (*PointerStore)(nil)

// NewPointerStore creates a pointer store on table, written as
// "schema.table" or "table". Empty defaults to DefaultPointerTable.
func NewPointerStore(pool *pgxpool.Pool, table string) *PointerStore {
	if table == "" {
		table = DefaultPointerTable
	}
	return &PointerStore{
		pool:  pool,
		table: pgx.Identifier(strings.Split(table, ".")).Sanitize(),
	}
}

// GetBackend returns the backend serving a dataset.
func (s *PointerStore) GetBackend(ctx context.Context, datasetID string) (models.StorageBackend, error) {
	var backend *string
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT storage_backend FROM %s WHERE id::text = $1`, s.table), datasetID).Scan(&backend)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", store.ErrDatasetNotFound
		}
		return "", fmt.Errorf("failed to get storage backend: %w", mapPostgresError(err))
	}
	if backend == nil || *backend == "" {
		return models.BackendLegacy, nil
	}
	return models.StorageBackend(*backend), nil
}

// SetBackend records the backend serving a dataset.
func (s *PointerStore) SetBackend(ctx context.Context, datasetID string, backend models.StorageBackend) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET storage_backend = $2 WHERE id::text = $1`, s.table), datasetID, string(backend))
	if err != nil {
		return fmt.Errorf("failed to set storage backend: %w", mapPostgresError(err))
	}
	if tag.RowsAffected() == 0 {
		return store.ErrDatasetNotFound
	}
	return nil
}
