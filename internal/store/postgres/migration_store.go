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
)

// MigrationStore implements store.MigrationStore on PostgreSQL. Every state
// change reads the row FOR UPDATE and writes it back in one transaction.
type MigrationStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ store.MigrationStore = (*MigrationStore)(nil)

// NewMigrationStore creates a migration store. A nil clock defaults to time.Now.
func NewMigrationStore(pool *pgxpool.Pool, now func() time.Time) *MigrationStore {
	if now == nil {
		now = time.Now
	}
	return &MigrationStore{pool: pool, now: now}
}

const migrationColumns = `dataset_id, state, run_id, lease_expires_at, attempts, last_error, source_row_count, source_bbox, updated_at`

// Get returns the record, or store.ErrMigrationNotFound.
func (s *MigrationStore) Get(ctx context.Context, datasetID string) (*models.MigrationRecord, error) {
	rec, err := scanMigration(s.pool.QueryRow(ctx, `SELECT `+migrationColumns+` FROM layerstore_migrations WHERE dataset_id = $1`, datasetID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrMigrationNotFound
		}
		return nil, fmt.Errorf("failed to get migration: %w", mapPostgresError(err))
	}
	return rec, nil
}

// Claim moves the record to pending under runID.
func (s *MigrationStore) Claim(ctx context.Context, datasetID, runID string, lease time.Duration) (*models.MigrationRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", mapPostgresError(err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	now := s.now().UTC()
	rec, err := scanMigration(tx.QueryRow(ctx, `SELECT `+migrationColumns+` FROM layerstore_migrations WHERE dataset_id = $1 FOR UPDATE`, datasetID))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		rec = nil
	case err != nil:
		return nil, fmt.Errorf("failed to lock migration: %w", mapPostgresError(err))
	}

	if rec != nil && rec.State == models.MigrationCommitted {
		return rec, nil
	}
	if !store.CanClaim(rec, now) {
		return nil, store.ErrMigrationInProgress
	}

	first := rec == nil
	if first {
		rec = &models.MigrationRecord{DatasetID: datasetID}
	}
	rec.State = models.MigrationPending
	rec.RunID = runID
	rec.LeaseExpiresAt = now.Add(lease)
	rec.Attempts++
	rec.LastError = ""
	rec.UpdatedAt = now

	inserted, err := writeMigration(ctx, tx, rec, !first)
	if err != nil {
		return nil, err
	}
	if first && !inserted {
		// Another run inserted the first record concurrently.
		return nil, store.ErrMigrationInProgress
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", mapPostgresError(err))
	}
	return rec, nil
}

// Transition applies a compare-and-swap on state and run id.
func (s *MigrationStore) Transition(ctx context.Context, datasetID, runID string, from, to models.MigrationState, upd store.MigrationUpdate) (*models.MigrationRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", mapPostgresError(err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	rec, err := scanMigration(tx.QueryRow(ctx, `SELECT `+migrationColumns+` FROM layerstore_migrations WHERE dataset_id = $1 FOR UPDATE`, datasetID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrMigrationNotFound
		}
		return nil, fmt.Errorf("failed to lock migration: %w", mapPostgresError(err))
	}
	if rec.State != from || rec.RunID != runID {
		return nil, store.ErrMigrationConflict
	}

	rec.State = to
	upd.Apply(rec, s.now().UTC())
	if _, err := writeMigration(ctx, tx, rec, true); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", mapPostgresError(err))
	}
	return rec, nil
}

// List returns records in state, or all records when state is empty.
func (s *MigrationStore) List(ctx context.Context, state models.MigrationState) ([]*models.MigrationRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+migrationColumns+`
		FROM layerstore_migrations
		WHERE $1 = '' OR state = $1
		ORDER BY dataset_id
	`, string(state))
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var out []*models.MigrationRecord
	for rows.Next() {
		rec, err := scanMigration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate migrations: %w", mapPostgresError(err))
	}
	return out, nil
}

// writeMigration inserts rec, replacing an existing row only when replace is
// set. It reports whether a row was written.
func writeMigration(ctx context.Context, tx pgx.Tx, rec *models.MigrationRecord, replace bool) (bool, error) {
	bbox, err := marshalBBox(rec.SourceBBox)
	if err != nil {
		return false, err
	}

	conflict := `ON CONFLICT (dataset_id) DO NOTHING`
	if replace {
		conflict = `ON CONFLICT (dataset_id) DO UPDATE SET
			state = EXCLUDED.state,
			run_id = EXCLUDED.run_id,
			lease_expires_at = EXCLUDED.lease_expires_at,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			source_row_count = EXCLUDED.source_row_count,
			source_bbox = EXCLUDED.source_bbox,
			updated_at = EXCLUDED.updated_at`
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO layerstore_migrations (`+migrationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`+conflict,
		rec.DatasetID, string(rec.State), rec.RunID, rec.LeaseExpiresAt, rec.Attempts, rec.LastError, rec.SourceRowCount, bbox, rec.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to write migration: %w", mapPostgresError(err))
	}
	return tag.RowsAffected() > 0, nil
}

func scanMigration(row pgx.Row) (*models.MigrationRecord, error) {
	var (
		rec   models.MigrationRecord
		state string
		bbox  []byte
	)
	err := row.Scan(&rec.DatasetID, &state, &rec.RunID, &rec.LeaseExpiresAt, &rec.Attempts, &rec.LastError, &rec.SourceRowCount, &bbox, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.State = models.MigrationState(state)
	if len(bbox) > 0 {
		rec.SourceBBox = &models.BBox{}
		if err := json.Unmarshal(bbox, rec.SourceBBox); err != nil {
			return nil, fmt.Errorf("failed to unmarshal source bbox: %w", err)
		}
	}
	return &rec, nil
}
