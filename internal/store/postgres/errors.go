package postgres

import (
	"errors"
	"fmt"

	"github.com/EPajares/goat-sub003/internal/store"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// mapPostgresError maps PostgreSQL-specific errors to sentinel errors.
// Returns the original error if it's not a PostgreSQL error or doesn't match known patterns.
func mapPostgresError(err error) error {
	if err == nil {
		return nil
	}

	// Check if it's a PostgreSQL error
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	// Map error codes to sentinel errors
	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		if pgErr.ConstraintName == "layerstore_datasets_pkey" {
			return store.ErrDatasetAlreadyExists
		}
		if pgErr.ConstraintName == "layerstore_namespaces_schema_name_key" {
			return store.ErrNamespaceConflict
		}
		if pgErr.ConstraintName == "layerstore_snapshots_pkey" {
			// Another commit already produced this snapshot id.
			return store.ErrStaleTransaction
		}
		return fmt.Errorf("unique constraint violation: %s: %w", pgErr.ConstraintName, err)

	case pgerrcode.ForeignKeyViolation:
		// Snapshot inserted for a dataset dropped mid-commit
		return fmt.Errorf("%w: %s", store.ErrDatasetNotFound, pgErr.Detail)

	case pgerrcode.CheckViolation:
		return fmt.Errorf("check constraint violation: %s: %w", pgErr.ConstraintName, err)

	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
		// A concurrent transaction won
		return fmt.Errorf("transaction conflict: %w", store.ErrStaleTransaction)

	case pgerrcode.ConnectionException,
		pgerrcode.ConnectionDoesNotExist,
		pgerrcode.ConnectionFailure,
		pgerrcode.CannotConnectNow,
		pgerrcode.SQLClientUnableToEstablishSQLConnection:
		return store.IOError("database connection error", err)

	case pgerrcode.AdminShutdown,
		pgerrcode.CrashShutdown:
		return store.IOError("database server unavailable", err)

	case pgerrcode.QueryCanceled:
		// Context cancellation or timeout
		return fmt.Errorf("query canceled: %w", err)

	case pgerrcode.InsufficientResources,
		pgerrcode.DiskFull,
		pgerrcode.OutOfMemory,
		pgerrcode.TooManyConnections:
		return store.IOError("database resource limit", err)

	default:
		// Unknown error - wrap with PostgreSQL error details
		return fmt.Errorf("postgres error [%s]: %s (detail: %s, hint: %s): %w",
			pgErr.Code, pgErr.Message, pgErr.Detail, pgErr.Hint, err)
	}
}
