package store

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions
var (
	ErrDatasetNotFound      = errors.New("dataset not found")
	ErrDatasetAlreadyExists = errors.New("dataset already exists")
	ErrStaleTransaction     = errors.New("stale transaction")
	ErrStorageIO            = errors.New("storage I/O failure")
	ErrMigrationInProgress  = errors.New("migration in progress")
	ErrMigrationNotFound    = errors.New("migration record not found")
	ErrMigrationConflict    = errors.New("migration state changed concurrently")
	ErrThrottled            = errors.New("AWS request throttled")
	// ErrNamespaceConflict is returned when another organization already owns
	// the schema name.
	ErrNamespaceConflict = errors.New("namespace belongs to another organization")

	// ErrConcurrentWriter is returned when another writer holds the dataset.
	// It matches ErrStaleTransaction through errors.Is, so callers can treat
	// "lost the race at begin" and "lost the race at commit" alike.
	ErrConcurrentWriter = fmt.Errorf("concurrent writer: %w", ErrStaleTransaction)
)

// IOError wraps err as a storage I/O failure while keeping the cause
// inspectable.
func IOError(msg string, err error) error {
	return fmt.Errorf("%s: %w: %w", msg, ErrStorageIO, err)
}
