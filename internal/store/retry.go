package store

import (
	"context"
	"errors"
	"time"

	"github.com/EPajares/goat-sub003/internal/models"
	"github.com/EPajares/goat-sub003/internal/telemetry"
	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RetryConfig configures exponential backoff for storage operations.
type RetryConfig struct {
	// MaxTries is the total number of attempts per operation.
	// Default: 4
	MaxTries uint

	// InitialInterval is the first retry delay.
	// Default: 100ms
	InitialInterval time.Duration

	// MaxInterval caps the delay between retries.
	// Default: 2s
	MaxInterval time.Duration

	// Multiplier grows the delay after every failure.
	// Default: 2.0
	Multiplier float64
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *RetryConfig) ApplyDefaults() {
	if c.MaxTries == 0 {
		c.MaxTries = 4
	}
	if c.InitialInterval == 0 {
		c.InitialInterval = 100 * time.Millisecond
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = 2 * time.Second
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2.0
	}
}

// NewBackOff returns the exponential backoff described by c.
func (c RetryConfig) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	b.Multiplier = c.Multiplier
	return b
}

type retryingCatalog struct {
	CatalogStore
	cfg RetryConfig
}

// RetryingCatalog wraps catalog so reads, Abort and EnsureNamespace are
// retried on ErrStorageIO. Every other error is returned at once. Writes
// whose outcome is unknown after a failure (RegisterDataset,
// BeginTransaction, Commit, DropDataset, ExpireSnapshots) are never retried.
func RetryingCatalog(catalog CatalogStore, cfg RetryConfig) CatalogStore {
	cfg.ApplyDefaults()
	return &retryingCatalog{CatalogStore: catalog, cfg: cfg}
}

func (r *retryingCatalog) GetDataset(ctx context.Context, datasetID string) (*models.Dataset, error) {
	return retryCatalog(ctx, r.cfg, "get dataset", datasetID, func() (*models.Dataset, error) {
		return r.CatalogStore.GetDataset(ctx, datasetID)
	})
}

func (r *retryingCatalog) CurrentSnapshot(ctx context.Context, datasetID string) (*models.Snapshot, error) {
	return retryCatalog(ctx, r.cfg, "current snapshot", datasetID, func() (*models.Snapshot, error) {
		return r.CatalogStore.CurrentSnapshot(ctx, datasetID)
	})
}

func (r *retryingCatalog) ListSnapshots(ctx context.Context, datasetID string) ([]*models.Snapshot, error) {
	return retryCatalog(ctx, r.cfg, "list snapshots", datasetID, func() ([]*models.Snapshot, error) {
		return r.CatalogStore.ListSnapshots(ctx, datasetID)
	})
}

func (r *retryingCatalog) EnsureNamespace(ctx context.Context, organizationID, schemaName string) error {
	_, err := retryCatalog(ctx, r.cfg, "ensure namespace", organizationID, func() (struct{}, error) {
		return struct{}{}, r.CatalogStore.EnsureNamespace(ctx, organizationID, schemaName)
	})
	return err
}

func (r *retryingCatalog) Abort(ctx context.Context, txn *Txn) error {
	_, err := retryCatalog(ctx, r.cfg, "abort", txn.DatasetID, func() (struct{}, error) {
		return struct{}{}, r.CatalogStore.Abort(ctx, txn)
	})
	return err
}

func retryCatalog[T any](ctx context.Context, cfg RetryConfig, op, datasetID string, fn func() (T, error)) (T, error) {
	result, err := backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && !errors.Is(err, ErrStorageIO) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(cfg.NewBackOff()),
		backoff.WithMaxTries(cfg.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Str("op", op).Str("dataset_id", datasetID).Dur("next_retry", next).Msg("Catalog operation failed, will retry")
			telemetry.GetMetrics().CatalogRetriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
		}),
	)
	// The final attempt returns its error unstripped.
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	return result, err
}
