package objstore

import (
	"context"
	"errors"
	"time"

	"github.com/EPajares/goat-sub003/internal/store"
	"github.com/EPajares/goat-sub003/internal/telemetry"
	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RetryConfig configures exponential backoff for object operations.
type RetryConfig = store.RetryConfig

type retryingBucket struct {
	next Bucket
	cfg  RetryConfig
}

// Retrying wraps bucket so transient failures are retried with exponential
// backoff. Once the attempts are used up the error is wrapped in
// store.ErrStorageIO. ErrObjectNotFound and ErrInvalidKey are returned at once.
func Retrying(bucket Bucket, cfg RetryConfig) Bucket {
	cfg.ApplyDefaults()
	return &retryingBucket{next: bucket, cfg: cfg}
}

func (r *retryingBucket) Put(ctx context.Context, key string, data []byte) error {
	_, err := retry(ctx, r.cfg, "put", key, func() (struct{}, error) {
		return struct{}{}, r.next.Put(ctx, key, data)
	})
	return err
}

func (r *retryingBucket) Get(ctx context.Context, key string) ([]byte, error) {
	return retry(ctx, r.cfg, "get", key, func() ([]byte, error) {
		return r.next.Get(ctx, key)
	})
}

func (r *retryingBucket) Delete(ctx context.Context, key string) error {
	_, err := retry(ctx, r.cfg, "delete", key, func() (struct{}, error) {
		return struct{}{}, r.next.Delete(ctx, key)
	})
	return err
}

func (r *retryingBucket) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	return retry(ctx, r.cfg, "list", prefix, func() ([]ObjectInfo, error) {
		return r.next.List(ctx, prefix)
	})
}

func (r *retryingBucket) EnsurePrefix(ctx context.Context, prefix string) error {
	_, err := retry(ctx, r.cfg, "ensure prefix", prefix, func() (struct{}, error) {
		return struct{}{}, r.next.EnsurePrefix(ctx, prefix)
	})
	return err
}

func retry[T any](ctx context.Context, cfg RetryConfig, op, key string, fn func() (T, error)) (T, error) {
	result, err := backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && (errors.Is(err, ErrObjectNotFound) || errors.Is(err, ErrInvalidKey)) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(cfg.NewBackOff()),
		backoff.WithMaxTries(cfg.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Str("op", op).Str("key", key).Dur("next_retry", next).Msg("Object storage operation failed, will retry")
			telemetry.GetMetrics().ObjectRetriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
		}),
	)
	if err == nil {
		return result, nil
	}
	if errors.Is(err, ErrObjectNotFound) || errors.Is(err, ErrInvalidKey) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return result, err
	}
	return result, store.IOError("object storage "+op+" "+key, err)
}
