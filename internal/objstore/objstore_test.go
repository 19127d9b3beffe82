package objstore

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/EPajares/goat-sub003/internal/store"
	"github.com/stretchr/testify/require"
)

func testBucket(t *testing.T, b Bucket) {
	ctx := context.Background()

	require.NoError(t, b.EnsurePrefix(ctx, "user_data_org/t_d1/"))
	require.NoError(t, b.Put(ctx, "user_data_org/t_d1/data/a.parquet", []byte("aaa")))
	require.NoError(t, b.Put(ctx, "user_data_org/t_d1/data/b.parquet", []byte("bb")))
	require.NoError(t, b.Put(ctx, "user_data_org/t_d2/data/c.parquet", []byte("c")))

	data, err := b.Get(ctx, "user_data_org/t_d1/data/a.parquet")
	require.NoError(t, err)
	require.Equal(t, []byte("aaa"), data)

	_, err = b.Get(ctx, "user_data_org/t_d1/data/missing.parquet")
	require.ErrorIs(t, err, ErrObjectNotFound)

	objects, err := b.List(ctx, "user_data_org/t_d1/")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	require.Equal(t, "user_data_org/t_d1/data/a.parquet", objects[0].Key)
	require.Equal(t, int64(3), objects[0].Size)

	// Overwrite replaces the object.
	require.NoError(t, b.Put(ctx, "user_data_org/t_d1/data/a.parquet", []byte("new")))
	data, err = b.Get(ctx, "user_data_org/t_d1/data/a.parquet")
	require.NoError(t, err)
	require.Equal(t, []byte("new"), data)

	require.NoError(t, b.Delete(ctx, "user_data_org/t_d1/data/a.parquet"))
	require.NoError(t, b.Delete(ctx, "user_data_org/t_d1/data/a.parquet"), "deleting a missing key is fine")

	objects, err = b.List(ctx, "user_data_org/t_d1/")
	require.NoError(t, err)
	require.Len(t, objects, 1)

	require.ErrorIs(t, b.Put(ctx, "../escape", []byte("x")), ErrInvalidKey)
}

func TestFSBucket(t *testing.T) {
	b, err := NewFSBucket(t.TempDir())
	require.NoError(t, err)
	testBucket(t, b)
}

func TestMemoryBucket(t *testing.T) {
	b := NewMemoryBucket()
	testBucket(t, b)

	require.Equal(t, 2, b.Gets("user_data_org/t_d1/data/a.parquet"))
	b.ResetCounters()
	require.Zero(t, b.TotalGets())
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxTries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestRetrying(t *testing.T) {
	ctx := context.Background()

	t.Run("transient failures are retried", func(t *testing.T) {
		mem := NewMemoryBucket()
		var calls atomic.Int32
		mem.FailPut = func(key string) error {
			if calls.Add(1) < 3 {
				return errors.New("connection reset")
			}
			return nil
		}

		b := Retrying(mem, fastRetry())
		require.NoError(t, b.Put(ctx, "k", []byte("v")))
		require.Equal(t, int32(3), calls.Load())
	})

	t.Run("exhausted retries surface a storage error", func(t *testing.T) {
		mem := NewMemoryBucket()
		var calls atomic.Int32
		mem.FailGet = func(key string) error {
			calls.Add(1)
			return errors.New("503 slow down")
		}

		b := Retrying(mem, fastRetry())
		_, err := b.Get(ctx, "k")
		require.ErrorIs(t, err, store.ErrStorageIO)
		require.Equal(t, int32(3), calls.Load())
	})

	t.Run("not found is not retried", func(t *testing.T) {
		mem := NewMemoryBucket()
		b := Retrying(mem, fastRetry())

		_, err := b.Get(ctx, "missing")
		require.ErrorIs(t, err, ErrObjectNotFound)
		require.NotErrorIs(t, err, store.ErrStorageIO)
		require.Equal(t, 1, mem.Gets("missing"))
	})
}
