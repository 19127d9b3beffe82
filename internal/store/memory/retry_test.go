package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/EPajares/goat-sub003/internal/models"
	"github.com/EPajares/goat-sub003/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUnavailable = errors.New("connection reset")

// flakyCatalog fails the first failures[op] calls of op with ErrStorageIO.
type flakyCatalog struct {
	store.CatalogStore

	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
}

func newFlakyCatalog(next store.CatalogStore, failures map[string]int) *flakyCatalog {
	return &flakyCatalog{CatalogStore: next, failures: failures, calls: map[string]int{}}
}

func (f *flakyCatalog) fail(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if f.failures[op] > 0 {
		f.failures[op]--
		return store.IOError(op, errUnavailable)
	}
	return nil
}

func (f *flakyCatalog) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *flakyCatalog) GetDataset(ctx context.Context, datasetID string) (*models.Dataset, error) {
	if err := f.fail("get"); err != nil {
		return nil, err
	}
	return f.CatalogStore.GetDataset(ctx, datasetID)
}

func (f *flakyCatalog) CurrentSnapshot(ctx context.Context, datasetID string) (*models.Snapshot, error) {
	if err := f.fail("current"); err != nil {
		return nil, err
	}
	return f.CatalogStore.CurrentSnapshot(ctx, datasetID)
}

func (f *flakyCatalog) ListSnapshots(ctx context.Context, datasetID string) ([]*models.Snapshot, error) {
	if err := f.fail("list"); err != nil {
		return nil, err
	}
	return f.CatalogStore.ListSnapshots(ctx, datasetID)
}

func (f *flakyCatalog) Commit(ctx context.Context, txn *store.Txn, req store.CommitRequest) (*models.Snapshot, error) {
	if err := f.fail("commit"); err != nil {
		return nil, err
	}
	return f.CatalogStore.Commit(ctx, txn, req)
}

func (f *flakyCatalog) Abort(ctx context.Context, txn *store.Txn) error {
	if err := f.fail("abort"); err != nil {
		return err
	}
	return f.CatalogStore.Abort(ctx, txn)
}

func fastRetry() store.RetryConfig {
	return store.RetryConfig{MaxTries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestRetryingCatalog_Reads(t *testing.T) {
	ctx := context.Background()

	t.Run("recovers within the attempt budget", func(t *testing.T) {
		flaky := newFlakyCatalog(newTestCatalog(t, newFakeClock()), map[string]int{"get": 2, "current": 2, "list": 2})
		catalog := store.RetryingCatalog(flaky, fastRetry())

		ds, err := catalog.GetDataset(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, "d1", ds.DatasetID)
		assert.Equal(t, 3, flaky.Calls("get"))

		snap, err := catalog.CurrentSnapshot(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), snap.SnapshotID)
		assert.Equal(t, 3, flaky.Calls("current"))

		_, err = catalog.ListSnapshots(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, 3, flaky.Calls("list"))
	})

	t.Run("gives up after max tries", func(t *testing.T) {
		flaky := newFlakyCatalog(newTestCatalog(t, newFakeClock()), map[string]int{"get": 5})
		catalog := store.RetryingCatalog(flaky, fastRetry())

		_, err := catalog.GetDataset(ctx, "d1")
		require.ErrorIs(t, err, store.ErrStorageIO)
		require.ErrorIs(t, err, errUnavailable)
		assert.Equal(t, 3, flaky.Calls("get"))
	})

	t.Run("not found is not retried", func(t *testing.T) {
		flaky := newFlakyCatalog(newTestCatalog(t, newFakeClock()), nil)
		catalog := store.RetryingCatalog(flaky, fastRetry())

		_, err := catalog.GetDataset(ctx, "missing")
		require.ErrorIs(t, err, store.ErrDatasetNotFound)
		assert.Equal(t, 1, flaky.Calls("get"))
	})

	t.Run("cancelled context stops retries", func(t *testing.T) {
		flaky := newFlakyCatalog(newTestCatalog(t, newFakeClock()), map[string]int{"get": 5})
		catalog := store.RetryingCatalog(flaky, store.RetryConfig{MaxTries: 10, InitialInterval: time.Hour, MaxInterval: time.Hour})

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := catalog.GetDataset(cctx, "d1")
		require.Error(t, err)
		assert.Equal(t, 1, flaky.Calls("get"))
	})
}

func TestRetryingCatalog_Transactions(t *testing.T) {
	ctx := context.Background()

	t.Run("commit is attempted once", func(t *testing.T) {
		flaky := newFlakyCatalog(newTestCatalog(t, newFakeClock()), map[string]int{"commit": 1})
		catalog := store.RetryingCatalog(flaky, fastRetry())

		txn, err := catalog.BeginTransaction(ctx, "d1")
		require.NoError(t, err)

		_, err = catalog.Commit(ctx, txn, store.CommitRequest{Operation: models.WriteAppend, Files: []models.DataFile{file("a.parquet", 1)}})
		require.ErrorIs(t, err, store.ErrStorageIO)
		assert.Equal(t, 1, flaky.Calls("commit"))

		snap, err := catalog.CurrentSnapshot(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), snap.SnapshotID)
	})

	t.Run("abort is retried and releases the lease", func(t *testing.T) {
		flaky := newFlakyCatalog(newTestCatalog(t, newFakeClock()), map[string]int{"abort": 2})
		catalog := store.RetryingCatalog(flaky, fastRetry())

		txn, err := catalog.BeginTransaction(ctx, "d1")
		require.NoError(t, err)
		require.NoError(t, catalog.Abort(ctx, txn))
		assert.Equal(t, 3, flaky.Calls("abort"))

		_, err = catalog.BeginTransaction(ctx, "d1")
		require.NoError(t, err)
	})
}
