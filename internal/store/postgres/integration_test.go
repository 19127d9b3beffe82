//go:build integration

package postgres

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/EPajares/goat-sub003/internal/models"
	"github.com/EPajares/goat-sub003/internal/store"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgresContainer(t *testing.T, ctx context.Context) (*pgxpool.Pool, func()) {
	// Start postgres container
	req := testcontainers.ContainerRequest{
		Image:        "postgis/postgis:17-3.5-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	connString := fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	pool, err := NewPool(ctx, &PoolConfig{
		ConnString:  connString,
		AutoMigrate: true, // Enable migrations for tests
	})
	require.NoError(t, err)

	cleanup := func() {
		pool.Close()
		_ = container.Terminate(ctx)
	}

	return pool, cleanup
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testDataset(id string) *models.Dataset {
	return &models.Dataset{
		DatasetID:      id,
		OrganizationID: "org1",
		Schema: models.Schema{
			{Name: "id", Type: models.TypeInteger},
			{Name: "name", Type: models.TypeText},
			{Name: "geom", Type: models.TypeGeometry},
		},
		GeometryType: models.GeometryPoint,
	}
}

func testFile(path string, rows int64, bbox *models.BBox) models.DataFile {
	return models.DataFile{Path: path, RowCount: rows, BBox: bbox, SizeBytes: 100, Checksum: 42}
}

func TestIntegration_Catalog(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	catalog := NewCatalogStore(pool, store.CatalogConfig{Now: clock.Now, WriterLeaseTTL: time.Minute})

	t.Run("migrations are idempotent", func(t *testing.T) {
		require.NoError(t, Migrate(ctx, pool))

		var count int
		require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM schema_migrations`).Scan(&count))
		require.Equal(t, 2, count)
	})

	t.Run("register and get dataset", func(t *testing.T) {
		require.NoError(t, catalog.EnsureNamespace(ctx, "org1", "user_data_org1"))
		require.NoError(t, catalog.EnsureNamespace(ctx, "org1", "user_data_org1"))
		require.ErrorIs(t, catalog.EnsureNamespace(ctx, "ORG-1", "user_data_org1"), store.ErrNamespaceConflict)

		require.NoError(t, catalog.RegisterDataset(ctx, testDataset("d1")))
		require.ErrorIs(t, catalog.RegisterDataset(ctx, testDataset("d1")), store.ErrDatasetAlreadyExists)

		ds, err := catalog.GetDataset(ctx, "d1")
		require.NoError(t, err)
		require.Equal(t, models.GeometryPoint, ds.GeometryType)
		require.True(t, ds.Schema.Equal(testDataset("d1").Schema))
		require.Zero(t, ds.CurrentSnapshotID)

		snap, err := catalog.CurrentSnapshot(ctx, "d1")
		require.NoError(t, err)
		require.Zero(t, snap.SnapshotID)
		require.Empty(t, snap.Files)

		_, err = catalog.GetDataset(ctx, "missing")
		require.ErrorIs(t, err, store.ErrDatasetNotFound)
	})

	t.Run("commit advances the pointer", func(t *testing.T) {
		txn, err := catalog.BeginTransaction(ctx, "d1")
		require.NoError(t, err)
		require.Zero(t, txn.BaseSnapshotID)

		snap, err := catalog.Commit(ctx, txn, store.CommitRequest{
			Operation: models.WriteOverwrite,
			Files:     []models.DataFile{testFile("a.parquet", 2, models.NewBBox(0, 0, 1, 1))},
		})
		require.NoError(t, err)
		require.Equal(t, int64(1), snap.SnapshotID)
		require.Equal(t, int64(2), snap.RowCount)

		txn, err = catalog.BeginTransaction(ctx, "d1")
		require.NoError(t, err)
		require.Equal(t, int64(1), txn.BaseSnapshotID)
		require.Len(t, txn.BaseFiles, 1)

		files := append(txn.BaseFiles, testFile("b.parquet", 3, models.NewBBox(5, 5, 6, 6)))
		snap, err = catalog.Commit(ctx, txn, store.CommitRequest{Operation: models.WriteAppend, Files: files})
		require.NoError(t, err)
		require.Equal(t, int64(2), snap.SnapshotID)
		require.Equal(t, int64(1), snap.ParentSnapshotID)

		current, err := catalog.CurrentSnapshot(ctx, "d1")
		require.NoError(t, err)
		require.Equal(t, int64(5), current.RowCount)
		require.True(t, current.BBox.ApproxEqual(models.NewBBox(0, 0, 6, 6), 1e-9))

		history, err := catalog.ListSnapshots(ctx, "d1")
		require.NoError(t, err)
		require.Len(t, history, 2)
		require.Equal(t, int64(2), history[0].SnapshotID)
	})

	t.Run("single writer", func(t *testing.T) {
		txn, err := catalog.BeginTransaction(ctx, "d1")
		require.NoError(t, err)

		_, err = catalog.BeginTransaction(ctx, "d1")
		require.ErrorIs(t, err, store.ErrConcurrentWriter)
		require.ErrorIs(t, err, store.ErrStaleTransaction)

		require.NoError(t, catalog.Abort(ctx, txn))
		require.NoError(t, catalog.Abort(ctx, txn))

		_, err = catalog.Commit(ctx, txn, store.CommitRequest{Operation: models.WriteOverwrite})
		require.ErrorIs(t, err, store.ErrStaleTransaction)
	})

	t.Run("expired lease can be taken over", func(t *testing.T) {
		stale, err := catalog.BeginTransaction(ctx, "d1")
		require.NoError(t, err)

		clock.Advance(2 * time.Minute)

		fresh, err := catalog.BeginTransaction(ctx, "d1")
		require.NoError(t, err)

		_, err = catalog.Commit(ctx, stale, store.CommitRequest{Operation: models.WriteOverwrite})
		require.ErrorIs(t, err, store.ErrStaleTransaction)

		snap, err := catalog.Commit(ctx, fresh, store.CommitRequest{Operation: models.WriteOverwrite, Files: []models.DataFile{}})
		require.NoError(t, err)
		require.Equal(t, int64(3), snap.SnapshotID)
		require.Zero(t, snap.RowCount)
		require.Nil(t, snap.BBox)
	})

	t.Run("concurrent writers produce one winner", func(t *testing.T) {
		require.NoError(t, catalog.RegisterDataset(ctx, testDataset("race")))

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners int
		)
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				txn, err := catalog.BeginTransaction(ctx, "race")
				if err != nil {
					assert.ErrorIs(t, err, store.ErrStaleTransaction)
					return
				}
				_, err = catalog.Commit(ctx, txn, store.CommitRequest{
					Operation: models.WriteOverwrite,
					Files:     []models.DataFile{testFile(fmt.Sprintf("%d.parquet", i), 1, nil)},
				})
				if assert.NoError(t, err) {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		history, err := catalog.ListSnapshots(ctx, "race")
		require.NoError(t, err)
		require.Len(t, history, winners)
		require.GreaterOrEqual(t, winners, 1)
	})

	t.Run("expire snapshots keeps the current one", func(t *testing.T) {
		clock.Advance(time.Hour)

		expired, err := catalog.ExpireSnapshots(ctx, "d1", store.ExpirePolicy{RetainLast: 1})
		require.NoError(t, err)
		require.Len(t, expired, 2)

		history, err := catalog.ListSnapshots(ctx, "d1")
		require.NoError(t, err)
		require.Len(t, history, 1)
		require.Equal(t, int64(3), history[0].SnapshotID)
	})

	t.Run("drop dataset", func(t *testing.T) {
		require.NoError(t, catalog.DropDataset(ctx, "d1"))
		require.ErrorIs(t, catalog.DropDataset(ctx, "d1"), store.ErrDatasetNotFound)

		_, err := catalog.ListSnapshots(ctx, "d1")
		require.ErrorIs(t, err, store.ErrDatasetNotFound)
	})
}

func TestIntegration_MigrationStore(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	migrations := NewMigrationStore(pool, clock.Now)

	_, err := migrations.Get(ctx, "d1")
	require.ErrorIs(t, err, store.ErrMigrationNotFound)

	rec, err := migrations.Claim(ctx, "d1", "run-1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, models.MigrationPending, rec.State)
	require.Equal(t, 1, rec.Attempts)

	_, err = migrations.Claim(ctx, "d1", "run-2", time.Minute)
	require.ErrorIs(t, err, store.ErrMigrationInProgress)

	rows := int64(10)
	rec, err = migrations.Transition(ctx, "d1", "run-1", models.MigrationPending, models.MigrationReading, store.MigrationUpdate{
		SourceRowCount: &rows,
		SourceBBox:     models.NewBBox(1, 2, 3, 4),
	})
	require.NoError(t, err)
	require.Equal(t, int64(10), rec.SourceRowCount)

	_, err = migrations.Transition(ctx, "d1", "run-2", models.MigrationReading, models.MigrationWriting, store.MigrationUpdate{})
	require.ErrorIs(t, err, store.ErrMigrationConflict)

	clock.Advance(2 * time.Minute)
	rec, err = migrations.Claim(ctx, "d1", "run-2", time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2, rec.Attempts)
	require.Equal(t, "run-2", rec.RunID)

	got, err := migrations.Get(ctx, "d1")
	require.NoError(t, err)
	require.True(t, got.SourceBBox.ApproxEqual(models.NewBBox(1, 2, 3, 4), 1e-9))

	list, err := migrations.List(ctx, models.MigrationPending)
	require.NoError(t, err)
	require.Len(t, list, 1)

	list, err = migrations.List(ctx, models.MigrationCommitted)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestIntegration_PointerStore(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	_, err := pool.Exec(ctx, `
		CREATE SCHEMA customer;
		CREATE TABLE customer.layer (id UUID PRIMARY KEY, storage_backend TEXT);
		INSERT INTO customer.layer (id) VALUES ('0190f2a4-0000-7000-8000-000000000001');
	`)
	require.NoError(t, err)

	pointers := NewPointerStore(pool, "")
	id := "0190f2a4-0000-7000-8000-000000000001"

	backend, err := pointers.GetBackend(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.BackendLegacy, backend)

	require.NoError(t, pointers.SetBackend(ctx, id, models.BackendLakehouse))

	backend, err = pointers.GetBackend(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.BackendLakehouse, backend)

	require.ErrorIs(t, pointers.SetBackend(ctx, "0190f2a4-0000-7000-8000-00000000ffff", models.BackendLakehouse), store.ErrDatasetNotFound)
}
