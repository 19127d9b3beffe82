package migration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/EPajares/goat-sub003/internal/lakehouse"
	"github.com/EPajares/goat-sub003/internal/legacy"
	"github.com/EPajares/goat-sub003/internal/models"
	"github.com/EPajares/goat-sub003/internal/objstore"
	"github.com/EPajares/goat-sub003/internal/spatial"
	"github.com/EPajares/goat-sub003/internal/store"
	"github.com/EPajares/goat-sub003/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
)

type testEnv struct {
	source     *legacy.MemorySource
	lake       *lakehouse.Store
	migrations *memory.MigrationStore
	pointers   *memory.PointerStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := lakehouse.DefaultConfig()
	cfg.Retry = objstore.RetryConfig{MaxTries: 1}
	return &testEnv{
		source:     legacy.NewMemorySource(),
		lake:       lakehouse.NewStore(memory.NewCatalogStore(store.CatalogConfig{}), objstore.NewMemoryBucket(), cfg),
		migrations: memory.NewMigrationStore(nil),
		pointers:   memory.NewPointerStore(),
	}
}

func (e *testEnv) orchestrator(sink Sink) *Orchestrator {
	if sink == nil {
		sink = e.lake
	}
	return NewOrchestrator(legacy.NewBridge(e.source), sink, e.migrations, e.pointers, Config{})
}

func wkbPoint(t *testing.T, x, y float64) []byte {
	t.Helper()
	b, err := spatial.EncodeWKB(geom.NewPointFlat(geom.XY, []float64{x, y}))
	require.NoError(t, err)
	return b
}

func (e *testEnv) addPointLayer(t *testing.T, id string) {
	t.Helper()
	e.source.AddLayer(legacy.LayerInfo{
		DatasetID:      id,
		OrganizationID: "org1",
		OwnerID:        "owner1",
		GeometryType:   models.GeometryPoint,
		AttributeMapping: map[string]string{
			"text_attr1":    "name",
			"integer_attr1": "population",
		},
	},
		legacy.GenericRow{"text_attr1": "A", "integer_attr1": 10, "geom": wkbPoint(t, 0, 0)},
		legacy.GenericRow{"text_attr1": "B", "integer_attr1": 20, "geom": wkbPoint(t, 5, 5)},
		legacy.GenericRow{"text_attr1": "C", "integer_attr1": 30, "geom": wkbPoint(t, 100, 100)},
	)
}

// lossySink drops the last row of every write.
type lossySink struct {
	Sink
}

func (s lossySink) Write(ctx context.Context, datasetID string, rows []models.Row, mode models.WriteMode) (int, error) {
	if len(rows) > 0 {
		rows = rows[:len(rows)-1]
	}
	return s.Sink.Write(ctx, datasetID, rows, mode)
}

func TestOrchestrator_Migrate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addPointLayer(t, "d1")
	o := env.orchestrator(nil)

	rec, err := o.Migrate(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.MigrationCommitted, rec.State)
	assert.Equal(t, int64(3), rec.SourceRowCount)
	assert.Equal(t, 1, rec.Attempts)

	backend, err := env.pointers.GetBackend(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.BackendLakehouse, backend)

	desc, err := env.lake.Describe(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), desc.RowCount)
	assert.True(t, desc.BBox.ApproxEqual(models.NewBBox(0, 0, 100, 100), 1e-9))
	assert.Equal(t, "org1", desc.OrganizationID)
	assert.Equal(t, []string{"population", "name", "geom"}, desc.Columns)

	res, err := env.lake.Read(ctx, "d1", lakehouse.ReadRequest{BBox: models.NewBBox(-1, -1, 10, 10)})
	require.NoError(t, err)
	assert.Len(t, res.Rows, 2)

	status, err := o.Status(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.MigrationCommitted, status.State)

	// Committed datasets are not migrated again.
	again, err := o.Migrate(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 1, again.Attempts)
	desc, err = env.lake.Describe(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), desc.SnapshotID)
}

func TestOrchestrator_VerificationFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addPointLayer(t, "d1")

	rec, err := env.orchestrator(lossySink{Sink: env.lake}).Migrate(ctx, "d1")
	require.ErrorIs(t, err, ErrVerificationFailed)
	assert.Equal(t, models.MigrationFailed, rec.State)
	assert.Contains(t, rec.LastError, "row count")

	backend, err := env.pointers.GetBackend(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.BackendLegacy, backend, "failed migrations never flip the pointer")

	// A retry with a faithful sink reuses the dataset and commits.
	rec, err = env.orchestrator(nil).Migrate(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.MigrationCommitted, rec.State)
	assert.Equal(t, 2, rec.Attempts)

	desc, err := env.lake.Describe(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), desc.RowCount)
}

func TestOrchestrator_PointerFlipFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addPointLayer(t, "d1")
	o := env.orchestrator(nil)

	env.pointers.FailSet["d1"] = errors.New("metadata store unavailable")
	rec, err := o.Migrate(ctx, "d1")
	require.Error(t, err)
	assert.Equal(t, models.MigrationFailed, rec.State)

	backend, err := env.pointers.GetBackend(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.BackendLegacy, backend)

	delete(env.pointers.FailSet, "d1")
	rec, err = o.Migrate(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.MigrationCommitted, rec.State)

	backend, err = env.pointers.GetBackend(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.BackendLakehouse, backend)
}

func TestOrchestrator_CommittedReflipsPointer(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addPointLayer(t, "d1")
	o := env.orchestrator(nil)

	_, err := o.Migrate(ctx, "d1")
	require.NoError(t, err)

	require.NoError(t, env.pointers.SetBackend(ctx, "d1", models.BackendLegacy))
	_, err = o.Migrate(ctx, "d1")
	require.NoError(t, err)

	backend, err := env.pointers.GetBackend(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.BackendLakehouse, backend)
}

func TestOrchestrator_InProgress(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addPointLayer(t, "d1")

	_, err := env.migrations.Claim(ctx, "d1", "other-run", time.Hour)
	require.NoError(t, err)

	_, err = env.orchestrator(nil).Migrate(ctx, "d1")
	require.ErrorIs(t, err, store.ErrMigrationInProgress)
}

func TestOrchestrator_ExistingDatasetWithDifferentShape(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addPointLayer(t, "d1")

	_, err := env.lake.Create(ctx, "org1", "d1", models.Schema{{Name: "other", Type: models.TypeText}}, models.GeometryNone)
	require.NoError(t, err)

	rec, err := env.orchestrator(nil).Migrate(ctx, "d1")
	require.ErrorIs(t, err, models.ErrSchemaMismatch)
	assert.Equal(t, models.MigrationFailed, rec.State)
}

func TestOrchestrator_UnknownLayer(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	o := env.orchestrator(nil)

	rec, err := o.Migrate(ctx, "missing")
	require.ErrorIs(t, err, legacy.ErrLayerNotFound)
	assert.Equal(t, models.MigrationFailed, rec.State)

	status, err := o.Status(ctx, "never-seen")
	require.NoError(t, err)
	assert.Equal(t, models.MigrationPending, status.State)
}

func TestOrchestrator_MigrateAll(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addPointLayer(t, "d1")
	env.addPointLayer(t, "d2")
	env.source.AddLayer(legacy.LayerInfo{
		DatasetID:        "broken",
		OrganizationID:   "org1",
		GeometryType:     models.GeometryNone,
		AttributeMapping: map[string]string{"not_a_generic_column": "x"},
	})

	sum, err := env.orchestrator(nil).MigrateAll(ctx, 2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"d1", "d2"}, sum.Committed)
	assert.Contains(t, sum.Failed, "broken")
	assert.Empty(t, sum.Skipped)

	failed, err := env.migrations.List(ctx, models.MigrationFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "broken", failed[0].DatasetID)
}
