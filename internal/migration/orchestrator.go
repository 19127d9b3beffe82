// Package migration moves datasets from legacy storage into the lakehouse.
// Each dataset runs through pending, reading, writing and verifying before it
// is committed; the storage pointer only flips after verification passed.
package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/EPajares/goat-sub003/internal/lakehouse"
	"github.com/EPajares/goat-sub003/internal/legacy"
	"github.com/EPajares/goat-sub003/internal/models"
	"github.com/EPajares/goat-sub003/internal/store"
	"github.com/EPajares/goat-sub003/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ErrVerificationFailed is returned when the migrated dataset does not match
// its legacy source. The storage pointer is left on legacy.
var ErrVerificationFailed = errors.New("migration verification failed")

// Sink is the dataset store migrated rows are written to.
type Sink interface {
	Create(ctx context.Context, organizationID, datasetID string, schema models.Schema, gt models.GeometryType) (*models.Dataset, error)
	Dataset(ctx context.Context, datasetID string) (*models.Dataset, error)
	Write(ctx context.Context, datasetID string, rows []models.Row, mode models.WriteMode) (int, error)
	Describe(ctx context.Context, datasetID string) (*lakehouse.Description, error)
}

var _ Sink = (*lakehouse.Store)(nil)

// Config holds orchestrator settings.
type Config struct {
	// Epsilon is the per-coordinate tolerance of the bounding box check.
	// Default: 1e-9
	Epsilon float64 `help:"Bounding box tolerance used by verification." default:"1e-9" env:"LAYERSTORE_MIGRATION_EPSILON"`

	// Lease is how long a run owns a dataset before another may take over.
	// Default: 30 minutes
	Lease time.Duration `help:"Migration lease per dataset." default:"30m" env:"LAYERSTORE_MIGRATION_LEASE"`
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.Epsilon <= 0 {
		c.Epsilon = 1e-9
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Minute
	}
}

// Orchestrator runs migrations.
type Orchestrator struct {
	bridge     *legacy.Bridge
	sink       Sink
	migrations store.MigrationStore
	pointers   store.PointerStore
	cfg        Config
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(bridge *legacy.Bridge, sink Sink, migrations store.MigrationStore, pointers store.PointerStore, cfg Config) *Orchestrator {
	cfg.ApplyDefaults()
	return &Orchestrator{
		bridge:     bridge,
		sink:       sink,
		migrations: migrations,
		pointers:   pointers,
		cfg:        cfg,
	}
}

// run tracks one claimed migration through its states.
type run struct {
	o   *Orchestrator
	id  string
	rec *models.MigrationRecord
}

func (r *run) transition(ctx context.Context, to models.MigrationState, upd store.MigrationUpdate) error {
	upd.ExtendLease = r.o.cfg.Lease
	rec, err := r.o.migrations.Transition(ctx, r.rec.DatasetID, r.id, r.rec.State, to, upd)
	if err != nil {
		return fmt.Errorf("failed to move migration to %s: %w", to, err)
	}
	r.rec = rec
	return nil
}

// fail records cause on the record and returns it.
func (r *run) fail(ctx context.Context, cause error) error {
	msg := cause.Error()
	if err := r.transition(context.WithoutCancel(ctx), models.MigrationFailed, store.MigrationUpdate{LastError: &msg}); err != nil {
		log.Error().Err(err).Str("dataset_id", r.rec.DatasetID).Msg("Failed to record migration failure")
	}
	return cause
}

// Migrate moves one dataset. It returns the final record; on failure the
// record is in the failed state (when it could be written) and the error says
// why. A dataset that is already committed is returned as is.
func (o *Orchestrator) Migrate(ctx context.Context, datasetID string) (rec *models.MigrationRecord, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "migration.Migrate", trace.WithAttributes(attribute.String("dataset_id", datasetID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	runID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate run id: %w", err)
	}

	claimed, err := o.migrations.Claim(ctx, datasetID, runID.String(), o.cfg.Lease)
	if err != nil {
		return nil, err
	}
	if claimed.State == models.MigrationCommitted {
		return claimed, o.ensurePointer(ctx, datasetID)
	}

	m := telemetry.GetMetrics()
	m.ActiveMigrations.Add(ctx, 1)
	defer m.ActiveMigrations.Add(ctx, -1)

	started := time.Now()
	r := &run{o: o, id: runID.String(), rec: claimed}
	logger := log.With().Str("dataset_id", datasetID).Str("run_id", r.id).Int("attempt", claimed.Attempts).Logger()
	logger.Info().Msg("Migration started")

	err = o.execute(ctx, r)

	result := string(models.MigrationCommitted)
	if err != nil {
		result = string(models.MigrationFailed)
		if errors.Is(err, ErrVerificationFailed) {
			m.MigrationVerifyFailuresTotal.Add(ctx, 1)
		}
		logger.Error().Err(err).Str("state", string(r.rec.State)).Msg("Migration failed")
	} else {
		logger.Info().Int64("rows", r.rec.SourceRowCount).Dur("duration", time.Since(started)).Msg("Migration committed")
	}
	m.MigrationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	m.MigrationDuration.Record(ctx, telemetry.Millis(started), metric.WithAttributes(attribute.String("result", result)))

	return r.rec, err
}

func (o *Orchestrator) execute(ctx context.Context, r *run) error {
	datasetID := r.rec.DatasetID

	if err := r.transition(ctx, models.MigrationReading, store.MigrationUpdate{}); err != nil {
		return err
	}
	src, err := o.bridge.ReadLegacy(ctx, datasetID)
	if err != nil {
		return r.fail(ctx, fmt.Errorf("failed to read legacy dataset: %w", err))
	}

	if err := r.transition(ctx, models.MigrationWriting, store.MigrationUpdate{
		SourceRowCount: &src.RowCount,
		SourceBBox:     src.BBox,
	}); err != nil {
		return err
	}
	if err := o.ensureDataset(ctx, src); err != nil {
		return r.fail(ctx, err)
	}
	if _, err := o.sink.Write(ctx, datasetID, src.Rows, models.WriteOverwrite); err != nil {
		return r.fail(ctx, fmt.Errorf("failed to write dataset: %w", err))
	}

	if err := r.transition(ctx, models.MigrationVerifying, store.MigrationUpdate{}); err != nil {
		return err
	}
	if err := o.verify(ctx, src); err != nil {
		return r.fail(ctx, err)
	}

	if err := o.pointers.SetBackend(ctx, datasetID, models.BackendLakehouse); err != nil {
		return r.fail(ctx, fmt.Errorf("failed to flip storage pointer: %w", err))
	}
	return r.transition(ctx, models.MigrationCommitted, store.MigrationUpdate{})
}

// ensureDataset creates the target dataset, or reuses one left by an earlier
// attempt when it has the same shape.
func (o *Orchestrator) ensureDataset(ctx context.Context, src *legacy.LegacyDataset) error {
	datasetID := src.Info.DatasetID
	existing, err := o.sink.Dataset(ctx, datasetID)
	switch {
	case errors.Is(err, store.ErrDatasetNotFound):
		_, err := o.sink.Create(ctx, src.Info.OrganizationID, datasetID, src.Schema, src.GeometryType)
		if err != nil {
			return fmt.Errorf("failed to create dataset: %w", err)
		}
		return nil
	case err != nil:
		return err
	}

	if existing.OrganizationID != src.Info.OrganizationID ||
		existing.GeometryType != src.GeometryType ||
		!existing.Schema.Equal(src.Schema) {
		return fmt.Errorf("%w: dataset %s already exists with a different shape", models.ErrSchemaMismatch, datasetID)
	}
	return nil
}

func (o *Orchestrator) verify(ctx context.Context, src *legacy.LegacyDataset) error {
	desc, err := o.sink.Describe(ctx, src.Info.DatasetID)
	if err != nil {
		return fmt.Errorf("failed to describe migrated dataset: %w", err)
	}
	if desc.RowCount != src.RowCount {
		return fmt.Errorf("%w: row count %d, legacy has %d", ErrVerificationFailed, desc.RowCount, src.RowCount)
	}
	if !desc.BBox.ApproxEqual(src.BBox, o.cfg.Epsilon) {
		return fmt.Errorf("%w: bounding box %s, legacy has %s", ErrVerificationFailed, desc.BBox, src.BBox)
	}
	return nil
}

// ensurePointer repeats the flip for a committed dataset whose pointer was
// reset or never written.
func (o *Orchestrator) ensurePointer(ctx context.Context, datasetID string) error {
	backend, err := o.pointers.GetBackend(ctx, datasetID)
	if err != nil {
		return fmt.Errorf("failed to read storage pointer: %w", err)
	}
	if backend == models.BackendLakehouse {
		return nil
	}
	log.Warn().Str("dataset_id", datasetID).Msg("Committed migration still points at legacy storage, flipping again")
	return o.pointers.SetBackend(ctx, datasetID, models.BackendLakehouse)
}

// Status returns the migration record of a dataset. Datasets that were never
// attempted report pending.
func (o *Orchestrator) Status(ctx context.Context, datasetID string) (*models.MigrationRecord, error) {
	rec, err := o.migrations.Get(ctx, datasetID)
	if errors.Is(err, store.ErrMigrationNotFound) {
		return &models.MigrationRecord{DatasetID: datasetID, State: models.MigrationPending}, nil
	}
	return rec, err
}

// Summary reports the outcome of a batch of migrations.
type Summary struct {
	Committed []string
	// Failed maps dataset ids to their error.
	Failed map[string]string
	// Skipped datasets were owned by another run.
	Skipped []string
}

// MigrateAll migrates every dataset still on legacy storage.
func (o *Orchestrator) MigrateAll(ctx context.Context, concurrency int) (*Summary, error) {
	ids, err := o.bridge.ListLayers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list legacy datasets: %w", err)
	}
	return o.MigrateDatasets(ctx, ids, concurrency)
}

// MigrateDatasets migrates the given datasets with at most concurrency in
// flight. A failing dataset does not stop the others; the returned error is
// only set when ctx ends early.
func (o *Orchestrator) MigrateDatasets(ctx context.Context, ids []string, concurrency int) (*Summary, error) {
	var (
		mu  sync.Mutex
		sum = &Summary{Failed: make(map[string]string)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))
	for _, id := range ids {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			_, err := o.Migrate(gctx, id)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				sum.Committed = append(sum.Committed, id)
			case errors.Is(err, store.ErrMigrationInProgress):
				sum.Skipped = append(sum.Skipped, id)
			default:
				sum.Failed[id] = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Info().
		Int("committed", len(sum.Committed)).
		Int("failed", len(sum.Failed)).
		Int("skipped", len(sum.Skipped)).
		Msg("Migration batch finished")
	return sum, ctx.Err()
}
