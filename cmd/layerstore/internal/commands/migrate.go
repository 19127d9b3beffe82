package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/EPajares/goat-sub003/internal/legacy"
	"github.com/EPajares/goat-sub003/internal/migration"
	"github.com/EPajares/goat-sub003/internal/models"
	"github.com/EPajares/goat-sub003/internal/store"
	postgresstore "github.com/EPajares/goat-sub003/internal/store/postgres"
	"github.com/rs/zerolog/log"
)

// MigrationFlags configure the legacy source and the migration state stores.
// Both live in the PostgreSQL database selected by the postgres flags.
type MigrationFlags struct {
	Legacy       legacy.PostgresSourceConfig `embed:"" prefix:"legacy-"`
	PointerTable string                      `help:"Table holding the storage backend of every layer" default:"customer.layer" env:"LAYERSTORE_POINTER_TABLE"`
	Migration    migration.Config            `embed:"" prefix:"migration-"`
}

func (m *MigrationFlags) orchestrator(ctx context.Context, rt *runtime, s *StoreFlags) (*migration.Orchestrator, error) {
	pool, err := rt.postgresPool(ctx, s)
	if err != nil {
		return nil, err
	}
	source := legacy.NewPostgresSource(pool, m.Legacy)
	return migration.NewOrchestrator(
		legacy.NewBridge(source),
		rt.lake,
		postgresstore.NewMigrationStore(pool, nil),
		postgresstore.NewPointerStore(pool, m.PointerTable),
		m.Migration,
	), nil
}

type MigrateCmd struct {
	Store     StoreFlags     `embed:""`
	Migration MigrationFlags `embed:""`
	Datasets  []string       `arg:"" help:"Dataset ids"`
}

func (c *MigrateCmd) Run(ctx context.Context, globals *Globals) (err error) {
	ctx, done := start(ctx, globals, "migrate")
	defer func() { done(err) }()

	rt, err := c.Store.open(ctx, globals)
	if err != nil {
		return err
	}
	defer rt.Close()

	orch, err := c.Migration.orchestrator(ctx, rt, &c.Store)
	if err != nil {
		return err
	}

	var failed int
	for _, id := range c.Datasets {
		rec, err := orch.Migrate(ctx, id)
		if err != nil {
			failed++
			fmt.Printf("%s: failed: %v\n", id, err)
			continue
		}
		fmt.Printf("%s: %s (attempt %d, %d rows)\n", id, rec.State, rec.Attempts, rec.SourceRowCount)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d migrations failed", failed, len(c.Datasets))
	}
	return nil
}

type MigrateAllCmd struct {
	Store       StoreFlags     `embed:""`
	Migration   MigrationFlags `embed:""`
	Concurrency int            `help:"Datasets migrated concurrently" default:"4"`
	Plan        string         `help:"YAML migration plan; its datasets, concurrency and epsilon override the flags" type:"existingfile" default:""`
}

func (c *MigrateAllCmd) Run(ctx context.Context, globals *Globals) (err error) {
	ctx, done := start(ctx, globals, "migrate-all")
	defer func() { done(err) }()

	var plan *migration.Plan
	if c.Plan != "" {
		if plan, err = migration.LoadPlan(c.Plan); err != nil {
			return err
		}
		if plan.Concurrency > 0 {
			c.Concurrency = plan.Concurrency
		}
		if plan.Epsilon > 0 {
			c.Migration.Migration.Epsilon = plan.Epsilon
		}
	}

	rt, err := c.Store.open(ctx, globals)
	if err != nil {
		return err
	}
	defer rt.Close()

	orch, err := c.Migration.orchestrator(ctx, rt, &c.Store)
	if err != nil {
		return err
	}

	var sum *migration.Summary
	if plan != nil && len(plan.Datasets) > 0 {
		sum, err = orch.MigrateDatasets(ctx, plan.Datasets, c.Concurrency)
	} else {
		sum, err = orch.MigrateAll(ctx, c.Concurrency)
	}
	if sum != nil {
		printSummary(sum)
	}
	if err != nil {
		return err
	}
	if len(sum.Failed) > 0 {
		return fmt.Errorf("%d migrations failed", len(sum.Failed))
	}
	return nil
}

func printSummary(sum *migration.Summary) {
	fmt.Printf("Committed: %d\n", len(sum.Committed))
	fmt.Printf("Skipped:   %d\n", len(sum.Skipped))
	fmt.Printf("Failed:    %d\n", len(sum.Failed))
	if len(sum.Failed) == 0 {
		return
	}

	ids := make([]string, 0, len(sum.Failed))
	for id := range sum.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, id := range ids {
		fmt.Fprintf(w, "  %s\t%s\n", id, sum.Failed[id])
	}
	_ = w.Flush()
}

type MigrationStatusCmd struct {
	Store    StoreFlags `embed:""`
	Datasets []string   `arg:"" optional:"" help:"Dataset ids (default all recorded migrations)"`
	State    string     `help:"Only list migrations in this state" default:"" enum:",pending,reading,writing,verifying,committed,failed"`
}

func (c *MigrationStatusCmd) Run(ctx context.Context, globals *Globals) (err error) {
	ctx, done := start(ctx, globals, "migration-status")
	defer func() { done(err) }()

	rt := &runtime{}
	defer rt.Close()

	pool, err := rt.postgresPool(ctx, &c.Store)
	if err != nil {
		return err
	}
	migrations := postgresstore.NewMigrationStore(pool, nil)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DATASET\tSTATE\tATTEMPTS\tROWS\tUPDATED\tERROR")
	line := func(id, state string, attempts int, rows int64, updated time.Time, lastErr string) {
		ts := "-"
		if !updated.IsZero() {
			ts = updated.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n", id, state, attempts, rows, ts, lastErr)
	}

	if len(c.Datasets) == 0 {
		recs, err := migrations.List(ctx, models.MigrationState(c.State))
		if err != nil {
			return err
		}
		for _, rec := range recs {
			line(rec.DatasetID, string(rec.State), rec.Attempts, rec.SourceRowCount, rec.UpdatedAt, rec.LastError)
		}
		return w.Flush()
	}

	for _, id := range c.Datasets {
		rec, err := migrations.Get(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrMigrationNotFound) {
				line(id, "pending", 0, 0, time.Time{}, "")
				continue
			}
			return err
		}
		line(rec.DatasetID, string(rec.State), rec.Attempts, rec.SourceRowCount, rec.UpdatedAt, rec.LastError)
	}
	return w.Flush()
}

type MigrateEnqueueCmd struct {
	Store    StoreFlags                  `embed:""`
	Legacy   legacy.PostgresSourceConfig `embed:"" prefix:"legacy-"`
	Queue    migration.SQSQueueConfig    `embed:""`
	Datasets []string                    `arg:"" optional:"" help:"Dataset ids (default every dataset still on legacy storage)"`
}

func (c *MigrateEnqueueCmd) Run(ctx context.Context, globals *Globals) (err error) {
	ctx, done := start(ctx, globals, "migrate-enqueue")
	defer func() { done(err) }()

	if c.Queue.QueueURL == "" {
		return errors.New("queue URL is required (--queue-url or LAYERSTORE_MIGRATION_QUEUE_URL)")
	}

	rt := &runtime{}
	defer rt.Close()

	ids := c.Datasets
	if len(ids) == 0 {
		pool, err := rt.postgresPool(ctx, &c.Store)
		if err != nil {
			return err
		}
		if ids, err = legacy.NewBridge(legacy.NewPostgresSource(pool, c.Legacy)).ListLayers(ctx); err != nil {
			return fmt.Errorf("failed to list legacy datasets: %w", err)
		}
	}

	awsCfg, err := rt.loadAWSConfig(ctx, &c.Store)
	if err != nil {
		return err
	}
	queue := migration.NewSQSQueue(c.Store.sqsClient(awsCfg), c.Queue)
	if err := queue.Enqueue(ctx, ids); err != nil {
		return err
	}
	fmt.Printf("Queued %d datasets\n", len(ids))
	return nil
}

type MigrateWorkerCmd struct {
	Store     StoreFlags               `embed:""`
	Migration MigrationFlags           `embed:""`
	Queue     migration.SQSQueueConfig `embed:""`
	Worker    migration.WorkerConfig   `embed:"" prefix:"worker-"`
}

func (c *MigrateWorkerCmd) Run(ctx context.Context, globals *Globals) (err error) {
	ctx, done := start(ctx, globals, "migrate-worker")
	defer func() { done(err) }()

	if c.Queue.QueueURL == "" {
		return errors.New("queue URL is required (--queue-url or LAYERSTORE_MIGRATION_QUEUE_URL)")
	}

	rt, err := c.Store.open(ctx, globals)
	if err != nil {
		return err
	}
	defer rt.Close()

	orch, err := c.Migration.orchestrator(ctx, rt, &c.Store)
	if err != nil {
		return err
	}
	awsCfg, err := rt.loadAWSConfig(ctx, &c.Store)
	if err != nil {
		return err
	}

	log.Info().Str("queue_url", c.Queue.QueueURL).Int("concurrency", c.Worker.Concurrency).Msg("Starting migration worker")
	return migration.NewWorker(migration.NewSQSQueue(c.Store.sqsClient(awsCfg), c.Queue), orch, c.Worker).Run(ctx)
}
