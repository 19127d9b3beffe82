package commands

import (
	"context"
	"fmt"
	"time"

	awsstore "github.com/EPajares/goat-sub003/internal/store/aws"
	postgresstore "github.com/EPajares/goat-sub003/internal/store/postgres"
	"github.com/rs/zerolog/log"
)

type ExpireSnapshotsCmd struct {
	Store    StoreFlags `embed:""`
	Datasets []string   `arg:"" help:"Dataset ids"`
}

func (c *ExpireSnapshotsCmd) Run(ctx context.Context, globals *Globals) (err error) {
	ctx, done := start(ctx, globals, "expire-snapshots")
	defer func() { done(err) }()

	rt, err := c.Store.open(ctx, globals)
	if err != nil {
		return err
	}
	defer rt.Close()

	for _, id := range c.Datasets {
		res, err := rt.lake.ExpireSnapshots(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to expire snapshots of %s: %w", id, err)
		}
		fmt.Printf("%s: expired %d snapshots, deleted %d files\n", id, len(res.Expired), res.FilesDeleted)
	}
	return nil
}

type SweepOrphansCmd struct {
	Store     StoreFlags    `embed:""`
	Datasets  []string      `arg:"" help:"Dataset ids"`
	OlderThan time.Duration `help:"Only delete unreferenced files older than this" default:"24h"`
}

func (c *SweepOrphansCmd) Run(ctx context.Context, globals *Globals) (err error) {
	ctx, done := start(ctx, globals, "sweep-orphans")
	defer func() { done(err) }()

	rt, err := c.Store.open(ctx, globals)
	if err != nil {
		return err
	}
	defer rt.Close()

	for _, id := range c.Datasets {
		n, err := rt.lake.SweepOrphans(ctx, id, c.OlderThan)
		if err != nil {
			return fmt.Errorf("failed to sweep %s: %w", id, err)
		}
		fmt.Printf("%s: deleted %d orphaned files\n", id, n)
	}
	return nil
}

type DBMigrateCmd struct {
	Store StoreFlags `embed:""`
}

func (c *DBMigrateCmd) Run(ctx context.Context, globals *Globals) (err error) {
	ctx, done := start(ctx, globals, "db-migrate")
	defer func() { done(err) }()

	rt := &runtime{}
	defer rt.Close()

	switch c.Store.StoreType {
	case "postgres":
		pool, err := rt.postgresPool(ctx, &c.Store)
		if err != nil {
			return err
		}
		if err := postgresstore.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	case "aws":
		awsCfg, err := rt.loadAWSConfig(ctx, &c.Store)
		if err != nil {
			return err
		}
		if err := awsstore.CreateCatalogTable(ctx, c.Store.dynamoClient(awsCfg), c.Store.AWS.CatalogTable); err != nil {
			return fmt.Errorf("failed to create catalog table: %w", err)
		}
	default:
		log.Info().Str("store_type", c.Store.StoreType).Msg("Nothing to migrate")
	}
	return nil
}
