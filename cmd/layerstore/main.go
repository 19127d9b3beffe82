package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/EPajares/goat-sub003/cmd/layerstore/internal/commands"
	"github.com/alecthomas/kong"
)

var (
	version = "dev"
	cli     struct {
		Describe        commands.DescribeCmd        `cmd:"" help:"Describe the current snapshot of a dataset"`
		Read            commands.ReadCmd            `cmd:"" help:"Read rows of a dataset as JSON lines"`
		Import          commands.ImportCmd          `cmd:"" help:"Import a GeoJSON feature collection"`
		Delete          commands.DeleteCmd          `cmd:"" help:"Delete a dataset and its files"`
		History         commands.HistoryCmd         `cmd:"" help:"List the snapshots of a dataset"`
		ExpireSnapshots commands.ExpireSnapshotsCmd `cmd:"" help:"Expire old snapshots and reclaim their files"`
		SweepOrphans    commands.SweepOrphansCmd    `cmd:"" help:"Delete data files no snapshot references"`
		DBMigrate       commands.DBMigrateCmd       `cmd:"" name:"db-migrate" help:"Create or upgrade the catalog schema"`
		Migrate         commands.MigrateCmd         `cmd:"" help:"Migrate datasets from legacy storage"`
		MigrateAll      commands.MigrateAllCmd      `cmd:"" help:"Migrate every dataset still on legacy storage"`
		MigrationStatus commands.MigrationStatusCmd `cmd:"" help:"Show the migration state of datasets"`
		MigrateEnqueue  commands.MigrateEnqueueCmd  `cmd:"" help:"Queue datasets for migration workers"`
		MigrateWorker   commands.MigrateWorkerCmd   `cmd:"" help:"Run a migration queue worker"`
		Bootstrap       commands.BootstrapCmd       `cmd:"" help:"Create LocalStack resources for development"`
		Debug           bool                        `help:"Enable debug mode."`
		Version         kong.VersionFlag
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
