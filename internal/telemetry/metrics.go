package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/EPajares/goat-sub003"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Write path
	RowsWrittenTotal     metric.Int64Counter
	FilesWrittenTotal    metric.Int64Counter
	WriteDuration        metric.Float64Histogram
	CommitConflictsTotal metric.Int64Counter
	ManifestErrorsTotal  metric.Int64Counter

	// Read path
	RowsReadTotal     metric.Int64Counter
	FilesScannedTotal metric.Int64Counter
	FilesPrunedTotal  metric.Int64Counter
	ReadDuration      metric.Float64Histogram

	// Maintenance
	DatasetsDeletedTotal  metric.Int64Counter
	SnapshotsExpiredTotal metric.Int64Counter
	FilesReclaimedTotal   metric.Int64Counter
	ObjectRetriesTotal    metric.Int64Counter
	CatalogThrottlesTotal metric.Int64Counter
	CatalogRetriesTotal   metric.Int64Counter

	// Migration metrics
	MigrationsTotal              metric.Int64Counter
	MigrationVerifyFailuresTotal metric.Int64Counter
	MigrationDuration            metric.Float64Histogram
	ActiveMigrations             metric.Int64UpDownCounter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	// Write path
	m.RowsWrittenTotal, _ = meter.Int64Counter(
		"layerstore.write.rows.total",
		metric.WithDescription("Total number of rows committed by writes"),
		metric.WithUnit("{row}"),
	)

	m.FilesWrittenTotal, _ = meter.Int64Counter(
		"layerstore.write.files.total",
		metric.WithDescription("Total number of data files uploaded"),
		metric.WithUnit("{file}"),
	)

	m.WriteDuration, _ = meter.Float64Histogram(
		"layerstore.write.duration",
		metric.WithDescription("Duration of dataset writes from begin to commit"),
		metric.WithUnit("ms"),
	)

	m.CommitConflictsTotal, _ = meter.Int64Counter(
		"layerstore.write.conflicts.total",
		metric.WithDescription("Total number of writes that lost the commit race"),
		metric.WithUnit("{conflict}"),
	)

	m.ManifestErrorsTotal, _ = meter.Int64Counter(
		"layerstore.write.manifest_errors.total",
		metric.WithDescription("Total number of snapshot manifests that failed to upload"),
		metric.WithUnit("{error}"),
	)

	// Read path
	m.RowsReadTotal, _ = meter.Int64Counter(
		"layerstore.read.rows.total",
		metric.WithDescription("Total number of rows returned by reads"),
		metric.WithUnit("{row}"),
	)

	m.FilesScannedTotal, _ = meter.Int64Counter(
		"layerstore.read.files_scanned.total",
		metric.WithDescription("Total number of data files opened by reads"),
		metric.WithUnit("{file}"),
	)

	m.FilesPrunedTotal, _ = meter.Int64Counter(
		"layerstore.read.files_pruned.total",
		metric.WithDescription("Total number of data files skipped by bounding box pruning"),
		metric.WithUnit("{file}"),
	)

	m.ReadDuration, _ = meter.Float64Histogram(
		"layerstore.read.duration",
		metric.WithDescription("Duration of dataset reads"),
		metric.WithUnit("ms"),
	)

	// Maintenance
	m.DatasetsDeletedTotal, _ = meter.Int64Counter(
		"layerstore.datasets.deleted.total",
		metric.WithDescription("Total number of datasets deleted"),
		metric.WithUnit("{dataset}"),
	)

	m.SnapshotsExpiredTotal, _ = meter.Int64Counter(
		"layerstore.snapshots.expired.total",
		metric.WithDescription("Total number of snapshots removed from history"),
		metric.WithUnit("{snapshot}"),
	)

	m.FilesReclaimedTotal, _ = meter.Int64Counter(
		"layerstore.files.reclaimed.total",
		metric.WithDescription("Total number of unreferenced data files deleted"),
		metric.WithUnit("{file}"),
	)

	m.ObjectRetriesTotal, _ = meter.Int64Counter(
		"layerstore.objstore.retries.total",
		metric.WithDescription("Total number of retried object storage operations"),
		metric.WithUnit("{retry}"),
	)

	m.CatalogRetriesTotal, _ = meter.Int64Counter(
		"layerstore.catalog.retries.total",
		metric.WithDescription("Total number of retried catalog operations"),
		metric.WithUnit("{retry}"),
	)

	m.CatalogThrottlesTotal, _ = meter.Int64Counter(
		"layerstore.catalog.throttles.total",
		metric.WithDescription("Total number of throttled catalog requests"),
		metric.WithUnit("{throttle}"),
	)

	// Migration metrics
	m.MigrationsTotal, _ = meter.Int64Counter(
		"layerstore.migrations.total",
		metric.WithDescription("Total number of finished migration runs by final state"),
		metric.WithUnit("{migration}"),
	)

	m.MigrationVerifyFailuresTotal, _ = meter.Int64Counter(
		"layerstore.migrations.verification_failures.total",
		metric.WithDescription("Total number of migrations whose row count or bounding box did not match the legacy source"),
		metric.WithUnit("{migration}"),
	)

	m.MigrationDuration, _ = meter.Float64Histogram(
		"layerstore.migrations.duration",
		metric.WithDescription("Duration of migration runs"),
		metric.WithUnit("ms"),
	)

	m.ActiveMigrations, _ = meter.Int64UpDownCounter(
		"layerstore.migrations.active",
		metric.WithDescription("Number of migration runs in progress"),
		metric.WithUnit("{migration}"),
	)

	return m
}
