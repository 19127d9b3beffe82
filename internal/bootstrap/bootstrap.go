package bootstrap

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Bootstrap creates the catalog table, the migration queue and the data
// bucket. Existing resources are reused unless cfg.CleanResources is set.
func Bootstrap(ctx context.Context, cfg Config) (*Resources, error) {
	if cfg.SQSClient == nil {
		return nil, fmt.Errorf("SQSClient is required")
	}
	if cfg.DynamoClient == nil {
		return nil, fmt.Errorf("DynamoClient is required")
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("S3Client is required")
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}

	res := &Resources{}

	table, err := CreateCatalogTable(ctx, cfg.DynamoClient, cfg.Environment, cfg.CleanResources)
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog table: %w", err)
	}
	res.CatalogTable = table

	queueURL, err := CreateMigrationQueue(ctx, cfg.SQSClient, cfg.Environment, cfg.CleanResources)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration queue: %w", err)
	}
	res.QueueURL = queueURL

	bucket, err := CreateDataBucket(ctx, cfg.S3Client, cfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("failed to create data bucket: %w", err)
	}
	res.Bucket = bucket

	log.Info().
		Str("catalog_table", res.CatalogTable).
		Str("queue_url", res.QueueURL).
		Str("bucket", res.Bucket).
		Msg("Bootstrap complete")
	return res, nil
}

// Cleanup deletes the table and queue created by Bootstrap. The bucket is
// kept since it may hold data files.
func Cleanup(ctx context.Context, cfg Config, res *Resources) error {
	if err := DeleteQueue(ctx, cfg.SQSClient, res.QueueURL); err != nil {
		return fmt.Errorf("failed to delete queue: %w", err)
	}
	if err := deleteTableIfExists(ctx, cfg.DynamoClient, res.CatalogTable); err != nil {
		return fmt.Errorf("failed to delete catalog table: %w", err)
	}
	return nil
}
