package commands

import (
	"context"
	"fmt"

	"github.com/EPajares/goat-sub003/internal/bootstrap"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// BootstrapCmd creates the LocalStack resources used for development.
type BootstrapCmd struct {
	Store       StoreFlags `embed:""`
	Environment string     `help:"Prefix of the created resource names" default:"dev"`
	Clean       bool       `help:"Delete existing resources before creating them" default:"false"`
}

func (c *BootstrapCmd) Run(ctx context.Context, globals *Globals) (err error) {
	ctx, done := start(ctx, globals, "bootstrap")
	defer func() { done(err) }()

	// LocalStack defaults
	c.Store.AWS.Local = true
	if c.Store.AWS.DynamoDBURL == "" {
		c.Store.AWS.DynamoDBURL = "http://localhost:4101"
	}
	if c.Store.AWS.SQSURL == "" {
		c.Store.AWS.SQSURL = "http://localhost:4566"
	}
	if c.Store.AWS.S3URL == "" {
		c.Store.AWS.S3URL = "http://localhost:4566"
	}

	rt := &runtime{}
	defer rt.Close()

	awsCfg, err := rt.loadAWSConfig(ctx, &c.Store)
	if err != nil {
		return err
	}
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(c.Store.AWS.S3URL)
		o.UsePathStyle = true
	})

	res, err := bootstrap.Bootstrap(ctx, bootstrap.Config{
		SQSClient:      c.Store.sqsClient(awsCfg),
		DynamoClient:   c.Store.dynamoClient(awsCfg),
		S3Client:       s3Client,
		Environment:    c.Environment,
		CleanResources: c.Clean,
	})
	if err != nil {
		return fmt.Errorf("failed to bootstrap development infrastructure: %w", err)
	}

	fmt.Printf("LAYERSTORE_AWS_CATALOG_TABLE=%s\n", res.CatalogTable)
	fmt.Printf("LAYERSTORE_MIGRATION_QUEUE_URL=%s\n", res.QueueURL)
	fmt.Printf("LAYERSTORE_BUCKET_NAME=%s\n", res.Bucket)
	return nil
}
