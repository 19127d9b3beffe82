package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/EPajares/goat-sub003/internal/lakehouse"
	"github.com/EPajares/goat-sub003/internal/logger"
	"github.com/EPajares/goat-sub003/internal/objstore"
	"github.com/EPajares/goat-sub003/internal/store"
	awsstore "github.com/EPajares/goat-sub003/internal/store/aws"
	memorystore "github.com/EPajares/goat-sub003/internal/store/memory"
	postgresstore "github.com/EPajares/goat-sub003/internal/store/postgres"
	"github.com/EPajares/goat-sub003/internal/telemetry"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Globals struct {
	Debug   bool
	Version string
}

// StoreFlags select and configure the catalog and object storage.
type StoreFlags struct {
	StoreType string                   `help:"catalog store type (memory, postgres or aws)" default:"postgres" env:"LAYERSTORE_STORE_TYPE" enum:"memory,postgres,aws"`
	Postgres  postgresstore.PoolConfig `embed:"" prefix:"postgres-"`
	AWS       AWSFlags                 `embed:"" prefix:"aws-"`
	Bucket    BucketFlags              `embed:"" prefix:"bucket-"`
	Lakehouse lakehouse.Config         `embed:"" prefix:"lakehouse-"`

	Telemetry bool             `help:"enable OpenTelemetry metrics and traces" default:"false" env:"LAYERSTORE_TELEMETRY"`
	Otel      telemetry.Config `embed:"" prefix:"otel-"`
}

type AWSFlags struct {
	Region        string `help:"AWS region" env:"AWS_REGION"`
	CatalogTable  string `help:"DynamoDB catalog table name" default:"layerstore-catalog" env:"LAYERSTORE_AWS_CATALOG_TABLE"`
	DynamoDBURL   string `help:"DynamoDB endpoint override (DynamoDB Local)" env:"LAYERSTORE_AWS_DYNAMODB_ENDPOINT"`
	S3URL         string `help:"S3 endpoint override (LocalStack, MinIO)" env:"LAYERSTORE_AWS_S3_ENDPOINT"`
	SQSURL        string `help:"SQS endpoint override (LocalStack)" env:"LAYERSTORE_AWS_SQS_ENDPOINT"`
	Local         bool   `help:"use static test credentials for local emulators" default:"false" env:"LAYERSTORE_AWS_LOCAL"`
	UsePathStyle  bool   `help:"use path style S3 addressing" default:"false" env:"LAYERSTORE_AWS_S3_PATH_STYLE"`
	RetryAttempts int    `help:"maximum AWS SDK attempts per request" default:"5" env:"LAYERSTORE_AWS_RETRY_ATTEMPTS"`
}

type BucketFlags struct {
	Type   string `help:"object storage type (fs or s3)" default:"fs" env:"LAYERSTORE_BUCKET_TYPE" enum:"fs,s3"`
	Path   string `help:"root directory for fs storage" default:"./layerstore-data" env:"LAYERSTORE_BUCKET_PATH"`
	Name   string `help:"S3 bucket name" env:"LAYERSTORE_BUCKET_NAME"`
	Prefix string `help:"key prefix inside the S3 bucket" env:"LAYERSTORE_BUCKET_PREFIX"`
}

func (b *BucketFlags) Validate() error {
	if b.Type == "s3" && b.Name == "" {
		return errors.New("S3 bucket name is required (--bucket-name or LAYERSTORE_BUCKET_NAME)")
	}
	return nil
}

// runtime holds the handles opened for one command. Close releases all of
// them.
type runtime struct {
	catalog store.CatalogStore
	lake    *lakehouse.Store
	pool    *pgxpool.Pool
	awsCfg  *aws.Config
	closers []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// open connects to the configured stores. The caller must Close the result.
func (s *StoreFlags) open(ctx context.Context, globals *Globals) (rt *runtime, err error) {
	rt = &runtime{}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	if s.Telemetry {
		shutdown, err := telemetry.InitTelemetry(ctx, s.Otel, globals.Version)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
		} else {
			rt.closers = append(rt.closers, func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(shutdownCtx); err != nil {
					log.Error().Err(err).Msg("Failed to shutdown telemetry")
				}
			})
		}
	}

	switch s.StoreType {
	case "postgres":
		pool, err := rt.postgresPool(ctx, s)
		if err != nil {
			return nil, err
		}
		rt.catalog = postgresstore.NewCatalogStore(pool, store.CatalogConfig{})
		log.Debug().Msg("Using PostgreSQL catalog")
	case "aws":
		awsCfg, err := rt.loadAWSConfig(ctx, s)
		if err != nil {
			return nil, err
		}
		rt.catalog = awsstore.NewCatalogStore(s.dynamoClient(awsCfg), s.AWS.CatalogTable, store.CatalogConfig{})
		log.Debug().Str("table", s.AWS.CatalogTable).Msg("Using DynamoDB catalog")
	default:
		rt.catalog = memorystore.NewCatalogStore(store.CatalogConfig{})
		log.Warn().Msg("Using in-memory catalog, nothing is persisted")
	}
	rt.closers = append(rt.closers, func() { _ = rt.catalog.Close() })

	if err := s.Bucket.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate bucket flags: %w", err)
	}
	var bucket objstore.Bucket
	switch s.Bucket.Type {
	case "s3":
		awsCfg, err := rt.loadAWSConfig(ctx, s)
		if err != nil {
			return nil, err
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if s.AWS.S3URL != "" {
				o.BaseEndpoint = aws.String(s.AWS.S3URL)
			}
			o.UsePathStyle = s.AWS.UsePathStyle
		})
		bucket = objstore.NewS3Bucket(client, s.Bucket.Name, s.Bucket.Prefix)
	default:
		fsBucket, err := objstore.NewFSBucket(s.Bucket.Path)
		if err != nil {
			return nil, err
		}
		bucket = fsBucket
	}

	rt.lake = lakehouse.NewStore(rt.catalog, bucket, s.Lakehouse)
	return rt, nil
}

// postgresPool opens the shared pool once.
func (r *runtime) postgresPool(ctx context.Context, s *StoreFlags) (*pgxpool.Pool, error) {
	if r.pool != nil {
		return r.pool, nil
	}
	cfg := s.Postgres
	pool, err := postgresstore.NewPool(ctx, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	r.pool = pool
	r.closers = append(r.closers, pool.Close)
	return pool, nil
}

// loadAWSConfig loads the SDK configuration once.
func (r *runtime) loadAWSConfig(ctx context.Context, s *StoreFlags) (aws.Config, error) {
	if r.awsCfg != nil {
		return *r.awsCfg, nil
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRetryMaxAttempts(s.AWS.RetryAttempts),
	}
	if s.AWS.Region != "" {
		opts = append(opts, config.WithRegion(s.AWS.Region))
	}
	if s.AWS.Local {
		if s.AWS.Region == "" {
			opts = append(opts, config.WithRegion("us-east-1"))
		}
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "test")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	r.awsCfg = &awsCfg
	return awsCfg, nil
}

func (s *StoreFlags) dynamoClient(awsCfg aws.Config) *dynamodb.Client {
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if s.AWS.DynamoDBURL != "" {
			o.BaseEndpoint = aws.String(s.AWS.DynamoDBURL)
		}
	})
}

func (s *StoreFlags) sqsClient(awsCfg aws.Config) *sqs.Client {
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if s.AWS.SQSURL != "" {
			o.BaseEndpoint = aws.String(s.AWS.SQSURL)
		}
	})
}

// start sets up logging for a command and returns the context to run it in
// and the function reporting its outcome.
func start(ctx context.Context, globals *Globals, name string) (context.Context, func(error)) {
	l := logger.Setup(globals.Debug)
	log.Logger = l
	zerolog.DefaultContextLogger = &l
	return logger.Command(ctx, l, name)
}
