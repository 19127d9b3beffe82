package bootstrap

import (
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Config holds configuration for bootstrapping LocalStack infrastructure
type Config struct {
	// AWS SDK clients
	SQSClient    *sqs.Client
	DynamoClient *dynamodb.Client
	S3Client     *s3.Client

	// Resource naming
	Environment string // e.g., "dev", "test" - used as prefix for resource names

	// CleanResources deletes existing resources before creating them.
	// Leave it false to keep catalog and data across restarts.
	CleanResources bool
}

// Resources holds identifiers for created infrastructure resources
type Resources struct {
	CatalogTable string
	QueueURL     string
	Bucket       string
}
