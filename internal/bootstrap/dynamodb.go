package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	awsstore "github.com/EPajares/goat-sub003/internal/store/aws"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// CatalogTableName is the catalog table used for an environment.
func CatalogTableName(env string) string {
	return fmt.Sprintf("%s_layerstore_catalog", env)
}

// CreateCatalogTable creates the catalog table for env.
// If cleanResources is true, deletes the existing table first.
func CreateCatalogTable(ctx context.Context, client *dynamodb.Client, env string, cleanResources bool) (string, error) {
	table := CatalogTableName(env)
	if cleanResources {
		if err := deleteTableIfExists(ctx, client, table); err != nil {
			return "", err
		}
	}
	if err := awsstore.CreateCatalogTable(ctx, client, table); err != nil {
		return "", err
	}
	return table, nil
}

// deleteTableIfExists attempts to delete a table if it exists
func deleteTableIfExists(ctx context.Context, client *dynamodb.Client, tableName string) error {
	_, err := client.DeleteTable(ctx, &dynamodb.DeleteTableInput{
		TableName: aws.String(tableName),
	})
	if err != nil {
		var resourceNotFound *types.ResourceNotFoundException
		if errors.As(err, &resourceNotFound) {
			return nil
		}
		return err
	}

	waiter := dynamodb.NewTableNotExistsWaiter(client)
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(tableName),
	}, 30*time.Second)
}
