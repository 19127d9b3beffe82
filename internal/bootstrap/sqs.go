package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// CreateMigrationQueue creates the queue migration workers consume.
// If cleanResources is true, deletes the existing queue first.
func CreateMigrationQueue(ctx context.Context, client *sqs.Client, env string, cleanResources bool) (string, error) {
	queueName := fmt.Sprintf("%s-layerstore-migrations", env)

	if cleanResources {
		if err := deleteQueueIfExists(ctx, client, queueName); err != nil {
			return "", fmt.Errorf("failed to delete existing queue %s: %w", queueName, err)
		}
	}

	createResp, err := client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(queueName),
		Attributes: map[string]string{
			string(types.QueueAttributeNameVisibilityTimeout): "1800", // one migration
		},
	})
	if err != nil {
		if !cleanResources && (strings.Contains(err.Error(), "QueueAlreadyExists") || strings.Contains(err.Error(), "already exists")) {
			getURLResp, getErr := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
				QueueName: aws.String(queueName),
			})
			if getErr != nil {
				return "", fmt.Errorf("failed to get existing queue %s: %w", queueName, getErr)
			}
			return aws.ToString(getURLResp.QueueUrl), nil
		}
		return "", fmt.Errorf("failed to create queue %s: %w", queueName, err)
	}
	return aws.ToString(createResp.QueueUrl), nil
}

// deleteQueueIfExists attempts to delete a queue if it exists
func deleteQueueIfExists(ctx context.Context, client *sqs.Client, queueName string) error {
	getURLResp, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(queueName),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NonExistentQueue") || strings.Contains(err.Error(), "does not exist") {
			return nil
		}
		return err
	}

	if err := DeleteQueue(ctx, client, aws.ToString(getURLResp.QueueUrl)); err != nil {
		return err
	}

	// SQS deletion is eventually consistent
	select {
	case <-time.After(2 * time.Second):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeleteQueue removes the queue at queueURL.
func DeleteQueue(ctx context.Context, client *sqs.Client, queueURL string) error {
	if queueURL == "" {
		return nil
	}
	_, err := client.DeleteQueue(ctx, &sqs.DeleteQueueInput{
		QueueUrl: aws.String(queueURL),
	})
	return err
}
