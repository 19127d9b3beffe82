package aws

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/EPajares/goat-sub003/internal/store"
	"github.com/EPajares/goat-sub003/internal/telemetry"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// wrapAWSError wraps AWS SDK errors, identifying throttling errors.
// Throttling matches both store.ErrThrottled and store.ErrStorageIO; every
// other failure is a storage I/O failure.
func wrapAWSError(err error, msg string) error {
	if err == nil {
		return nil
	}

	// Check for DynamoDB throttling errors
	var provisionedErr *types.ProvisionedThroughputExceededException
	if errors.As(err, &provisionedErr) {
		telemetry.GetMetrics().CatalogThrottlesTotal.Add(context.Background(), 1)
		return store.IOError(msg, fmt.Errorf("%w: %v", store.ErrThrottled, err))
	}

	// Check for common throttling error messages in error strings
	// AWS SDK v2 doesn't always use typed errors for all services
	errMsg := err.Error()
	if strings.Contains(errMsg, "ThrottlingException") ||
		strings.Contains(errMsg, "RequestLimitExceeded") ||
		strings.Contains(errMsg, "TooManyRequestsException") ||
		strings.Contains(errMsg, "Throttling") {
		telemetry.GetMetrics().CatalogThrottlesTotal.Add(context.Background(), 1)
		return store.IOError(msg, fmt.Errorf("%w: %v", store.ErrThrottled, err))
	}

	return store.IOError(msg, err)
}

// isConditionFailed reports whether err is a failed condition expression,
// either on a single item write or inside a cancelled transaction.
func isConditionFailed(err error) bool {
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return true
	}
	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for _, reason := range txErr.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return false
}
