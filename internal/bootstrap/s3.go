package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// CreateDataBucket creates the bucket holding data files for env. An
// existing bucket is reused.
func CreateDataBucket(ctx context.Context, client *s3.Client, env string) (string, error) {
	bucket := fmt.Sprintf("%s-layerstore-data", env)

	_, err := client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		var exists *types.BucketAlreadyExists
		if !errors.As(err, &owned) && !errors.As(err, &exists) {
			return "", err
		}
	}
	return bucket, nil
}
