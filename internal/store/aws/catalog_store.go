package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/EPajares/goat-sub003/internal/models"
	"github.com/EPajares/goat-sub003/internal/store"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

const (
	datasetPrefix   = "DATASET#"
	namespacePrefix = "NAMESPACE#"
	schemaPrefix    = "SCHEMA#"
	snapshotPrefix  = "SNAP#"
	metaSortKey     = "META"

	// batchWriteLimit is the DynamoDB cap on requests per BatchWriteItem.
	batchWriteLimit = 25
)

// CatalogStore implements store.CatalogStore on a single DynamoDB table keyed
// by pk/sk. A dataset partition holds one META item carrying the current
// snapshot pointer and writer lease, plus one item per snapshot.
type CatalogStore struct {
	client    *dynamodb.Client
	tableName string
	cfg       store.CatalogConfig
}

var _ store.CatalogStore = (*CatalogStore)(nil)

// datasetItem is the META item of a dataset partition. Times are unix millis.
type datasetItem struct {
	PK                   string `dynamodbav:"pk"`
	SK                   string `dynamodbav:"sk"`
	DatasetID            string `dynamodbav:"dataset_id"`
	OrganizationID       string `dynamodbav:"organization_id"`
	Schema               string `dynamodbav:"schema"`
	GeometryType         string `dynamodbav:"geometry_type"`
	CurrentSnapshotID    int64  `dynamodbav:"current_snapshot_id"`
	WriterTxnID          string `dynamodbav:"writer_txn_id,omitempty"`
	WriterLeaseExpiresAt int64  `dynamodbav:"writer_lease_expires_at,omitempty"`
	CreatedAt            int64  `dynamodbav:"created_at"`
	UpdatedAt            int64  `dynamodbav:"updated_at"`
}

// snapshotItem is one committed snapshot. Files are stored as a JSON string.
type snapshotItem struct {
	PK               string `dynamodbav:"pk"`
	SK               string `dynamodbav:"sk"`
	DatasetID        string `dynamodbav:"dataset_id"`
	SnapshotID       int64  `dynamodbav:"snapshot_id"`
	ParentSnapshotID int64  `dynamodbav:"parent_snapshot_id"`
	Operation        string `dynamodbav:"operation"`
	Files            string `dynamodbav:"files"`
	RowCount         int64  `dynamodbav:"row_count"`
	CreatedAt        int64  `dynamodbav:"created_at"`
}

type namespaceItem struct {
	PK             string `dynamodbav:"pk"`
	SK             string `dynamodbav:"sk"`
	OrganizationID string `dynamodbav:"organization_id"`
	SchemaName     string `dynamodbav:"schema_name"`
	CreatedAt      int64  `dynamodbav:"created_at"`
}

// NewCatalogStore creates a DynamoDB catalog on tableName.
func NewCatalogStore(client *dynamodb.Client, tableName string, cfg store.CatalogConfig) *CatalogStore {
	cfg.ApplyDefaults()
	return &CatalogStore{
		client:    client,
		tableName: tableName,
		cfg:       cfg,
	}
}

func datasetKey(datasetID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: datasetPrefix + datasetID},
		"sk": &types.AttributeValueMemberS{Value: metaSortKey},
	}
}

func snapshotKey(datasetID string, snapshotID int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: datasetPrefix + datasetID},
		"sk": &types.AttributeValueMemberS{Value: snapshotSortKey(snapshotID)},
	}
}

// snapshotSortKey zero pads the id so sort keys order numerically.
func snapshotSortKey(snapshotID int64) string {
	return fmt.Sprintf("%s%020d", snapshotPrefix, snapshotID)
}

// EnsureNamespace records the namespace of an organization. Repeated calls are
// no-ops. The schema name is claimed by its own item in the same transaction,
// so two organizations never share one; a taken name fails with
// store.ErrNamespaceConflict.
func (s *CatalogStore) EnsureNamespace(ctx context.Context, organizationID, schemaName string) error {
	now := s.cfg.Now().UnixMilli()
	item, err := attributevalue.MarshalMap(namespaceItem{
		PK:             namespacePrefix + organizationID,
		SK:             metaSortKey,
		OrganizationID: organizationID,
		SchemaName:     schemaName,
		CreatedAt:      now,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal namespace: %w", err)
	}
	claim, err := attributevalue.MarshalMap(namespaceItem{
		PK:             schemaPrefix + schemaName,
		SK:             metaSortKey,
		OrganizationID: organizationID,
		SchemaName:     schemaName,
		CreatedAt:      now,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal schema claim: %w", err)
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(s.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(pk)"),
			}},
			{Put: &types.Put{
				TableName:           aws.String(s.tableName),
				Item:                claim,
				ConditionExpression: aws.String("attribute_not_exists(pk)"),
			}},
		},
	})
	if err == nil {
		return nil
	}
	if !isConditionFailed(err) {
		return wrapAWSError(err, "failed to ensure namespace")
	}

	// Either the organization is already registered or the name is taken.
	out, getErr := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: namespacePrefix + organizationID},
			"sk": &types.AttributeValueMemberS{Value: metaSortKey},
		},
		ConsistentRead: aws.Bool(true),
	})
	if getErr != nil {
		return wrapAWSError(getErr, "failed to get namespace")
	}
	if out.Item != nil {
		return nil
	}
	return store.ErrNamespaceConflict
}

// RegisterDataset adds a dataset with no snapshot.
func (s *CatalogStore) RegisterDataset(ctx context.Context, ds *models.Dataset) error {
	schema, err := json.Marshal(ds.Schema)
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}

	now := s.cfg.Now()
	createdAt := ds.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	item, err := attributevalue.MarshalMap(datasetItem{
		PK:             datasetPrefix + ds.DatasetID,
		SK:             metaSortKey,
		DatasetID:      ds.DatasetID,
		OrganizationID: ds.OrganizationID,
		Schema:         string(schema),
		GeometryType:   string(ds.GeometryType),
		CreatedAt:      createdAt.UnixMilli(),
		UpdatedAt:      now.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal dataset: %w", err)
	}

	// Use ConditionExpression to prevent duplicates
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return store.ErrDatasetAlreadyExists
		}
		return wrapAWSError(err, "failed to register dataset")
	}

	log.Debug().Str("dataset_id", ds.DatasetID).Msg("Registered dataset")
	return nil
}

// GetDataset retrieves a dataset entry.
func (s *CatalogStore) GetDataset(ctx context.Context, datasetID string) (*models.Dataset, error) {
	item, err := s.getDatasetItem(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	return item.toModel()
}

func (s *CatalogStore) getDatasetItem(ctx context.Context, datasetID string) (*datasetItem, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            datasetKey(datasetID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, wrapAWSError(err, "failed to get dataset")
	}
	if result.Item == nil {
		return nil, store.ErrDatasetNotFound
	}

	var item datasetItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dataset: %w", err)
	}
	return &item, nil
}

func (i *datasetItem) toModel() (*models.Dataset, error) {
	ds := &models.Dataset{
		DatasetID:         i.DatasetID,
		OrganizationID:    i.OrganizationID,
		GeometryType:      models.GeometryType(i.GeometryType),
		CurrentSnapshotID: i.CurrentSnapshotID,
		CreatedAt:         time.UnixMilli(i.CreatedAt).UTC(),
		UpdatedAt:         time.UnixMilli(i.UpdatedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(i.Schema), &ds.Schema); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schema: %w", err)
	}
	return ds, nil
}

// DropDataset removes the META item first so the dataset disappears at once,
// then clears its snapshot items.
func (s *CatalogStore) DropDataset(ctx context.Context, datasetID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 datasetKey(datasetID),
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return store.ErrDatasetNotFound
		}
		return wrapAWSError(err, "failed to drop dataset")
	}

	history, err := s.querySnapshots(ctx, datasetID)
	if err != nil {
		return err
	}
	if err := s.deleteSnapshots(ctx, datasetID, history); err != nil {
		return err
	}

	log.Debug().Str("dataset_id", datasetID).Int("snapshots", len(history)).Msg("Dropped dataset")
	return nil
}

// BeginTransaction takes the writer lease when it is free or expired.
func (s *CatalogStore) BeginTransaction(ctx context.Context, datasetID string) (*store.Txn, error) {
	now := s.cfg.Now()
	txn, err := store.NewTxn(datasetID, nil, now, s.cfg.WriterLeaseTTL)
	if err != nil {
		return nil, err
	}

	update := expression.Set(
		expression.Name("writer_txn_id"),
		expression.Value(txn.ID),
	).Set(
		expression.Name("writer_lease_expires_at"),
		expression.Value(txn.LeaseExpiresAt.UnixMilli()),
	)

	condition := expression.AttributeExists(expression.Name("pk")).And(
		expression.Or(
			expression.AttributeNotExists(expression.Name("writer_txn_id")),
			expression.Name("writer_lease_expires_at").LessThanEqual(expression.Value(now.UnixMilli())),
		),
	)

	expr, err := expression.NewBuilder().
		WithUpdate(update).
		WithCondition(condition).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	result, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(s.tableName),
		Key:                                 datasetKey(datasetID),
		UpdateExpression:                    expr.Update(),
		ConditionExpression:                 expr.Condition(),
		ExpressionAttributeNames:            expr.Names(),
		ExpressionAttributeValues:           expr.Values(),
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			if condErr.Item == nil {
				return nil, store.ErrDatasetNotFound
			}
			return nil, store.ErrConcurrentWriter
		}
		return nil, wrapAWSError(err, "failed to take writer lease")
	}

	var item datasetItem
	if err := attributevalue.UnmarshalMap(result.Attributes, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dataset: %w", err)
	}
	txn.BaseSnapshotID = item.CurrentSnapshotID

	if txn.BaseSnapshotID > 0 {
		base, err := s.getSnapshot(ctx, datasetID, txn.BaseSnapshotID)
		if err != nil {
			_ = s.Abort(ctx, txn)
			return nil, err
		}
		txn.BaseFiles = base.Files
	}

	log.Debug().Str("dataset_id", datasetID).Str("txn_id", txn.ID).Int64("base_snapshot_id", txn.BaseSnapshotID).Msg("Began write transaction")
	return txn, nil
}

// Commit moves the pointer and writes the snapshot item in one
// TransactWriteItems call.
func (s *CatalogStore) Commit(ctx context.Context, txn *store.Txn, req store.CommitRequest) (*models.Snapshot, error) {
	now := s.cfg.Now()
	files := append([]models.DataFile{}, req.Files...)
	snap := models.NewSnapshot(txn.DatasetID, txn.BaseSnapshotID+1, txn.BaseSnapshotID, req.Operation, files, now)

	filesJSON, err := json.Marshal(snap.Files)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal files: %w", err)
	}
	snapItem, err := attributevalue.MarshalMap(snapshotItem{
		PK:               datasetPrefix + snap.DatasetID,
		SK:               snapshotSortKey(snap.SnapshotID),
		DatasetID:        snap.DatasetID,
		SnapshotID:       snap.SnapshotID,
		ParentSnapshotID: snap.ParentSnapshotID,
		Operation:        string(snap.Operation),
		Files:            string(filesJSON),
		RowCount:         snap.RowCount,
		CreatedAt:        now.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	update := expression.Set(
		expression.Name("current_snapshot_id"),
		expression.Value(snap.SnapshotID),
	).Set(
		expression.Name("updated_at"),
		expression.Value(now.UnixMilli()),
	).Remove(
		expression.Name("writer_txn_id"),
	).Remove(
		expression.Name("writer_lease_expires_at"),
	)

	condition := expression.Name("current_snapshot_id").Equal(expression.Value(txn.BaseSnapshotID)).And(
		expression.Name("writer_txn_id").Equal(expression.Value(txn.ID)),
	)

	expr, err := expression.NewBuilder().
		WithUpdate(update).
		WithCondition(condition).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName:                 aws.String(s.tableName),
					Key:                       datasetKey(txn.DatasetID),
					UpdateExpression:          expr.Update(),
					ConditionExpression:       expr.Condition(),
					ExpressionAttributeNames:  expr.Names(),
					ExpressionAttributeValues: expr.Values(),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(s.tableName),
					Item:                snapItem,
					ConditionExpression: aws.String("attribute_not_exists(pk)"),
				},
			},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			if _, getErr := s.getDatasetItem(ctx, txn.DatasetID); getErr != nil {
				return nil, getErr
			}
			return nil, store.ErrStaleTransaction
		}
		return nil, wrapAWSError(err, "failed to commit snapshot")
	}

	log.Debug().Str("dataset_id", snap.DatasetID).Int64("snapshot_id", snap.SnapshotID).Int("files", len(snap.Files)).Msg("Committed snapshot")
	return snap, nil
}

// Abort releases the lease if txn still holds it.
func (s *CatalogStore) Abort(ctx context.Context, txn *store.Txn) error {
	update := expression.Remove(expression.Name("writer_txn_id")).
		Remove(expression.Name("writer_lease_expires_at"))
	condition := expression.Name("writer_txn_id").Equal(expression.Value(txn.ID))

	expr, err := expression.NewBuilder().
		WithUpdate(update).
		WithCondition(condition).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       datasetKey(txn.DatasetID),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil && !isConditionFailed(err) {
		return wrapAWSError(err, "failed to release writer lease")
	}
	return nil
}

// CurrentSnapshot returns the latest committed snapshot.
func (s *CatalogStore) CurrentSnapshot(ctx context.Context, datasetID string) (*models.Snapshot, error) {
	item, err := s.getDatasetItem(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if item.CurrentSnapshotID == 0 {
		return models.EmptySnapshot(datasetID), nil
	}
	return s.getSnapshot(ctx, datasetID, item.CurrentSnapshotID)
}

func (s *CatalogStore) getSnapshot(ctx context.Context, datasetID string, snapshotID int64) (*models.Snapshot, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            snapshotKey(datasetID, snapshotID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, wrapAWSError(err, "failed to get snapshot")
	}
	if result.Item == nil {
		return nil, fmt.Errorf("snapshot %d of %s missing from history: %w", snapshotID, datasetID, store.ErrStaleTransaction)
	}

	var item snapshotItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return item.toModel()
}

func (i *snapshotItem) toModel() (*models.Snapshot, error) {
	files := []models.DataFile{}
	if err := json.Unmarshal([]byte(i.Files), &files); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot files: %w", err)
	}
	return models.NewSnapshot(i.DatasetID, i.SnapshotID, i.ParentSnapshotID, models.WriteMode(i.Operation), files, time.UnixMilli(i.CreatedAt).UTC()), nil
}

// ListSnapshots returns the retained history, newest first.
func (s *CatalogStore) ListSnapshots(ctx context.Context, datasetID string) ([]*models.Snapshot, error) {
	if _, err := s.getDatasetItem(ctx, datasetID); err != nil {
		return nil, err
	}
	return s.querySnapshots(ctx, datasetID)
}

func (s *CatalogStore) querySnapshots(ctx context.Context, datasetID string) ([]*models.Snapshot, error) {
	keyCond := expression.Key("pk").Equal(expression.Value(datasetPrefix + datasetID)).
		And(expression.Key("sk").BeginsWith(snapshotPrefix))

	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(false),
		ConsistentRead:            aws.Bool(true),
	})

	var out []*models.Snapshot
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrapAWSError(err, "failed to query snapshots")
		}
		for _, raw := range page.Items {
			var item snapshotItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
			}
			snap, err := item.toModel()
			if err != nil {
				return nil, err
			}
			out = append(out, snap)
		}
	}
	return out, nil
}

// ExpireSnapshots removes history items selected by policy. The current
// pointer only moves forward, so a snapshot that is not current when read
// can never become current again.
func (s *CatalogStore) ExpireSnapshots(ctx context.Context, datasetID string, policy store.ExpirePolicy) ([]*models.Snapshot, error) {
	if policy.Now.IsZero() {
		policy.Now = s.cfg.Now()
	}

	item, err := s.getDatasetItem(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	history, err := s.querySnapshots(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	expired := policy.Expired(history, item.CurrentSnapshotID)
	if len(expired) == 0 {
		return nil, nil
	}
	if err := s.deleteSnapshots(ctx, datasetID, expired); err != nil {
		return nil, err
	}

	log.Debug().Str("dataset_id", datasetID).Int("expired", len(expired)).Msg("Expired snapshots")
	return expired, nil
}

func (s *CatalogStore) deleteSnapshots(ctx context.Context, datasetID string, snaps []*models.Snapshot) error {
	for chunk := range slices.Chunk(snaps, batchWriteLimit) {
		requests := make([]types.WriteRequest, len(chunk))
		for i, snap := range chunk {
			requests[i] = types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: snapshotKey(datasetID, snap.SnapshotID)},
			}
		}

		pending := map[string][]types.WriteRequest{s.tableName: requests}
		for len(pending) > 0 {
			result, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return wrapAWSError(err, "failed to delete snapshots")
			}
			pending = result.UnprocessedItems
		}
	}
	return nil
}

// Close is a no-op; the client belongs to the caller.
func (s *CatalogStore) Close() error {
	return nil
}
