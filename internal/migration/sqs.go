package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog/log"
)

const (
	sqsMaxMessages          = 10    // SQS maximum messages per ReceiveMessage and batch call
	sqsMaxVisibilitySeconds = 43200 // SQS maximum visibility timeout (12 hours)
)

// SQSQueueConfig configures an SQS backed queue.
type SQSQueueConfig struct {
	QueueURL string `help:"SQS queue URL for migration requests." env:"LAYERSTORE_MIGRATION_QUEUE_URL"`

	// WaitTimeSeconds enables long polling in Receive.
	// Default: 20
	WaitTimeSeconds int32 `help:"SQS long polling wait in seconds." default:"20" env:"LAYERSTORE_MIGRATION_QUEUE_WAIT"`

	// VisibilityTimeoutSeconds should cover one migration.
	// Default: 1800
	VisibilityTimeoutSeconds int32 `help:"SQS visibility timeout in seconds." default:"1800" env:"LAYERSTORE_MIGRATION_QUEUE_VISIBILITY"`
}

type sqsMigrationMessage struct {
	DatasetID string `json:"dataset_id"`
}

// SQSQueue implements Queue on Amazon SQS.
type SQSQueue struct {
	client *sqs.Client
	cfg    SQSQueueConfig
}

var _ Queue = (*SQSQueue)(nil)

// NewSQSQueue creates a queue on client.
func NewSQSQueue(client *sqs.Client, cfg SQSQueueConfig) *SQSQueue {
	if cfg.WaitTimeSeconds == 0 {
		cfg.WaitTimeSeconds = 20
	}
	if cfg.VisibilityTimeoutSeconds == 0 {
		cfg.VisibilityTimeoutSeconds = 1800
	}
	return &SQSQueue{client: client, cfg: cfg}
}

// Enqueue sends one message per dataset id in batches of ten.
func (q *SQSQueue) Enqueue(ctx context.Context, datasetIDs []string) error {
	for batch := range slices.Chunk(datasetIDs, sqsMaxMessages) {
		entries := make([]sqstypes.SendMessageBatchRequestEntry, 0, len(batch))
		for i, id := range batch {
			body, err := json.Marshal(sqsMigrationMessage{DatasetID: id})
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			entries = append(entries, sqstypes.SendMessageBatchRequestEntry{
				Id:          aws.String(strconv.Itoa(i)),
				MessageBody: aws.String(string(body)),
			})
		}

		out, err := q.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(q.cfg.QueueURL),
			Entries:  entries,
		})
		if err != nil {
			return fmt.Errorf("failed to send messages to SQS: %w", err)
		}
		if len(out.Failed) > 0 {
			f := out.Failed[0]
			return fmt.Errorf("failed to send %d of %d messages to SQS: %s: %s",
				len(out.Failed), len(entries), aws.ToString(f.Code), aws.ToString(f.Message))
		}
	}
	return nil
}

// Receive long polls for up to limit messages. Malformed messages are
// deleted and skipped.
func (q *SQSQueue) Receive(ctx context.Context, limit int) ([]Message, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.cfg.QueueURL),
		MaxNumberOfMessages: int32(min(max(limit, 1), sqsMaxMessages)), //nolint:gosec // bounded above
		WaitTimeSeconds:     q.cfg.WaitTimeSeconds,
		VisibilityTimeout:   min(q.cfg.VisibilityTimeoutSeconds, sqsMaxVisibilitySeconds),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive messages from SQS: %w", err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		var body sqsMigrationMessage
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &body); err != nil || body.DatasetID == "" {
			log.Warn().Str("message_id", aws.ToString(m.MessageId)).Msg("Skipping poison message")
			_ = q.Ack(ctx, Message{handle: aws.ToString(m.ReceiptHandle)})
			continue
		}
		msgs = append(msgs, Message{DatasetID: body.DatasetID, handle: aws.ToString(m.ReceiptHandle)})
	}
	return msgs, nil
}

// Ack deletes the message.
func (q *SQSQueue) Ack(ctx context.Context, msg Message) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.cfg.QueueURL),
		ReceiptHandle: aws.String(msg.handle),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message from SQS: %w", err)
	}
	return nil
}
