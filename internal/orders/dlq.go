package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/aristath/marketstream/internal/domain"
)

// DLQArchiver durably archives dead-lettered OrderTasks to an
// S3-compatible bucket, the way internal/reliability/r2_backup_service.go
// uploads backup archives: one JSON object per task, keyed so an operator
// (or an audit job) can list everything dead-lettered for an account.
//
// A nil Archiver (empty bucket in config) disables archival; the DLQ
// channel exposed by Executor is still populated either way, per §4.7
// "exposed on the DLQ channel for operator review".
type DLQArchiver struct {
	client *s3.Client
	bucket string
	log    zerolog.Logger
}

// NewDLQArchiver builds an archiver from static credentials, or returns
// (nil, nil) if bucket is empty — archival is optional per §6.6.
func NewDLQArchiver(ctx context.Context, bucket, region, accessKeyID, secretAccessKey string, log zerolog.Logger) (*DLQArchiver, error) {
	if bucket == "" {
		return nil, nil
	}

	var optFns []func(*awsconfig.LoadOptions) error
	optFns = append(optFns, awsconfig.WithRegion(region))
	if accessKeyID != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("orders: load aws config for dlq archiver: %w", err)
	}

	return &DLQArchiver{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		log:    log.With().Str("component", "dlq_archiver").Logger(),
	}, nil
}

// Archive uploads the dead-lettered task as a JSON object under
// dead-letters/<account>/<task_id>.json.
func (a *DLQArchiver) Archive(ctx context.Context, task *domain.OrderTask) error {
	if a == nil {
		return nil
	}

	body, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("orders: marshal dead letter %s: %w", task.TaskID, err)
	}

	key := fmt.Sprintf("dead-letters/%s/%s.json", task.Request.AccountID, task.TaskID)
	uploadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err = a.client.PutObject(uploadCtx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("orders: upload dead letter %s to s3: %w", task.TaskID, err)
	}

	a.log.Info().Str("task_id", task.TaskID).Str("key", key).Msg("dead letter archived")
	return nil
}
