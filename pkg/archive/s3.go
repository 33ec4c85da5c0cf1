// Package archive uploads completed clearing results to S3-compatible object
// storage (AWS S3, MinIO, R2).
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/uhyunpark/veil/pkg/auction"
	"github.com/uhyunpark/veil/pkg/util"
)

const (
	queueSize   = 64
	maxAttempts = 3
)

type S3Config struct {
	// Endpoint is left empty for AWS S3.
	Endpoint       string
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	UseSSL         bool
	ForcePathStyle bool
}

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver queues completed results and uploads them from Run, so the
// round machine never waits on the network.
type S3Archiver struct {
	client objectPutter
	bucket string
	queue  chan auction.ClearingResult
	retry  time.Duration
	logger *zap.SugaredLogger
}

func NewS3Archiver(ctx context.Context, cfg S3Config, logger *zap.SugaredLogger) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("archive: region is required")
	}
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := normaliseEndpoint(cfg.Endpoint, cfg.UseSSL)
		opts = append(opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(endpoint) })
	}
	if cfg.ForcePathStyle {
		opts = append(opts, func(o *s3.Options) { o.UsePathStyle = true })
	}
	return newS3Archiver(s3.NewFromConfig(awsCfg, opts...), cfg.Bucket, logger), nil
}

func newS3Archiver(client objectPutter, bucket string, logger *zap.SugaredLogger) *S3Archiver {
	return &S3Archiver{
		client: client,
		bucket: bucket,
		queue:  make(chan auction.ClearingResult, queueSize),
		retry:  time.Second,
		logger: util.OrNop(logger),
	}
}

func normaliseEndpoint(endpoint string, useSSL bool) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

// ResultKey is the object key of a round's result.
func ResultKey(round auction.RoundID) string {
	return fmt.Sprintf("rounds/%d/result.json", round)
}

// RoundCompleted queues res for upload. A full queue drops the result with a warning.
func (a *S3Archiver) RoundCompleted(_ context.Context, res auction.ClearingResult, _ []auction.OrderView) {
	select {
	case a.queue <- res:
	default:
		a.logger.Warnw("archive_queue_full", "round", res.RoundID)
	}
}

// Run uploads queued results until ctx is done.
func (a *S3Archiver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case res := <-a.queue:
			a.upload(ctx, res)
		}
	}
}

func (a *S3Archiver) upload(ctx context.Context, res auction.ClearingResult) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := a.Put(ctx, res)
		if err == nil {
			a.logger.Infow("round_result_archived", "round", res.RoundID, "key", ResultKey(res.RoundID))
			return
		}
		a.logger.Warnw("round_result_archive_failed", "round", res.RoundID, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.retry * time.Duration(attempt)):
		}
	}
}

// Put uploads one result synchronously.
func (a *S3Archiver) Put(ctx context.Context, res auction.ClearingResult) error {
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("archive: marshal round %d: %w", res.RoundID, err)
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(ResultKey(res.RoundID)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive: put %s: %w", ResultKey(res.RoundID), err)
	}
	return nil
}
