// Package service contains the business logic layer.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "github.com/marketcompass/compass/internal/config"
)

// StorageService handles object storage (Tigris/S3-compatible). It holds
// the short-retention debug captures of raw provider and LLM payloads;
// nothing in the pipeline depends on it being enabled.
type StorageService struct {
	client  *s3.Client
	bucket  string
	maxAge  time.Duration
	enabled bool
	logger  *slog.Logger
}

// NewStorageService creates a new storage service.
func NewStorageService(cfg *appconfig.Config, logger *slog.Logger) (*StorageService, error) {
	if !cfg.StorageEnabled {
		logger.Info("storage service disabled - no bucket configured")
		return &StorageService{
			enabled: false,
			maxAge:  cfg.DebugCaptureMaxAge,
			logger:  logger,
		}, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.StorageRegion),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.StorageAccessKey,
			cfg.StorageSecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Custom endpoint + path style for S3-compatible stores (Tigris, MinIO).
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.StorageEndpoint)
		o.UsePathStyle = true
	})

	logger.Info("storage service initialized",
		"bucket", cfg.StorageBucket,
		"endpoint", cfg.StorageEndpoint,
	)

	return &StorageService{
		client:  client,
		bucket:  cfg.StorageBucket,
		maxAge:  cfg.DebugCaptureMaxAge,
		enabled: true,
		logger:  logger,
	}, nil
}

// IsEnabled returns whether storage is configured and available.
func (s *StorageService) IsEnabled() bool {
	return s.enabled
}

// DebugCapture is one stored raw payload from an upstream exchange.
type DebugCapture struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"` // "shopping", "detail", "llm_match", "llm_suggest"
	Key       string          `json:"key"`  // request fingerprint or cache key
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// StoreDebugCapture writes one capture under debug/{kind}/{date}/{id}.json.
// Failures are logged and swallowed: captures are best-effort.
func (s *StorageService) StoreDebugCapture(ctx context.Context, capture DebugCapture) {
	if !s.enabled {
		return
	}
	if capture.Timestamp.IsZero() {
		capture.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(capture)
	if err != nil {
		s.logger.Warn("failed to encode debug capture", "error", err)
		return
	}

	key := fmt.Sprintf("debug/%s/%s/%s.json",
		capture.Kind, capture.Timestamp.Format("2006-01-02"), capture.ID)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		s.logger.Warn("failed to store debug capture", "key", key, "error", err)
		return
	}
	s.logger.Debug("stored debug capture", "key", key, "size", len(data))
}

// CleanupDebugCaptures deletes captures older than the retention window.
// Returns the number of objects deleted.
func (s *StorageService) CleanupDebugCaptures(ctx context.Context) (int, error) {
	if !s.enabled {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-s.maxAge)
	deleted := 0

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String("debug/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return deleted, fmt.Errorf("failed to list debug captures: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.LastModified == nil || obj.LastModified.After(cutoff) {
				continue
			}
			_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			})
			if err != nil {
				s.logger.Warn("failed to delete debug capture", "key", aws.ToString(obj.Key), "error", err)
				continue
			}
			deleted++
		}
	}

	if deleted > 0 {
		s.logger.Info("cleaned up debug captures", "deleted", deleted, "cutoff", cutoff)
	}
	return deleted, nil
}
