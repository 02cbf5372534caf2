// Package storage persists document content in an S3-compatible object
// store (MinIO in the standard deployment).
//
// Layout: extracted text lives at raw/<doc_id>; for PDFs the original
// bytes are also kept at original/<doc_id>.pdf.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dtcforge/refinery/pkg/config"
)

// Store is the object-store client for document content.
type Store struct {
	client *s3.Client
	bucket string

	ensureOnce sync.Once
	ensureErr  error
}

// New builds a Store against the configured endpoint. MinIO requires
// path-style addressing and an immutable hostname.
func New(ctx context.Context, cfg config.StorageConfig) (*Store, error) {
	endpoint := cfg.EndpointURL()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load storage config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String(endpoint)
	})

	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// NewFromClient wraps an existing S3 client (used by tests).
func NewFromClient(client *s3.Client, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

// RawKey is the object key for a document's extracted text.
func RawKey(docID string) string {
	return "raw/" + docID
}

// OriginalPDFKey is the object key for a document's original PDF bytes.
func OriginalPDFKey(docID string) string {
	return "original/" + docID + ".pdf"
}

// EnsureBucket creates the bucket if it does not exist. Safe to call
// repeatedly; only the first call talks to the server.
func (s *Store) EnsureBucket(ctx context.Context) error {
	s.ensureOnce.Do(func() {
		_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
			Bucket: aws.String(s.bucket),
		})
		if err == nil {
			return
		}
		if _, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{
			Bucket: aws.String(s.bucket),
		}); err != nil {
			s.ensureErr = fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
		}
	})
	return s.ensureErr
}

// StoreText writes UTF-8 text under key.
func (s *Store) StoreText(ctx context.Context, key, content, contentType string) error {
	return s.StoreBytes(ctx, key, []byte(content), contentType)
}

// StoreBytes writes raw bytes under key.
func (s *Store) StoreBytes(ctx context.Context, key string, data []byte, contentType string) error {
	if err := s.EnsureBucket(ctx); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to store object %s: %w", key, err)
	}
	return nil
}

// GetText reads an object as UTF-8 text.
func (s *Store) GetText(ctx context.Context, key string) (string, error) {
	data, err := s.GetBytes(ctx, key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// GetBytes reads an object's full contents.
func (s *Store) GetBytes(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}
