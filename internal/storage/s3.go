package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"rasenpilot/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awsmiddleware "github.com/aws/smithy-go/middleware"
)

// ObjectStore is the object storage contract used by the analysis pipeline.
type ObjectStore interface {
	Upload(ctx context.Context, path, contentType string, body io.Reader) error
	Delete(ctx context.Context, path string) error
	PublicURL(path string) string
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// S3Store talks to any S3-compatible endpoint (Supabase storage, MinIO, AWS).
type S3Store struct {
	client        *s3.Client
	presignClient *s3.PresignClient
	bucket        string
	publicBaseURL string
}

// NewS3Client builds a path-style client against cfg.S3URL.
func NewS3Client(ctx context.Context, cfg *config.Config) (*s3.Client, error) {
	s3Config, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")),
		awsconfig.WithAPIOptions([]func(*awsmiddleware.Stack) error{removeDisableGzip()}),
	)
	if err != nil {
		return nil, fmt.Errorf("load s3 config: %w", err)
	}
	return s3.NewFromConfig(s3Config, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.S3URL)
		o.UsePathStyle = true
	}), nil
}

func NewS3Store(client *s3.Client, bucket, publicBaseURL string) *S3Store {
	return &S3Store{
		client:        client,
		presignClient: s3.NewPresignClient(client),
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

func (s *S3Store) Upload(ctx context.Context, path, contentType string, body io.Reader) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(path),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, path string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// PublicURL is only meaningful for public buckets; the analysis flow uses SignedURL.
func (s *S3Store) PublicURL(path string) string {
	return PublicURL(s.publicBaseURL, s.bucket, path)
}

func (s *S3Store) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	resp, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", path, err)
	}
	return resp.URL, nil
}

func PublicURL(baseURL, bucket, path string) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(baseURL, "/"), bucket, strings.TrimLeft(path, "/"))
}

// ObjectPath places an image below the owner's prefix.
func ObjectPath(owner, name string) string {
	if owner == "" {
		owner = "anonymous"
	}
	return fmt.Sprintf("analyses/%s/%s", owner, name)
}

// removeDisableGzip is a workaround for S3 signature errors with some S3-compatible services.
// See: https://github.com/supabase/storage/issues/577
func removeDisableGzip() func(*awsmiddleware.Stack) error {
	return func(stack *awsmiddleware.Stack) error {
		if _, ok := stack.Finalize.Get("DisableAcceptEncodingGzip"); ok {
			_, err := stack.Finalize.Remove("DisableAcceptEncodingGzip")
			return err
		}
		return nil
	}
}
