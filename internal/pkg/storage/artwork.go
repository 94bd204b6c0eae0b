package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gofiber/fiber/v2/log"
)

// ArtworkStore persists customer card artwork in S3. Print-ready files are
// uploaded once per order and read back by the fulfillment side.
type ArtworkStore struct {
	s3Client *s3.Client
	config   *Config
}

// NewArtworkStore creates the store from a loaded configuration
func NewArtworkStore(cfg *Config) (*ArtworkStore, error) {
	if !cfg.IsEnabled() {
		return nil, fmt.Errorf("artwork storage is disabled")
	}

	awsConfig, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			// S3-compatible services need path-style URLs
			o.UsePathStyle = true
			o.UseAccelerate = false
		}
	})

	store := &ArtworkStore{
		s3Client: s3Client,
		config:   cfg,
	}

	if err := store.testConnection(); err != nil {
		return nil, fmt.Errorf("failed to connect to S3: %w", err)
	}

	log.Infof("[Artwork] Successfully initialized S3 client for bucket: %s", cfg.BucketName)
	return store, nil
}

// testConnection checks that the configured bucket is reachable
func (s *ArtworkStore) testConnection() error {
	ctx := context.Background()

	_, err := s.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.config.BucketName),
	})

	if err != nil {
		// Outside prod a missing bucket is created on the fly
		if GetAppEnv() != "prod" {
			log.Warnf("[Artwork] Bucket %s not found, attempting to create it", s.config.BucketName)
			return s.createBucket()
		}
		return fmt.Errorf("bucket %s not accessible: %w", s.config.BucketName, err)
	}

	return nil
}

func (s *ArtworkStore) createBucket() error {
	ctx := context.Background()

	input := &s3.CreateBucketInput{
		Bucket: aws.String(s.config.BucketName),
	}

	// AWS regions other than us-east-1 need the location constraint;
	// S3-compatible endpoints must not set it.
	if s.config.EndpointURL == "" && s.config.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.config.Region),
		}
	}

	if _, err := s.s3Client.CreateBucket(ctx, input); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", s.config.BucketName, err)
	}

	log.Infof("[Artwork] Successfully created bucket: %s", s.config.BucketName)
	return nil
}

// Upload stores one artwork file for an order and returns its object key.
func (s *ArtworkStore) Upload(ctx context.Context, orderPublicID, fileName string, body io.Reader, size int64) (string, error) {
	objectKey := s.config.ArtworkKey(orderPublicID, fileName)
	contentType := artworkContentType(filepath.Ext(fileName))

	log.Infof("[Artwork] Starting upload: s3://%s/%s (Size: %d bytes)",
		s.config.BucketName, objectKey, size)

	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.config.BucketName),
		Key:           aws.String(objectKey),
		Body:          body,
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(size),
		Metadata: map[string]string{
			"order-public-id": orderPublicID,
			"upload-source":   "cardlink-artwork",
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	log.Infof("[Artwork] Successfully uploaded: s3://%s/%s", s.config.BucketName, objectKey)
	return objectKey, nil
}

// Download streams an artwork object to the given writer.
func (s *ArtworkStore) Download(ctx context.Context, objectKey string, w io.Writer) error {
	result, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.BucketName),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer result.Body.Close()

	if _, err := io.Copy(w, result.Body); err != nil {
		return fmt.Errorf("failed to copy data: %w", err)
	}
	return nil
}

// Delete removes an artwork object.
func (s *ArtworkStore) Delete(ctx context.Context, objectKey string) error {
	_, err := s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.config.BucketName),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object from S3: %w", err)
	}

	log.Infof("[Artwork] Successfully deleted: s3://%s/%s", s.config.BucketName, objectKey)
	return nil
}

// Exists checks whether an artwork object is present.
func (s *ArtworkStore) Exists(ctx context.Context, objectKey string) (bool, error) {
	_, err := s.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.config.BucketName),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

// artworkContentType maps the accepted print file extensions to MIME types
func artworkContentType(ext string) string {
	switch strings.ToLower(ext) {
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".svg":
		return "image/svg+xml"
	default:
		return "application/octet-stream"
	}
}
