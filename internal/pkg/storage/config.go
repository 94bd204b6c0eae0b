package storage

import (
	"errors"
	"fmt"

	"github.com/cardlinkhq/cardlink/internal/pkg/env"
)

// Config holds the S3 configuration for card artwork storage.
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // Optional for S3-compatible services
	Enabled         bool
}

// LoadConfig loads the artwork storage configuration from environment variables
func LoadConfig() (*Config, error) {
	config := &Config{
		AccessKeyID:     env.GetEnv("S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("S3_REGION", "us-west-001"),
		BucketName:      env.GetEnv("S3_BUCKET_NAME", ""),
		EndpointURL:     env.GetEnv("S3_ENDPOINT_URL", ""),
		Enabled:         env.GetEnv("S3_ARTWORK_ENABLED", "false") == "true",
	}

	if config.Enabled {
		if config.AccessKeyID == "" {
			return nil, errors.New("S3_ACCESS_KEY_ID is required when artwork storage is enabled")
		}
		if config.SecretAccessKey == "" {
			return nil, errors.New("S3_SECRET_ACCESS_KEY is required when artwork storage is enabled")
		}
		if config.BucketName == "" {
			return nil, errors.New("S3_BUCKET_NAME is required when artwork storage is enabled")
		}
	}

	return config, nil
}

// IsEnabled returns true if artwork storage is enabled
func (c *Config) IsEnabled() bool {
	return c.Enabled
}

// ArtworkKey generates the S3 object key for an order's artwork file.
// Format: artwork/<order public id>/<file name>
func (c *Config) ArtworkKey(orderPublicID, fileName string) string {
	return fmt.Sprintf("artwork/%s/%s", orderPublicID, fileName)
}

// GetAppEnv returns the current application environment
func GetAppEnv() string {
	return env.GetEnv("APP_ENV", "dev")
}
