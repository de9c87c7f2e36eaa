package s3archive

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/TunnelFox/internal/pkg/env"
)

// Config holds the attempt archive bucket settings
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // Optional for S3-compatible services
	Prefix          string
	Enabled         bool
}

// LoadConfig loads S3 configuration from environment variables
func LoadConfig() (*Config, error) {
	config := &Config{
		AccessKeyID:     env.GetEnv("S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("S3_REGION", "us-east-1"),
		BucketName:      env.GetEnv("S3_BUCKET_NAME", ""),
		EndpointURL:     env.GetEnv("S3_ENDPOINT_URL", ""),
		Prefix:          strings.Trim(env.GetEnv("S3_ARCHIVE_PREFIX", ""), "/"),
		Enabled:         env.GetEnv("S3_ARCHIVE_ENABLED", "false") == "true",
	}

	if config.Enabled {
		if config.AccessKeyID == "" {
			return nil, errors.New("S3_ACCESS_KEY_ID is required when the attempt archive is enabled")
		}
		if config.SecretAccessKey == "" {
			return nil, errors.New("S3_SECRET_ACCESS_KEY is required when the attempt archive is enabled")
		}
		if config.BucketName == "" {
			return nil, errors.New("S3_BUCKET_NAME is required when the attempt archive is enabled")
		}
	}

	return config, nil
}

// IsEnabled returns true if archiving is switched on
func (c *Config) IsEnabled() bool {
	return c.Enabled
}

// ObjectKey returns attempts/YYYY/MM/DD/<id>.jsonl below the optional prefix.
func (c *Config) ObjectKey(day time.Time, id string) string {
	day = day.UTC()
	key := fmt.Sprintf("attempts/%04d/%02d/%02d/%s.jsonl", day.Year(), int(day.Month()), day.Day(), id)
	if c.Prefix != "" {
		return c.Prefix + "/" + key
	}
	return key
}
