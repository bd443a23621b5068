package media

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// S3Config holds object-storage configuration.
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PublicURL string
	PathStyle bool
}

// S3Store writes media assets to an S3-compatible bucket and resolves their
// public URLs.
type S3Store struct {
	client *s3.Client
	cfg    S3Config
}

// NewS3Store builds the S3 client once at process start; handlers receive it
// through the media pipeline rather than a process-wide singleton.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("S3 credentials not configured")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket not configured")
	}

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}

	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: cfg.PathStyle,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		awsCfg.EndpointResolverWithOptions = resolver
	}

	// Dots in bucket names break virtual-hosted TLS; force path style.
	usePathStyle := cfg.PathStyle
	if strings.Contains(cfg.Bucket, ".") {
		usePathStyle = true
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
	})

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("region", cfg.Region).
		Str("endpoint", cfg.Endpoint).
		Msg("S3 client initialized")

	return &S3Store{client: client, cfg: cfg}, nil
}

// Upload writes one object. Image, video and PDF objects get an inline
// content disposition so browsers preview them.
func (s *S3Store) Upload(ctx context.Context, key string, data []byte, mimeType string) error {
	contentType := mimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	input := &s3.PutObjectInput{
		Bucket:       aws.String(s.cfg.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("public, max-age=3600"),
	}
	if strings.HasPrefix(contentType, "image/") || strings.HasPrefix(contentType, "video/") || contentType == "application/pdf" {
		input.ContentDisposition = aws.String("inline")
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		log.Error().
			Str("key", key).
			Str("bucket", s.cfg.Bucket).
			Int("size", len(data)).
			Err(err).
			Msg("Failed to upload object to S3")
		return fmt.Errorf("upload to S3: %w", err)
	}

	log.Debug().
		Str("key", key).
		Str("mimeType", contentType).
		Int("size", len(data)).
		Msg("Object uploaded to S3")
	return nil
}

// PublicURL resolves the stable public reference for an object key.
func (s *S3Store) PublicURL(key string) string {
	if s.cfg.PublicURL != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(s.cfg.PublicURL, "/"), s.cfg.Bucket, key)
	}

	usePathStyle := s.cfg.PathStyle
	if strings.Contains(s.cfg.Bucket, ".") {
		usePathStyle = true
	}

	if s.cfg.Endpoint != "" && !strings.Contains(s.cfg.Endpoint, "amazonaws.com") {
		if usePathStyle {
			return fmt.Sprintf("%s/%s/%s", strings.TrimRight(s.cfg.Endpoint, "/"), s.cfg.Bucket, key)
		}
		endpoint := strings.TrimPrefix(s.cfg.Endpoint, "https://")
		endpoint = strings.TrimPrefix(endpoint, "http://")
		return fmt.Sprintf("https://%s.%s/%s", s.cfg.Bucket, endpoint, key)
	}

	if usePathStyle {
		return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", s.cfg.Region, s.cfg.Bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.Bucket, s.cfg.Region, key)
}
