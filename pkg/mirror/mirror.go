// Package mirror uploads published build artifacts to S3-compatible
// object storage, so a build farm can share a workspace's results without
// sharing its filesystem.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/spectreeops/spectree/pkg/fingerprint"
)

// Config configures the artifact mirror.
//
// Authentication follows the AWS SDK v2 default chain unless explicit
// credentials are given. For S3-compatible stores (MinIO, Wasabi, ...) set
// Endpoint and usually ForcePathStyle.
type Config struct {
	// URI is the destination, of the form s3://bucket[/prefix].
	URI string

	// Region is the AWS region; empty lets the SDK resolve it.
	Region string

	// Profile selects a shared-config profile.
	Profile string

	// Endpoint is a custom endpoint for S3-compatible stores.
	Endpoint string

	// AccessKeyID and SecretAccessKey are explicit credentials; both must
	// be set together.
	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle forces path-style URLs (needed by most S3-compatible
	// stores).
	ForcePathStyle bool
}

// objectPutter is the slice of the S3 client the mirror uses; tests
// substitute a fake.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader mirrors build artifact directories into an object store prefix.
type Uploader struct {
	client objectPutter
	bucket string
	prefix string
	logger *zap.Logger
}

// ParseURI splits an s3://bucket/prefix destination.
func ParseURI(raw string) (bucket, prefix string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid mirror URI %q: %w", raw, err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("mirror URI must be s3://bucket[/prefix], got %q", raw)
	}
	return u.Host, strings.Trim(u.Path, "/"), nil
}

// New builds an Uploader from config.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Uploader, error) {
	bucket, prefix, err := ParseURI(cfg.URI)
	if err != nil {
		return nil, err
	}
	if (cfg.AccessKeyID != "") != (cfg.SecretAccessKey != "") {
		return nil, fmt.Errorf("access key ID and secret access key must be provided together")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &Uploader{client: client, bucket: bucket, prefix: prefix, logger: logger}, nil
}

// newWithClient is the test constructor.
func newWithClient(client objectPutter, bucket, prefix string, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

// Upload mirrors every regular file under dir to
// <prefix>/<build-key>/<relative path>.
func (u *Uploader) Upload(ctx context.Context, key fingerprint.BuildKey, dir string) error {
	count := 0
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		objectKey := path.Join(u.prefix, key.DirName(), filepath.ToSlash(rel))

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()

		if _, err := u.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(u.bucket),
			Key:    aws.String(objectKey),
			Body:   f,
		}); err != nil {
			return fmt.Errorf("put s3://%s/%s: %w", u.bucket, objectKey, describeAWSError(err))
		}
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("mirror %s: %w", key, err)
	}
	u.logger.Info("mirrored artifacts",
		zap.String("build_key", key.String()),
		zap.String("bucket", u.bucket),
		zap.Int("objects", count))
	return nil
}

// describeAWSError surfaces the service error code when present, which is
// far more actionable than the SDK's operation wrapper chain.
func describeAWSError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	return err
}
