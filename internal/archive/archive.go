// Package archive copies public certificate material off the host after each
// issuance or renewal. Private keys are never archived.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/jmerrifield20/freessl/internal/issuer"
	"go.uber.org/zap"
)

// Archiver stores a copy of a certificate's material.
type Archiver interface {
	Archive(ctx context.Context, certID uuid.UUID, storagePath string) error
}

// NoopArchiver discards archive requests.
type NoopArchiver struct{}

// Archive implements Archiver.
func (NoopArchiver) Archive(context.Context, uuid.UUID, string) error { return nil }

// archivedFiles are uploaded in this order; privkey.pem is deliberately absent.
var archivedFiles = []string{issuer.CertFile, issuer.ChainFile, issuer.ManifestFile}

// PutObjectAPI is the subset of the S3 client used by S3Archiver.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures S3Archiver.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string // S3-compatible endpoint (MinIO, R2); empty for AWS
	Prefix    string
	AccessKey string
	SecretKey string
}

// S3Archiver uploads material to <prefix>/<cert id>/<file>.
type S3Archiver struct {
	client PutObjectAPI
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3Archiver builds an S3 client from cfg. Static credentials are used
// when both keys are set; otherwise the default AWS chain applies.
func NewS3Archiver(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3Archiver, error) {
	if cfg.Bucket == "" || cfg.Region == "" {
		return nil, fmt.Errorf("archive: bucket and region are required")
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3ArchiverWithClient(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewS3ArchiverWithClient wraps an existing client.
func NewS3ArchiverWithClient(client PutObjectAPI, bucket, prefix string, logger *zap.Logger) *S3Archiver {
	return &S3Archiver{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}
}

// Archive implements Archiver. Missing optional files (chain, manifest) are
// skipped; a missing cert.pem is an error.
func (a *S3Archiver) Archive(ctx context.Context, certID uuid.UUID, storagePath string) error {
	uploaded := 0
	for _, name := range archivedFiles {
		data, err := os.ReadFile(filepath.Join(storagePath, name))
		if err != nil {
			if os.IsNotExist(err) && name != issuer.CertFile {
				continue
			}
			return fmt.Errorf("read %s: %w", name, err)
		}
		key := a.key(certID, name)
		if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentType(name)),
		}); err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
		uploaded++
	}
	a.logger.Debug("certificate material archived",
		zap.String("cert_id", certID.String()),
		zap.String("bucket", a.bucket),
		zap.Int("files", uploaded),
	)
	return nil
}

func (a *S3Archiver) key(certID uuid.UUID, name string) string {
	if a.prefix == "" {
		return path.Join(certID.String(), name)
	}
	return path.Join(a.prefix, certID.String(), name)
}

func contentType(name string) string {
	if strings.HasSuffix(name, ".toml") {
		return "application/toml"
	}
	return "application/x-pem-file"
}
