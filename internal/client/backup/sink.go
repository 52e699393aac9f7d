package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

const (
	fileNameLayout  = "20060102T150405Z"
	jsonContentType = "application/json"
)

var (
	errMissingBucket    = errors.New("backup: s3 bucket is required")
	errMissingDirectory = errors.New("backup: directory is required")
)

// Sink stores an encoded backup under name and returns where it landed.
type Sink interface {
	Write(ctx context.Context, name string, data []byte) (string, error)
}

// FileName names a backup taken at the given moment.
func FileName(exportedAt time.Time) string {
	return fmt.Sprintf("prcalc-backup-%s.json", exportedAt.UTC().Format(fileNameLayout))
}

// Encode renders the document the way it is stored on disk.
func Encode(document BackupV1) ([]byte, error) {
	encoded, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode backup: %w", err)
	}
	return append(encoded, '\n'), nil
}

// WriteBackup encodes the document and hands it to sink.
func WriteBackup(ctx context.Context, sink Sink, document BackupV1, exportedAt time.Time) (string, error) {
	encoded, err := Encode(document)
	if err != nil {
		return "", err
	}
	return sink.Write(ctx, FileName(exportedAt), encoded)
}

// FileSink writes backups into a local directory.
type FileSink struct {
	Dir string
}

func (s FileSink) Write(_ context.Context, name string, data []byte) (string, error) {
	if strings.TrimSpace(s.Dir) == "" {
		return "", errMissingDirectory
	}
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}
	target := filepath.Join(s.Dir, filepath.Base(name))
	if err := os.WriteFile(target, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}
	return target, nil
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config describes the bucket backups are uploaded to. Endpoint overrides
// the AWS endpoint for S3-compatible stores such as MinIO.
type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
	Logger   *zap.Logger
}

// S3Sink uploads backups as objects.
type S3Sink struct {
	client objectPutter
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3Sink resolves credentials through the default AWS chain.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errMissingBucket
	}
	var options []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		options = append(options, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Sink(client, cfg), nil
}

func newS3Sink(client objectPutter, cfg S3Config) *S3Sink {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Sink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, logger: logger}
}

func (s *S3Sink) Write(ctx context.Context, name string, data []byte) (string, error) {
	key := path.Join(s.prefix, name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(jsonContentType),
	})
	if err != nil {
		s.logger.Error("backup upload failed", zap.String("bucket", s.bucket), zap.String("key", key), zap.Error(err))
		return "", fmt.Errorf("failed to upload backup: %w", err)
	}
	location := fmt.Sprintf("s3://%s/%s", s.bucket, key)
	s.logger.Info("backup uploaded", zap.String("location", location), zap.Int("bytes", len(data)))
	return location, nil
}
