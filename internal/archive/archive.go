// Package archive keeps a copy of every raw create-account response outside the
// database, on local disk or in S3.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"adaccount-provisioner/internal/config"
	"adaccount-provisioner/internal/models"
)

// Archiver stores one raw response for item.
type Archiver interface {
	Put(ctx context.Context, item models.Item, raw []byte) (string, error)
}

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archive names objects and hands them to an uploader.
type Archive struct {
	up  uploader
	now func() time.Time
}

// New picks S3 when a bucket is configured, the local directory when one is set,
// and otherwise returns Noop.
func New(ctx context.Context, cfg config.Config) (Archiver, error) {
	switch {
	case cfg.ArchiveS3Bucket != "":
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Archive{up: &s3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}, now: time.Now}, nil
	case cfg.ArchiveDir != "":
		return NewLocal(cfg.ArchiveDir), nil
	}
	return Noop{}, nil
}

// NewLocal writes under baseDir.
func NewLocal(baseDir string) *Archive {
	return &Archive{up: &localUploader{baseDir: baseDir}, now: time.Now}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.ArchiveS3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.ArchiveS3Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// Put uploads raw under owner/job/item.
func (a *Archive) Put(ctx context.Context, item models.Item, raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	loc, err := a.up.Upload(ctx, Key(item, a.now()), raw, "application/json")
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", item.Name, err)
	}
	return loc, nil
}

// Key is the object name for one response of item taken at t.
func Key(item models.Item, t time.Time) string {
	return sanitizeKey(fmt.Sprintf("raw/%s/%s/%s-%d.json",
		safeSegment(item.Owner), safeSegment(item.JobID), safeSegment(item.Name), t.UnixMilli()))
}

func safeSegment(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
	s = strings.Trim(s, ".")
	if s == "" {
		return "_"
	}
	return s
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	return key
}

// Noop discards everything.
type Noop struct{}

func (Noop) Put(context.Context, models.Item, []byte) (string, error) { return "", nil }

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
