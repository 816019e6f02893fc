// Package archive copies a scan's raw result files to S3 before the
// working directory is removed.
package archive

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// PutObjectAPI defines the S3 operation used by the archiver.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config holds archive settings. An empty Bucket disables archiving.
type Config struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// Enabled reports whether a bucket is configured.
func (c Config) Enabled() bool {
	return c.Bucket != ""
}

// Stats summarizes one archive run.
type Stats struct {
	Files int
	Bytes int64
}

// S3Archiver uploads directory trees under <prefix>/<scan_id>/.
type S3Archiver struct {
	client PutObjectAPI
	bucket string
	prefix string
}

// New creates an archiver over an existing client.
func New(client PutObjectAPI, bucket, prefix string) *S3Archiver {
	return &S3Archiver{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// NewFromConfig loads the default AWS credential chain and builds an S3 client.
func NewFromConfig(ctx context.Context, cfg Config) (*S3Archiver, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("archive: bucket is required")
	}

	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return New(client, cfg.Bucket, cfg.Prefix), nil
}

// Key returns the object key for a file relative to the scan directory.
func (a *S3Archiver) Key(scanID, rel string) string {
	rel = filepath.ToSlash(rel)
	if a.prefix == "" {
		return path.Join(scanID, rel)
	}
	return path.Join(a.prefix, scanID, rel)
}

// Archive uploads every regular file under dir. The first failed upload
// aborts the run.
func (a *S3Archiver) Archive(ctx context.Context, scanID, dir string) (Stats, error) {
	var stats Stats
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		n, err := a.upload(ctx, a.Key(scanID, rel), p)
		if err != nil {
			return err
		}
		stats.Files++
		stats.Bytes += n
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("archive %s: %w", scanID, err)
	}
	return stats, nil
}

func (a *S3Archiver) upload(ctx context.Context, key, file string) (int64, error) {
	f, err := os.Open(file)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	}
	if strings.HasSuffix(file, ".json") {
		input.ContentType = aws.String("application/json")
	}
	if _, err := a.client.PutObject(ctx, input); err != nil {
		return 0, fmt.Errorf("put s3://%s/%s: %w", a.bucket, key, err)
	}
	return info.Size(), nil
}
