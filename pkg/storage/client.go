// Package storage mirrors the repository tree into an S3 bucket.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/aurcache/aurcache/pkg/errors"
)

// Options configures the mirror bucket.
type Options struct {
	Bucket   string
	Region   string
	Endpoint string // non-AWS endpoints use path-style addressing
	Prefix   string
}

// Client provides S3 storage operations
type Client struct {
	s3Client *s3.Client
	bucket   string
	prefix   string
}

// NewClient creates an S3 client using the default credential chain.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	slog.Info("s3_client_init", "bucket", opts.Bucket, "region", opts.Region, "endpoint", opts.Endpoint)

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(opts.Region))
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	slog.Info("s3_client_created", "bucket", opts.Bucket)

	return &Client{
		s3Client: s3Client,
		bucket:   opts.Bucket,
		prefix:   strings.Trim(opts.Prefix, "/"),
	}, nil
}

// Key maps a repository-relative path to its object key.
func (c *Client) Key(rel string) string {
	if c.prefix == "" {
		return rel
	}
	return path.Join(c.prefix, rel)
}

// Upload stores the local file at rel, recording its SHA-256 as metadata.
func (c *Client) Upload(ctx context.Context, rel, localPath string) error {
	key := c.Key(rel)

	f, err := os.Open(localPath)
	if err != nil {
		return errors.Wrap(err, "failed to open local file")
	}
	defer f.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, f)
	if err != nil {
		return errors.Wrap(err, "failed to hash local file")
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "failed to rewind local file")
	}
	checksum := hex.EncodeToString(hash.Sum(nil))

	_, err = c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(size),
		Metadata:      map[string]string{"sha256": checksum},
	})
	if err != nil {
		slog.Error("s3_put_object_failed", "s3_key", key, "error", err)
		return errors.Wrap(err, "failed to upload object")
	}

	slog.Info("s3_upload_complete", "s3_key", key, "size_mb", size/1024/1024, "sha256", checksum[:16]+"...")
	return nil
}

// Delete removes the object at rel. Missing objects are not an error.
func (c *Client) Delete(ctx context.Context, rel string) error {
	key := c.Key(rel)
	_, err := c.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Error("s3_delete_object_failed", "s3_key", key, "error", err)
		return errors.Wrap(err, "failed to delete object")
	}
	slog.Info("s3_object_deleted", "s3_key", key)
	return nil
}

// ListObjects lists repository-relative paths under rel.
func (c *Client) ListObjects(ctx context.Context, rel string) ([]string, error) {
	prefix := c.Key(rel)
	slog.Info("s3_list_start", "bucket", c.bucket, "prefix", prefix)

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(c.s3Client, input)

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			slog.Error("s3_list_failed", "prefix", prefix, "error", err)
			return nil, errors.Wrap(err, "failed to list objects")
		}

		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, c.relative(*obj.Key))
			}
		}
	}

	slog.Info("s3_list_complete", "prefix", prefix, "object_count", len(keys))

	return keys, nil
}

func (c *Client) relative(key string) string {
	if c.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, c.prefix+"/")
}
