package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/malbeclabs/walflow/ingest/pkg/wal"
)

// Source opens the raw bytes of a WAL batch.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
	// String describes the source for logs and run records.
	String() string
}

// File reads a batch from the local filesystem.
type File struct {
	Path string
}

func (f *File) Open(ctx context.Context) (io.ReadCloser, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", wal.ErrInputUnavailable, err)
	}
	return file, nil
}

func (f *File) String() string {
	return f.Path
}

// New returns an S3 source for s3://bucket/key URIs and a File source for
// anything else.
func New(ctx context.Context, log *slog.Logger, uri string, opts S3Options) (Source, error) {
	if uri == "" {
		return nil, errors.New("input is required")
	}
	if !strings.HasPrefix(uri, "s3://") {
		return &File{Path: uri}, nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to parse input uri %q: %w", uri, err)
	}
	bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("invalid s3 uri %q: expected s3://bucket/key", uri)
	}

	client, err := NewS3Client(ctx, opts)
	if err != nil {
		return nil, err
	}
	log.Debug("source: using s3 object", "bucket", bucket, "key", key, "region", opts.Region)
	return &S3{Client: client, Bucket: bucket, Key: key}, nil
}

// Read opens src and decodes the batch it contains.
func Read(ctx context.Context, src Source) ([]any, error) {
	rc, err := src.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return wal.DecodeBatch(rc)
}
