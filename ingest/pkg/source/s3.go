package source

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/malbeclabs/walflow/ingest/pkg/wal"
)

const defaultS3Region = "us-east-1"

// S3Options configures the S3 client used for s3:// inputs.
type S3Options struct {
	Region         string
	Endpoint       string // Optional: S3-compatible endpoint
	ForcePathStyle bool
}

// ObjectGetter is the subset of the S3 API used to read a batch.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3 reads a batch from a single S3 object.
type S3 struct {
	Client ObjectGetter
	Bucket string
	Key    string
}

func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	region := opts.Region
	if region == "" {
		region = defaultS3Region
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.ForcePathStyle
	}), nil
}

func (s *S3) Open(ctx context.Context) (io.ReadCloser, error) {
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get s3://%s/%s: %w", wal.ErrInputUnavailable, s.Bucket, s.Key, err)
	}
	if out.Body == nil {
		return nil, fmt.Errorf("%w: s3://%s/%s has no body", wal.ErrInputUnavailable, s.Bucket, s.Key)
	}
	return out.Body, nil
}

func (s *S3) String() string {
	return "s3://" + s.Bucket + "/" + s.Key
}

var _ ObjectGetter = (*s3.Client)(nil)
var _ Source = (*S3)(nil)
var _ Source = (*File)(nil)
