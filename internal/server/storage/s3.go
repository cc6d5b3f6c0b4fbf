package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config holds the settings for an S3-compatible backend such as MinIO.
type S3Config struct {
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Endpoint  string
	SpoolDir  string // local scratch space for ciphertext awaiting upload
}

// S3Store keeps blobs as objects in a single bucket, keyed by ref.
type S3Store struct {
	client   *s3.Client
	bucket   string
	spoolDir string
}

// NewS3Store builds the client from static credentials.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load s3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{client: client, bucket: cfg.Bucket, spoolDir: cfg.SpoolDir}, nil
}

// Init verifies the bucket is reachable.
func (s *S3Store) Init(ctx context.Context) error {
	if s.spoolDir != "" {
		if err := os.MkdirAll(s.spoolDir, 0o700); err != nil {
			return fmt.Errorf("failed to create spool directory: %w", err)
		}
	}
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("bucket %s is not reachable: %w", s.bucket, err)
	}
	return nil
}

// Save spools the stream to a local temp file so the object can be sent
// with a known length, then uploads it.
func (s *S3Store) Save(ctx context.Context, ref string, data io.Reader) (int64, error) {
	if err := ValidateRef(ref); err != nil {
		return 0, err
	}

	spool, err := os.CreateTemp(s.spoolDir, "spool-*"+partSuffix)
	if err != nil {
		return 0, fmt.Errorf("failed to create spool file: %w", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	n, err := io.Copy(spool, &contextReader{ctx: ctx, r: data})
	if err != nil {
		return 0, fmt.Errorf("failed to spool blob: %w", err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to rewind spool file: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(ref),
		Body:          spool,
		ContentLength: aws.Int64(n),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upload blob %s: %w", ref, err)
	}
	return n, nil
}

// Open streams an object body. The caller must close it.
func (s *S3Store) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, ref)
		}
		return nil, fmt.Errorf("failed to get blob %s: %w", ref, err)
	}
	return out.Body, nil
}

// Size returns the object length.
func (s *S3Store) Size(ctx context.Context, ref string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return 0, fmt.Errorf("%w: %s", ErrBlobNotFound, ref)
		}
		return 0, fmt.Errorf("failed to stat blob %s: %w", ref, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// Delete removes an object. S3 treats a missing key as success.
func (s *S3Store) Delete(ctx context.Context, ref string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		return fmt.Errorf("failed to delete blob %s: %w", ref, err)
	}
	return nil
}
