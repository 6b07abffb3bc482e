package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

// S3Config configures an S3-compatible backend (AWS, MinIO, R2, ...).
type S3Config struct {
	Endpoint  string // empty uses the AWS default resolver
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// S3 stores each blob as one object. The object key is both ID and Ref.
type S3 struct {
	client *s3.Client
	bucket string
}

// NewS3 builds the client from static credentials or the default AWS chain.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return &S3{client: client, bucket: cfg.Bucket}, nil
}

// Upload puts the object under "<uuid>/<name>".
func (b *S3) Upload(ctx context.Context, name string, data []byte) (Handle, error) {
	if len(data) == 0 {
		return Handle{}, ErrEmptyBlob
	}

	key := uuid.NewString() + "/" + path.Base("/"+name)
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return Handle{}, &BackendError{Op: "upload", Err: fmt.Errorf("put object %s: %w", key, err)}
	}
	return Handle{ID: key, Ref: key}, nil
}

// Fetch gets the whole object.
func (b *S3) Fetch(ctx context.Context, id string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, &BackendError{Op: "fetch", Err: fmt.Errorf("get object %s: %w", id, err)}
	}
	return out.Body, nil
}

// Delete removes the object. S3 deletes are idempotent.
func (b *S3) Delete(ctx context.Context, ref string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		return &BackendError{Op: "delete", Err: fmt.Errorf("delete object %s: %w", ref, err)}
	}
	return nil
}
