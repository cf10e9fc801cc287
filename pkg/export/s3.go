package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ObjectAPI is the part of *s3.Client the store uses.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store stores documents in an S3 bucket.
//
// Example usage:
//
//	client, err := export.NewS3Client(ctx, export.S3Config{Region: "eu-west-1"})
//	store := export.NewS3Store(client, "devtools-exports", "formular/")
//	key, err := export.Export(ctx, reg, "login-form", store)
type S3Store struct {
	client ObjectAPI
	bucket string
	prefix string
}

// NewS3Store creates a store writing under prefix in bucket.
func NewS3Store(client ObjectAPI, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

// Put uploads doc and returns its key relative to the prefix.
func (s *S3Store) Put(ctx context.Context, doc Document) (string, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, doc); err != nil {
		return "", err
	}

	key := newKey(doc.SessionID)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.prefix + key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"session-id": doc.SessionID,
			"records":    fmt.Sprint(len(doc.Records)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return key, nil
}

// Open downloads the document stored under key.
func (s *S3Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3 download failed: %w", err)
	}
	return out.Body, nil
}

// S3Config holds the connection settings for NewS3Client.
type S3Config struct {
	Region string

	// Endpoint overrides the service endpoint, for S3-compatible servers.
	Endpoint string

	// UsePathStyle addresses buckets as <endpoint>/<bucket>.
	UsePathStyle bool

	// Static credentials. When empty, the default credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// NewS3Client builds an S3 client with the SDK's default configuration
// chain (environment, shared config and credentials files, SSO, container
// and instance roles). Explicit keys in cfg take precedence over the chain.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("export: load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}
