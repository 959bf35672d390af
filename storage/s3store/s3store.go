// Package s3store implements storage.Store on Amazon S3 or any S3-compatible
// service (MinIO, LocalStack).
package s3store

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/storage"
)

// Config holds the bucket and client settings.
type Config struct {
	Bucket string `json:"bucket"`
	Region string `json:"region"`
	// Endpoint overrides the service endpoint.
	Endpoint string `json:"endpoint,omitempty"`
	// UsePathStyle is required by MinIO.
	UsePathStyle bool `json:"use_path_style,omitempty"`
	// Static credentials; the default chain is used when empty.
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Bucket == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "s3store", "Validate", "bucket is required")
	}
	return nil
}

// Store writes objects to one bucket.
type Store struct {
	client *s3.Client
	bucket string
}

var _ storage.Store = (*Store)(nil)

// New loads the AWS configuration and builds the client.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts = append(opts, config.WithRegion(region))
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.WrapFatal(err, "s3store", "New", "load AWS config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// Put implements storage.Store
func (s *Store) Put(ctx context.Context, obj storage.Object) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(obj.Key),
		Body:          bytes.NewReader(obj.Data),
		ContentLength: aws.Int64(int64(len(obj.Data))),
	}
	if obj.ContentType != "" {
		in.ContentType = aws.String(obj.ContentType)
	}
	if obj.Encoding != "" {
		in.ContentEncoding = aws.String(obj.Encoding)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return errors.WrapTransient(err, "s3store", "Put", fmt.Sprintf("put %s", obj.Key))
	}
	return nil
}

// Get implements storage.Store
func (s *Store) Get(ctx context.Context, key string) (storage.Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if stderrors.As(err, &nsk) {
			return storage.Object{}, errors.WrapInvalid(errors.ErrKeyNotFound, "s3store", "Get", key)
		}
		return storage.Object{}, errors.WrapTransient(err, "s3store", "Get", fmt.Sprintf("get %s", key))
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return storage.Object{}, errors.WrapTransient(err, "s3store", "Get", "read body")
	}
	return storage.Object{
		Key:         key,
		Data:        data,
		ContentType: aws.ToString(out.ContentType),
		Encoding:    aws.ToString(out.ContentEncoding),
	}, nil
}

// List implements storage.Store
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, errors.WrapTransient(err, "s3store", "List", "list objects")
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete implements storage.Store
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return errors.WrapTransient(err, "s3store", "Delete", fmt.Sprintf("delete %s", key))
	}
	return nil
}

// Ping checks that the bucket is reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return errors.WrapTransient(err, "s3store", "Ping", "head bucket")
	}
	return nil
}
