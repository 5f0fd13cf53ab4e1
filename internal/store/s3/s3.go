// Package s3 stores products in an S3 (or S3-compatible) bucket.
//
// Create-if-absent uses a conditional PutObject with If-None-Match: *,
// so two writers can never replace each other's product object.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"serveml/internal/store"
	"serveml/internal/store/objstore"
)

// Factory parameter keys.
const (
	ParamBucket    = "bucket"
	ParamPrefix    = "prefix"
	ParamRegion    = "region"
	ParamEndpoint  = "endpoint"
	ParamAccessKey = "accessKey"
	ParamSecretKey = "secretKey"
	ParamPathStyle = "pathStyle"
)

var ErrMissingBucketParam = errors.New("missing required parameter: bucket")

// API is the subset of the S3 client the bucket uses.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// Config configures the S3 client.
type Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// Bucket implements objstore.Bucket over S3.
type Bucket struct {
	api    API
	bucket string
	prefix string
}

var _ objstore.Bucket = (*Bucket)(nil)

// NewBucket wraps an existing client.
func NewBucket(api API, bucket, prefix string) *Bucket {
	return &Bucket{api: api, bucket: bucket, prefix: objstore.NormalizePrefix(prefix)}
}

// Dial builds an S3 client from the default AWS configuration chain,
// overridden by any explicit settings in cfg.
func Dial(ctx context.Context, cfg Config) (*Bucket, error) {
	if cfg.Bucket == "" {
		return nil, ErrMissingBucketParam
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
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
	return NewBucket(client, cfg.Bucket, cfg.Prefix), nil
}

func (b *Bucket) key(name string) *string { return aws.String(b.prefix + name) }

func (b *Bucket) Create(ctx context.Context, name string, data []byte) error {
	_, err := b.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         b.key(name),
		Body:        bytes.NewReader(data),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "PreconditionFailed", "ConditionalRequestConflict":
				return objstore.ErrExists
			}
		}
		return err
	}
	return nil
}

func (b *Bucket) Read(ctx context.Context, name string) ([]byte, error) {
	out, err := b.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    b.key(name),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (b *Bucket) Remove(ctx context.Context, name string) error {
	_, err := b.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    b.key(name),
	})
	return err
}

func (b *Bucket) List(ctx context.Context) ([]string, error) {
	in := &s3.ListObjectsV2Input{Bucket: aws.String(b.bucket)}
	if b.prefix != "" {
		in.Prefix = aws.String(b.prefix)
	}
	var names []string
	p := s3.NewListObjectsV2Paginator(b.api, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			if name, ok := objstore.Relative(b.prefix, aws.ToString(obj.Key)); ok {
				names = append(names, name)
			}
		}
	}
	return names, nil
}

// NewFactory returns a store.Factory creating S3-backed stores.
func NewFactory() store.Factory {
	return func(params map[string]string, logger *slog.Logger) (store.Store, error) {
		cfg := Config{
			Bucket:    params[ParamBucket],
			Prefix:    params[ParamPrefix],
			Region:    params[ParamRegion],
			Endpoint:  params[ParamEndpoint],
			AccessKey: params[ParamAccessKey],
			SecretKey: params[ParamSecretKey],
		}
		if v, ok := params[ParamPathStyle]; ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", ParamPathStyle, err)
			}
			cfg.PathStyle = b
		}
		bucket, err := Dial(context.Background(), cfg)
		if err != nil {
			return nil, err
		}
		return objstore.New(objstore.Config{Bucket: bucket, Kind: "s3", Logger: logger}), nil
	}
}
