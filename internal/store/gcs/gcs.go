// Package gcs stores products in a Google Cloud Storage bucket.
//
// Create-if-absent is a write with the DoesNotExist precondition; GCS
// answers 412 when the object is already there.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"serveml/internal/store"
	"serveml/internal/store/objstore"
)

// Factory parameter keys.
const (
	ParamBucket   = "bucket"
	ParamPrefix   = "prefix"
	ParamEndpoint = "endpoint"
)

var ErrMissingBucketParam = errors.New("missing required parameter: bucket")

// Config configures the GCS client. Credentials come from the environment
// (Application Default Credentials). Setting Endpoint targets an emulator
// and disables authentication.
type Config struct {
	Bucket   string
	Prefix   string
	Endpoint string
}

// Bucket implements objstore.Bucket over GCS.
type Bucket struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

var _ objstore.Bucket = (*Bucket)(nil)

// Dial creates a client for cfg.Bucket.
func Dial(ctx context.Context, cfg Config) (*Bucket, error) {
	if cfg.Bucket == "" {
		return nil, ErrMissingBucketParam
	}
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &Bucket{
		client: client,
		bucket: client.Bucket(cfg.Bucket),
		prefix: objstore.NormalizePrefix(cfg.Prefix),
	}, nil
}

// Close releases the client.
func (b *Bucket) Close() error {
	return b.client.Close()
}

func (b *Bucket) object(name string) *storage.ObjectHandle {
	return b.bucket.Object(b.prefix + name)
}

func (b *Bucket) Create(ctx context.Context, name string, data []byte) error {
	w := b.object(name).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return objstore.ErrExists
		}
		return err
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

func (b *Bucket) Read(ctx context.Context, name string) ([]byte, error) {
	r, err := b.object(name).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (b *Bucket) Remove(ctx context.Context, name string) error {
	err := b.object(name).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return err
	}
	return nil
}

func (b *Bucket) List(ctx context.Context) ([]string, error) {
	it := b.bucket.Objects(ctx, &storage.Query{Prefix: b.prefix, Delimiter: "/"})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		// Synthetic directory entries carry only Prefix.
		if attrs.Name == "" {
			continue
		}
		if name, ok := objstore.Relative(b.prefix, attrs.Name); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// NewFactory returns a store.Factory creating GCS-backed stores.
func NewFactory() store.Factory {
	return func(params map[string]string, logger *slog.Logger) (store.Store, error) {
		bucket, err := Dial(context.Background(), Config{
			Bucket:   params[ParamBucket],
			Prefix:   params[ParamPrefix],
			Endpoint: params[ParamEndpoint],
		})
		if err != nil {
			return nil, err
		}
		return objstore.New(objstore.Config{Bucket: bucket, Kind: "gcs", Logger: logger}), nil
	}
}
