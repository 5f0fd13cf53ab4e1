// Package azblob stores products in an Azure Blob Storage container.
//
// Create-if-absent is an upload with If-None-Match: *; the service answers
// BlobAlreadyExists or ConditionNotMet when the blob is already there.
package azblob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"serveml/internal/store"
	"serveml/internal/store/objstore"
)

// Factory parameter keys.
const (
	ParamContainer        = "container"
	ParamPrefix           = "prefix"
	ParamConnectionString = "connectionString"
)

// EnvConnectionString is consulted when no connection string parameter is
// given.
const EnvConnectionString = "AZURE_STORAGE_CONNECTION_STRING"

var (
	ErrMissingContainerParam  = errors.New("missing required parameter: container")
	ErrMissingConnectionParam = errors.New("missing connection string (set " + EnvConnectionString + ")")
)

// Config configures the Azure client.
type Config struct {
	Container        string
	Prefix           string
	ConnectionString string
}

// Bucket implements objstore.Bucket over one container.
type Bucket struct {
	client    *azblob.Client
	container string
	prefix    string
}

var _ objstore.Bucket = (*Bucket)(nil)

// Dial creates a client from the connection string.
func Dial(cfg Config) (*Bucket, error) {
	if cfg.Container == "" {
		return nil, ErrMissingContainerParam
	}
	if cfg.ConnectionString == "" {
		return nil, ErrMissingConnectionParam
	}
	client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("create azure blob client: %w", err)
	}
	return &Bucket{
		client:    client,
		container: cfg.Container,
		prefix:    objstore.NormalizePrefix(cfg.Prefix),
	}, nil
}

func (b *Bucket) Create(ctx context.Context, name string, data []byte) error {
	etag := azcore.ETagAny
	_, err := b.client.UploadBuffer(ctx, b.container, b.prefix+name, data, &azblob.UploadBufferOptions{
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: &etag},
		},
	})
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet) {
			return objstore.ErrExists
		}
		return err
	}
	return nil
}

func (b *Bucket) Read(ctx context.Context, name string) ([]byte, error) {
	resp, err := b.client.DownloadStream(ctx, b.container, b.prefix+name, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (b *Bucket) Remove(ctx context.Context, name string) error {
	_, err := b.client.DeleteBlob(ctx, b.container, b.prefix+name, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return err
	}
	return nil
}

func (b *Bucket) List(ctx context.Context) ([]string, error) {
	opts := &azblob.ListBlobsFlatOptions{}
	if b.prefix != "" {
		prefix := b.prefix
		opts.Prefix = &prefix
	}
	var names []string
	pager := b.client.NewListBlobsFlatPager(b.container, opts)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		if page.Segment == nil {
			continue
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			if name, ok := objstore.Relative(b.prefix, *item.Name); ok {
				names = append(names, name)
			}
		}
	}
	return names, nil
}

// NewFactory returns a store.Factory creating Azure-backed stores.
func NewFactory() store.Factory {
	return func(params map[string]string, logger *slog.Logger) (store.Store, error) {
		conn := params[ParamConnectionString]
		if conn == "" {
			conn = os.Getenv(EnvConnectionString)
		}
		bucket, err := Dial(Config{
			Container:        params[ParamContainer],
			Prefix:           params[ParamPrefix],
			ConnectionString: conn,
		})
		if err != nil {
			return nil, err
		}
		return objstore.New(objstore.Config{Bucket: bucket, Kind: "azblob", Logger: logger}), nil
	}
}
