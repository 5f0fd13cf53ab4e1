package s3

import (
	"bytes"
	"context"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"serveml/internal/store"
	"serveml/internal/store/objstore"
	"serveml/internal/store/storetest"
)

// fakeS3 models the conditional-write and listing behavior of S3, with
// one-object pages to exercise pagination.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	if _, ok := f.objects[key]; ok && aws.ToString(in.IfNoneMatch) == "*" {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
	}
	f.objects[key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	delete(f.objects, aws.ToString(in.Key))
	f.mu.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for _, k := range slices.Sorted(maps.Keys(f.objects)) {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) && k > aws.ToString(in.ContinuationToken) {
			keys = append(keys, k)
		}
	}
	out := &s3.ListObjectsV2Output{}
	if len(keys) == 0 {
		return out, nil
	}
	out.Contents = []types.Object{{Key: aws.String(keys[0])}}
	if len(keys) > 1 {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[0])
	}
	return out, nil
}

func TestConformance(t *testing.T) {
	storetest.TestStore(t,
		func(t *testing.T) store.Store {
			return objstore.New(objstore.Config{Bucket: NewBucket(newFakeS3(), "products", "serveml/"), Kind: "s3"})
		},
		nil)
}

func TestPrefixIsolation(t *testing.T) {
	api := newFakeS3()
	api.objects["other/product_1.blob"] = []byte("foreign")
	api.objects["serveml/nested/product_2.blob"] = []byte("nested")

	b := NewBucket(api, "products", "/serveml")
	if err := b.Create(context.Background(), "product_3.blob", []byte("x")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, ok := api.objects["serveml/product_3.blob"]; !ok {
		t.Fatalf("object not written under prefix: %v", slices.Collect(maps.Keys(api.objects)))
	}
	names, err := b.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !slices.Equal(names, []string{"product_3.blob"}) {
		t.Fatalf("List = %v", names)
	}
}

func TestCreateExisting(t *testing.T) {
	b := NewBucket(newFakeS3(), "products", "")
	ctx := context.Background()
	if err := b.Create(ctx, "product_1.blob", []byte("a")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := b.Create(ctx, "product_1.blob", []byte("b")); err != objstore.ErrExists {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestFactoryRequiresBucket(t *testing.T) {
	if _, err := NewFactory()(map[string]string{}, nil); err != ErrMissingBucketParam {
		t.Fatalf("expected ErrMissingBucketParam, got %v", err)
	}
}
