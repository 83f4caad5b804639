package s3store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakeObject struct {
	data     []byte
	modified time.Time
	metadata map[string]string
}

type fakeAPI struct {
	objects  map[string]fakeObject
	getFails int
	putErr   error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{objects: map[string]fakeObject{}}
}

func (f *fakeAPI) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = fakeObject{data: data, modified: time.Now(), metadata: in.Metadata}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeAPI) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getFails > 0 {
		f.getFails--
		return nil, errors.New("transient network error")
	}
	obj, ok := f.objects[*in.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.data))}, nil
}

func (f *fakeAPI) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	obj, ok := f.objects[*in.Key]
	if !ok {
		return nil, &s3types.NotFound{}
	}
	size := int64(len(obj.data))
	modified := obj.modified
	return &s3.HeadObjectOutput{ContentLength: &size, LastModified: &modified}, nil
}

func TestPutGetRoundTrip(t *testing.T) {
	api := newFakeAPI()
	client, err := NewWithAPI(api, "backups")
	if err != nil {
		t.Fatalf("NewWithAPI() error: %v", err)
	}

	data := []byte("ciphertext bytes")
	digest := "9f2c08056b5ccaf85c0115a2b2b9deabeca1d4d2cf2e88521077239ee1071c4b"
	if err := client.Put(context.Background(), "a/b/object.kms", data, digest, map[string]string{"backup-timestamp": "x"}); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	got, err := client.Get(context.Background(), "a/b/object.kms")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Get() = %q, want %q", got, data)
	}
}

func TestGetRetriesTransientFailures(t *testing.T) {
	api := newFakeAPI()
	api.objects["k"] = fakeObject{data: []byte("v"), modified: time.Now()}
	api.getFails = 2

	client, _ := NewWithAPI(api, "backups")
	got, err := client.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("Get() after transient failures: %v", err)
	}
	if string(got) != "v" {
		t.Fatalf("Get() = %q, want %q", got, "v")
	}
}

func TestGetMissingKey(t *testing.T) {
	client, _ := NewWithAPI(newFakeAPI(), "backups")
	if _, err := client.Get(context.Background(), "absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() = %v, want ErrNotFound", err)
	}
}

func TestHead(t *testing.T) {
	api := newFakeAPI()
	modified := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	api.objects["latest-snapshot.db.kms"] = fakeObject{data: []byte("abc"), modified: modified}

	client, _ := NewWithAPI(api, "backups")
	info, err := client.Head(context.Background(), "latest-snapshot.db.kms")
	if err != nil {
		t.Fatalf("Head() error: %v", err)
	}
	if info.Size != 3 {
		t.Fatalf("Head() size = %d, want 3", info.Size)
	}
	if !info.LastModified.Equal(modified) {
		t.Fatalf("Head() modified = %v, want %v", info.LastModified, modified)
	}

	if _, err := client.Head(context.Background(), "absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Head() missing = %v, want ErrNotFound", err)
	}
}

func TestPutRejectsBadDigest(t *testing.T) {
	client, _ := NewWithAPI(newFakeAPI(), "backups")

	tests := []struct {
		name   string
		digest string
	}{
		{name: "empty", digest: ""},
		{name: "not hex", digest: "zz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := client.Put(context.Background(), "k", []byte("x"), tt.digest, nil); err == nil {
				t.Fatal("Put() expected error")
			}
		})
	}
}
