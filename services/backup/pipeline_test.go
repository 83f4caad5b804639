package backup

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"etcdsafe/pkg/checksum"
	"etcdsafe/pkg/envelope"
	"etcdsafe/pkg/s3store"
)

// fakeStore is an in-memory ObjectStore recording write order and
// allowing per-key fault injection.
type fakeStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	modTimes map[string]time.Time
	putOrder []string
	putErr   map[string]error
	getErr   map[string]error
	headErr  map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects:  make(map[string][]byte),
		modTimes: make(map[string]time.Time),
		putErr:   make(map[string]error),
		getErr:   make(map[string]error),
		headErr:  make(map[string]error),
	}
}

func (f *fakeStore) Put(_ context.Context, key string, data []byte, _ string, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.putErr[key]; err != nil {
		return err
	}
	f.objects[key] = append([]byte(nil), data...)
	f.modTimes[key] = time.Now()
	f.putOrder = append(f.putOrder, key)
	return nil
}

func (f *fakeStore) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.getErr[key]; err != nil {
		return nil, err
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, s3store.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (f *fakeStore) Head(_ context.Context, key string) (s3store.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.headErr[key]; err != nil {
		return s3store.ObjectInfo{}, err
	}
	data, ok := f.objects[key]
	if !ok {
		return s3store.ObjectInfo{}, fmt.Errorf("head %s: %w", key, s3store.ErrNotFound)
	}
	return s3store.ObjectInfo{Key: key, Size: int64(len(data)), LastModified: f.modTimes[key]}, nil
}

func (f *fakeStore) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

func testRequest() PublishRequest {
	loc := ObjectLocation("etcd-backups", "prod", time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC), false, envelope.MethodSymmetric)
	return PublishRequest{
		Plaintext: []byte("snapshot body"),
		Location:  loc,
		Latest:    LatestLocation("etcd-backups", "prod", envelope.MethodSymmetric),
	}
}

func symmetricPipeline(store ObjectStore) *Pipeline {
	return &Pipeline{
		Store:  store,
		Codec:  &envelope.Codec{Rand: rand.Reader},
		Method: envelope.MethodSymmetric,
		Cred:   envelope.Credential{Password: "hunter2"},
		Logger: zerolog.Nop(),
	}
}

func TestPipelinePublish(t *testing.T) {
	store := newFakeStore()
	req := testRequest()

	published, err := symmetricPipeline(store).Publish(context.Background(), req)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ciphertext, err := store.Get(context.Background(), req.Location.Key)
	if err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	if string(ciphertext) == string(req.Plaintext) {
		t.Error("artifact stored as plaintext despite symmetric encryption")
	}

	sidecar, err := store.Get(context.Background(), req.Location.SidecarKey)
	if err != nil {
		t.Fatalf("sidecar missing: %v", err)
	}
	digest, err := checksum.ParseSidecar(sidecar)
	if err != nil {
		t.Fatalf("parse sidecar: %v", err)
	}
	if digest != checksum.Sum(req.Plaintext) {
		t.Error("sidecar digest does not match plaintext")
	}
	if published.PlainDigest != digest {
		t.Errorf("PlainDigest = %q, want %q", published.PlainDigest, digest)
	}

	if !store.has(req.Latest.Key) || !store.has(req.Latest.SidecarKey) {
		t.Error("latest pointer or its sidecar missing")
	}
	if published.LatestKey != req.Latest.Key {
		t.Errorf("LatestKey = %q, want %q", published.LatestKey, req.Latest.Key)
	}

	// The pointer must be the last writes, after artifact and sidecar.
	order := store.putOrder
	if len(order) != 4 {
		t.Fatalf("put count = %d, want 4 (%v)", len(order), order)
	}
	if order[0] != req.Location.Key || order[1] != req.Location.SidecarKey {
		t.Errorf("artifact/sidecar not written first: %v", order)
	}
	if order[2] != req.Latest.Key {
		t.Errorf("latest pointer written out of order: %v", order)
	}
}

func TestPipelinePublishPlaintext(t *testing.T) {
	store := newFakeStore()
	req := testRequest()
	p := &Pipeline{Store: store, Codec: &envelope.Codec{}, Method: envelope.MethodNone, Logger: zerolog.Nop()}

	if _, err := p.Publish(context.Background(), req); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	stored, _ := store.Get(context.Background(), req.Location.Key)
	if string(stored) != string(req.Plaintext) {
		t.Error("method none must store the plaintext body unchanged")
	}
}

func TestPipelinePublishArtifactUploadFails(t *testing.T) {
	store := newFakeStore()
	req := testRequest()
	store.putErr[req.Location.Key] = errors.New("boom")

	_, err := symmetricPipeline(store).Publish(context.Background(), req)
	if !errors.Is(err, ErrUpload) {
		t.Fatalf("err = %v, want ErrUpload", err)
	}
	if store.has(req.Location.SidecarKey) || store.has(req.Latest.Key) {
		t.Error("nothing may be written after the artifact upload fails")
	}
}

func TestPipelinePublishSidecarUploadFails(t *testing.T) {
	store := newFakeStore()
	req := testRequest()
	store.putErr[req.Location.SidecarKey] = errors.New("boom")

	_, err := symmetricPipeline(store).Publish(context.Background(), req)
	if !errors.Is(err, ErrUpload) {
		t.Fatalf("err = %v, want ErrUpload", err)
	}
	if store.has(req.Latest.Key) {
		t.Error("latest pointer must not be written when the sidecar upload fails")
	}
}

func TestPipelinePublishVerificationFails(t *testing.T) {
	store := newFakeStore()
	req := testRequest()
	// The post-upload read-back fails, so the artifact is unverified.
	store.getErr[req.Location.Key] = errors.New("read timeout")

	_, err := symmetricPipeline(store).Publish(context.Background(), req)
	if !errors.Is(err, ErrUpload) {
		t.Fatalf("err = %v, want ErrUpload", err)
	}
	if store.has(req.Latest.Key) {
		t.Error("latest pointer written despite failed upload verification")
	}
}

func TestPipelinePublishPointerFailureIsNonFatal(t *testing.T) {
	store := newFakeStore()
	req := testRequest()
	store.putErr[req.Latest.Key] = errors.New("boom")

	published, err := symmetricPipeline(store).Publish(context.Background(), req)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if published.LatestKey != "" {
		t.Error("LatestKey must be empty when the pointer update failed")
	}
	if !store.has(req.Location.Key) || !store.has(req.Location.SidecarKey) {
		t.Error("artifact and sidecar must still be durable")
	}
}
