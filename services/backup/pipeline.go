package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"etcdsafe/pkg/checksum"
	"etcdsafe/pkg/envelope"
	"etcdsafe/pkg/s3store"
)

// ObjectStore is the artifact-store surface the pipeline consumes.
// *s3store.Client satisfies it; tests substitute in-memory fakes.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, sha256Hex string, metadata map[string]string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Head(ctx context.Context, key string) (s3store.ObjectInfo, error)
}

// PublishRequest carries one artifact through the publish sequence.
type PublishRequest struct {
	// Plaintext is the produced artifact body.
	Plaintext []byte
	// Location is the write-once destination for this artifact.
	Location Location
	// Latest is the mutable per-cluster pointer, written last. Leave the
	// key empty to skip the pointer update.
	Latest Location
	// Metadata is attached to the uploaded object.
	Metadata map[string]string
}

// Published describes a successfully published artifact.
type Published struct {
	Key          string
	SidecarKey   string
	LatestKey    string
	PlainDigest  string
	CipherDigest string
	Size         int64
}

// Pipeline runs checksum -> encrypt -> round-trip validation -> upload
// -> sidecar -> upload verification -> latest pointer. Ordering is load
// bearing: the pointer is the last write, so readers never observe a
// pointer to an object that is not durable.
type Pipeline struct {
	Store  ObjectStore
	Codec  *envelope.Codec
	Method envelope.Method
	Cred   envelope.Credential
	Logger zerolog.Logger
	Now    func() time.Time
}

// Publish executes the full sequence for one artifact. Any upload error
// wraps ErrUpload; a pointer-update failure is logged but does not fail
// the run (the artifact itself is durable).
func (p *Pipeline) Publish(ctx context.Context, req PublishRequest) (Published, error) {
	if p.Store == nil {
		return Published{}, errors.New("object store is required")
	}
	if len(req.Plaintext) == 0 {
		return Published{}, errors.New("artifact is empty")
	}
	if req.Location.Key == "" {
		return Published{}, errors.New("artifact location is required")
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}

	plainDigest := checksum.Sum(req.Plaintext)

	if p.Method == envelope.MethodNone {
		p.Logger.Warn().Msg("encryption disabled: publishing plaintext artifact (air-gapped use only)")
	}

	ciphertext, err := p.Codec.Encrypt(ctx, req.Plaintext, p.Method, p.Cred)
	if err != nil {
		return Published{}, err
	}

	// Round-trip validation: prove the artifact is decryptable with the
	// configured credential before anything is uploaded.
	if p.Method != envelope.MethodNone {
		decrypted, err := p.Codec.Decrypt(ctx, ciphertext, p.Method, p.Cred)
		if err != nil {
			return Published{}, fmt.Errorf("encryption validation: %w", err)
		}
		if err := checksum.Verify(decrypted, plainDigest); err != nil {
			return Published{}, fmt.Errorf("encryption validation: %w", err)
		}
	}

	cipherDigest := checksum.Sum(ciphertext)

	metadata := map[string]string{
		"backup-timestamp":   now().UTC().Format(timestampLayout),
		"snapshot-checksum":  plainDigest,
		"encrypted-checksum": cipherDigest,
	}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	p.Logger.Info().Str("key", req.Location.Key).Int("bytes", len(ciphertext)).Msg("uploading artifact")
	if err := p.Store.Put(ctx, req.Location.Key, ciphertext, cipherDigest, metadata); err != nil {
		return Published{}, fmt.Errorf("%w: %v", ErrUpload, err)
	}

	sidecar := checksum.Sidecar(plainDigest, req.Location.Name)
	if err := p.Store.Put(ctx, req.Location.SidecarKey, sidecar, checksum.Sum(sidecar), nil); err != nil {
		return Published{}, fmt.Errorf("%w: sidecar: %v", ErrUpload, err)
	}

	if err := p.verifyUpload(ctx, req.Location.Key, cipherDigest, int64(len(ciphertext))); err != nil {
		return Published{}, fmt.Errorf("%w: %v", ErrUpload, err)
	}

	published := Published{
		Key:          req.Location.Key,
		SidecarKey:   req.Location.SidecarKey,
		PlainDigest:  plainDigest,
		CipherDigest: cipherDigest,
		Size:         int64(len(ciphertext)),
	}

	if req.Latest.Key == "" {
		return published, nil
	}

	// Pointer updates are best-effort, last-writer-wins: the artifact is
	// already durable, so a failed pointer write only delays dedup.
	latestSidecar := checksum.Sidecar(plainDigest, req.Latest.Name)
	if err := p.Store.Put(ctx, req.Latest.Key, ciphertext, cipherDigest, metadata); err != nil {
		p.Logger.Warn().Err(err).Str("key", req.Latest.Key).Msg("latest pointer update failed (non-fatal)")
		return published, nil
	}
	if err := p.Store.Put(ctx, req.Latest.SidecarKey, latestSidecar, checksum.Sum(latestSidecar), nil); err != nil {
		p.Logger.Warn().Err(err).Str("key", req.Latest.SidecarKey).Msg("latest sidecar update failed (non-fatal)")
		return published, nil
	}
	published.LatestKey = req.Latest.Key

	return published, nil
}

// verifyUpload confirms the object landed intact: metadata first, then a
// read-back compare of the ciphertext digest.
func (p *Pipeline) verifyUpload(ctx context.Context, key, cipherDigest string, size int64) error {
	info, err := p.Store.Head(ctx, key)
	if err != nil {
		return fmt.Errorf("verify upload: %v", err)
	}
	if info.Size != size {
		return fmt.Errorf("verify upload: remote size %d, local %d", info.Size, size)
	}

	remote, err := p.Store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("verify upload: %v", err)
	}
	if err := checksum.Verify(remote, cipherDigest); err != nil {
		return fmt.Errorf("verify upload: %v", err)
	}
	return nil
}
