package envelope

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/smithy-go"
	"github.com/sethvargo/go-retry"
)

// KMSConfig configures the AWS KMS key wrapper.
type KMSConfig struct {
	Region    string
	AccessKey string
	SecretKey string
	Endpoint  string
}

// kmsAPI is the subset of the KMS client the wrapper uses.
type kmsAPI interface {
	GenerateDataKey(ctx context.Context, in *kms.GenerateDataKeyInput, opts ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, in *kms.DecryptInput, opts ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSWrapper produces and unwraps AES-256 data keys via AWS KMS.
// Unwrap calls are idempotent and retried with backoff; access-denied
// and invalid-ciphertext responses are terminal.
type KMSWrapper struct {
	api kmsAPI
}

// NewKMSWrapper builds a wrapper from static credentials. An empty
// endpoint uses the default AWS resolution.
func NewKMSWrapper(ctx context.Context, cfg KMSConfig) (*KMSWrapper, error) {
	if cfg.Region == "" {
		return nil, errors.New("kms region is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		loadOpts = append(loadOpts,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	api := kms.NewFromConfig(awsCfg, func(o *kms.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &KMSWrapper{api: api}, nil
}

// GenerateDataKey requests a fresh AES-256 data key bound to keyID and
// returns both the plaintext key and the KMS-wrapped copy.
func (w *KMSWrapper) GenerateDataKey(ctx context.Context, keyID string) ([]byte, []byte, error) {
	if w == nil || w.api == nil {
		return nil, nil, errors.New("nil kms wrapper")
	}
	if keyID == "" {
		return nil, nil, errors.New("kms key id is required")
	}

	out, err := w.api.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(keyID),
		KeySpec: kmstypes.DataKeySpecAes256,
	})
	if err != nil {
		return nil, nil, classifyKMSError(err)
	}
	return out.Plaintext, out.CiphertextBlob, nil
}

// UnwrapDataKey decrypts a wrapped data key. Transient KMS failures are
// retried with exponential backoff; terminal failures return immediately.
func (w *KMSWrapper) UnwrapDataKey(ctx context.Context, wrapped []byte) ([]byte, error) {
	if w == nil || w.api == nil {
		return nil, errors.New("nil kms wrapper")
	}
	if len(wrapped) == 0 {
		return nil, fmt.Errorf("%w: empty wrapped key", ErrMalformedEnvelope)
	}

	backoff := retry.WithMaxRetries(4, retry.NewExponential(500*time.Millisecond))

	var plaintext []byte
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		out, err := w.api.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: wrapped})
		if err != nil {
			err = classifyKMSError(err)
			if errors.Is(err, ErrCredentialRejected) || errors.Is(err, ErrMalformedEnvelope) {
				return err
			}
			return retry.RetryableError(err)
		}
		plaintext = out.Plaintext
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// classifyKMSError maps service responses onto the envelope taxonomy:
// access problems are fatal, bad ciphertext is malformed, everything
// else (throttling, availability, network) stays retryable.
func classifyKMSError(err error) error {
	var invalidCiphertext *kmstypes.InvalidCiphertextException
	if errors.As(err, &invalidCiphertext) {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDeniedException", "UnauthorizedOperation", "DisabledException", "KMSInvalidStateException":
			return fmt.Errorf("%w: %v", ErrCredentialRejected, err)
		}
	}
	return err
}
