// Package s3store is a thin wrapper around the AWS SDK v2 S3 client used
// as the artifact store for published backups. It supports custom
// endpoints so MinIO/SeaweedFS-style deployments work unchanged.
package s3store

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/sethvargo/go-retry"
)

// ErrNotFound reports a missing object key.
var ErrNotFound = errors.New("object not found")

// Config selects the bucket and endpoint for the artifact store.
type Config struct {
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	DisableTLS     bool   `yaml:"disable_tls"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// api is the slice of the S3 client the store uses; tests provide fakes.
type api interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Client uploads and downloads backup artifacts in a single bucket.
type Client struct {
	api    api
	bucket string
}

// ObjectInfo is the metadata subset callers need: dedup reads
// LastModified from the latest pointer, verification reads Size.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// New builds a Client for cfg. Uploads are never retried here: a partial
// retry could publish a duplicate artifact, so a failed upload fails the
// whole run and waits for the next scheduled invocation.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(&http.Client{Timeout: 5 * time.Minute}),
	}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		loadOpts = append(loadOpts,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint != "" && !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		scheme := "https"
		if cfg.DisableTLS {
			scheme = "http"
		}
		endpoint = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	return &Client{api: client, bucket: cfg.Bucket}, nil
}

// NewWithAPI wires a Client onto an existing API implementation.
func NewWithAPI(a api, bucket string) (*Client, error) {
	if a == nil {
		return nil, errors.New("api is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &Client{api: a, bucket: bucket}, nil
}

// Bucket returns the configured bucket name.
func (c *Client) Bucket() string {
	if c == nil {
		return ""
	}
	return c.bucket
}

// Put uploads data under key with an end-to-end SHA-256 integrity check
// and the provided object metadata. Not retried; see New.
func (c *Client) Put(ctx context.Context, key string, data []byte, sha256Hex string, metadata map[string]string) error {
	if c == nil {
		return errors.New("nil client")
	}
	if key == "" {
		return errors.New("object key is required")
	}
	checksum, err := encodeSHA256(sha256Hex)
	if err != nil {
		return err
	}

	size := int64(len(data))
	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            &c.bucket,
		Key:               &key,
		Body:              bytes.NewReader(data),
		ContentLength:     &size,
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    &checksum,
		Metadata:          metadata,
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", c.bucket, key, err)
	}
	return nil
}

// Get downloads the object at key. Downloads are idempotent and retried
// with exponential backoff on transient failures.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	if key == "" {
		return nil, errors.New("object key is required")
	}

	backoff := retry.WithMaxRetries(3, retry.NewExponential(time.Second))

	var body []byte
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: &c.bucket,
			Key:    &key,
		})
		if err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%w: s3://%s/%s", ErrNotFound, c.bucket, key)
			}
			return retry.RetryableError(err)
		}
		defer out.Body.Close()

		data, err := io.ReadAll(out.Body)
		if err != nil {
			return retry.RetryableError(err)
		}
		body = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", c.bucket, key, err)
	}
	return body, nil
}

// Head fetches object metadata without the body. Returns ErrNotFound for
// a missing key.
func (c *Client) Head(ctx context.Context, key string) (ObjectInfo, error) {
	if c == nil {
		return ObjectInfo{}, errors.New("nil client")
	}
	if key == "" {
		return ObjectInfo{}, errors.New("object key is required")
	}

	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &c.bucket,
		Key:    &key,
	})
	if err != nil {
		if isNotFound(err) {
			return ObjectInfo{}, fmt.Errorf("%w: s3://%s/%s", ErrNotFound, c.bucket, key)
		}
		return ObjectInfo{}, fmt.Errorf("head s3://%s/%s: %w", c.bucket, key, err)
	}

	info := ObjectInfo{Key: key}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return info, nil
}

func isNotFound(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

func encodeSHA256(hexDigest string) (string, error) {
	if hexDigest == "" {
		return "", errors.New("sha256 digest required")
	}
	raw, err := hex.DecodeString(hexDigest)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
