// Package envelope implements the pluggable encryption strategies used
// for published backup artifacts: KMS envelope encryption, a
// password-derived symmetric mode, and an unencrypted passthrough.
//
// Each strategy embeds its descriptor (wrapped key material or
// key-derivation parameters, never a raw key) at the front of the
// ciphertext, so an artifact is decryptable given only the right
// credential. Plaintext key material is never written to disk.
package envelope

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Method selects an encryption strategy.
type Method string

const (
	// MethodKMS wraps a per-artifact AES-256 data key with a managed KMS key.
	MethodKMS Method = "aws-kms"
	// MethodSymmetric derives an AES-256 key from an operator passphrase.
	MethodSymmetric Method = "symmetric"
	// MethodNone stores the artifact unencrypted. Air-gapped use only.
	MethodNone Method = "none"
)

var (
	// ErrEncryption covers failures producing ciphertext.
	ErrEncryption = errors.New("encryption failed")
	// ErrDecryption covers failures recovering plaintext, including a
	// wrong passphrase under authenticated encryption.
	ErrDecryption = errors.New("decryption failed")
	// ErrMalformedEnvelope marks a ciphertext whose descriptor cannot be
	// parsed. Fatal, never retried.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrCredentialRejected marks a terminal credential problem such as
	// KMS access denied. Fatal, never retried.
	ErrCredentialRejected = errors.New("credential rejected")
)

const (
	gcmNonceSize = 12
	dataKeySize  = 32

	symMagic      = "ESv1"
	symSaltSize   = 16
	symIterations = 100000
)

// ParseMethod validates a configured method string.
func ParseMethod(s string) (Method, error) {
	switch Method(strings.TrimSpace(s)) {
	case MethodKMS:
		return MethodKMS, nil
	case MethodSymmetric:
		return MethodSymmetric, nil
	case MethodNone, Method(""):
		return MethodNone, nil
	default:
		return "", fmt.Errorf("unknown encryption method %q", s)
	}
}

// Ext returns the object-key extension suffix encoding the method.
func (m Method) Ext() string {
	switch m {
	case MethodKMS:
		return ".kms"
	case MethodSymmetric:
		return ".enc"
	default:
		return ""
	}
}

// DetectMethod infers the encryption method from a file or object name,
// mirroring the extension convention used on publish.
func DetectMethod(name string) Method {
	switch path.Ext(name) {
	case ".kms":
		return MethodKMS
	case ".enc":
		return MethodSymmetric
	default:
		return MethodNone
	}
}

// Credential supplies the per-call secret for a strategy. Values come
// from configuration at call time and must never be logged.
type Credential struct {
	KMSKeyID string
	Password string
}

// KeyWrapper generates and unwraps data keys through a key-management
// service. The AWS implementation lives in kms.go; tests use fakes.
type KeyWrapper interface {
	GenerateDataKey(ctx context.Context, keyID string) (plaintext, wrapped []byte, err error)
	UnwrapDataKey(ctx context.Context, wrapped []byte) ([]byte, error)
}

// Codec encrypts and decrypts artifacts under a chosen method.
type Codec struct {
	Wrapper KeyWrapper
	Rand    io.Reader // defaults to crypto/rand
}

func (c *Codec) randSource() io.Reader {
	if c != nil && c.Rand != nil {
		return c.Rand
	}
	return rand.Reader
}

// Encrypt seals plaintext under method using cred. The returned bytes
// are self-describing: Decrypt needs only the same method and credential.
func (c *Codec) Encrypt(ctx context.Context, plaintext []byte, method Method, cred Credential) ([]byte, error) {
	switch method {
	case MethodKMS:
		return c.encryptKMS(ctx, plaintext, cred)
	case MethodSymmetric:
		return c.encryptSymmetric(plaintext, cred)
	case MethodNone:
		return plaintext, nil
	default:
		return nil, fmt.Errorf("%w: unknown method %q", ErrEncryption, method)
	}
}

// Decrypt opens ciphertext produced by Encrypt under the same method.
func (c *Codec) Decrypt(ctx context.Context, ciphertext []byte, method Method, cred Credential) ([]byte, error) {
	switch method {
	case MethodKMS:
		return c.decryptKMS(ctx, ciphertext)
	case MethodSymmetric:
		return c.decryptSymmetric(ciphertext, cred)
	case MethodNone:
		return ciphertext, nil
	default:
		return nil, fmt.Errorf("%w: unknown method %q", ErrDecryption, method)
	}
}

// KMS envelope layout, byte-compatible with the prior tooling:
//
//	uint32 BE wrapped-key length | wrapped data key | 12-byte nonce | AES-256-GCM ciphertext
func (c *Codec) encryptKMS(ctx context.Context, plaintext []byte, cred Credential) ([]byte, error) {
	if c == nil || c.Wrapper == nil {
		return nil, fmt.Errorf("%w: no key wrapper configured", ErrEncryption)
	}
	if cred.KMSKeyID == "" {
		return nil, fmt.Errorf("%w: kms key id is required", ErrEncryption)
	}

	dataKey, wrapped, err := c.Wrapper.GenerateDataKey(ctx, cred.KMSKeyID)
	if err != nil {
		return nil, fmt.Errorf("generate data key: %w", err)
	}
	defer zero(dataKey)
	if len(dataKey) != dataKeySize {
		return nil, fmt.Errorf("%w: data key has %d bytes, want %d", ErrEncryption, len(dataKey), dataKeySize)
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(c.randSource(), nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrEncryption, err)
	}

	sealed, err := sealGCM(dataKey, nonce, plaintext)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 4+len(wrapped)+gcmNonceSize+len(sealed))
	out = binary.BigEndian.AppendUint32(out, uint32(len(wrapped)))
	out = append(out, wrapped...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

func (c *Codec) decryptKMS(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if c == nil || c.Wrapper == nil {
		return nil, fmt.Errorf("%w: no key wrapper configured", ErrDecryption)
	}
	if len(ciphertext) < 4 {
		return nil, fmt.Errorf("%w: truncated key length header", ErrMalformedEnvelope)
	}
	keyLen := int(binary.BigEndian.Uint32(ciphertext))
	rest := ciphertext[4:]
	if keyLen <= 0 || keyLen > len(rest)-gcmNonceSize {
		return nil, fmt.Errorf("%w: wrapped key length %d out of range", ErrMalformedEnvelope, keyLen)
	}

	wrapped := rest[:keyLen]
	nonce := rest[keyLen : keyLen+gcmNonceSize]
	sealed := rest[keyLen+gcmNonceSize:]

	dataKey, err := c.Wrapper.UnwrapDataKey(ctx, wrapped)
	if err != nil {
		return nil, fmt.Errorf("unwrap data key: %w", err)
	}
	defer zero(dataKey)

	plaintext, err := openGCM(dataKey, nonce, sealed)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// Symmetric layout:
//
//	"ESv1" magic | 16-byte salt | 12-byte nonce | AES-256-GCM ciphertext
//
// The key is PBKDF2-SHA256(passphrase, salt, 100000 iterations, 32 bytes).
func (c *Codec) encryptSymmetric(plaintext []byte, cred Credential) ([]byte, error) {
	if cred.Password == "" {
		return nil, fmt.Errorf("%w: passphrase is required", ErrEncryption)
	}

	salt := make([]byte, symSaltSize)
	if _, err := io.ReadFull(c.randSource(), salt); err != nil {
		return nil, fmt.Errorf("%w: salt: %v", ErrEncryption, err)
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(c.randSource(), nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrEncryption, err)
	}

	key := pbkdf2.Key([]byte(cred.Password), salt, symIterations, dataKeySize, sha256.New)
	defer zero(key)

	sealed, err := sealGCM(key, nonce, plaintext)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(symMagic)+symSaltSize+gcmNonceSize+len(sealed))
	out = append(out, symMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

func (c *Codec) decryptSymmetric(ciphertext []byte, cred Credential) ([]byte, error) {
	if cred.Password == "" {
		return nil, fmt.Errorf("%w: passphrase is required", ErrDecryption)
	}
	header := len(symMagic) + symSaltSize + gcmNonceSize
	if len(ciphertext) < header {
		return nil, fmt.Errorf("%w: truncated symmetric header", ErrMalformedEnvelope)
	}
	if string(ciphertext[:len(symMagic)]) != symMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformedEnvelope)
	}

	salt := ciphertext[len(symMagic) : len(symMagic)+symSaltSize]
	nonce := ciphertext[len(symMagic)+symSaltSize : header]
	sealed := ciphertext[header:]

	key := pbkdf2.Key([]byte(cred.Password), salt, symIterations, dataKeySize, sha256.New)
	defer zero(key)

	return openGCM(key, nonce, sealed)
}

func sealGCM(key, nonce, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

func openGCM(key, nonce, sealed []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
