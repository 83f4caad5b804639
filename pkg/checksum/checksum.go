// Package checksum computes and verifies SHA-256 digests of backup
// artifacts, independent of the encryption layer. Digests always cover
// the plaintext: a checksum recorded at backup time is recomputed from
// decrypted bytes at restore time and compared.
package checksum

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrMismatch is returned when a recomputed digest does not match the
// expected value. It is always fatal on the restore path.
var ErrMismatch = errors.New("checksum mismatch")

// Sum returns the lowercase hex SHA-256 digest of data.
func Sum(data []byte) string {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}

// SumReader returns the lowercase hex SHA-256 digest of everything read
// from r.
func SumReader(r io.Reader) (string, error) {
	hash := sha256.New()
	if _, err := io.Copy(hash, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// SumFile returns the lowercase hex SHA-256 digest of the named file.
func SumFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	return SumReader(file)
}

// Verify recomputes the digest of data and compares it with expected
// (hex, case-insensitive). A mismatch returns ErrMismatch wrapped with
// both values.
func Verify(data []byte, expected string) error {
	expected = strings.ToLower(strings.TrimSpace(expected))
	if expected == "" {
		return errors.New("expected digest is required")
	}
	actual := Sum(data)
	if subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) != 1 {
		return fmt.Errorf("%w: expected %s, got %s", ErrMismatch, expected, actual)
	}
	return nil
}

// Sidecar renders the contents of a .sha256 sidecar file in the
// conventional "<digest>  <name>" form understood by sha256sum -c.
func Sidecar(digest, name string) []byte {
	return []byte(fmt.Sprintf("%s  %s\n", digest, name))
}

// ParseSidecar extracts the digest from sidecar file contents. The name
// column is ignored; only the digest matters for verification.
func ParseSidecar(data []byte) (string, error) {
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", errors.New("empty sidecar")
	}
	digest := strings.ToLower(fields[0])
	if len(digest) != sha256.Size*2 {
		return "", fmt.Errorf("sidecar digest has length %d, want %d", len(digest), sha256.Size*2)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("sidecar digest is not hex: %w", err)
	}
	return digest, nil
}
