package checksum

import (
	"errors"
	"strings"
	"testing"
)

func TestSumAndVerify(t *testing.T) {
	data := []byte("etcd snapshot payload")
	digest := Sum(data)

	if len(digest) != 64 {
		t.Fatalf("Sum() digest length = %d, want 64", len(digest))
	}
	if err := Verify(data, digest); err != nil {
		t.Fatalf("Verify() with matching digest: %v", err)
	}
	if err := Verify(data, strings.ToUpper(digest)); err != nil {
		t.Fatalf("Verify() should be case-insensitive: %v", err)
	}
}

func TestVerifyDetectsEveryFlippedByte(t *testing.T) {
	data := []byte("a small artifact body")
	digest := Sum(data)

	for i := range data {
		corrupted := append([]byte(nil), data...)
		corrupted[i] ^= 0xff
		if err := Verify(corrupted, digest); !errors.Is(err, ErrMismatch) {
			t.Fatalf("Verify() byte %d flipped: got %v, want ErrMismatch", i, err)
		}
	}
}

func TestSidecarRoundTrip(t *testing.T) {
	digest := Sum([]byte("payload"))
	raw := Sidecar(digest, "cluster-a-2026-01-02_03-04-05-snapshot.db")

	parsed, err := ParseSidecar(raw)
	if err != nil {
		t.Fatalf("ParseSidecar() error: %v", err)
	}
	if parsed != digest {
		t.Fatalf("ParseSidecar() = %q, want %q", parsed, digest)
	}
}

func TestParseSidecar(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "empty", input: "", wantErr: true},
		{name: "short digest", input: "abc123  file.db\n", wantErr: true},
		{name: "non-hex digest", input: strings.Repeat("z", 64) + "  file.db\n", wantErr: true},
		{name: "digest only", input: Sum([]byte("x"))},
		{name: "uppercase digest", input: strings.ToUpper(Sum([]byte("x"))) + "  file.db"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSidecar([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSidecar() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
