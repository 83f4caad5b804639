package cabackup

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for rel, body := range files {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestDirectoryChecksumDeterministic(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"ca.crt":          "cert body",
		"private/ca.key":  "key body",
		"openssl.cnf":     "config",
		"newcerts/01.pem": "issued",
	})

	first, err := DirectoryChecksum([]string{dir})
	if err != nil {
		t.Fatal(err)
	}
	second, err := DirectoryChecksum([]string{dir})
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("checksum not deterministic for unchanged tree")
	}
	if len(first) != 64 {
		t.Errorf("checksum length = %d, want 64 hex chars", len(first))
	}
}

func TestDirectoryChecksumDetectsChanges(t *testing.T) {
	base := map[string]string{"ca.crt": "cert body", "private/ca.key": "key body"}

	tests := []struct {
		name   string
		mutate func(dir string) error
	}{
		{
			name: "content change",
			mutate: func(dir string) error {
				return os.WriteFile(filepath.Join(dir, "ca.crt"), []byte("rotated cert"), 0o600)
			},
		},
		{
			name: "file added",
			mutate: func(dir string) error {
				return os.WriteFile(filepath.Join(dir, "crl.pem"), []byte("revocations"), 0o600)
			},
		},
		{
			name: "file removed",
			mutate: func(dir string) error {
				return os.Remove(filepath.Join(dir, "private", "ca.key"))
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := writeTree(t, base)
			before, err := DirectoryChecksum([]string{dir})
			if err != nil {
				t.Fatal(err)
			}
			if err := tc.mutate(dir); err != nil {
				t.Fatal(err)
			}
			after, err := DirectoryChecksum([]string{dir})
			if err != nil {
				t.Fatal(err)
			}
			if before == after {
				t.Error("checksum unchanged after mutation")
			}
		})
	}
}

func TestDirectoryChecksumSkipsMissingDir(t *testing.T) {
	dir := writeTree(t, map[string]string{"ca.crt": "cert body"})
	withMissing, err := DirectoryChecksum([]string{dir, filepath.Join(dir, "does-not-exist")})
	if err != nil {
		t.Fatal(err)
	}
	alone, err := DirectoryChecksum([]string{dir})
	if err != nil {
		t.Fatal(err)
	}
	if withMissing != alone {
		t.Error("missing directory must not affect the checksum")
	}
}

func TestBuildAndVerifyArchive(t *testing.T) {
	secrets := writeTree(t, map[string]string{"ca.key": "key body", "ca.crt": "cert body"})
	config := writeTree(t, map[string]string{"openssl.cnf": "config"})

	archive, err := BuildArchive([]string{secrets, config})
	if err != nil {
		t.Fatalf("BuildArchive: %v", err)
	}

	entries, err := VerifyArchive(archive)
	if err != nil {
		t.Fatalf("VerifyArchive: %v", err)
	}
	if entries != 3 {
		t.Errorf("entries = %d, want 3", entries)
	}

	// Entry names are prefixed with the source dir's base name.
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		t.Fatal(err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	contents := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			t.Fatal(err)
		}
		contents[hdr.Name] = string(body)
	}

	wantName := filepath.Base(secrets) + "/ca.key"
	if contents[wantName] != "key body" {
		t.Errorf("entry %q = %q, want %q", wantName, contents[wantName], "key body")
	}
}

func TestVerifyArchiveRejectsGarbage(t *testing.T) {
	if _, err := VerifyArchive([]byte("not a gzip stream")); err == nil {
		t.Error("garbage accepted as archive")
	}

	var empty bytes.Buffer
	gz := gzip.NewWriter(&empty)
	tw := tar.NewWriter(gz)
	tw.Close()
	gz.Close()
	if _, err := VerifyArchive(empty.Bytes()); err == nil {
		t.Error("empty archive accepted")
	}
}
