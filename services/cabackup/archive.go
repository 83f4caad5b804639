package cabackup

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/gzip"
)

// DirectoryChecksum computes a deterministic digest over one or more
// directory trees: relative paths sorted and hashed together with file
// contents, so renames, additions, deletions, and edits all change it.
// Missing directories are skipped so a partially provisioned host does
// not fail the change check.
func DirectoryChecksum(dirs []string) (string, error) {
	type entry struct {
		label string
		path  string
	}
	var entries []entry

	for _, dir := range dirs {
		base := filepath.Base(dir)
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			entries = append(entries, entry{label: filepath.ToSlash(filepath.Join(base, rel)), path: path})
			return nil
		})
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", fmt.Errorf("walk %s: %w", dir, err)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].label < entries[j].label })

	h := sha256.New()
	for _, e := range entries {
		io.WriteString(h, e.label)
		h.Write([]byte{0})
		f, err := os.Open(e.path)
		if err != nil {
			return "", fmt.Errorf("open %s: %w", e.path, err)
		}
		if _, err := io.Copy(h, f); err != nil {
			f.Close()
			return "", fmt.Errorf("hash %s: %w", e.path, err)
		}
		f.Close()
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// BuildArchive produces a tar.gz of the given directories. Entries are
// named {basename}/{relative path} so the archive unpacks into one
// directory per source. Entry order is sorted for reproducibility.
func BuildArchive(dirs []string) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, dir := range dirs {
		base := filepath.Base(dir)
		var files []string
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			files = append(files, path)
			return nil
		})
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("walk %s: %w", dir, err)
		}
		sort.Strings(files)

		for _, path := range files {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return nil, err
			}
			if err := addFile(tw, path, filepath.ToSlash(filepath.Join(base, rel))); err != nil {
				return nil, err
			}
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("finalize tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("finalize gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func addFile(tw *tar.Writer, path, name string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(path)
		if err != nil {
			return fmt.Errorf("readlink %s: %w", path, err)
		}
		hdr, err := tar.FileInfoHeader(info, target)
		if err != nil {
			return err
		}
		hdr.Name = name
		return tw.WriteHeader(hdr)
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("archive %s: %w", name, err)
	}
	return nil
}

// VerifyArchive reads the whole tar.gz stream back and returns the entry
// count, proving the archive is structurally sound before upload.
func VerifyArchive(data []byte) (int, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	count := 0
	for {
		_, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, fmt.Errorf("read tar entry: %w", err)
		}
		if _, err := io.Copy(io.Discard, tr); err != nil {
			return count, fmt.Errorf("read tar body: %w", err)
		}
		count++
	}
	if count == 0 {
		return 0, fmt.Errorf("archive contains no entries")
	}
	return count, nil
}
