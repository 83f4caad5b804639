package backup

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// CleanupLocal deletes local backup artifacts older than retentionDays
// and prunes directories left empty. It only ever touches files this
// node produced, never remote objects, and never fails the run: all
// errors are logged as warnings.
func CleanupLocal(logger zerolog.Logger, dir string, retentionDays int, now time.Time) int {
	if dir == "" || retentionDays <= 0 {
		return 0
	}
	cutoff := now.Add(-time.Duration(retentionDays) * 24 * time.Hour)

	deleted := 0
	var dirs []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("retention walk error (non-fatal)")
			return nil
		}
		if d.IsDir() {
			if path != dir {
				dirs = append(dirs, path)
			}
			return nil
		}
		if !isBackupFile(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				logger.Warn().Err(err).Str("path", path).Msg("retention delete failed (non-fatal)")
				return nil
			}
			logger.Info().Str("path", path).Msg("deleted expired local backup")
			deleted++
		}
		return nil
	})
	if err != nil {
		logger.Warn().Err(err).Msg("retention sweep failed (non-fatal)")
		return deleted
	}

	// Deepest first so nested empty directories collapse upward.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, d := range dirs {
		entries, err := os.ReadDir(d)
		if err != nil || len(entries) > 0 {
			continue
		}
		_ = os.Remove(d)
	}

	logger.Info().Int("deleted", deleted).Msg("local retention cleanup finished")
	return deleted
}

func isBackupFile(name string) bool {
	return strings.HasSuffix(name, ".db") ||
		strings.Contains(name, ".tar.gz") ||
		strings.HasSuffix(name, ".sha256")
}
