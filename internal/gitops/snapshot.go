package gitops

import (
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/hochfrequenz/ci-heal-orchestrator/internal/domain"
	"github.com/zeebo/blake3"
)

// SnapshotExtensions are the file types captured into FileEntry records
var SnapshotExtensions = map[string]bool{
	".py": true, ".js": true, ".jsx": true, ".ts": true, ".tsx": true, ".go": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true, ".md": true,
}

// SkipDirs are never descended into when snapshotting or discovering tests
var SkipDirs = map[string]bool{
	".git": true, "node_modules": true, "__pycache__": true, ".tox": true,
	".venv": true, "venv": true, "vendor": true, "dist": true, "build": true,
	".pytest_cache": true, ".mypy_cache": true,
}

// MaxSnapshotFileSize bounds the size of a single captured file
const MaxSnapshotFileSize = 512 * 1024

// Snapshot captures the readable text files under root, ordered by path
func Snapshot(root string) ([]domain.FileEntry, error) {
	entries := []domain.FileEntry{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && SkipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !SnapshotExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > MaxSnapshotFileSize {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil || !utf8.Valid(data) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		entries = append(entries, domain.FileEntry{
			Path:    filepath.ToSlash(rel),
			Content: string(data),
			Size:    info.Size(),
			Digest:  Digest(data),
		})
		return nil
	})
	return entries, err
}

// Digest returns the hex blake3 hash of data
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
