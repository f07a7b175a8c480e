package cache

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

const fileVersion = 1

type cacheFile struct {
	Version int              `json:"version"`
	Entries map[string]Entry `json:"entries"`
}

// FileBackend stores each named cache as <dir>/<name>.json.
type FileBackend struct {
	dir string
}

// NewFileBackend returns a backend rooted at dir. The directory is created on
// first save.
func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{dir: dir}
}

func (b *FileBackend) path(name string) string {
	return filepath.Join(b.dir, name+".json")
}

// Load reads a cache file. A missing file is an empty cache.
func (b *FileBackend) Load(_ context.Context, name string) (map[string]Entry, error) {
	raw, err := os.ReadFile(b.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]Entry{}, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "cache: read %s", b.path(name))
	}

	var f cacheFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, eris.Wrapf(err, "cache: decode %s", b.path(name))
	}
	if f.Version != fileVersion {
		return nil, eris.Errorf("cache: %s has unsupported version %d", b.path(name), f.Version)
	}
	if f.Entries == nil {
		f.Entries = map[string]Entry{}
	}
	return f.Entries, nil
}

// Save replaces the cache file atomically.
func (b *FileBackend) Save(_ context.Context, name string, entries map[string]Entry) error {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return eris.Wrapf(err, "cache: create dir %s", b.dir)
	}
	raw, err := json.Marshal(cacheFile{Version: fileVersion, Entries: entries})
	if err != nil {
		return eris.Wrap(err, "cache: encode")
	}
	return writeFileAtomic(b.path(name), raw, 0o644)
}

// Stats counts entries per cache file. Unreadable files are reported with -1.
func (b *FileBackend) Stats(ctx context.Context) (map[string]int, error) {
	matches, err := filepath.Glob(filepath.Join(b.dir, "*.json"))
	if err != nil {
		return nil, eris.Wrap(err, "cache: list files")
	}
	sort.Strings(matches)

	out := make(map[string]int, len(matches))
	for _, m := range matches {
		name := strings.TrimSuffix(filepath.Base(m), ".json")
		entries, err := b.Load(ctx, name)
		if err != nil {
			out[name] = -1
			continue
		}
		out[name] = len(entries)
	}
	return out, nil
}

// Clear deletes a cache file and returns how many entries it held.
func (b *FileBackend) Clear(ctx context.Context, name string) (int, error) {
	entries, _ := b.Load(ctx, name)
	err := os.Remove(b.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "cache: remove %s", b.path(name))
	}
	return len(entries), nil
}

// Close is a no-op.
func (b *FileBackend) Close() error { return nil }

// writeFileAtomic writes to a temp file in the destination directory, syncs
// it, and renames it over path so readers never see a partial file.
func writeFileAtomic(path string, content []byte, mode os.FileMode) error {
	parent := filepath.Dir(path)
	tmp, err := os.CreateTemp(parent, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return eris.Wrap(err, "cache: create temp file")
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return eris.Wrap(err, "cache: write temp file")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return eris.Wrap(err, "cache: sync temp file")
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return eris.Wrap(err, "cache: chmod temp file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "cache: close temp file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return eris.Wrap(err, "cache: rename temp file")
	}
	cleanup = false

	if dir, err := os.Open(parent); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}
