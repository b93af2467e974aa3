package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// markerName is the on-disk file backing a marker key ("<prefix>/").
const markerName = ".marker"

// metaSuffix is appended to a blob's path to store its metadata sidecar.
const metaSuffix = ".meta"

// FileStore implements Store on a local directory tree.
//
// Each key maps to a file under the root directory. Metadata lives in a JSON
// sidecar next to the blob. Marker keys map to a ".marker" file inside the
// directory they name.
type FileStore struct {
	rootDir string
}

// NewFileStore initializes a FileStore rooted at rootDir, creating it if
// needed.
func NewFileStore(rootDir string) (*FileStore, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &FileStore{rootDir: rootDir}, nil
}

// RootDir returns the root directory path.
func (f *FileStore) RootDir() string {
	return f.rootDir
}

// Get returns the stored bytes, or ErrNotExist.
func (f *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := f.keyPath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, key)
		}
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

// Put stores data under key, replacing any previous value and metadata.
func (f *FileStore) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	path, err := f.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}
	if data == nil {
		data = []byte{}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if len(meta) == 0 {
		// Stale sidecars from a previous Put must not survive.
		if err := os.Remove(path + metaSuffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to clear metadata for %s: %w", key, err)
		}
		return nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata for %s: %w", key, err)
	}
	if err := os.WriteFile(path+metaSuffix, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata for %s: %w", key, err)
	}
	return nil
}

// Head returns the metadata stored with key. Absent or unparsable metadata
// yields an empty map.
func (f *FileStore) Head(ctx context.Context, key string) (map[string]string, error) {
	path, err := f.keyPath(key)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path + metaSuffix)
	if err != nil {
		return map[string]string{}, nil
	}
	meta := map[string]string{}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return map[string]string{}, nil
	}
	return meta, nil
}

// List returns all keys starting with prefix.
func (f *FileStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(f.rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, metaSuffix) {
			return nil
		}
		rel, err := filepath.Rel(f.rootDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if name := filepath.Base(path); name == markerName {
			key = strings.TrimSuffix(key, markerName)
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %q: %w", prefix, err)
	}
	return keys, nil
}

// Delete removes the blob and its metadata sidecar.
func (f *FileStore) Delete(ctx context.Context, key string) error {
	path, err := f.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	if err := os.Remove(path + metaSuffix); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete metadata for %s: %w", key, err)
	}
	return nil
}

// keyPath maps a key to its on-disk path, rejecting escapes from the root.
func (f *FileStore) keyPath(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty key")
	}
	clean := filepath.FromSlash(key)
	if strings.HasSuffix(key, "/") {
		clean = filepath.Join(clean, markerName)
	}
	path := filepath.Join(f.rootDir, clean)
	if !strings.HasPrefix(path, f.rootDir+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return path, nil
}
