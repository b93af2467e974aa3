package blob

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
)

// MemStore implements Store in memory. Used in tests and as a scratch backend.
type MemStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	metas map[string]map[string]string
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		blobs: map[string][]byte{},
		metas: map[string]map[string]string{},
	}
}

// Get returns the stored bytes, or ErrNotExist.
func (m *MemStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, key)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Put stores data under key, replacing any previous value and metadata.
func (m *MemStore) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	if key == "" {
		return fmt.Errorf("empty key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	m.blobs[key] = stored
	if len(meta) == 0 {
		delete(m.metas, key)
	} else {
		m.metas[key] = maps.Clone(meta)
	}
	return nil
}

// Head returns the metadata stored with key, or an empty map.
func (m *MemStore) Head(ctx context.Context, key string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.metas[key]
	if !ok {
		return map[string]string{}, nil
	}
	return maps.Clone(meta), nil
}

// List returns all keys starting with prefix, sorted.
func (m *MemStore) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.blobs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes the blob and its metadata.
func (m *MemStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
	delete(m.metas, key)
	return nil
}
