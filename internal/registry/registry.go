// Package registry keeps the in-process cache of entity aggregates: one
// shared instance per entity id, discovered from storage at startup and
// created or destroyed through explicit provisioning calls.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/maruel/ksid"

	"github.com/congsync/congsync/internal/blob"
	"github.com/congsync/congsync/internal/entity"
)

// ErrNotFound is returned when no entity exists for a kind and id.
var ErrNotFound = errors.New("entity not found")

// Registry caches aggregates by kind and id. Merge logic never creates or
// destroys entities; only Provision and Delete do.
type Registry struct {
	store blob.Store

	mu       sync.RWMutex
	entities map[string]*entity.Aggregate
}

// New creates an empty registry on top of store.
func New(store blob.Store) *Registry {
	return &Registry{
		store:    store,
		entities: map[string]*entity.Aggregate{},
	}
}

// LoadAll discovers every stored entity of both kinds and loads it into the
// cache. Individual load failures are logged, not fatal.
func (r *Registry) LoadAll(ctx context.Context) error {
	for _, kind := range []string{entity.KindUser, entity.KindCongregation} {
		keys, err := r.store.List(ctx, kind+"/")
		if err != nil {
			return fmt.Errorf("failed to list %s entities: %w", kind, err)
		}
		for _, id := range idsFromKeys(kind, keys) {
			if _, err := r.load(ctx, kind, id); err != nil {
				slog.ErrorContext(ctx, "Failed to load entity", "kind", kind, "id", id, "err", err)
			}
		}
	}
	r.mu.RLock()
	n := len(r.entities)
	r.mu.RUnlock()
	slog.InfoContext(ctx, "Entity registry loaded", "entities", n)
	return nil
}

// Get returns the cached aggregate for kind and id, loading it from storage
// on first access. ErrNotFound when nothing is stored under the entity's
// prefix.
func (r *Registry) Get(ctx context.Context, kind, id string) (*entity.Aggregate, error) {
	r.mu.RLock()
	agg, ok := r.entities[kind+"/"+id]
	r.mu.RUnlock()
	if ok {
		return agg, nil
	}
	keys, err := r.store.List(ctx, kind+"/"+id+"/")
	if err != nil {
		return nil, fmt.Errorf("failed to probe entity %s/%s: %w", kind, id, err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, kind, id)
	}
	return r.load(ctx, kind, id)
}

// Provision creates a new entity with empty scopes and ETag v0, stores its
// version marker and returns the cached aggregate.
func (r *Registry) Provision(ctx context.Context, kind string) (*entity.Aggregate, error) {
	id := ksid.NewID().String()
	agg, err := entity.New(r.store, kind, id)
	if err != nil {
		return nil, err
	}
	if err := r.store.Put(ctx, kind+"/"+id+"/", nil, map[string]string{"etag": "v0"}); err != nil {
		return nil, fmt.Errorf("failed to provision %s/%s: %w", kind, id, err)
	}
	r.mu.Lock()
	r.entities[kind+"/"+id] = agg
	r.mu.Unlock()
	slog.InfoContext(ctx, "Entity provisioned", "kind", kind, "id", id)
	return agg, nil
}

// Delete removes the entity from storage and from the cache. This is the only
// way an entity is destroyed.
func (r *Registry) Delete(ctx context.Context, kind, id string) error {
	prefix := kind + "/" + id + "/"
	keys, err := r.store.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("failed to list %s%s: %w", kind, id, err)
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, kind, id)
	}
	for _, key := range keys {
		if err := r.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
	}
	r.mu.Lock()
	delete(r.entities, kind+"/"+id)
	r.mu.Unlock()
	slog.InfoContext(ctx, "Entity deleted", "kind", kind, "id", id)
	return nil
}

// load creates, loads and caches an aggregate. Concurrent callers for the
// same id converge on a single instance.
func (r *Registry) load(ctx context.Context, kind, id string) (*entity.Aggregate, error) {
	agg, err := entity.New(r.store, kind, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if existing, ok := r.entities[kind+"/"+id]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.entities[kind+"/"+id] = agg
	r.mu.Unlock()
	agg.Load(ctx)
	return agg, nil
}

// idsFromKeys extracts distinct entity ids from keys under "<kind>/".
func idsFromKeys(kind string, keys []string) []string {
	seen := map[string]struct{}{}
	var ids []string
	for _, key := range keys {
		rest := strings.TrimPrefix(key, kind+"/")
		id, _, ok := strings.Cut(rest, "/")
		if !ok || id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
