// Package entity implements the user and congregation aggregates: a fixed set
// of named scopes per entity, with all writes funneled through the patch
// merger and the version ledger.
//
// Client batches are versioned: one ETag bump and one mutation-log entry per
// effective batch. Server patches are quiet: single scope write, no bump, no
// log entry.
package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/congsync/congsync/internal/blob"
	"github.com/congsync/congsync/internal/ledger"
	"github.com/congsync/congsync/internal/merge"
)

var (
	// ErrUnknownKind is returned for entity kinds outside the closed set.
	ErrUnknownKind = errors.New("unknown entity kind")
	// ErrUnknownScope is returned when a scope name is not part of the
	// entity's scope set.
	ErrUnknownScope = errors.New("unknown scope")
	// ErrNotDocumentScope is returned when a server patch targets a keyed
	// collection; quiet patches only apply to single-document scopes.
	ErrNotDocumentScope = errors.New("scope is not a single document")
)

// Aggregate is one entity: its scopes, its ledger and its exclusive region.
// A single Aggregate instance per entity id is shared across concurrent
// callers; the mutex serializes the read-bump-write sequence.
type Aggregate struct {
	kind string
	id   string

	store  blob.Store
	ledger *ledger.Ledger
	defs   []Descriptor

	mu     sync.Mutex
	docs   map[string]map[string]any   // single-document scopes
	colls  map[string][]map[string]any // keyed collection scopes
	loaded map[string]bool             // scopes fetched from storage
}

// New creates an aggregate of the given kind. The entity is not loaded;
// call Load to populate scopes and the ETag from storage.
func New(store blob.Store, kind, id string) (*Aggregate, error) {
	defs := scopesFor(kind)
	if defs == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return &Aggregate{
		kind:   kind,
		id:     id,
		store:  store,
		ledger: ledger.New(store, kind, id),
		defs:   defs,
		docs:   map[string]map[string]any{},
		colls:  map[string][]map[string]any{},
		loaded: map[string]bool{},
	}, nil
}

// NewUser creates a user aggregate.
func NewUser(store blob.Store, id string) *Aggregate {
	a, _ := New(store, KindUser, id)
	return a
}

// NewCongregation creates a congregation aggregate.
func NewCongregation(store blob.Store, id string) *Aggregate {
	a, _ := New(store, KindCongregation, id)
	return a
}

// Kind returns the entity kind.
func (a *Aggregate) Kind() string {
	return a.kind
}

// ID returns the entity id.
func (a *Aggregate) ID() string {
	return a.id
}

// Etag returns the current in-memory ETag.
func (a *Aggregate) Etag() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ledger.Etag()
}

// Load fetches every eager scope and the stored ETag concurrently. Failures
// on individual scopes are logged and leave that scope unloaded; callers must
// treat absence as empty.
func (a *Aggregate) Load(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.ledger.LoadEtag(gctx)
		return nil
	})
	results := make([]loadResult, len(a.defs))
	for i, d := range a.defs {
		if d.Lazy {
			continue
		}
		g.Go(func() error {
			results[i] = a.fetchScope(gctx, d)
			return nil
		})
	}
	_ = g.Wait()
	for i, d := range a.defs {
		if d.Lazy || !results[i].ok {
			continue
		}
		a.adoptScope(d, results[i])
	}
}

// ApplyBatchedChanges merges a client batch into the entity and, when
// anything actually changed, persists the touched scopes with one ETag bump
// and one mutation-log entry.
//
// Patches with a stale timestamp or a missing identity key are silently
// skipped. A batch with no effective change performs zero storage writes.
// In-memory scopes are updated before persistence; a persistence failure
// leaves memory ahead of storage, which the caller may retry since merges are
// idempotent.
func (a *Aggregate) ApplyBatchedChanges(ctx context.Context, changes []ledger.Change) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	workDocs := map[string]map[string]any{}
	workColls := map[string][]map[string]any{}
	var recorded []ledger.Change

	for _, c := range changes {
		d, ok := a.scopeDef(c.Scope)
		if !ok {
			slog.WarnContext(ctx, "Skipping patch for unknown scope", "kind", a.kind, "id", a.id, "scope", c.Scope)
			continue
		}
		if c.Patch == nil {
			continue
		}
		a.ensureLoaded(ctx, d)
		if d.Collection {
			coll, tracked := workColls[d.Name]
			if !tracked {
				coll = a.colls[d.Name]
			}
			next, changed := a.applyToCollection(d, coll, c.Patch)
			if !changed {
				continue
			}
			workColls[d.Name] = next
		} else {
			doc, tracked := workDocs[d.Name]
			if !tracked {
				doc = a.docs[d.Name]
			}
			mergedAny, changed := merge.Merge(doc, c.Patch)
			if !changed {
				continue
			}
			workDocs[d.Name] = mergedAny.(map[string]any)
		}
		recorded = append(recorded, c)
	}

	if len(recorded) == 0 {
		slog.InfoContext(ctx, "Batch produced no effective changes", "kind", a.kind, "id", a.id, "patches", len(changes))
		return nil
	}

	// Commit to memory first, then persist. A failure below leaves memory
	// ahead of storage; accepted, the caller retries the whole batch.
	writes := make([]ledger.Write, 0, len(workDocs)+len(workColls))
	for name, doc := range workDocs {
		a.docs[name] = doc
		a.loaded[name] = true
		writes = append(writes, ledger.Write{Scope: name, Value: doc})
	}
	for name, coll := range workColls {
		a.colls[name] = coll
		a.loaded[name] = true
		writes = append(writes, ledger.Write{Scope: name, Value: coll})
	}
	return a.ledger.SaveWithHistory(ctx, recorded, writes)
}

// applyToCollection merges one patch into a keyed collection. A patch without
// an identity value is skipped; an unknown identity gets a stub record so the
// merge bootstraps it.
func (a *Aggregate) applyToCollection(d Descriptor, coll []map[string]any, patch map[string]any) ([]map[string]any, bool) {
	key, ok := d.identity(patch)
	if !ok {
		return coll, false
	}
	idx := -1
	for i, rec := range coll {
		if v, ok := rec[d.IdentityKey]; ok && reflect.DeepEqual(v, key) {
			idx = i
			break
		}
	}
	record := d.stub(key)
	if idx >= 0 {
		record = coll[idx]
	}
	mergedAny, changed := merge.Merge(record, patch)
	if !changed {
		return coll, false
	}
	next := make([]map[string]any, len(coll))
	copy(next, coll)
	if idx >= 0 {
		next[idx] = mergedAny.(map[string]any)
	} else {
		next = append(next, mergedAny.(map[string]any))
	}
	return next, true
}

// ApplyServerPatch applies an authoritative administrative patch to a single
// document scope: top-level keys overwrite on inequality, no timestamps. On
// change, only that scope document is persisted; the ETag and mutation log
// are untouched. A persistence failure rolls the in-memory scope back before
// returning the error.
func (a *Aggregate) ApplyServerPatch(ctx context.Context, scope string, patch map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.scopeDef(scope)
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrUnknownScope, a.kind, scope)
	}
	if d.Collection {
		return fmt.Errorf("%w: %s/%s", ErrNotDocumentScope, a.kind, scope)
	}
	a.ensureLoaded(ctx, d)
	prev := a.docs[d.Name]
	prevLoaded := a.loaded[d.Name]
	merged, changed := merge.Flat(prev, patch)
	if !changed {
		return nil
	}
	a.docs[d.Name] = merged
	a.loaded[d.Name] = true
	if err := a.ledger.SaveScope(ctx, ledger.Write{Scope: d.Name, Value: merged}); err != nil {
		a.docs[d.Name] = prev
		a.loaded[d.Name] = prevLoaded
		return err
	}
	return nil
}

// Document returns a single-document scope, loading it first if lazy. A nil
// map means nothing is stored; callers treat absence as empty.
func (a *Aggregate) Document(ctx context.Context, scope string) (map[string]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.scopeDef(scope)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownScope, a.kind, scope)
	}
	if d.Collection {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotDocumentScope, a.kind, scope)
	}
	a.ensureLoaded(ctx, d)
	return a.docs[d.Name], nil
}

// Collection returns a keyed collection scope, loading it first if lazy.
func (a *Aggregate) Collection(ctx context.Context, scope string) ([]map[string]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.scopeDef(scope)
	if !ok || !d.Collection {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownScope, a.kind, scope)
	}
	a.ensureLoaded(ctx, d)
	return a.colls[d.Name], nil
}

// Snapshot returns every scope value plus the current ETag, forcing lazy
// scopes to load. The returned values are the live immutable documents;
// scopes are replaced wholesale on write, never mutated in place.
func (a *Aggregate) Snapshot(ctx context.Context) (map[string]any, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	scopes := make(map[string]any, len(a.defs))
	for _, d := range a.defs {
		a.ensureLoaded(ctx, d)
		if d.Collection {
			if coll, ok := a.colls[d.Name]; ok {
				scopes[d.Name] = coll
			}
		} else if doc, ok := a.docs[d.Name]; ok {
			scopes[d.Name] = doc
		}
	}
	return scopes, a.ledger.Etag()
}

// Mutations returns the entity's pruned mutation history.
func (a *Aggregate) Mutations(ctx context.Context) ([]ledger.Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ledger.Mutations(ctx)
}

func (a *Aggregate) scopeDef(name string) (Descriptor, bool) {
	for _, d := range a.defs {
		if d.Name == name {
			return d, true
		}
	}
	return Descriptor{}, false
}

// ensureLoaded fetches a scope on first access. Must be called with the
// mutex held.
func (a *Aggregate) ensureLoaded(ctx context.Context, d Descriptor) {
	if a.loaded[d.Name] {
		return
	}
	if res := a.fetchScope(ctx, d); res.ok {
		a.adoptScope(d, res)
	}
}

type loadResult struct {
	ok   bool
	doc  map[string]any
	coll []map[string]any
}

// fetchScope reads and decodes one scope document from storage. Absent keys
// load as empty; malformed documents are logged and treated as absent, never
// repaired.
func (a *Aggregate) fetchScope(ctx context.Context, d Descriptor) loadResult {
	data, err := a.store.Get(ctx, a.ledger.ScopeKey(d.Name))
	if err != nil {
		if !errors.Is(err, blob.ErrNotExist) {
			slog.ErrorContext(ctx, "Failed to load scope", "kind", a.kind, "id", a.id, "scope", d.Name, "err", err)
			return loadResult{}
		}
		return loadResult{ok: true}
	}
	res := loadResult{ok: true}
	if d.Collection {
		if err := json.Unmarshal(data, &res.coll); err != nil {
			slog.ErrorContext(ctx, "Malformed scope document", "kind", a.kind, "id", a.id, "scope", d.Name, "err", err)
			return loadResult{ok: true}
		}
	} else {
		if err := json.Unmarshal(data, &res.doc); err != nil {
			slog.ErrorContext(ctx, "Malformed scope document", "kind", a.kind, "id", a.id, "scope", d.Name, "err", err)
			return loadResult{ok: true}
		}
	}
	return res
}

// adoptScope installs a fetch result. Must be called with the mutex held.
func (a *Aggregate) adoptScope(d Descriptor, res loadResult) {
	if d.Collection {
		if res.coll != nil {
			a.colls[d.Name] = res.coll
		}
	} else if res.doc != nil {
		a.docs[d.Name] = res.doc
	}
	a.loaded[d.Name] = true
}
