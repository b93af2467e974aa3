package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/congsync/congsync/internal/blob"
)

func TestLoadEtagDefaults(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemStore()
	l := New(store, "user", "u1")

	if etag := l.LoadEtag(ctx); etag != "v0" {
		t.Errorf("Expected v0 for absent marker, got %s", etag)
	}

	if err := store.Put(ctx, "user/u1/", nil, map[string]string{"etag": "v7"}); err != nil {
		t.Fatal(err)
	}
	if etag := l.LoadEtag(ctx); etag != "v7" {
		t.Errorf("Expected stored etag v7, got %s", etag)
	}

	// Garbage metadata falls back to v0.
	if err := store.Put(ctx, "user/u1/", nil, map[string]string{"etag": "bogus"}); err != nil {
		t.Fatal(err)
	}
	if etag := l.LoadEtag(ctx); etag != "v0" {
		t.Errorf("Expected v0 for malformed etag, got %s", etag)
	}
}

func TestSaveWithHistoryBumpsAndRecords(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemStore()
	l := New(store, "congregation", "c1")
	l.LoadEtag(ctx)

	patch := map[string]any{"name": map[string]any{"value": "New", "updatedAt": "2025-06-01T00:00:00Z"}}
	settings := map[string]any{"name": map[string]any{"value": "New", "updatedAt": "2025-06-01T00:00:00Z"}}
	err := l.SaveWithHistory(ctx,
		[]Change{{Scope: "settings", Patch: patch}},
		[]Write{{Scope: "settings", Value: settings}})
	if err != nil {
		t.Fatalf("SaveWithHistory failed: %v", err)
	}

	if l.Etag() != "v1" {
		t.Errorf("Expected v1, got %s", l.Etag())
	}
	meta, err := store.Head(ctx, "congregation/c1/")
	if err != nil {
		t.Fatal(err)
	}
	if meta["etag"] != "v1" {
		t.Errorf("Expected marker metadata v1, got %v", meta)
	}

	data, err := store.Get(ctx, "congregation/c1/settings.json")
	if err != nil {
		t.Fatalf("Scope document not persisted: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if doc["name"].(map[string]any)["value"] != "New" {
		t.Errorf("Unexpected persisted scope: %v", doc)
	}

	entries, err := l.Mutations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 log entry, got %d", len(entries))
	}
	if entries[0].Etag != "v1" {
		t.Errorf("Expected entry stamped v1, got %s", entries[0].Etag)
	}
	if len(entries[0].Changes) != 1 || entries[0].Changes[0].Scope != "settings" {
		t.Errorf("Expected recorded change for settings, got %v", entries[0].Changes)
	}

	// Each successful batch increments by exactly one.
	if err := l.SaveWithHistory(ctx, []Change{{Scope: "settings", Patch: patch}}, nil); err != nil {
		t.Fatal(err)
	}
	if l.Etag() != "v2" {
		t.Errorf("Expected v2, got %s", l.Etag())
	}
	entries, _ = l.Mutations(ctx)
	if len(entries) != 2 {
		t.Errorf("Expected 2 log entries, got %d", len(entries))
	}
	if entries[0].Timestamp.After(entries[1].Timestamp) {
		t.Error("Log entries must be non-decreasing by timestamp")
	}
}

func TestMutationsPruning(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemStore()
	l := New(store, "user", "u1")
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	entries := []Entry{
		{Etag: "v1", Timestamp: now.AddDate(0, -8, 0)},
		{Etag: "v2", Timestamp: now.AddDate(0, -1, 0)},
	}
	raw, _ := json.Marshal(entries)
	if err := store.Put(ctx, "user/u1/mutations.json", raw, nil); err != nil {
		t.Fatal(err)
	}

	got, err := l.Mutations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Etag != "v2" {
		t.Fatalf("Expected only the recent entry, got %v", got)
	}

	// The compacted list must have been persisted.
	raw, err = store.Get(ctx, "user/u1/mutations.json")
	if err != nil {
		t.Fatal(err)
	}
	var stored []Entry
	if err := json.Unmarshal(raw, &stored); err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || stored[0].Etag != "v2" {
		t.Errorf("Expected pruned log persisted, got %v", stored)
	}
}

func TestMutationsMalformedLog(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemStore()
	l := New(store, "user", "u1")
	if err := store.Put(ctx, "user/u1/mutations.json", []byte("not json"), nil); err != nil {
		t.Fatal(err)
	}
	entries, err := l.Mutations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if entries != nil {
		t.Errorf("Expected malformed log to read as empty, got %v", entries)
	}
}

func TestSaveWithHistoryBumpFailureAborts(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Store: blob.NewMemStore(), failKey: "user/u1/"}
	l := New(store, "user", "u1")

	err := l.SaveWithHistory(ctx, []Change{{Scope: "settings"}},
		[]Write{{Scope: "settings", Value: map[string]any{}}})
	if err == nil {
		t.Fatal("Expected bump failure to abort the batch")
	}
	if l.Etag() != "v0" {
		t.Errorf("Expected in-memory etag untouched, got %s", l.Etag())
	}
	if _, err := store.Get(ctx, "user/u1/settings.json"); !errors.Is(err, blob.ErrNotExist) {
		t.Error("Expected no scope write after aborted bump")
	}
}

func TestSaveWithHistoryScopeWriteFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Store: blob.NewMemStore(), failKey: "user/u1/settings.json"}
	l := New(store, "user", "u1")

	err := l.SaveWithHistory(ctx, []Change{{Scope: "settings"}},
		[]Write{{Scope: "settings", Value: map[string]any{}}})
	if err == nil {
		t.Fatal("Expected scope write failure to surface")
	}
	if !strings.Contains(err.Error(), "settings") {
		t.Errorf("Expected error to name the scope, got %v", err)
	}
}

func TestSaveWithHistorySiblingWritesRunToCompletion(t *testing.T) {
	ctx := context.Background()
	store := &orderedFailStore{
		Store:   blob.NewMemStore(),
		failKey: "user/u1/mutations.json",
		waitKey: "user/u1/settings.json",
		failed:  make(chan struct{}),
	}
	l := New(store, "user", "u1")

	err := l.SaveWithHistory(ctx, []Change{{Scope: "settings"}},
		[]Write{{Scope: "settings", Value: map[string]any{"a": "1"}}})
	if err == nil {
		t.Fatal("Expected the failed log write to fail the batch")
	}

	// The scope write started alongside the failing log write and must still
	// land: persistence is not cancellable once fired.
	if _, err := store.Get(ctx, "user/u1/settings.json"); err != nil {
		t.Errorf("Expected sibling write to complete despite the failure: %v", err)
	}
}

// orderedFailStore fails Put on failKey and holds the Put on waitKey until
// the failure has happened, then honors context cancellation.
type orderedFailStore struct {
	blob.Store
	failKey string
	waitKey string
	failed  chan struct{}
}

func (s *orderedFailStore) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	switch key {
	case s.failKey:
		close(s.failed)
		return errors.New("injected write failure")
	case s.waitKey:
		<-s.failed
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return s.Store.Put(ctx, key, data, meta)
}

// failingStore fails Put on a single key, everything else passes through.
type failingStore struct {
	blob.Store
	failKey string
}

func (f *failingStore) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	if key == f.failKey {
		return errors.New("injected write failure")
	}
	return f.Store.Put(ctx, key, data, meta)
}
