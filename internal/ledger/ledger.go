// Package ledger implements the per-entity versioning protocol: a
// monotonically increasing ETag stored as blob metadata, an append-only
// time-bounded mutation history, and the apply-bump-record-persist sequence
// every entity write goes through.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/congsync/congsync/internal/blob"
)

// retentionMonths bounds the mutation history; entries older than this are
// pruned the next time the log is read.
const retentionMonths = 6

// mutationsFile is the blob holding the entity's mutation log.
const mutationsFile = "mutations.json"

// etagMeta is the metadata field on the version marker carrying the ETag.
const etagMeta = "etag"

// Change is one scope patch inside a batch, recorded verbatim in the log.
type Change struct {
	Scope string         `json:"scope" jsonschema:"description=Name of the scope the patch applies to"`
	Patch map[string]any `json:"patch" jsonschema:"description=Partial document with updatedAt-stamped nodes"`
}

// Entry is one applied batch: the ETag it produced, when it was applied and
// the patches it carried. Entries are non-decreasing by timestamp and ETag.
type Entry struct {
	Etag      string    `json:"etag" jsonschema:"description=ETag produced by this batch"`
	Timestamp time.Time `json:"timestamp" jsonschema:"description=When the batch was applied"`
	Changes   []Change  `json:"changes" jsonschema:"description=Scope patches applied by this batch"`
}

// Write is one scope document to persist alongside the mutation log.
type Write struct {
	Scope string
	Value any
}

// Ledger versions a single entity. The caller is expected to hold the
// entity's exclusive region across LoadEtag/SaveWithHistory; the ledger does
// not lock on its own.
type Ledger struct {
	store  blob.Store
	prefix string // "<kind>/<id>/", also the version marker key

	etag string
	now  func() time.Time
}

// New creates a ledger for the entity identified by kind and id. The ETag
// starts at "v0" until LoadEtag reads the stored marker.
func New(store blob.Store, kind, id string) *Ledger {
	return &Ledger{
		store:  store,
		prefix: kind + "/" + id + "/",
		etag:   "v0",
		now:    time.Now,
	}
}

// Prefix returns the entity's key prefix, which doubles as the marker key.
func (l *Ledger) Prefix() string {
	return l.prefix
}

// Etag returns the current in-memory ETag.
func (l *Ledger) Etag() string {
	return l.etag
}

// ScopeKey returns the blob key holding a scope document.
func (l *Ledger) ScopeKey(scope string) string {
	return l.prefix + scope + ".json"
}

// LoadEtag reads the stored ETag from the version marker's metadata. Any
// failure or absence falls back to "v0"; this never returns an error.
func (l *Ledger) LoadEtag(ctx context.Context) string {
	meta, err := l.store.Head(ctx, l.prefix)
	if err != nil {
		slog.WarnContext(ctx, "Failed to read version marker", "key", l.prefix, "err", err)
		l.etag = "v0"
		return l.etag
	}
	if v, ok := meta[etagMeta]; ok && parseEtagValid(v) {
		l.etag = v
	} else {
		l.etag = "v0"
	}
	return l.etag
}

// bumpEtag increments the ETag's numeric suffix and persists the marker.
// Failure aborts the whole batch: the in-memory ETag is left untouched.
func (l *Ledger) bumpEtag(ctx context.Context) (string, error) {
	next := fmt.Sprintf("v%d", parseEtag(l.etag)+1)
	if err := l.store.Put(ctx, l.prefix, nil, map[string]string{etagMeta: next}); err != nil {
		return "", fmt.Errorf("failed to bump etag: %w", err)
	}
	l.etag = next
	return next, nil
}

// Mutations reads the mutation log, pruning entries past the retention
// cutoff. When anything was pruned, the compacted list is persisted before
// returning. A missing or unparsable log reads as empty.
func (l *Ledger) Mutations(ctx context.Context) ([]Entry, error) {
	key := l.prefix + mutationsFile
	data, err := l.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, blob.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		slog.ErrorContext(ctx, "Malformed mutation log, treating as empty", "key", key, "err", err)
		return nil, nil
	}
	cutoff := l.now().AddDate(0, -retentionMonths, 0)
	kept := entries[:0]
	for _, e := range entries {
		if !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(entries) {
		return entries, nil
	}
	if err := l.putMutations(ctx, kept); err != nil {
		// Compaction is opportunistic; the pruned view is still returned.
		slog.WarnContext(ctx, "Failed to persist pruned mutation log", "key", key, "err", err)
	}
	return kept, nil
}

// SaveWithHistory applies one batch: fetch (and prune) the mutation log, bump
// the ETag, append an entry recording the batch, then persist the log and
// every changed scope concurrently. It returns once all writes settle; any
// single failure fails the batch, and already completed writes are not rolled
// back.
func (l *Ledger) SaveWithHistory(ctx context.Context, recorded []Change, writes []Write) error {
	entries, err := l.Mutations(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch mutation log: %w", err)
	}
	etag, err := l.bumpEtag(ctx)
	if err != nil {
		return err
	}
	entries = append(entries, Entry{
		Etag:      etag,
		Timestamp: l.now().UTC(),
		Changes:   recorded,
	})

	// Once persistence starts it runs to completion: a failing write must not
	// cancel its siblings, so the group carries no derived context.
	var g errgroup.Group
	g.Go(func() error {
		return l.putMutations(ctx, entries)
	})
	for _, w := range writes {
		g.Go(func() error {
			data, err := json.Marshal(w.Value)
			if err != nil {
				return fmt.Errorf("failed to encode scope %s: %w", w.Scope, err)
			}
			if err := l.store.Put(ctx, l.ScopeKey(w.Scope), data, nil); err != nil {
				return fmt.Errorf("failed to persist scope %s: %w", w.Scope, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// SaveScope persists a single scope document outside the versioned path: no
// ETag bump, no log entry. Used by quiet server patches.
func (l *Ledger) SaveScope(ctx context.Context, w Write) error {
	data, err := json.Marshal(w.Value)
	if err != nil {
		return fmt.Errorf("failed to encode scope %s: %w", w.Scope, err)
	}
	if err := l.store.Put(ctx, l.ScopeKey(w.Scope), data, nil); err != nil {
		return fmt.Errorf("failed to persist scope %s: %w", w.Scope, err)
	}
	return nil
}

func (l *Ledger) putMutations(ctx context.Context, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode mutation log: %w", err)
	}
	if err := l.store.Put(ctx, l.prefix+mutationsFile, data, nil); err != nil {
		return fmt.Errorf("failed to persist mutation log: %w", err)
	}
	return nil
}

// parseEtag returns the numeric suffix of a "vN" tag, or 0 when unparsable.
func parseEtag(etag string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(etag, "v"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func parseEtagValid(etag string) bool {
	if !strings.HasPrefix(etag, "v") {
		return false
	}
	n, err := strconv.Atoi(etag[1:])
	return err == nil && n >= 0
}
