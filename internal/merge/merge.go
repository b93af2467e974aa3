// Package merge implements the timestamp-based deep merge that folds partial
// client patches into stored documents.
//
// Documents are decoded JSON values: map[string]any objects, []any arrays and
// scalar leaves. Any object carrying an "updatedAt" field is a last-write-wins
// unit: it is accepted or rejected as a whole by comparing its timestamp
// against the stored one. Objects without "updatedAt" are plain containers and
// are merged key by key. Array elements are matched by a lock key rather than
// by position.
package merge

import (
	"maps"
	"reflect"
	"time"
)

// updatedAt marks an object as a last-write-wins unit.
const updatedAt = "updatedAt"

// lockKeys identify an array element across merges. Checked in order; the
// first field present wins.
var lockKeys = [...]string{"type", "id", "talk_number"}

// Merge folds patch into current and reports whether anything changed.
//
// Neither input is mutated; the returned value shares unchanged subtrees with
// current. A stale patch (timestamp not strictly newer) is a no-op with
// changed=false, so replaying an already applied patch is safe.
func Merge(current, patch any) (any, bool) {
	switch p := patch.(type) {
	case []any:
		return mergeArray(current, p)
	case map[string]any:
		return mergeObject(current, p)
	default:
		// Bare scalars never take effect; leaves meant to change arrive
		// wrapped in a {value, updatedAt} unit.
		return current, false
	}
}

func mergeObject(current any, patch map[string]any) (any, bool) {
	cur, ok := current.(map[string]any)
	if !ok || cur == nil {
		// Nothing stored at this path yet, adopt the whole subtree.
		return patch, true
	}
	if ts, isUnit := patch[updatedAt]; isUnit {
		if !newer(ts, cur[updatedAt]) {
			return cur, false
		}
		merged := maps.Clone(cur)
		maps.Copy(merged, patch)
		return merged, true
	}
	// Plain container: merge existing keys, pass new keys through verbatim.
	merged := maps.Clone(cur)
	changed := false
	for k, pv := range patch {
		cv, exists := merged[k]
		if !exists {
			merged[k] = pv
			changed = true
			continue
		}
		if mv, ch := Merge(cv, pv); ch {
			merged[k] = mv
			changed = true
		}
	}
	if !changed {
		return cur, false
	}
	return merged, true
}

func mergeArray(current any, patch []any) (any, bool) {
	cur, ok := current.([]any)
	if !ok || cur == nil {
		return patch, true
	}
	merged := make([]any, len(cur))
	copy(merged, cur)
	changed := false
	for _, elem := range patch {
		pe, isObj := elem.(map[string]any)
		if !isObj {
			merged = append(merged, elem)
			changed = true
			continue
		}
		key, val, found := lockKey(pe)
		if !found {
			// No identity to match on. Appended unconditionally, which can
			// duplicate rows when a batch is replayed; accepted semantics.
			merged = append(merged, pe)
			changed = true
			continue
		}
		idx := indexByLockKey(merged, key, val)
		if idx < 0 {
			merged = append(merged, pe)
			changed = true
			continue
		}
		existing := merged[idx].(map[string]any)
		if ts, hasTS := pe[updatedAt]; hasTS {
			if newer(ts, existing[updatedAt]) {
				// Winning elements overwrite shallowly, one level only.
				next := maps.Clone(existing)
				maps.Copy(next, pe)
				merged[idx] = next
				changed = true
			}
			continue
		}
		if mv, ch := mergeObject(existing, pe); ch {
			merged[idx] = mv
			changed = true
		}
	}
	if !changed {
		return cur, false
	}
	return merged, true
}

// lockKey returns the element's identity field and value, if any.
func lockKey(elem map[string]any) (string, any, bool) {
	for _, k := range lockKeys {
		if v, ok := elem[k]; ok {
			return k, v, true
		}
	}
	return "", nil, false
}

func indexByLockKey(arr []any, key string, val any) int {
	for i, e := range arr {
		obj, ok := e.(map[string]any)
		if !ok {
			continue
		}
		if v, ok := obj[key]; ok && reflect.DeepEqual(v, val) {
			return i
		}
	}
	return -1
}

// newer reports whether the patch timestamp is strictly newer than the
// current one. A missing or unreadable current timestamp means there is
// nothing to compare against, so the patch always wins; an unreadable patch
// timestamp never wins. Equal timestamps are not newer, which keeps replays
// idempotent.
func newer(patchTS, currentTS any) bool {
	pt, ok := parseTime(patchTS)
	if !ok {
		return false
	}
	ct, ok := parseTime(currentTS)
	if !ok {
		return true
	}
	return pt.After(ct)
}

// parseTime reads a timestamp value as it appears in decoded JSON: an RFC 3339
// string or a numeric Unix millisecond epoch.
func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	case float64:
		return time.UnixMilli(int64(t)), true
	case int64:
		return time.UnixMilli(t), true
	case time.Time:
		return t, true
	default:
		return time.Time{}, false
	}
}
