package merge

import (
	"maps"
	"reflect"
)

// Flat applies an authoritative server patch to a document: top-level keys
// are overwritten whenever the patch value differs, with no timestamp
// comparison and no recursion. Used by the quiet administrative write path.
func Flat(current, patch map[string]any) (map[string]any, bool) {
	if current == nil {
		if len(patch) == 0 {
			return current, false
		}
		return maps.Clone(patch), true
	}
	merged := maps.Clone(current)
	changed := false
	for k, pv := range patch {
		cv, exists := merged[k]
		if exists && reflect.DeepEqual(cv, pv) {
			continue
		}
		merged[k] = pv
		changed = true
	}
	if !changed {
		return current, false
	}
	return merged, true
}
