package merge

import (
	"reflect"
	"testing"
)

func TestMergeTimestampPrecedence(t *testing.T) {
	current := map[string]any{
		"name": map[string]any{"value": "Old", "updatedAt": "2025-01-01T00:00:00Z"},
	}
	patch := map[string]any{
		"name": map[string]any{"value": "New", "updatedAt": "2025-06-01T00:00:00Z"},
	}

	merged, changed := Merge(current, patch)
	if !changed {
		t.Fatal("Expected newer patch to change the document")
	}
	got := merged.(map[string]any)["name"].(map[string]any)
	if got["value"] != "New" || got["updatedAt"] != "2025-06-01T00:00:00Z" {
		t.Errorf("Expected new value to win, got %v", got)
	}

	// Older patch is a no-op.
	stale := map[string]any{
		"name": map[string]any{"value": "Stale", "updatedAt": "2024-01-01T00:00:00Z"},
	}
	merged, changed = Merge(current, stale)
	if changed {
		t.Error("Expected stale patch to be a no-op")
	}
	got = merged.(map[string]any)["name"].(map[string]any)
	if got["value"] != "Old" {
		t.Errorf("Expected old value to survive, got %v", got)
	}
}

func TestMergeEqualTimestampNotNewer(t *testing.T) {
	current := map[string]any{
		"name": map[string]any{"value": "A", "updatedAt": "2025-03-01T00:00:00Z"},
	}
	patch := map[string]any{
		"name": map[string]any{"value": "B", "updatedAt": "2025-03-01T00:00:00Z"},
	}
	if _, changed := Merge(current, patch); changed {
		t.Error("Equal timestamps must not be considered newer")
	}
}

func TestMergeIdempotent(t *testing.T) {
	current := map[string]any{
		"name": map[string]any{"value": "Old", "updatedAt": "2025-01-01T00:00:00Z"},
	}
	patch := map[string]any{
		"name": map[string]any{"value": "New", "updatedAt": "2025-06-01T00:00:00Z"},
	}

	first, changed := Merge(current, patch)
	if !changed {
		t.Fatal("First application should change")
	}
	second, changed := Merge(first, patch)
	if changed {
		t.Error("Second application of the same patch should be a no-op")
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Expected identical documents, got %v and %v", first, second)
	}
}

func TestMergeBootstrapMissingCurrent(t *testing.T) {
	patch := map[string]any{
		"address": map[string]any{"value": "Somewhere", "updatedAt": "2025-02-01T00:00:00Z"},
	}
	merged, changed := Merge(nil, patch)
	if !changed {
		t.Fatal("Expected adoption of new subtree")
	}
	if !reflect.DeepEqual(merged, patch) {
		t.Errorf("Expected whole patch adopted, got %v", merged)
	}

	// A unit without a stored timestamp is always overwritten.
	current := map[string]any{"name": map[string]any{"value": "Old"}}
	patch = map[string]any{
		"name": map[string]any{"value": "New", "updatedAt": "2025-02-01T00:00:00Z"},
	}
	merged, changed = Merge(current, patch)
	if !changed {
		t.Fatal("Expected patch with timestamp to beat current without one")
	}
	if merged.(map[string]any)["name"].(map[string]any)["value"] != "New" {
		t.Errorf("Expected new value, got %v", merged)
	}
}

func TestMergeContainerRecursion(t *testing.T) {
	current := map[string]any{
		"emergency": map[string]any{
			"phone": map[string]any{"value": "111", "updatedAt": "2025-01-01T00:00:00Z"},
		},
	}
	patch := map[string]any{
		"emergency": map[string]any{
			"phone": map[string]any{"value": "222", "updatedAt": "2025-05-01T00:00:00Z"},
			"name":  map[string]any{"value": "Alex", "updatedAt": "2025-05-01T00:00:00Z"},
		},
	}
	merged, changed := Merge(current, patch)
	if !changed {
		t.Fatal("Expected nested change")
	}
	em := merged.(map[string]any)["emergency"].(map[string]any)
	if em["phone"].(map[string]any)["value"] != "222" {
		t.Errorf("Expected nested unit updated, got %v", em)
	}
	if em["name"].(map[string]any)["value"] != "Alex" {
		t.Errorf("Expected new key passed through, got %v", em)
	}
}

func TestMergeScalarPatchIgnored(t *testing.T) {
	current := map[string]any{"name": "Old"}
	patch := map[string]any{"name": "New"}
	merged, changed := Merge(current, patch)
	if changed {
		t.Error("Bare scalar patch values must not take effect")
	}
	if merged.(map[string]any)["name"] != "Old" {
		t.Errorf("Expected current scalar kept, got %v", merged)
	}
}

func TestMergeArrayIdentity(t *testing.T) {
	current := []any{
		map[string]any{"id": "a", "v": float64(1), "updatedAt": "2025-01-01T00:00:00Z"},
	}
	patch := []any{
		map[string]any{"id": "a", "v": float64(2), "updatedAt": "2025-02-01T00:00:00Z"},
	}
	merged, changed := Merge(current, patch)
	if !changed {
		t.Fatal("Expected newer element to win")
	}
	arr := merged.([]any)
	if len(arr) != 1 {
		t.Fatalf("Expected 1 element, got %d", len(arr))
	}
	elem := arr[0].(map[string]any)
	if elem["v"] != float64(2) || elem["updatedAt"] != "2025-02-01T00:00:00Z" {
		t.Errorf("Expected updated element, got %v", elem)
	}

	// New identity appends.
	patch = []any{map[string]any{"id": "b", "v": float64(3)}}
	merged, changed = Merge(merged, patch)
	if !changed {
		t.Fatal("Expected new element appended")
	}
	if arr := merged.([]any); len(arr) != 2 {
		t.Errorf("Expected 2 elements, got %d", len(arr))
	}
}

func TestMergeArrayStaleElement(t *testing.T) {
	current := []any{
		map[string]any{"id": "a", "v": float64(2), "updatedAt": "2025-02-01T00:00:00Z"},
	}
	patch := []any{
		map[string]any{"id": "a", "v": float64(1), "updatedAt": "2025-01-01T00:00:00Z"},
	}
	merged, changed := Merge(current, patch)
	if changed {
		t.Error("Stale array element must be a no-op")
	}
	if merged.([]any)[0].(map[string]any)["v"] != float64(2) {
		t.Errorf("Expected current element kept, got %v", merged)
	}
}

func TestMergeArrayLockKeyPriority(t *testing.T) {
	// "type" takes precedence over "id" when both are present.
	current := []any{
		map[string]any{"type": "chairman", "id": "x", "name": "A"},
	}
	patch := []any{
		map[string]any{"type": "chairman", "id": "y", "name": "B", "updatedAt": "2025-02-01T00:00:00Z"},
	}
	merged, changed := Merge(current, patch)
	if !changed {
		t.Fatal("Expected match on type and overwrite")
	}
	arr := merged.([]any)
	if len(arr) != 1 {
		t.Fatalf("Expected match by type, got %d elements", len(arr))
	}
	if arr[0].(map[string]any)["name"] != "B" {
		t.Errorf("Expected overwrite, got %v", arr[0])
	}
}

func TestMergeArrayNoLockKeyAppends(t *testing.T) {
	current := []any{map[string]any{"note": "one"}}
	patch := []any{map[string]any{"note": "one"}}

	merged, changed := Merge(current, patch)
	if !changed {
		t.Fatal("Expected unconditional append")
	}
	// Replays duplicate key-less rows. Accepted semantics, not deduplicated.
	if arr := merged.([]any); len(arr) != 2 {
		t.Errorf("Expected 2 elements after replay, got %d", len(arr))
	}
}

func TestMergeArrayAdoptedWhenAbsent(t *testing.T) {
	patch := []any{map[string]any{"id": "a"}}
	merged, changed := Merge(nil, patch)
	if !changed {
		t.Fatal("Expected whole array adopted")
	}
	if !reflect.DeepEqual(merged, patch) {
		t.Errorf("Expected %v, got %v", patch, merged)
	}
}

func TestMergeArrayElementWithoutTimestampRecurses(t *testing.T) {
	current := []any{
		map[string]any{
			"id":   "a",
			"note": map[string]any{"value": "old", "updatedAt": "2025-01-01T00:00:00Z"},
		},
	}
	patch := []any{
		map[string]any{
			"id":   "a",
			"note": map[string]any{"value": "new", "updatedAt": "2025-03-01T00:00:00Z"},
		},
	}
	merged, changed := Merge(current, patch)
	if !changed {
		t.Fatal("Expected recursion into element without updatedAt")
	}
	note := merged.([]any)[0].(map[string]any)["note"].(map[string]any)
	if note["value"] != "new" {
		t.Errorf("Expected nested unit updated, got %v", note)
	}
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	current := map[string]any{
		"name": map[string]any{"value": "Old", "updatedAt": "2025-01-01T00:00:00Z"},
	}
	patch := map[string]any{
		"name": map[string]any{"value": "New", "updatedAt": "2025-06-01T00:00:00Z"},
	}
	_, _ = Merge(current, patch)
	if current["name"].(map[string]any)["value"] != "Old" {
		t.Error("Merge mutated the current document")
	}
}

func TestMergeEpochMillisTimestamps(t *testing.T) {
	current := map[string]any{
		"name": map[string]any{"value": "Old", "updatedAt": float64(1700000000000)},
	}
	patch := map[string]any{
		"name": map[string]any{"value": "New", "updatedAt": float64(1800000000000)},
	}
	merged, changed := Merge(current, patch)
	if !changed {
		t.Fatal("Expected numeric timestamps to compare")
	}
	if merged.(map[string]any)["name"].(map[string]any)["value"] != "New" {
		t.Errorf("Expected new value, got %v", merged)
	}
}

func TestFlat(t *testing.T) {
	current := map[string]any{"a": "1", "b": "2"}
	patch := map[string]any{"b": "2", "c": "3"}

	merged, changed := Flat(current, patch)
	if !changed {
		t.Fatal("Expected change from new key")
	}
	want := map[string]any{"a": "1", "b": "2", "c": "3"}
	if !reflect.DeepEqual(merged, want) {
		t.Errorf("Expected %v, got %v", want, merged)
	}

	// Identical patch is a no-op.
	if _, changed := Flat(merged, patch); changed {
		t.Error("Expected no change on identical patch")
	}

	// Server patches overwrite without timestamp checks.
	merged, changed = Flat(merged, map[string]any{"a": "9"})
	if !changed || merged["a"] != "9" {
		t.Errorf("Expected unconditional overwrite, got %v", merged)
	}
}
