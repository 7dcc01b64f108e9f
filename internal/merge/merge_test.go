package merge

import (
	"reflect"
	"testing"
)

func TestMergeBasics(t *testing.T) {
	t.Parallel()
	base := map[string]any{"a": 1, "b": map[string]any{"x": 1, "y": 2}}
	patch := map[string]any{"b": map[string]any{"y": 3, "z": 4}, "c": "new"}

	got := Merge(base, patch)
	want := map[string]any{
		"a": 1,
		"b": map[string]any{"x": 1, "y": 3, "z": 4},
		"c": "new",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Merge = %#v, want %#v", got, want)
	}
}

func TestMergeNilDeletesAtDepth(t *testing.T) {
	t.Parallel()
	base := map[string]any{"s": map[string]any{"keep": 1, "drop": 2}}
	patch := map[string]any{"s": map[string]any{"drop": nil}}

	got := Merge(base, patch).(map[string]any)
	sub := got["s"].(map[string]any)
	if _, ok := sub["drop"]; ok {
		t.Fatal("nested key should be deleted")
	}
	if sub["keep"] != 1 {
		t.Fatalf("sibling lost: %#v", sub)
	}
}

func TestMergeNonObjectOverwrites(t *testing.T) {
	t.Parallel()
	base := map[string]any{"v": map[string]any{"deep": true}}
	got := Merge(base, map[string]any{"v": "flat"}).(map[string]any)
	if got["v"] != "flat" {
		t.Fatalf("expected overwrite, got %#v", got["v"])
	}

	// Arrays are opaque: replaced wholesale, never merged element-wise.
	base = map[string]any{"list": []any{1, 2, 3}}
	got = Merge(base, map[string]any{"list": []any{9}}).(map[string]any)
	if !reflect.DeepEqual(got["list"], []any{9}) {
		t.Fatalf("array not replaced: %#v", got["list"])
	}
}

func TestMergeObjectOverNonObject(t *testing.T) {
	t.Parallel()
	base := map[string]any{"v": "flat"}
	got := Merge(base, map[string]any{"v": map[string]any{"a": 1}}).(map[string]any)
	if !reflect.DeepEqual(got["v"], map[string]any{"a": 1}) {
		t.Fatalf("expected subtree replacement, got %#v", got["v"])
	}
}

func TestMergeNilPatchKeepsBase(t *testing.T) {
	t.Parallel()
	base := map[string]any{"a": 1}
	if got := Merge(base, nil); !reflect.DeepEqual(got, base) {
		t.Fatalf("Merge(base, nil) = %#v", got)
	}
}

func TestMergeIdempotent(t *testing.T) {
	t.Parallel()
	patch := map[string]any{"a": map[string]any{"b": nil, "c": 2}}
	once := Merge(map[string]any{"a": map[string]any{"b": 1}}, patch)
	twice := Merge(once, patch)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("not idempotent: %#v vs %#v", once, twice)
	}
}
