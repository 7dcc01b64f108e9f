// Package merge implements the deep-merge used for account
// saved-session data and scheduler-reported partial data. It is the
// sole mutator of those trees.
package merge

// Merge merges patch into base and returns the result, mutating base
// maps in place where possible.
//
// Rules, per key in patch: a nil value deletes the key from base; a
// non-object value overwrites; an object value recurses, replacing the
// base subtree when it is not itself an object. Arrays are opaque
// non-object values and are always replaced wholesale. Repeated
// application of the same patch is idempotent.
func Merge(base, patch any) any {
	if patch == nil {
		return base
	}
	po, ok := patch.(map[string]any)
	if !ok {
		return patch
	}
	bo, ok := base.(map[string]any)
	if !ok {
		bo = make(map[string]any, len(po))
	}
	for k, v := range po {
		if v == nil {
			delete(bo, k)
			continue
		}
		bo[k] = Merge(bo[k], v)
	}
	return bo
}

// IsObject reports whether v merges key-wise rather than by replacement.
func IsObject(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}
