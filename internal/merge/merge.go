// Package merge reconciles a JSON patch into an existing document tree.
package merge

// Deep returns base with patch applied. Maps merge key by key, recursing when
// both sides hold maps; arrays and scalars replace wholesale. A nil patch
// value is a no-op rather than an erase, which is what keeps a partial save
// from blanking fields owned by another writer. Inputs are never mutated.
func Deep(base, patch any) any {
	if patch == nil {
		return base
	}
	baseMap, baseOK := base.(map[string]any)
	patchMap, patchOK := patch.(map[string]any)
	if !baseOK || !patchOK {
		return patch
	}

	out := make(map[string]any, len(baseMap)+len(patchMap))
	for k, v := range baseMap {
		out[k] = v
	}
	for k, pv := range patchMap {
		if pv == nil {
			continue
		}
		if tv, ok := out[k]; ok {
			out[k] = Deep(tv, pv)
			continue
		}
		out[k] = pv
	}
	return out
}
