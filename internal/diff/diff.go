// Package diff computes human-readable change summaries between two JSON
// values, for audit logging. Output is a flat list of one-line descriptions;
// it privileges readability over completeness, collapsing deep or bulky
// changes into summary markers.
package diff

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Absent marks a value that does not exist on one side, as opposed to an
// explicit null. Diffing against Absent yields a single added/deleted entry.
var Absent = absent{}

type absent struct{}

// Options tune the heuristics. Array reconciliation guesses at identity and
// label fields; the candidate lists changed often enough in practice that
// they are configuration, not constants.
type Options struct {
	// IdentityKeys are tried in order to pair up array elements across the
	// two sides.
	IdentityKeys []string
	// LabelKeys are tried in order to produce a human label for an element.
	LabelKeys []string
	// NoiseKeys are object keys skipped entirely during recursion.
	NoiseKeys []string
	// IgnorePath suppresses output for a dotted path (volatile timestamps,
	// machine-managed config subtrees).
	IgnorePath func(path string) bool

	// MaxValueLen caps the rendered JSON for added/deleted values.
	MaxValueLen    int
	MaxObjectDepth int
	MaxArrayDepth  int
}

func Default() Options {
	return Options{
		IdentityKeys:   []string{"id", "key", "name"},
		LabelKeys:      []string{"title", "label", "name", "description", "phase", "discipline", "category"},
		NoiseKeys:      []string{"capturedAt", "sha", "updatedAt"},
		IgnorePath:     defaultIgnorePath,
		MaxValueLen:    500,
		MaxObjectDepth: 8,
		MaxArrayDepth:  6,
	}
}

func defaultIgnorePath(path string) bool {
	if path == "capturedAt" || path == "updatedAt" {
		return true
	}
	if strings.HasSuffix(path, ".capturedAt") || strings.HasSuffix(path, ".updatedAt") {
		return true
	}
	if strings.HasSuffix(path, ".adoConfig") || strings.Contains(path, ".adoConfig.") {
		return true
	}
	return false
}

// Diffs compares two values with default options.
func Diffs(oldValue, newValue any) []string {
	return Default().Diffs(oldValue, newValue, "")
}

// Describe renders a change summary with default options. It never panics;
// an internal failure degrades to a fixed placeholder line.
func Describe(oldValue, newValue any) string {
	return Default().Describe(oldValue, newValue)
}

func (o Options) Describe(oldValue, newValue any) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = "Error calculating changes"
		}
	}()
	diffs := o.Diffs(oldValue, newValue, "")
	if len(diffs) == 0 {
		return "No changes detected."
	}
	return "Changes: " + strings.Join(diffs, ", ")
}

// Diffs returns one entry per detected change, prefixing every path with
// prefix.
func (o Options) Diffs(oldValue, newValue any, prefix string) []string {
	if o.IgnorePath != nil && prefix != "" && o.IgnorePath(prefix) {
		return nil
	}

	_, oldAbsent := oldValue.(absent)
	_, newAbsent := newValue.(absent)
	if oldAbsent && newAbsent {
		return nil
	}
	if oldAbsent {
		return []string{fmt.Sprintf("%s added: %s", prefix, o.renderValue(newValue))}
	}
	if newAbsent {
		return []string{fmt.Sprintf("%s deleted: %s", prefix, o.renderValue(oldValue))}
	}

	if jsonEqual(oldValue, newValue) {
		return nil
	}

	// Any type change, scalar or container, stops recursion outright.
	if kindOf(oldValue) != kindOf(newValue) {
		return []string{prefix + " changed type"}
	}

	switch old := oldValue.(type) {
	case map[string]any:
		return o.diffObjects(old, newValue.(map[string]any), prefix)
	case []any:
		return o.diffArrays(old, newValue.([]any), prefix)
	default:
		return []string{fmt.Sprintf("%s: '%s' -> '%s'", prefix, scalarString(oldValue), scalarString(newValue))}
	}
}

type valueKind int

const (
	kindNull valueKind = iota
	kindBool
	kindNumber
	kindString
	kindObject
	kindArray
	kindOther
)

func kindOf(v any) valueKind {
	switch v.(type) {
	case nil:
		return kindNull
	case bool:
		return kindBool
	case float64, float32, int, int64:
		return kindNumber
	case string:
		return kindString
	case map[string]any:
		return kindObject
	case []any:
		return kindArray
	default:
		return kindOther
	}
}

func (o Options) diffObjects(oldObj, newObj map[string]any, prefix string) []string {
	depth := pathDepth(prefix)
	if depth >= o.MaxObjectDepth {
		return []string{prefix + " modified"}
	}

	noise := make(map[string]bool, len(o.NoiseKeys))
	for _, k := range o.NoiseKeys {
		noise[k] = true
	}

	keys := make([]string, 0, len(oldObj)+len(newObj))
	seen := make(map[string]bool, len(oldObj)+len(newObj))
	for k := range oldObj {
		seen[k] = true
		keys = append(keys, k)
	}
	for k := range newObj {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var changes []string
	for _, key := range keys {
		if noise[key] {
			continue
		}
		p := key
		if prefix != "" {
			p = prefix + "." + key
		}
		oldChild, oldOK := oldObj[key]
		newChild, newOK := newObj[key]
		var left, right any = oldChild, newChild
		if !oldOK {
			left = Absent
		}
		if !newOK {
			right = Absent
		}
		changes = append(changes, o.Diffs(left, right, p)...)
	}
	return changes
}

func (o Options) diffArrays(oldArr, newArr []any, prefix string) []string {
	if changes := o.diffArraysByIdentity(oldArr, newArr, prefix); len(changes) > 0 {
		return changes
	}

	if len(oldArr) != len(newArr) {
		return o.diffArraysByLength(oldArr, newArr, prefix)
	}

	if pathDepth(prefix) >= o.MaxArrayDepth {
		return []string{prefix + " modified"}
	}

	var changes []string
	for i := range oldArr {
		keyName := fmt.Sprintf("[%d]", i)
		if label := o.labelFor(oldArr[i], ""); label != "" {
			keyName = fmt.Sprintf("[%d %q]", i, truncate(label, 50))
		}
		changes = append(changes, o.Diffs(oldArr[i], newArr[i], prefix+keyName)...)
	}
	if len(changes) > 5 {
		return []string{prefix + " (multiple items modified)"}
	}
	return changes
}

// diffArraysByIdentity pairs elements by an identity field when every element
// on both sides exposes one, catching reorders, inserts, and removals without
// positional noise.
func (o Options) diffArraysByIdentity(oldArr, newArr []any, prefix string) []string {
	if len(oldArr) == 0 && len(newArr) == 0 {
		return nil
	}
	if len(oldArr) > 0 && o.identityOf(oldArr[0]) == "" {
		return nil
	}
	if len(newArr) > 0 && o.identityOf(newArr[0]) == "" {
		return nil
	}

	oldIDs, oldByID := o.indexByIdentity(oldArr)
	newIDs, newByID := o.indexByIdentity(newArr)

	var changes []string
	for _, id := range newIDs {
		if _, ok := oldByID[id]; !ok {
			label := o.labelFor(newByID[id], id)
			changes = append(changes, fmt.Sprintf("%s added item %q", prefix, truncate(label, 100)))
		}
	}
	for _, id := range oldIDs {
		if _, ok := newByID[id]; !ok {
			label := o.labelFor(oldByID[id], id)
			changes = append(changes, fmt.Sprintf("%s deleted item %q", prefix, truncate(label, 100)))
		}
	}
	for _, id := range newIDs {
		oldItem, ok := oldByID[id]
		if !ok {
			continue
		}
		newItem := newByID[id]
		if jsonEqual(oldItem, newItem) {
			continue
		}
		label := truncate(o.labelFor(newItem, id), 50)
		itemPrefix := fmt.Sprintf("%s[%s %q]", prefix, id, label)
		changes = append(changes, o.Diffs(oldItem, newItem, itemPrefix)...)
	}
	return changes
}

func (o Options) diffArraysByLength(oldArr, newArr []any, prefix string) []string {
	// Empty to populated: show the first few additions, then just a count.
	if len(oldArr) == 0 && len(newArr) > 0 {
		var added []string
		for i := range newArr {
			added = append(added, o.Diffs(Absent, newArr[i], fmt.Sprintf("%s[%d]", prefix, i))...)
			if len(added) > 3 {
				break
			}
		}
		if len(added) > 3 {
			return []string{fmt.Sprintf("%s initialized with %d items", prefix, len(newArr))}
		}
		return added
	}

	// Pure append: common prefix unchanged, describe only the tail.
	if len(newArr) > len(oldArr) && jsonEqual(any(oldArr), any(newArr[:len(oldArr)])) {
		var added []string
		for i := len(oldArr); i < len(newArr); i++ {
			keyName := fmt.Sprintf("[%d]", i)
			if label := o.labelFor(newArr[i], ""); label != "" {
				keyName = fmt.Sprintf("[%d %q]", i, truncate(label, 50))
			}
			added = append(added, o.Diffs(Absent, newArr[i], prefix+keyName)...)
		}
		if len(added) <= 3 {
			return added
		}
	}

	// Single removal: find the shift point and check the remainder aligns.
	if len(oldArr)-len(newArr) == 1 {
		idx := 0
		for idx < len(newArr) && jsonEqual(oldArr[idx], newArr[idx]) {
			idx++
		}
		if jsonEqual(any(oldArr[idx+1:]), any(newArr[idx:])) {
			return []string{fmt.Sprintf("%s deleted item [%d]: %s", prefix, idx, truncate(jsonString(oldArr[idx]), 100))}
		}
	}

	return []string{fmt.Sprintf("%s (Array[%d] -> Array[%d])", prefix, len(oldArr), len(newArr))}
}

func (o Options) identityOf(item any) string {
	obj, ok := item.(map[string]any)
	if !ok {
		return ""
	}
	for _, key := range o.IdentityKeys {
		if v, ok := obj[key]; ok {
			if s := scalarString(v); s != "" && s != "null" {
				return s
			}
		}
	}
	return ""
}

func (o Options) indexByIdentity(arr []any) ([]string, map[string]any) {
	ids := make([]string, 0, len(arr))
	byID := make(map[string]any, len(arr))
	for _, item := range arr {
		id := o.identityOf(item)
		if id == "" {
			continue
		}
		if _, ok := byID[id]; !ok {
			ids = append(ids, id)
		}
		byID[id] = item
	}
	return ids, byID
}

// labelFor picks a display label for an array element, falling back to the
// supplied identity.
func (o Options) labelFor(item any, fallback string) string {
	obj, ok := item.(map[string]any)
	if !ok {
		return fallback
	}
	for _, key := range o.LabelKeys {
		if v, ok := obj[key]; ok {
			if s, isString := v.(string); isString && s != "" {
				return s
			}
		}
	}
	if fallback != "" {
		return fallback
	}
	return o.identityOf(item)
}

func (o Options) renderValue(v any) string {
	return truncate(jsonString(v), o.MaxValueLen)
}

func pathDepth(prefix string) int {
	if prefix == "" {
		return 0
	}
	return strings.Count(prefix, ".") + 1
}

func jsonString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func jsonEqual(a, b any) bool {
	return jsonString(a) == jsonString(b)
}

func scalarString(v any) string {
	if v == nil {
		return "null"
	}
	switch n := v.(type) {
	case float64:
		// Render integral floats without the trailing .0 JSON decoding adds.
		if n == float64(int64(n)) {
			return fmt.Sprintf("%d", int64(n))
		}
		return fmt.Sprintf("%v", n)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
