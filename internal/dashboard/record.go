// Package dashboard implements the dashboard catalog and the state engine:
// load-merge-save cycles against per-dashboard documents, ACL enforcement,
// and optimistic-concurrency writes to the backing file store.
package dashboard

import (
	"time"

	"pulseboard/api/internal/rbac"
)

// Record is one catalog entry. It carries everything needed to answer
// visibility questions without loading the dashboard document itself.
type Record struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	OwnerID           string     `json:"ownerId"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	Published         bool       `json:"published"`
	PublishedToAll    bool       `json:"publishedToAll"`
	AllowedUsers      []string   `json:"allowedUsers"`
	PublishedSections []string   `json:"publishedSections,omitempty"`
	PublishedAt       *time.Time `json:"publishedAt,omitempty"`
}

// Identity is the authenticated caller, as resolved by the session layer.
type Identity struct {
	UserID string
	Role   string
}

func (i Identity) IsAdmin() bool {
	return rbac.IsAdmin(i.Role)
}

// CanMutate gates save, merge, publish, unpublish, and delete.
func (r *Record) CanMutate(id Identity) bool {
	if r == nil {
		return false
	}
	return id.IsAdmin() || r.OwnerID == id.UserID
}

// CanView reports whether id may read the dashboard: mutators always, plus
// everyone when published to all, plus the allowed-users list.
func (r *Record) CanView(id Identity) bool {
	if r == nil {
		return false
	}
	if r.CanMutate(id) {
		return true
	}
	if r.Published && r.PublishedToAll {
		return true
	}
	for _, u := range r.AllowedUsers {
		if u == id.UserID {
			return true
		}
	}
	return false
}

// FilterSections blanks every top-level namespace of state that is not in
// sections, preserving the key with an empty value of the same shape. Viewers
// outside the publication always get a complete-looking document, never an
// error and never the withheld data.
func FilterSections(state any, sections []string) any {
	obj, ok := state.(map[string]any)
	if !ok {
		return state
	}
	allowed := make(map[string]bool, len(sections))
	for _, s := range sections {
		allowed[s] = true
	}
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if allowed[k] {
			out[k] = v
			continue
		}
		out[k] = emptyValueLike(v)
	}
	return out
}

func emptyValueLike(v any) any {
	switch v.(type) {
	case []any:
		return []any{}
	case map[string]any:
		return map[string]any{}
	default:
		return nil
	}
}
