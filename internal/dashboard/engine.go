package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"pulseboard/api/internal/filestore"
	"pulseboard/api/internal/merge"
)

var (
	ErrNotFound  = errors.New("dashboard not found")
	ErrForbidden = errors.New("forbidden")
)

// ValidationError marks a request the caller must fix before retrying.
type ValidationError string

func (e ValidationError) Error() string { return string(e) }

// Sort keys accepted by List and the board view.
const (
	SortNewest   = "newest"
	SortOldest   = "oldest"
	SortNameAsc  = "name_asc"
	SortNameDesc = "name_desc"
)

// Engine sequences every read-modify-write against the catalog and the
// per-dashboard documents. Writes race only through the store's version
// tokens; a conflicting write is retried exactly once against a fresh read,
// re-applying the caller's namespace-scoped change.
type Engine struct {
	catalog *Catalog
	store   filestore.Store
	now     func() time.Time
}

func NewEngine(store filestore.Store) *Engine {
	return &Engine{
		catalog: NewCatalog(store),
		store:   store,
		now:     time.Now,
	}
}

// Summary is the List projection of a Record.
type Summary struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	PublishedAt *time.Time `json:"publishedAt"`
}

// Meta is the ACL metadata returned alongside a dashboard's state.
type Meta struct {
	OwnerID           string     `json:"ownerId"`
	Published         bool       `json:"published"`
	PublishedToAll    bool       `json:"publishedToAll"`
	AllowedUsers      []string   `json:"allowedUsers"`
	PublishedSections []string   `json:"publishedSections,omitempty"`
	PublishedAt       *time.Time `json:"publishedAt"`
}

type Document struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Meta  Meta   `json:"meta"`
	State any    `json:"state"`
}

// ChangeSet reports a mutation's before and after state for audit logging.
type ChangeSet struct {
	Before  any
	After   any
	Name    string
	Created bool
}

// List returns the summaries of every dashboard visible to ident.
func (e *Engine) List(ctx context.Context, ident Identity, sortKey string) ([]Summary, error) {
	recs, err := e.catalog.Load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(recs))
	for _, rec := range recs {
		if !rec.CanView(ident) {
			continue
		}
		out = append(out, Summary{
			ID:          rec.ID,
			Name:        rec.Name,
			CreatedAt:   rec.CreatedAt,
			UpdatedAt:   rec.UpdatedAt,
			PublishedAt: rec.PublishedAt,
		})
	}
	sortSummaries(out, sortKey)
	return out, nil
}

func sortSummaries(items []Summary, key string) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		switch key {
		case SortOldest:
			return a.UpdatedAt.Before(b.UpdatedAt)
		case SortNameAsc:
			return strings.ToLower(a.Name) < strings.ToLower(b.Name)
		case SortNameDesc:
			return strings.ToLower(a.Name) > strings.ToLower(b.Name)
		default:
			return a.UpdatedAt.After(b.UpdatedAt)
		}
	})
}

// Get loads one dashboard. Section-scoped publications hand non-mutating
// viewers a state document with the unpublished namespaces blanked.
func (e *Engine) Get(ctx context.Context, id string, ident Identity) (*Document, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	recs, err := e.catalog.Load(ctx)
	if err != nil {
		return nil, err
	}
	rec := recs[id]
	if rec == nil {
		return nil, ErrNotFound
	}
	if !rec.CanView(ident) {
		return nil, ErrForbidden
	}

	f, err := e.store.GetFile(ctx, docPath(id))
	if err != nil {
		return nil, err
	}
	if !f.Exists {
		return nil, ErrNotFound
	}
	state := stateFromContent(f.Content)
	if len(rec.PublishedSections) > 0 && !rec.CanMutate(ident) {
		state = FilterSections(state, rec.PublishedSections)
	}

	allowed := rec.AllowedUsers
	if allowed == nil {
		allowed = []string{}
	}
	return &Document{
		ID:   rec.ID,
		Name: rec.Name,
		Meta: Meta{
			OwnerID:           rec.OwnerID,
			Published:         rec.Published,
			PublishedToAll:    rec.PublishedToAll,
			AllowedUsers:      allowed,
			PublishedSections: rec.PublishedSections,
			PublishedAt:       rec.PublishedAt,
		},
		State: state,
	}, nil
}

// SaveBuild creates the dashboard if absent and replaces only its build
// namespace, leaving run and every sibling key untouched.
func (e *Engine) SaveBuild(ctx context.Context, id string, ident Identity, build any, name string) (*ChangeSet, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	recs, err := e.catalog.Load(ctx)
	if err != nil {
		return nil, err
	}
	rec := recs[id]
	if rec != nil && !rec.CanMutate(ident) {
		return nil, ErrForbidden
	}

	now := e.now().UTC()
	created := rec == nil
	if created {
		rec = &Record{
			ID:           id,
			OwnerID:      ident.UserID,
			CreatedAt:    now,
			AllowedUsers: []string{ident.UserID},
		}
	}
	if name == "" {
		name = rec.Name
	}
	if name == "" {
		name = id
	}
	rec.Name = name
	rec.UpdatedAt = now
	recs[id] = rec

	before, after, err := e.writeDoc(ctx, id, name, fmt.Sprintf("save dashboard %s", name), false,
		func(cur map[string]any) map[string]any {
			next := make(map[string]any, len(cur)+1)
			for k, v := range cur {
				next[k] = v
			}
			next["build"] = build
			return next
		})
	if err != nil {
		return nil, err
	}
	if err := e.catalog.Save(ctx, recs, fmt.Sprintf("save dashboard %s", name)); err != nil {
		return nil, err
	}
	return &ChangeSet{Before: before, After: after, Name: name, Created: created}, nil
}

// MergeRun deep-merges a run-namespace patch into the stored state. The patch
// must be shaped {"run": ...}; only that key is applied, so a concurrent
// build save can never be clobbered even across a conflict retry.
func (e *Engine) MergeRun(ctx context.Context, id string, ident Identity, patch map[string]any) (*ChangeSet, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	if len(patch) == 0 {
		return nil, ValidationError("patch required")
	}
	run, ok := patch["run"]
	if !ok {
		return nil, ValidationError("patch must target the run namespace")
	}
	recs, err := e.catalog.Load(ctx)
	if err != nil {
		return nil, err
	}
	rec := recs[id]
	if rec == nil {
		return nil, ErrNotFound
	}
	if !rec.CanMutate(ident) {
		return nil, ErrForbidden
	}

	name := rec.Name
	if name == "" {
		name = id
	}
	before, after, err := e.writeDoc(ctx, id, name, fmt.Sprintf("merge dashboard %s", name), true,
		func(cur map[string]any) map[string]any {
			return merge.Deep(cur, map[string]any{"run": run}).(map[string]any)
		})
	if err != nil {
		return nil, err
	}

	rec.UpdatedAt = e.now().UTC()
	recs[id] = rec
	if err := e.catalog.Save(ctx, recs, fmt.Sprintf("merge dashboard %s", name)); err != nil {
		return nil, err
	}
	return &ChangeSet{Before: before, After: after, Name: name}, nil
}

// PublishOptions select the audience. HasSections distinguishes "no sections
// field" from "sections field present but empty"; the latter is rejected.
type PublishOptions struct {
	All         bool
	Users       []string
	Sections    []string
	HasSections bool
}

func (e *Engine) Publish(ctx context.Context, id string, ident Identity, opts PublishOptions) (*Record, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	if opts.HasSections && len(cleanStrings(opts.Sections)) == 0 {
		return nil, ValidationError("a non-empty section selection is required")
	}
	recs, err := e.catalog.Load(ctx)
	if err != nil {
		return nil, err
	}
	rec := recs[id]
	if rec == nil {
		return nil, ErrNotFound
	}
	if !rec.CanMutate(ident) {
		return nil, ErrForbidden
	}

	now := e.now().UTC()
	rec.Published = true
	rec.PublishedToAll = opts.All
	if opts.All {
		rec.AllowedUsers = []string{rec.OwnerID}
	} else {
		rec.AllowedUsers = uniqueUsers(rec.OwnerID, opts.Users)
	}
	if opts.HasSections {
		rec.PublishedSections = cleanStrings(opts.Sections)
	}
	rec.PublishedAt = &now
	rec.UpdatedAt = now
	recs[id] = rec

	if err := e.catalog.Save(ctx, recs, fmt.Sprintf("publish dashboard %s", rec.Name)); err != nil {
		return nil, err
	}
	return rec, nil
}

func (e *Engine) Unpublish(ctx context.Context, id string, ident Identity) (*Record, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	recs, err := e.catalog.Load(ctx)
	if err != nil {
		return nil, err
	}
	rec := recs[id]
	if rec == nil {
		return nil, ErrNotFound
	}
	if !rec.CanMutate(ident) {
		return nil, ErrForbidden
	}

	rec.Published = false
	rec.PublishedToAll = false
	rec.AllowedUsers = []string{rec.OwnerID}
	rec.PublishedAt = nil
	rec.PublishedSections = nil
	rec.UpdatedAt = e.now().UTC()
	recs[id] = rec

	if err := e.catalog.Save(ctx, recs, fmt.Sprintf("unpublish dashboard %s", rec.Name)); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes the dashboard document and its catalog entry. A document
// already gone from the store is not an error; the catalog entry is the
// source of truth for existence.
func (e *Engine) Delete(ctx context.Context, id string, ident Identity) error {
	if err := validateID(id); err != nil {
		return err
	}
	recs, err := e.catalog.Load(ctx)
	if err != nil {
		return err
	}
	rec := recs[id]
	if rec == nil {
		return ErrNotFound
	}
	if !rec.CanMutate(ident) {
		return ErrForbidden
	}

	path := docPath(id)
	message := fmt.Sprintf("delete dashboard %s", id)
	for attempt := 0; ; attempt++ {
		f, err := e.store.GetFile(ctx, path)
		if err != nil {
			return err
		}
		if !f.Exists {
			break
		}
		err = e.store.DeleteFile(ctx, path, message, f.Token)
		if err == nil || errors.Is(err, filestore.ErrNotFound) {
			break
		}
		if errors.Is(err, filestore.ErrConflict) && attempt == 0 {
			continue
		}
		return err
	}

	delete(recs, id)
	return e.catalog.Save(ctx, recs, message)
}

// Records exposes the raw catalog for read-only aggregation views.
func (e *Engine) Records(ctx context.Context) (map[string]*Record, error) {
	return e.catalog.Load(ctx)
}

// LoadState returns a dashboard's normalized state, or nil when the document
// is missing.
func (e *Engine) LoadState(ctx context.Context, id string) (any, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	f, err := e.store.GetFile(ctx, docPath(id))
	if err != nil {
		return nil, err
	}
	if !f.Exists {
		return nil, nil
	}
	return stateFromContent(f.Content), nil
}

// writeDoc runs a read-transform-write cycle on the dashboard document. On a
// token conflict the whole cycle reruns once against a fresh read, so the
// transform always applies on top of the winning writer's document.
func (e *Engine) writeDoc(ctx context.Context, id, name, message string, mustExist bool, transform func(cur map[string]any) map[string]any) (before, after any, err error) {
	path := docPath(id)
	for attempt := 0; ; attempt++ {
		f, err := e.store.GetFile(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		if mustExist && !f.Exists {
			return nil, nil, ErrNotFound
		}

		var beforeState any = map[string]any{}
		if f.Exists {
			beforeState = stateFromContent(f.Content)
		}
		next := transform(asObject(beforeState))

		doc := struct {
			ID    string         `json:"id"`
			Name  string         `json:"name"`
			State map[string]any `json:"state"`
		}{ID: id, Name: name, State: next}
		b, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, nil, fmt.Errorf("encode dashboard %s: %w", id, err)
		}

		if _, err := e.store.PutFile(ctx, path, b, message, f.Token); err != nil {
			if errors.Is(err, filestore.ErrConflict) && attempt == 0 {
				continue
			}
			return nil, nil, err
		}
		return beforeState, next, nil
	}
}

// NormalizeState resolves the legacy document shapes in one place: state
// stored under .state, under .data.state, or as the bare document.
func NormalizeState(doc map[string]any) any {
	if doc == nil {
		return map[string]any{}
	}
	if s, ok := doc["state"]; ok {
		return s
	}
	if d, ok := doc["data"].(map[string]any); ok {
		if s, ok := d["state"]; ok {
			return s
		}
	}
	return doc
}

func stateFromContent(content []byte) any {
	var raw map[string]any
	if err := json.Unmarshal(content, &raw); err != nil {
		return map[string]any{}
	}
	return NormalizeState(raw)
}

func asObject(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func docPath(id string) string {
	return dashDir + "/" + id + ".json"
}

func validateID(id string) error {
	if id == "" {
		return ValidationError("dashboard id required")
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return ValidationError("invalid dashboard id")
	}
	return nil
}

func uniqueUsers(owner string, users []string) []string {
	out := []string{owner}
	seen := map[string]bool{owner: true}
	for _, u := range users {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

func cleanStrings(in []string) []string {
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
