// Package board builds the Executive Board read view: one summary card per
// published dashboard the caller may see, aggregated from the executive
// namespace of each dashboard's state.
package board

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"pulseboard/api/internal/dashboard"
)

// Source is the slice of the state engine the board reads from.
type Source interface {
	Records(ctx context.Context) (map[string]*dashboard.Record, error)
	LoadState(ctx context.Context, id string) (any, error)
}

type Card struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	OwnerID     string      `json:"ownerId"`
	PublishedAt time.Time   `json:"publishedAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
	Summary     string      `json:"summary"`
	Milestones  Milestones  `json:"milestones"`
	Application Application `json:"application"`
	Discipline  Discipline  `json:"discipline"`
}

type Milestones struct {
	Count int      `json:"count"`
	Items []string `json:"items"`
}

type Application struct {
	UserStories int `json:"userStories"`
	Bugs        int `json:"bugs"`
	USOpen      int `json:"usOpen"`
	BugsOpen    int `json:"bugsOpen"`
}

type Discipline struct {
	Disciplines int      `json:"disciplines"`
	Pending     int      `json:"pending"`
	Top         []string `json:"top"`
}

type View struct {
	src Source
}

func NewView(src Source) *View {
	return &View{src: src}
}

// Cards returns the board for ident, restricted to published dashboards that
// ident can view. Role gating (admin/executive) is the caller's job.
func (v *View) Cards(ctx context.Context, ident dashboard.Identity, sortKey string) ([]Card, error) {
	recs, err := v.src.Records(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(recs))
	for id := range recs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	cards := make([]Card, 0, len(ids))
	for _, id := range ids {
		rec := recs[id]
		if !rec.Published || !rec.CanView(ident) {
			continue
		}
		state, err := v.src.LoadState(ctx, id)
		if err != nil {
			return nil, err
		}
		exec := executiveSection(state)

		publishedAt := rec.UpdatedAt
		if rec.PublishedAt != nil {
			publishedAt = *rec.PublishedAt
		}
		summary := textField(exec, "savedSummaryText", "summaryText")
		if summary == "" {
			summary = "No summary"
		}
		cards = append(cards, Card{
			ID:          rec.ID,
			Name:        rec.Name,
			OwnerID:     rec.OwnerID,
			PublishedAt: publishedAt,
			UpdatedAt:   rec.UpdatedAt,
			Summary:     summary,
			Milestones:  pickMilestones(exec),
			Application: pickApplication(exec),
			Discipline:  pickDiscipline(exec),
		})
	}

	sortCards(cards, sortKey)
	return cards, nil
}

func sortCards(cards []Card, key string) {
	sort.SliceStable(cards, func(i, j int) bool {
		a, b := cards[i], cards[j]
		switch key {
		case dashboard.SortOldest:
			return a.PublishedAt.Before(b.PublishedAt)
		case dashboard.SortNameAsc:
			return strings.ToLower(a.Name) < strings.ToLower(b.Name)
		case dashboard.SortNameDesc:
			return strings.ToLower(a.Name) > strings.ToLower(b.Name)
		default:
			return a.PublishedAt.After(b.PublishedAt)
		}
	})
}

func pickMilestones(exec map[string]any) Milestones {
	arr := arrayField(exec, "milestones")
	items := make([]string, 0, 3)
	for _, raw := range arr {
		if len(items) == 3 {
			break
		}
		m, _ := raw.(map[string]any)
		title := textField(m, "title", "name", "milestone")
		if title == "" {
			title = "Milestone"
		}
		if date := textField(m, "date", "dueDate"); date != "" {
			items = append(items, title+" — "+date)
		} else {
			items = append(items, title)
		}
	}
	return Milestones{Count: len(arr), Items: items}
}

func pickApplication(exec map[string]any) Application {
	us := arrayField(exec, "userStories")
	bugs := arrayField(exec, "bugs")
	return Application{
		UserStories: len(us),
		Bugs:        len(bugs),
		USOpen:      countOpen(us),
		BugsOpen:    countOpen(bugs),
	}
}

// countOpen counts items whose stage (or status) is anything but closed.
func countOpen(items []any) int {
	n := 0
	for _, raw := range items {
		m, _ := raw.(map[string]any)
		stage := textField(m, "stage", "status")
		if strings.ToLower(stage) != "closed" {
			n++
		}
	}
	return n
}

func pickDiscipline(exec map[string]any) Discipline {
	disciplines := arrayField(exec, "taskDisciplines")
	pending := arrayField(exec, "pendingDisciplineData")

	top := make([]string, 0, 3)
	for _, raw := range disciplines {
		if len(top) == 3 {
			break
		}
		m, _ := raw.(map[string]any)
		name := textField(m, "name", "discipline", "title")
		if name == "" {
			name = "Discipline"
		}
		if count, ok := numberField(m, "count", "total", "items"); ok {
			top = append(top, fmt.Sprintf("%s — %d", name, int(count)))
		} else {
			top = append(top, name)
		}
	}
	return Discipline{Disciplines: len(disciplines), Pending: len(pending), Top: top}
}

// executiveSection finds the executive block, either at the top level of the
// state or nested under the build namespace.
func executiveSection(state any) map[string]any {
	obj, ok := state.(map[string]any)
	if !ok {
		return nil
	}
	if exec, ok := obj["executive"].(map[string]any); ok {
		return exec
	}
	build, _ := obj["build"].(map[string]any)
	exec, _ := build["executive"].(map[string]any)
	return exec
}

func arrayField(obj map[string]any, key string) []any {
	arr, _ := obj[key].([]any)
	return arr
}

// textField returns the first non-blank string among the named keys.
func textField(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok {
			if t := strings.TrimSpace(s); t != "" {
				return t
			}
		}
	}
	return ""
}

func numberField(obj map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if n, ok := obj[k].(float64); ok {
			return n, true
		}
	}
	return 0, false
}
