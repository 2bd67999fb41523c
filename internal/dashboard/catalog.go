package dashboard

import (
	"context"
	"encoding/json"
	"fmt"

	"pulseboard/api/internal/filestore"
)

const (
	indexPath = "db/dashboards/index.json"
	dashDir   = "db/dashboards"
)

// Catalog owns every read and write of the dashboard index document. Nothing
// else touches the index path.
type Catalog struct {
	store filestore.Store
}

func NewCatalog(store filestore.Store) *Catalog {
	return &Catalog{store: store}
}

type indexDoc struct {
	Dashboards map[string]*Record `json:"dashboards"`
}

// Load returns the full catalog. An absent index is initialized to an empty
// one on first read. An unparseable index is treated as empty rather than
// failing the request; the next Save overwrites it. That trades durability of
// a wedged index for availability, deliberately.
func (c *Catalog) Load(ctx context.Context) (map[string]*Record, error) {
	f, err := c.store.GetFile(ctx, indexPath)
	if err != nil {
		return nil, fmt.Errorf("load dashboard index: %w", err)
	}
	if !f.Exists {
		empty := map[string]*Record{}
		if err := c.Save(ctx, empty, "init dashboards index"); err != nil {
			return nil, err
		}
		return empty, nil
	}
	var doc indexDoc
	if err := json.Unmarshal(f.Content, &doc); err != nil || doc.Dashboards == nil {
		return map[string]*Record{}, nil
	}
	return doc.Dashboards, nil
}

func (c *Catalog) Save(ctx context.Context, dashboards map[string]*Record, message string) error {
	b, err := json.MarshalIndent(indexDoc{Dashboards: dashboards}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode dashboard index: %w", err)
	}
	if _, err := filestore.PutFileRetry(ctx, c.store, indexPath, b, message); err != nil {
		return fmt.Errorf("save dashboard index: %w", err)
	}
	return nil
}
