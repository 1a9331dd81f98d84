package catalog

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Source supplies catalog items for index refreshes.
type Source interface {
	FetchCatalogItems(ctx context.Context) ([]Item, error)
}

// PGSource loads catalog items from the catalog_items table.
type PGSource struct {
	pool *pgxpool.Pool
}

// NewPGSource creates a catalog source backed by a Postgres pool.
func NewPGSource(pool *pgxpool.Pool) *PGSource {
	return &PGSource{pool: pool}
}

// FetchCatalogItems reads all catalog items, including inactive ones;
// the index drops inactive items when building a snapshot.
func (s *PGSource) FetchCatalogItems(ctx context.Context) ([]Item, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, code, description, category, subcategory, uom, status, keywords, aliases
		FROM catalog_items`)
	if err != nil {
		return nil, fmt.Errorf("query catalog items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var (
			item   Item
			id     string
			status string
		)
		if err := rows.Scan(&id, &item.Code, &item.Description, &item.Category,
			&item.Subcategory, &item.UOM, &status, &item.Keywords, &item.Aliases); err != nil {
			return nil, fmt.Errorf("scan catalog item: %w", err)
		}
		item.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse catalog item id %q: %w", id, err)
		}
		item.Status = Status(status)
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// StaticSource serves a fixed item set. Primarily useful for testing.
type StaticSource struct {
	Items []Item
	Err   error
}

func (s StaticSource) FetchCatalogItems(ctx context.Context) ([]Item, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Items, nil
}
