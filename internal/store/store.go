// Package store persists BOQs, their items, and mapping exceptions to
// Postgres. The in-memory implementation backs tests.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/procurion/boqflow/internal/boq"
)

// Store is the persistence surface of the import pipeline. It extends the
// exception store with BOQ header and item writes.
type Store interface {
	boq.ExceptionStore

	CreateBOQ(ctx context.Context, b *boq.BOQ) error
	GetBOQ(ctx context.Context, id uuid.UUID) (*boq.BOQ, error)
	UpdateBOQCounts(ctx context.Context, b *boq.BOQ) error
	InsertItem(ctx context.Context, item *boq.Item) error
	ListItems(ctx context.Context, boqID uuid.UUID) ([]*boq.Item, error)
}
