package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/procurion/boqflow/internal/boq"
)

// PGStore implements Store on a pgx connection pool.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a store backed by a Postgres pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) CreateBOQ(ctx context.Context, b *boq.BOQ) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO boqs
			(id, version, title, status, mapping_status,
			 item_count, mapped_items, unmapped_items, exception_count,
			 uploaded_by, file_name, file_size, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		b.ID, b.Version, b.Title, b.Status, b.MappingStatus,
		b.ItemCount, b.MappedItems, b.UnmappedItems, b.ExceptionCount,
		b.UploadedBy, b.FileName, b.FileSize, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert boq: %w", err)
	}
	return nil
}

func (s *PGStore) GetBOQ(ctx context.Context, id uuid.UUID) (*boq.BOQ, error) {
	var b boq.BOQ
	err := s.pool.QueryRow(ctx, `
		SELECT id, version, title, status, mapping_status,
		       item_count, mapped_items, unmapped_items, exception_count,
		       uploaded_by, file_name, file_size, created_at
		FROM boqs
		WHERE id = $1`, id).Scan(
		&b.ID, &b.Version, &b.Title, &b.Status, &b.MappingStatus,
		&b.ItemCount, &b.MappedItems, &b.UnmappedItems, &b.ExceptionCount,
		&b.UploadedBy, &b.FileName, &b.FileSize, &b.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("boq %s: %w", id, boq.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query boq: %w", err)
	}
	return &b, nil
}

func (s *PGStore) UpdateBOQCounts(ctx context.Context, b *boq.BOQ) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE boqs
		SET status = $2, mapping_status = $3,
		    item_count = $4, mapped_items = $5, unmapped_items = $6,
		    exception_count = $7
		WHERE id = $1`,
		b.ID, b.Status, b.MappingStatus,
		b.ItemCount, b.MappedItems, b.UnmappedItems, b.ExceptionCount,
	)
	if err != nil {
		return fmt.Errorf("update boq counts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("boq %s: %w", b.ID, boq.ErrNotFound)
	}
	return nil
}

// RefreshBOQCounts recomputes the header tallies from the item and exception
// rows. Open exceptions are what the count tracks; resolved ones drop out.
func (s *PGStore) RefreshBOQCounts(ctx context.Context, boqID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE boqs
		SET item_count      = i.total,
		    mapped_items    = i.mapped,
		    unmapped_items  = i.total - i.mapped,
		    exception_count = e.open,
		    mapping_status  = CASE
		        WHEN i.total = 0 OR i.mapped = 0 THEN 'pending'
		        WHEN i.mapped = i.total THEN 'complete'
		        ELSE 'partial'
		    END
		FROM (
		    SELECT count(*) AS total,
		           count(*) FILTER (WHERE mapping_status = 'mapped') AS mapped
		    FROM boq_items WHERE boq_id = $1
		) i, (
		    SELECT count(*) AS open
		    FROM boq_exceptions WHERE boq_id = $1 AND status = 'open'
		) e
		WHERE boqs.id = $1`, boqID)
	if err != nil {
		return fmt.Errorf("refresh boq counts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("boq %s: %w", boqID, boq.ErrNotFound)
	}
	return nil
}

func (s *PGStore) InsertItem(ctx context.Context, item *boq.Item) error {
	raw, err := json.Marshal(item.Raw)
	if err != nil {
		return fmt.Errorf("marshal raw row: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO boq_items
			(id, boq_id, line_number, item_code, description, uom,
			 quantity, unit_price, category, phase, task, site,
			 catalog_item_id, confidence, mapping_status, match_type, raw)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		        $13, $14, $15, $16, $17)`,
		item.ID, item.BOQID, item.LineNumber, item.ItemCode, item.Description, item.UOM,
		item.Quantity, item.UnitPrice, item.Category, item.Phase, item.Task, item.Site,
		toPgUUID(item.CatalogItemID), item.Confidence, item.MappingStatus, item.MatchType, raw,
	)
	if err != nil {
		return fmt.Errorf("insert boq item: %w", err)
	}
	return nil
}

func (s *PGStore) ListItems(ctx context.Context, boqID uuid.UUID) ([]*boq.Item, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, boq_id, line_number, item_code, description, uom,
		       quantity, unit_price, category, phase, task, site,
		       catalog_item_id, confidence, mapping_status, match_type, raw
		FROM boq_items
		WHERE boq_id = $1
		ORDER BY line_number`, boqID)
	if err != nil {
		return nil, fmt.Errorf("query boq items: %w", err)
	}
	defer rows.Close()

	var items []*boq.Item
	for rows.Next() {
		var (
			item      boq.Item
			catalogID pgtype.UUID
			raw       []byte
		)
		if err := rows.Scan(&item.ID, &item.BOQID, &item.LineNumber, &item.ItemCode,
			&item.Description, &item.UOM, &item.Quantity, &item.UnitPrice,
			&item.Category, &item.Phase, &item.Task, &item.Site,
			&catalogID, &item.Confidence, &item.MappingStatus, &item.MatchType, &raw); err != nil {
			return nil, fmt.Errorf("scan boq item: %w", err)
		}
		item.CatalogItemID = fromPgUUID(catalogID)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &item.Raw); err != nil {
				return nil, fmt.Errorf("unmarshal raw row: %w", err)
			}
		}
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return items, nil
}

func (s *PGStore) UpdateItemMapping(ctx context.Context, itemID, catalogItemID uuid.UUID, confidence int, status boq.MappingStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE boq_items
		SET catalog_item_id = $2, confidence = $3, mapping_status = $4
		WHERE id = $1`,
		itemID, catalogItemID, confidence, status,
	)
	if err != nil {
		return fmt.Errorf("update item mapping: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("boq item %s: %w", itemID, boq.ErrNotFound)
	}
	return nil
}

func (s *PGStore) InsertException(ctx context.Context, exc *boq.Exception) error {
	suggestions, resolution, err := marshalExceptionJSON(exc)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO boq_exceptions
			(id, boq_id, item_id, line_number, type, severity, issue,
			 suggested_action, suggestions, status, resolution, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		exc.ID, exc.BOQID, exc.ItemID, exc.LineNumber, exc.Type, exc.Severity, exc.Issue,
		exc.SuggestedAction, suggestions, exc.Status, resolution, exc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert exception: %w", err)
	}
	return nil
}

func (s *PGStore) GetException(ctx context.Context, id uuid.UUID) (*boq.Exception, error) {
	row := s.pool.QueryRow(ctx, exceptionSelect+` WHERE id = $1`, id)
	exc, err := scanException(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("exception %s: %w", id, boq.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return exc, nil
}

func (s *PGStore) UpdateException(ctx context.Context, exc *boq.Exception) error {
	suggestions, resolution, err := marshalExceptionJSON(exc)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE boq_exceptions
		SET item_id = $2, type = $3, severity = $4, issue = $5,
		    suggested_action = $6, suggestions = $7, status = $8, resolution = $9
		WHERE id = $1`,
		exc.ID, exc.ItemID, exc.Type, exc.Severity, exc.Issue,
		exc.SuggestedAction, suggestions, exc.Status, resolution,
	)
	if err != nil {
		return fmt.Errorf("update exception: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("exception %s: %w", exc.ID, boq.ErrNotFound)
	}
	return nil
}

func (s *PGStore) FindOpenException(ctx context.Context, boqID uuid.UUID, lineNumber int) (*boq.Exception, bool, error) {
	row := s.pool.QueryRow(ctx,
		exceptionSelect+` WHERE boq_id = $1 AND line_number = $2 AND status = 'open'`,
		boqID, lineNumber)
	exc, err := scanException(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return exc, true, nil
}

func (s *PGStore) ListExceptions(ctx context.Context, boqID uuid.UUID, filter boq.ExceptionFilter) ([]*boq.Exception, error) {
	// Zero filter fields match everything; empty-string comparisons keep the
	// query static.
	rows, err := s.pool.Query(ctx, exceptionSelect+`
		WHERE boq_id = $1
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR severity = $3)
		  AND ($4 = '' OR type = $4)
		ORDER BY line_number`,
		boqID, string(filter.Status), string(filter.Severity), string(filter.Type))
	if err != nil {
		return nil, fmt.Errorf("query exceptions: %w", err)
	}
	defer rows.Close()

	var out []*boq.Exception
	for rows.Next() {
		exc, err := scanException(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

const exceptionSelect = `
	SELECT id, boq_id, item_id, line_number, type, severity, issue,
	       suggested_action, suggestions, status, resolution, created_at
	FROM boq_exceptions`

func scanException(row pgx.Row) (*boq.Exception, error) {
	var (
		exc         boq.Exception
		suggestions []byte
		resolution  []byte
	)
	err := row.Scan(&exc.ID, &exc.BOQID, &exc.ItemID, &exc.LineNumber,
		&exc.Type, &exc.Severity, &exc.Issue, &exc.SuggestedAction,
		&suggestions, &exc.Status, &resolution, &exc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan exception: %w", err)
	}

	if len(suggestions) > 0 {
		if err := json.Unmarshal(suggestions, &exc.Suggestions); err != nil {
			return nil, fmt.Errorf("unmarshal suggestions: %w", err)
		}
	}
	if len(resolution) > 0 {
		exc.Resolution = &boq.Resolution{}
		if err := json.Unmarshal(resolution, exc.Resolution); err != nil {
			return nil, fmt.Errorf("unmarshal resolution: %w", err)
		}
	}
	return &exc, nil
}

func marshalExceptionJSON(exc *boq.Exception) (suggestions, resolution []byte, err error) {
	if len(exc.Suggestions) > 0 {
		suggestions, err = json.Marshal(exc.Suggestions)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal suggestions: %w", err)
		}
	}
	if exc.Resolution != nil {
		resolution, err = json.Marshal(exc.Resolution)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal resolution: %w", err)
		}
	}
	return suggestions, resolution, nil
}

func toPgUUID(id *uuid.UUID) pgtype.UUID {
	if id == nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: *id, Valid: true}
}

func fromPgUUID(v pgtype.UUID) *uuid.UUID {
	if !v.Valid {
		return nil
	}
	id := uuid.UUID(v.Bytes)
	return &id
}
