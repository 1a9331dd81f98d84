package boq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/procurion/boqflow/internal/audit"
)

// ExceptionStore is the persistence surface the exception manager needs.
// Implemented by internal/store.
type ExceptionStore interface {
	InsertException(ctx context.Context, exc *Exception) error
	GetException(ctx context.Context, id uuid.UUID) (*Exception, error)
	UpdateException(ctx context.Context, exc *Exception) error
	FindOpenException(ctx context.Context, boqID uuid.UUID, lineNumber int) (*Exception, bool, error)
	UpdateItemMapping(ctx context.Context, itemID, catalogItemID uuid.UUID, confidence int, status MappingStatus) error
	RefreshBOQCounts(ctx context.Context, boqID uuid.UUID) error
	ListExceptions(ctx context.Context, boqID uuid.UUID, filter ExceptionFilter) ([]*Exception, error)
}

// ExceptionFilter narrows ListExceptions. Zero values match everything.
type ExceptionFilter struct {
	Status   ExceptionStatus
	Severity Severity
	Type     ExceptionType
}

// Matches reports whether exc passes the filter.
func (f ExceptionFilter) Matches(exc *Exception) bool {
	if f.Status != "" && exc.Status != f.Status {
		return false
	}
	if f.Severity != "" && exc.Severity != f.Severity {
		return false
	}
	if f.Type != "" && exc.Type != f.Type {
		return false
	}
	return true
}

// ExceptionManager creates, lists, and resolves mapping exceptions.
type ExceptionManager struct {
	store ExceptionStore
	audit audit.Logger
}

// NewExceptionManager creates a manager over the given store.
// A nil audit logger disables audit entries.
func NewExceptionManager(store ExceptionStore, auditLog audit.Logger) *ExceptionManager {
	if auditLog == nil {
		auditLog = audit.Nop{}
	}
	return &ExceptionManager{store: store, audit: auditLog}
}

// Create records an exception for a line. It is idempotent per
// (BOQ id, line number): an existing open exception for the same line is
// superseded in place rather than duplicated.
func (m *ExceptionManager) Create(ctx context.Context, exc *Exception) error {
	if exc.BOQID == uuid.Nil {
		return &ValidationError{Field: "boqId", Reason: "required"}
	}

	existing, found, err := m.store.FindOpenException(ctx, exc.BOQID, exc.LineNumber)
	if err != nil {
		return fmt.Errorf("find open exception: %w", err)
	}

	if found {
		// Supersede: keep the id and creation time, replace the assessment.
		existing.Type = exc.Type
		existing.Severity = exc.Severity
		existing.Issue = exc.Issue
		existing.SuggestedAction = exc.SuggestedAction
		existing.Suggestions = exc.Suggestions
		existing.ItemID = exc.ItemID
		if err := m.store.UpdateException(ctx, existing); err != nil {
			return fmt.Errorf("supersede exception: %w", err)
		}
		*exc = *existing
		return nil
	}

	if exc.ID == uuid.Nil {
		exc.ID = uuid.New()
	}
	exc.Status = ExceptionOpen
	exc.CreatedAt = time.Now()

	if err := m.store.InsertException(ctx, exc); err != nil {
		return fmt.Errorf("insert exception: %w", err)
	}
	return nil
}

// Resolve transitions an exception open -> resolved. For manual_mapping the
// owning BOQ item is updated first (catalog item, confidence 100, mapped);
// if that write fails the exception stays open so no partial resolution is
// ever visible.
func (m *ExceptionManager) Resolve(ctx context.Context, exceptionID uuid.UUID, res Resolution) (*Exception, error) {
	if err := validateResolution(res); err != nil {
		return nil, err
	}

	exc, err := m.store.GetException(ctx, exceptionID)
	if err != nil {
		return nil, err
	}
	if exc.Status == ExceptionResolved {
		return nil, fmt.Errorf("exception %s already resolved: %w", exceptionID, ErrInvalidState)
	}

	if res.Action == ResolveManualMapping {
		if err := m.store.UpdateItemMapping(ctx, exc.ItemID, *res.CatalogItemID, 100, MappingMapped); err != nil {
			return nil, fmt.Errorf("update item mapping: %w", err)
		}
	}

	res.ResolvedAt = time.Now()
	exc.Status = ExceptionResolved
	exc.Resolution = &res
	if err := m.store.UpdateException(ctx, exc); err != nil {
		return nil, fmt.Errorf("update exception: %w", err)
	}

	// The header's tallies derive from item and exception rows, so recompute
	// them after the resolution lands. A failed recompute is stale
	// bookkeeping, not a failed resolution; the next refresh heals it.
	if err := m.store.RefreshBOQCounts(ctx, exc.BOQID); err != nil {
		slog.Warn("refresh boq counts failed after resolution", "boq_id", exc.BOQID, "error", err)
	}

	if err := m.audit.LogAction(ctx, audit.Entry{
		Action:     "exception_resolved",
		EntityType: "boq_exception",
		EntityID:   exc.ID.String(),
		NewValue:   string(res.Action),
		ActorID:    res.ResolverID,
		Metadata: map[string]any{
			"boq_id":      exc.BOQID.String(),
			"line_number": exc.LineNumber,
			"notes":       res.Notes,
		},
	}); err != nil {
		slog.Warn("audit log failed for exception resolution", "exception_id", exc.ID, "error", err)
	}

	return exc, nil
}

// List returns a BOQ's exceptions, optionally filtered by status, severity,
// and type.
func (m *ExceptionManager) List(ctx context.Context, boqID uuid.UUID, filter ExceptionFilter) ([]*Exception, error) {
	return m.store.ListExceptions(ctx, boqID, filter)
}

func validateResolution(res Resolution) error {
	switch res.Action {
	case ResolveManualMapping:
		if res.CatalogItemID == nil || *res.CatalogItemID == uuid.Nil {
			return &ValidationError{Field: "catalogItemId", Reason: "required for manual_mapping"}
		}
	case ResolveCatalogUpdate, ResolveItemSplit, ResolveItemIgnore:
		// No extra payload required.
	default:
		return &ValidationError{Field: "action", Reason: fmt.Sprintf("unknown resolution action %q", res.Action)}
	}
	if res.ResolverID == "" {
		return &ValidationError{Field: "resolverId", Reason: "required"}
	}
	return nil
}
