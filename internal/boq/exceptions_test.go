package boq

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/procurion/boqflow/internal/audit"
)

// fakeStore is an in-memory ExceptionStore for manager tests.
type fakeStore struct {
	exceptions map[uuid.UUID]*Exception
	items      map[uuid.UUID]struct {
		catalogItemID uuid.UUID
		confidence    int
		status        MappingStatus
	}
	itemUpdateErr error
	refreshed     []uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		exceptions: make(map[uuid.UUID]*Exception),
		items: make(map[uuid.UUID]struct {
			catalogItemID uuid.UUID
			confidence    int
			status        MappingStatus
		}),
	}
}

func (f *fakeStore) InsertException(_ context.Context, exc *Exception) error {
	cp := *exc
	f.exceptions[exc.ID] = &cp
	return nil
}

func (f *fakeStore) GetException(_ context.Context, id uuid.UUID) (*Exception, error) {
	exc, ok := f.exceptions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *exc
	return &cp, nil
}

func (f *fakeStore) UpdateException(_ context.Context, exc *Exception) error {
	if _, ok := f.exceptions[exc.ID]; !ok {
		return ErrNotFound
	}
	cp := *exc
	f.exceptions[exc.ID] = &cp
	return nil
}

func (f *fakeStore) FindOpenException(_ context.Context, boqID uuid.UUID, lineNumber int) (*Exception, bool, error) {
	for _, exc := range f.exceptions {
		if exc.BOQID == boqID && exc.LineNumber == lineNumber && exc.Status == ExceptionOpen {
			cp := *exc
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (f *fakeStore) UpdateItemMapping(_ context.Context, itemID, catalogItemID uuid.UUID, confidence int, status MappingStatus) error {
	if f.itemUpdateErr != nil {
		return f.itemUpdateErr
	}
	f.items[itemID] = struct {
		catalogItemID uuid.UUID
		confidence    int
		status        MappingStatus
	}{catalogItemID, confidence, status}
	return nil
}

func (f *fakeStore) RefreshBOQCounts(_ context.Context, boqID uuid.UUID) error {
	f.refreshed = append(f.refreshed, boqID)
	return nil
}

func (f *fakeStore) ListExceptions(_ context.Context, boqID uuid.UUID, filter ExceptionFilter) ([]*Exception, error) {
	var out []*Exception
	for _, exc := range f.exceptions {
		if exc.BOQID == boqID && filter.Matches(exc) {
			cp := *exc
			out = append(out, &cp)
		}
	}
	return out, nil
}

func openException(boqID uuid.UUID, line int) *Exception {
	return &Exception{
		BOQID:      boqID,
		ItemID:     uuid.New(),
		LineNumber: line,
		Type:       ExceptionNoMatch,
		Severity:   SeverityHigh,
		Issue:      "no match",
		Status:     ExceptionOpen,
	}
}

func TestCreateIsIdempotentPerLine(t *testing.T) {
	fs := newFakeStore()
	mgr := NewExceptionManager(fs, nil)
	boqID := uuid.New()

	first := openException(boqID, 4)
	if err := mgr.Create(context.Background(), first); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Same line again with a different assessment supersedes, not duplicates.
	second := openException(boqID, 4)
	second.Type = ExceptionMultipleMatches
	second.Severity = SeverityMedium
	if err := mgr.Create(context.Background(), second); err != nil {
		t.Fatalf("create again: %v", err)
	}

	if len(fs.exceptions) != 1 {
		t.Fatalf("exceptions stored = %d, want 1", len(fs.exceptions))
	}
	if second.ID != first.ID {
		t.Error("superseding exception did not keep the original id")
	}
	stored := fs.exceptions[first.ID]
	if stored.Type != ExceptionMultipleMatches {
		t.Errorf("stored type = %s, want superseded value", stored.Type)
	}
}

func TestResolveManualMapping(t *testing.T) {
	fs := newFakeStore()
	rec := &audit.Recorder{}
	mgr := NewExceptionManager(fs, rec)
	boqID := uuid.New()

	exc := openException(boqID, 1)
	if err := mgr.Create(context.Background(), exc); err != nil {
		t.Fatalf("create: %v", err)
	}

	target := uuid.New()
	resolved, err := mgr.Resolve(context.Background(), exc.ID, Resolution{
		Action:        ResolveManualMapping,
		CatalogItemID: &target,
		ResolverID:    "user-1",
		Notes:         "picked the obvious one",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if resolved.Status != ExceptionResolved {
		t.Errorf("status = %s, want resolved", resolved.Status)
	}
	item := fs.items[exc.ItemID]
	if item.catalogItemID != target {
		t.Errorf("item catalog id = %s, want %s", item.catalogItemID, target)
	}
	if item.confidence != 100 {
		t.Errorf("item confidence = %d, want 100", item.confidence)
	}
	if item.status != MappingMapped {
		t.Errorf("item status = %s, want mapped", item.status)
	}
	if len(rec.Entries) != 1 || rec.Entries[0].Action != "exception_resolved" {
		t.Errorf("audit entries = %+v, want one exception_resolved", rec.Entries)
	}
	if len(fs.refreshed) != 1 || fs.refreshed[0] != boqID {
		t.Errorf("count refresh calls = %v, want one for %s", fs.refreshed, boqID)
	}
}

func TestResolveUnknownIDReturnsNotFound(t *testing.T) {
	mgr := NewExceptionManager(newFakeStore(), nil)

	target := uuid.New()
	_, err := mgr.Resolve(context.Background(), uuid.New(), Resolution{
		Action:        ResolveManualMapping,
		CatalogItemID: &target,
		ResolverID:    "user-1",
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestResolveAlreadyResolvedIsInvalidState(t *testing.T) {
	fs := newFakeStore()
	mgr := NewExceptionManager(fs, nil)
	exc := openException(uuid.New(), 2)
	if err := mgr.Create(context.Background(), exc); err != nil {
		t.Fatalf("create: %v", err)
	}

	target := uuid.New()
	res := Resolution{Action: ResolveManualMapping, CatalogItemID: &target, ResolverID: "u"}
	if _, err := mgr.Resolve(context.Background(), exc.ID, res); err != nil {
		t.Fatalf("first resolve: %v", err)
	}

	_, err := mgr.Resolve(context.Background(), exc.ID, res)
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}
}

func TestResolveManualMappingRequiresTarget(t *testing.T) {
	fs := newFakeStore()
	mgr := NewExceptionManager(fs, nil)
	exc := openException(uuid.New(), 5)
	if err := mgr.Create(context.Background(), exc); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := mgr.Resolve(context.Background(), exc.ID, Resolution{
		Action:     ResolveManualMapping,
		ResolverID: "u",
	})
	if !IsValidation(err) {
		t.Errorf("err = %v, want ValidationError", err)
	}
	if fs.exceptions[exc.ID].Status != ExceptionOpen {
		t.Error("exception mutated by rejected resolution")
	}
}

func TestResolveItemUpdateFailureKeepsExceptionOpen(t *testing.T) {
	fs := newFakeStore()
	fs.itemUpdateErr = errors.New("db down")
	mgr := NewExceptionManager(fs, nil)
	exc := openException(uuid.New(), 6)
	if err := mgr.Create(context.Background(), exc); err != nil {
		t.Fatalf("create: %v", err)
	}

	target := uuid.New()
	_, err := mgr.Resolve(context.Background(), exc.ID, Resolution{
		Action:        ResolveManualMapping,
		CatalogItemID: &target,
		ResolverID:    "u",
	})
	if err == nil {
		t.Fatal("expected error from failing item update")
	}
	if fs.exceptions[exc.ID].Status != ExceptionOpen {
		t.Error("exception resolved despite item update failure")
	}
	if len(fs.refreshed) != 0 {
		t.Errorf("count refresh calls = %v, want none", fs.refreshed)
	}
}

func TestResolveAuditFailureDoesNotFailResolution(t *testing.T) {
	fs := newFakeStore()
	rec := &audit.Recorder{Err: errors.New("audit sink down")}
	mgr := NewExceptionManager(fs, rec)
	exc := openException(uuid.New(), 8)
	if err := mgr.Create(context.Background(), exc); err != nil {
		t.Fatalf("create: %v", err)
	}

	resolved, err := mgr.Resolve(context.Background(), exc.ID, Resolution{
		Action:     ResolveItemIgnore,
		ResolverID: "u",
	})
	if err != nil {
		t.Fatalf("resolve failed on audit error: %v", err)
	}
	if resolved.Status != ExceptionResolved {
		t.Errorf("status = %s, want resolved", resolved.Status)
	}
}

func TestListFilters(t *testing.T) {
	fs := newFakeStore()
	mgr := NewExceptionManager(fs, nil)
	boqID := uuid.New()

	a := openException(boqID, 1) // no_match high
	b := openException(boqID, 2)
	b.Type = ExceptionDataIssue
	b.Severity = SeverityMedium
	for _, exc := range []*Exception{a, b} {
		if err := mgr.Create(context.Background(), exc); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	got, err := mgr.List(context.Background(), boqID, ExceptionFilter{Type: ExceptionDataIssue})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].Type != ExceptionDataIssue {
		t.Errorf("filtered list = %+v, want single data_issue", got)
	}

	all, err := mgr.List(context.Background(), boqID, ExceptionFilter{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("unfiltered list = %d, want 2", len(all))
	}
}
