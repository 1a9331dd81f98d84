package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/procurion/boqflow/internal/boq"
)

// MemStore is an in-memory Store. It backs tests and local development
// without a database; all methods copy on the way in and out.
type MemStore struct {
	mu         sync.RWMutex
	boqs       map[uuid.UUID]*boq.BOQ
	items      map[uuid.UUID]*boq.Item
	exceptions map[uuid.UUID]*boq.Exception

	// FailBOQ, FailItems, and FailExceptions inject write errors for tests.
	FailBOQ        error
	FailItems      error
	FailExceptions error
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		boqs:       make(map[uuid.UUID]*boq.BOQ),
		items:      make(map[uuid.UUID]*boq.Item),
		exceptions: make(map[uuid.UUID]*boq.Exception),
	}
}

func (s *MemStore) CreateBOQ(_ context.Context, b *boq.BOQ) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailBOQ != nil {
		return s.FailBOQ
	}
	cp := *b
	s.boqs[b.ID] = &cp
	return nil
}

func (s *MemStore) UpdateBOQCounts(_ context.Context, b *boq.BOQ) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.boqs[b.ID]; !ok {
		return fmt.Errorf("boq %s: %w", b.ID, boq.ErrNotFound)
	}
	cp := *b
	s.boqs[b.ID] = &cp
	return nil
}

func (s *MemStore) RefreshBOQCounts(_ context.Context, boqID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.boqs[boqID]
	if !ok {
		return fmt.Errorf("boq %s: %w", boqID, boq.ErrNotFound)
	}

	var mapped, unmapped, open int
	for _, item := range s.items {
		if item.BOQID != boqID {
			continue
		}
		if item.MappingStatus == boq.MappingMapped {
			mapped++
		} else {
			unmapped++
		}
	}
	for _, exc := range s.exceptions {
		if exc.BOQID == boqID && exc.Status == boq.ExceptionOpen {
			open++
		}
	}
	b.SetCounts(mapped, unmapped, open)
	return nil
}

// BOQCount reports how many headers exist. Test helper, not part of Store.
func (s *MemStore) BOQCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.boqs)
}

func (s *MemStore) GetBOQ(_ context.Context, id uuid.UUID) (*boq.BOQ, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.boqs[id]
	if !ok {
		return nil, fmt.Errorf("boq %s: %w", id, boq.ErrNotFound)
	}
	cp := *b
	return &cp, nil
}

func (s *MemStore) InsertItem(_ context.Context, item *boq.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailItems != nil {
		return s.FailItems
	}
	cp := *item
	s.items[item.ID] = &cp
	return nil
}

func (s *MemStore) ListItems(_ context.Context, boqID uuid.UUID) ([]*boq.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*boq.Item
	for _, item := range s.items {
		if item.BOQID == boqID {
			cp := *item
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LineNumber < out[j].LineNumber })
	return out, nil
}

func (s *MemStore) UpdateItemMapping(_ context.Context, itemID, catalogItemID uuid.UUID, confidence int, status boq.MappingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return fmt.Errorf("boq item %s: %w", itemID, boq.ErrNotFound)
	}
	id := catalogItemID
	item.CatalogItemID = &id
	item.Confidence = confidence
	item.MappingStatus = status
	return nil
}

func (s *MemStore) InsertException(_ context.Context, exc *boq.Exception) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailExceptions != nil {
		return s.FailExceptions
	}
	cp := *exc
	s.exceptions[exc.ID] = &cp
	return nil
}

func (s *MemStore) GetException(_ context.Context, id uuid.UUID) (*boq.Exception, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exc, ok := s.exceptions[id]
	if !ok {
		return nil, fmt.Errorf("exception %s: %w", id, boq.ErrNotFound)
	}
	cp := *exc
	return &cp, nil
}

func (s *MemStore) UpdateException(_ context.Context, exc *boq.Exception) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.exceptions[exc.ID]; !ok {
		return fmt.Errorf("exception %s: %w", exc.ID, boq.ErrNotFound)
	}
	cp := *exc
	s.exceptions[exc.ID] = &cp
	return nil
}

func (s *MemStore) FindOpenException(_ context.Context, boqID uuid.UUID, lineNumber int) (*boq.Exception, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, exc := range s.exceptions {
		if exc.BOQID == boqID && exc.LineNumber == lineNumber && exc.Status == boq.ExceptionOpen {
			cp := *exc
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (s *MemStore) ListExceptions(_ context.Context, boqID uuid.UUID, filter boq.ExceptionFilter) ([]*boq.Exception, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*boq.Exception
	for _, exc := range s.exceptions {
		if exc.BOQID == boqID && filter.Matches(exc) {
			cp := *exc
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LineNumber < out[j].LineNumber })
	return out, nil
}
