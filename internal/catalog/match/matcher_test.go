package match

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/procurion/boqflow/internal/catalog"
)

func testIndex(items ...catalog.Item) *catalog.Index {
	idx := catalog.NewIndex()
	for i := range items {
		if items[i].Status == "" {
			items[i].Status = catalog.StatusActive
		}
	}
	idx.Replace(items)
	return idx
}

func TestMatchExactCode(t *testing.T) {
	target := catalog.Item{ID: uuid.New(), Code: "CEM-42.5", Description: "Portland cement 42.5N"}
	idx := testIndex(
		target,
		catalog.Item{ID: uuid.New(), Code: "CEM-32.5", Description: "Portland cement 32.5N"},
	)
	m := New(idx)

	got := m.Match(Row{ItemCode: "cem-42.5", Description: "whatever"})
	if len(got) == 0 {
		t.Fatal("no candidates")
	}
	if got[0].Item.ID != target.ID {
		t.Errorf("top candidate = %s, want %s", got[0].Item.Code, target.Code)
	}
	if got[0].Confidence != 100 {
		t.Errorf("confidence = %v, want 100", got[0].Confidence)
	}
	if got[0].Type != TypeExactCode {
		t.Errorf("type = %s, want %s", got[0].Type, TypeExactCode)
	}
}

func TestMatchKeywordOverlap(t *testing.T) {
	item := catalog.Item{
		ID:          uuid.New(),
		Code:        "RB-12",
		Description: "Reinforcement bar",
		Keywords:    []string{"rebar", "steel", "12mm", "reinforcement", "bar"},
	}
	m := New(testIndex(item))

	// 3 of 5 row tokens appear in the keyword set -> 60.
	got := m.Match(Row{Description: "rebar steel 12mm coated blue"})
	if len(got) == 0 {
		t.Fatal("no candidates")
	}
	if got[0].Type != TypeKeyword {
		t.Fatalf("type = %s, want %s", got[0].Type, TypeKeyword)
	}
	if int(got[0].Confidence) != 60 {
		t.Errorf("confidence = %v, want 60", got[0].Confidence)
	}
}

func TestMatchAliasContainment(t *testing.T) {
	item := catalog.Item{
		ID:          uuid.New(),
		Code:        "GV-100",
		Description: "Gate valve DN100",
		Aliases:     []string{"100mm gate valve flanged"},
	}
	m := New(testIndex(item))

	got := m.Match(Row{Description: "Gate Valve"})
	if len(got) == 0 {
		t.Fatal("no candidates")
	}
	if got[0].Type != TypeAlias {
		t.Fatalf("type = %s, want %s", got[0].Type, TypeAlias)
	}
	if got[0].Confidence < 85 {
		t.Errorf("confidence = %v, want >= 85", got[0].Confidence)
	}
}

func TestMatchFuzzyDescription(t *testing.T) {
	item := catalog.Item{ID: uuid.New(), Code: "PC-1", Description: "Portland cement bag 50kg"}
	m := New(testIndex(item))

	got := m.Match(Row{Description: "portland cement bag 50 kg"})
	if len(got) == 0 {
		t.Fatal("no candidates")
	}
	if got[0].Type != TypeFuzzy {
		t.Fatalf("type = %s, want %s", got[0].Type, TypeFuzzy)
	}
	if got[0].Confidence < 70 {
		t.Errorf("confidence = %v, want high fuzzy score", got[0].Confidence)
	}
}

func TestMatchEmptyCatalog(t *testing.T) {
	m := New(catalog.NewIndex())

	got := m.Match(Row{ItemCode: "X", Description: "anything at all"})
	if len(got) != 0 {
		t.Errorf("candidates from empty catalog = %d, want 0", len(got))
	}
}

func TestMatchCapsCandidates(t *testing.T) {
	items := make([]catalog.Item, 8)
	for i := range items {
		items[i] = catalog.Item{
			ID:          uuid.New(),
			Code:        fmt.Sprintf("PIPE-%d", i),
			Description: "steel pipe welded",
		}
	}
	m := New(testIndex(items...))

	got := m.Match(Row{Description: "steel pipe welded"})
	if len(got) != DefaultMaxCandidates {
		t.Errorf("candidates = %d, want %d", len(got), DefaultMaxCandidates)
	}

	m3 := New(testIndex(items...), WithMaxCandidates(3))
	if got := m3.Match(Row{Description: "steel pipe welded"}); len(got) != 3 {
		t.Errorf("candidates with cap 3 = %d", len(got))
	}
}

func TestMatchDeterministicTiebreak(t *testing.T) {
	// Two items with identical descriptions score identically; order must
	// come from item id, not map iteration.
	a := catalog.Item{ID: uuid.MustParse("00000000-0000-0000-0000-000000000001"), Code: "A", Description: "ceramic tile white"}
	b := catalog.Item{ID: uuid.MustParse("00000000-0000-0000-0000-000000000002"), Code: "B", Description: "ceramic tile white"}

	for run := 0; run < 10; run++ {
		m := New(testIndex(b, a))
		got := m.Match(Row{Description: "ceramic tile white"})
		if len(got) != 2 {
			t.Fatalf("candidates = %d, want 2", len(got))
		}
		if got[0].Item.ID != a.ID {
			t.Fatalf("run %d: tie broken wrong, first = %s", run, got[0].Item.ID)
		}
	}
}

func TestBatchMatchPreservesOrder(t *testing.T) {
	idx := testIndex(
		catalog.Item{ID: uuid.New(), Code: "C-1", Description: "cement"},
		catalog.Item{ID: uuid.New(), Code: "S-1", Description: "sand"},
	)
	m := New(idx, WithWorkers(3))

	rows := []Row{
		{LineNumber: 1, ItemCode: "C-1"},
		{LineNumber: 2, Description: "sand"},
		{LineNumber: 3, Description: "zzzz qqqq"},
		{LineNumber: 4, ItemCode: "S-1"},
	}

	results, stats := m.BatchMatch(context.Background(), rows, nil)
	if len(results) != len(rows) {
		t.Fatalf("results = %d, want %d", len(results), len(rows))
	}
	for i, res := range results {
		if res.LineNumber != rows[i].LineNumber {
			t.Errorf("result[%d].LineNumber = %d, want %d", i, res.LineNumber, rows[i].LineNumber)
		}
	}
	if stats.Rows != 4 {
		t.Errorf("stats.Rows = %d, want 4", stats.Rows)
	}
	if stats.Errored != 0 {
		t.Errorf("stats.Errored = %d, want 0", stats.Errored)
	}
}

func TestBatchMatchProgressMonotone(t *testing.T) {
	idx := testIndex(catalog.Item{ID: uuid.New(), Code: "X", Description: "item"})
	m := New(idx, WithWorkers(4))

	rows := make([]Row, 50)
	for i := range rows {
		rows[i] = Row{LineNumber: i + 1, Description: "item"}
	}

	var (
		mu   sync.Mutex
		seen []int
	)
	m.BatchMatch(context.Background(), rows, func(processed, total int) {
		mu.Lock()
		defer mu.Unlock()
		if total != len(rows) {
			t.Errorf("total = %d, want %d", total, len(rows))
		}
		seen = append(seen, processed)
	})

	if len(seen) != len(rows) {
		t.Fatalf("progress calls = %d, want %d", len(seen), len(rows))
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Fatalf("progress not increasing at call %d: %d after %d", i, seen[i], seen[i-1])
		}
	}
	if seen[len(seen)-1] != len(rows) {
		t.Errorf("final processed = %d, want %d", seen[len(seen)-1], len(rows))
	}
}

// With many workers racing on tiny rows, a progress report made outside the
// counter's critical section gets delivered out of order. Repeated runs keep
// this from passing by scheduling luck.
func TestBatchMatchProgressOrderUnderContention(t *testing.T) {
	idx := testIndex(catalog.Item{ID: uuid.New(), Code: "X", Description: "item"})
	m := New(idx, WithWorkers(64))

	rows := make([]Row, 64)
	for i := range rows {
		rows[i] = Row{LineNumber: i + 1, Description: "item"}
	}

	for run := 0; run < 200; run++ {
		last := 0
		m.BatchMatch(context.Background(), rows, func(processed, total int) {
			if processed != last+1 {
				t.Fatalf("run %d: processed = %d after %d, want %d", run, processed, last, last+1)
			}
			last = processed
		})
		if last != len(rows) {
			t.Fatalf("run %d: final processed = %d, want %d", run, last, len(rows))
		}
	}
}

func TestBatchMatchEmptyCatalogNoError(t *testing.T) {
	m := New(catalog.NewIndex())

	rows := []Row{{LineNumber: 1, Description: "anything"}}
	results, stats := m.BatchMatch(context.Background(), rows, nil)

	if results[0].Err != nil {
		t.Errorf("row error against empty catalog: %v", results[0].Err)
	}
	if len(results[0].Candidates) != 0 {
		t.Errorf("candidates = %d, want 0", len(results[0].Candidates))
	}
	if stats.Matched != 0 {
		t.Errorf("stats.Matched = %d, want 0", stats.Matched)
	}
}

func BenchmarkMatch(b *testing.B) {
	items := make([]catalog.Item, 500)
	for i := range items {
		items[i] = catalog.Item{
			ID:          uuid.New(),
			Code:        fmt.Sprintf("ITEM-%04d", i),
			Description: fmt.Sprintf("catalog item number %d with a description", i),
			Keywords:    []string{"catalog", "item", fmt.Sprintf("kw%d", i)},
		}
	}
	m := New(testIndex(items...))
	row := Row{Description: "catalog item number 250 with a description"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Match(row)
	}
}
