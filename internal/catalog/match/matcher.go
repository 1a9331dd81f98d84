package match

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/procurion/boqflow/internal/catalog"
)

// Type identifies the strategy that produced a candidate's score.
type Type string

const (
	TypeExactCode Type = "exact_code"
	TypeKeyword   Type = "keyword"
	TypeAlias     Type = "alias"
	TypeFuzzy     Type = "fuzzy_description"
)

// Confidence levels per strategy. A candidate's confidence is the maximum
// across applicable strategies.
const (
	exactCodeConfidence = 100.0
	aliasConfidence     = 85.0
)

// DefaultMaxCandidates caps the ranked result per row.
const DefaultMaxCandidates = 5

// DefaultWorkers bounds concurrent row scoring in BatchMatch.
const DefaultWorkers = 4

// Candidate is one catalog item scored against a row.
type Candidate struct {
	Item       catalog.Item
	Confidence float64 // 0-100; truncate to int before thresholding
	Type       Type
}

// Row is the matcher's view of a BOQ line: an optional item code plus the
// free-text description.
type Row struct {
	LineNumber  int
	ItemCode    string
	Description string
}

// RowResult pairs a row with its ranked candidates. Err is set when scoring
// the row itself failed; a row with no matching items has empty Candidates
// and a nil Err.
type RowResult struct {
	LineNumber int
	Candidates []Candidate
	Err        error
}

// BatchStats summarizes one BatchMatch run.
type BatchStats struct {
	Rows     int
	Matched  int // rows with at least one candidate
	Errored  int
	Duration time.Duration
}

// ProgressFunc receives monotonically increasing (processed, total) pairs.
type ProgressFunc func(processed, total int)

// Matcher scores rows against the current catalog snapshot.
type Matcher struct {
	index         *catalog.Index
	maxCandidates int
	workers       int
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithMaxCandidates overrides the per-row candidate cap.
func WithMaxCandidates(n int) Option {
	return func(m *Matcher) {
		if n > 0 {
			m.maxCandidates = n
		}
	}
}

// WithWorkers overrides the batch scoring concurrency.
func WithWorkers(n int) Option {
	return func(m *Matcher) {
		if n > 0 {
			m.workers = n
		}
	}
}

// New creates a Matcher over the given index.
func New(index *catalog.Index, opts ...Option) *Matcher {
	m := &Matcher{
		index:         index,
		maxCandidates: DefaultMaxCandidates,
		workers:       DefaultWorkers,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Match scores one row against every item in the current snapshot and
// returns candidates ordered by confidence descending, ties broken by
// catalog item id ascending. An empty catalog yields an empty result.
func (m *Matcher) Match(row Row) []Candidate {
	return m.matchSnapshot(m.index.Snapshot(), row)
}

func (m *Matcher) matchSnapshot(snap *catalog.Snapshot, row Row) []Candidate {
	code := strings.ToLower(strings.TrimSpace(row.ItemCode))
	desc := strings.ToLower(strings.TrimSpace(row.Description))
	descTokens := catalog.Tokenize(row.Description)

	var candidates []Candidate
	for _, item := range snap.Items() {
		conf, typ := scoreItem(item, code, desc, descTokens)
		if conf <= 0 {
			continue
		}
		candidates = append(candidates, Candidate{
			Item:       item.Item,
			Confidence: conf,
			Type:       typ,
		})
	}

	// Highest confidence first; equal scores fall back to item id so
	// identical input always produces identical output.
	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].Confidence != candidates[b].Confidence {
			return candidates[a].Confidence > candidates[b].Confidence
		}
		return candidates[a].Item.ID.String() < candidates[b].Item.ID.String()
	})

	if len(candidates) > m.maxCandidates {
		candidates = candidates[:m.maxCandidates]
	}
	return candidates
}

// scoreItem applies every strategy to one item and keeps the best score.
func scoreItem(item catalog.Indexed, code, desc string, descTokens []string) (float64, Type) {
	var (
		best    float64
		bestTyp Type
	)

	// Exact item-code match wins outright.
	if code != "" && code == strings.ToLower(strings.TrimSpace(item.Code)) {
		return exactCodeConfidence, TypeExactCode
	}

	// Keyword overlap: fraction of row tokens present in the keyword set.
	if len(descTokens) > 0 && len(item.KeywordSet) > 0 {
		hits := 0
		for _, tok := range descTokens {
			if _, ok := item.KeywordSet[tok]; ok {
				hits++
			}
		}
		if score := float64(hits) / float64(len(descTokens)) * 100; score > best {
			best, bestTyp = score, TypeKeyword
		}
	}

	// Alias containment.
	if desc != "" {
		for _, alias := range item.AliasesLC {
			if strings.Contains(alias, desc) {
				if aliasConfidence > best {
					best, bestTyp = aliasConfidence, TypeAlias
				}
				break
			}
		}
	}

	// Fuzzy description similarity: the better of token-set overlap and
	// normalized edit distance.
	if desc != "" && item.Description != "" {
		sim := tokenSetSimilarity(descTokens, item.DescTokens)
		if es := editSimilarity(desc, strings.ToLower(item.Description)); es > sim {
			sim = es
		}
		if score := sim * 100; score > best {
			best, bestTyp = score, TypeFuzzy
		}
	}

	return best, bestTyp
}

// BatchMatch scores rows concurrently over a single snapshot and returns
// results in input order. A scoring failure on one row is recorded on that
// row's result; it never fails the batch. onProgress may be nil.
func (m *Matcher) BatchMatch(ctx context.Context, rows []Row, onProgress ProgressFunc) ([]RowResult, BatchStats) {
	start := time.Now()
	results := make([]RowResult, len(rows))

	snap := m.index.Snapshot()
	total := len(rows)

	var (
		progressMu sync.Mutex
		processed  int
	)
	advance := func() {
		progressMu.Lock()
		defer progressMu.Unlock()
		processed++
		// The callback runs under the lock so workers cannot reorder
		// between the increment and the report.
		if onProgress != nil {
			onProgress(processed, total)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)

	for i, row := range rows {
		i, row := i, row
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = RowResult{LineNumber: row.LineNumber, Err: err}
				advance()
				return nil
			}
			results[i] = m.matchRow(snap, row)
			advance()
			return nil
		})
	}
	_ = g.Wait()

	stats := BatchStats{Rows: total, Duration: time.Since(start)}
	for _, res := range results {
		switch {
		case res.Err != nil:
			stats.Errored++
		case len(res.Candidates) > 0:
			stats.Matched++
		}
	}
	return results, stats
}

// matchRow scores a single row, converting panics from malformed input
// into a row-level error so the batch keeps going.
func (m *Matcher) matchRow(snap *catalog.Snapshot, row Row) (res RowResult) {
	res.LineNumber = row.LineNumber
	defer func() {
		if r := recover(); r != nil {
			res.Candidates = nil
			res.Err = fmt.Errorf("score row %d: %v", row.LineNumber, r)
		}
	}()

	res.Candidates = m.matchSnapshot(snap, row)
	return res
}
