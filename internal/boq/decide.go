package boq

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/procurion/boqflow/internal/catalog/match"
)

// Thresholds configure the confidence bands of the decision engine.
// Confidence is compared as an integer (floats truncated).
type Thresholds struct {
	High int // at or above: auto-map
	Low  int // below: no match
}

// DefaultThresholds is the reference policy: >=80 auto-map, [50,80) review,
// <50 unmapped.
var DefaultThresholds = Thresholds{High: 80, Low: 50}

// MaxSuggestions caps the candidate projections attached to an outcome.
const MaxSuggestions = 5

// Decide converts a matcher result into a mapping outcome. It is a pure
// function of its arguments: identical (line, candidates, rowErr, thresholds)
// always yield identical outcomes.
func Decide(line LineInput, candidates []match.Candidate, rowErr error, th Thresholds) Outcome {
	if th.High <= 0 {
		th = DefaultThresholds
	}

	// A row-level processing error is recorded as a data issue regardless
	// of whatever confidence the matcher produced before failing.
	if rowErr != nil {
		return Outcome{
			Decision:    DecisionUnmapped,
			Issue:       fmt.Sprintf("row %d: %v", line.LineNumber, rowErr),
			Suggestions: projectCandidates(candidates),
		}
	}

	suggestions := projectCandidates(candidates)
	if len(suggestions) == 0 {
		return Outcome{Decision: DecisionUnmapped}
	}

	top := suggestions[0]
	switch {
	case top.Confidence >= th.High:
		chosen := top
		return Outcome{
			Decision:   DecisionMapped,
			Chosen:     &chosen,
			Confidence: top.Confidence,
		}
	case top.Confidence >= th.Low:
		return Outcome{
			Decision:    DecisionNeedsReview,
			Confidence:  top.Confidence,
			Suggestions: suggestions,
		}
	default:
		return Outcome{
			Decision:    DecisionUnmapped,
			Confidence:  top.Confidence,
			Suggestions: suggestions,
		}
	}
}

// ExceptionFor builds the exception an outcome calls for, or nil when the
// line mapped cleanly.
func ExceptionFor(boqID, itemID uuid.UUID, line LineInput, outcome Outcome) *Exception {
	switch {
	case outcome.Issue != "":
		return &Exception{
			BOQID:           boqID,
			ItemID:          itemID,
			LineNumber:      line.LineNumber,
			Type:            ExceptionDataIssue,
			Severity:        SeverityMedium,
			Issue:           outcome.Issue,
			SuggestedAction: "Inspect the source row and re-import or map manually",
			Suggestions:     outcome.Suggestions,
			Status:          ExceptionOpen,
		}
	case outcome.Decision == DecisionNeedsReview:
		return &Exception{
			BOQID:           boqID,
			ItemID:          itemID,
			LineNumber:      line.LineNumber,
			Type:            ExceptionMultipleMatches,
			Severity:        SeverityMedium,
			Issue:           fmt.Sprintf("line %d %q matched with medium confidence (%d)", line.LineNumber, line.Description, outcome.Confidence),
			SuggestedAction: "Pick one of the suggested catalog items",
			Suggestions:     outcome.Suggestions,
			Status:          ExceptionOpen,
		}
	case outcome.Decision == DecisionUnmapped:
		return &Exception{
			BOQID:           boqID,
			ItemID:          itemID,
			LineNumber:      line.LineNumber,
			Type:            ExceptionNoMatch,
			Severity:        SeverityHigh,
			Issue:           fmt.Sprintf("line %d %q matched no catalog item above the low threshold", line.LineNumber, line.Description),
			SuggestedAction: "Map manually or add the item to the catalog",
			Suggestions:     outcome.Suggestions,
			Status:          ExceptionOpen,
		}
	default:
		return nil
	}
}

// projectCandidates converts matcher candidates to stored projections,
// truncating confidence and capping length. Input order is preserved
// (the matcher already sorts deterministically).
func projectCandidates(candidates []match.Candidate) []Candidate {
	if len(candidates) == 0 {
		return nil
	}
	n := len(candidates)
	if n > MaxSuggestions {
		n = MaxSuggestions
	}
	out := make([]Candidate, n)
	for i := 0; i < n; i++ {
		c := candidates[i]
		out[i] = Candidate{
			CatalogItemID: c.Item.ID,
			Code:          c.Item.Code,
			Description:   c.Item.Description,
			UOM:           c.Item.UOM,
			Confidence:    int(c.Confidence),
			MatchType:     string(c.Type),
		}
	}
	return out
}
