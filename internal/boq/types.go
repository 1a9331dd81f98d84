// Package boq holds the Bill of Quantities domain model: parsed line inputs,
// the persisted BOQ aggregate, mapping outcomes, and mapping exceptions,
// together with the threshold policy that decides between them.
package boq

import (
	"time"

	"github.com/google/uuid"
)

// LineInput is one parsed spreadsheet row. Instances exist only within a
// single import run; line numbers are ordinal and unique per import.
type LineInput struct {
	LineNumber  int
	ItemCode    string
	Description string // required, non-empty
	UOM         string
	Quantity    float64
	UnitPrice   *float64
	Category    string
	Phase       string
	Task        string
	Site        string

	// Raw is the unmodified source row, retained for audit.
	Raw []string
}

// MappingStatus is the mapping state of a persisted BOQ item.
// An item with an open exception is never "mapped".
type MappingStatus string

const (
	MappingPending     MappingStatus = "pending"
	MappingNeedsReview MappingStatus = "needs_review"
	MappingMapped      MappingStatus = "mapped"
)

// Candidate is the projection of a matcher candidate stored on items and
// exception suggestions. Confidence is truncated to an integer.
type Candidate struct {
	CatalogItemID uuid.UUID `json:"catalogItemId"`
	Code          string    `json:"code"`
	Description   string    `json:"description"`
	UOM           string    `json:"uom"`
	Confidence    int       `json:"confidence"`
	MatchType     string    `json:"matchType"`
}

// Decision is the outcome class for one line.
type Decision string

const (
	DecisionMapped      Decision = "mapped"
	DecisionNeedsReview Decision = "needs_review"
	DecisionUnmapped    Decision = "unmapped"
)

// Outcome is the mapping result for one line.
type Outcome struct {
	Decision    Decision
	Chosen      *Candidate  // set only when Decision is DecisionMapped
	Confidence  int         // top candidate confidence, 0 when no candidates
	Suggestions []Candidate // up to MaxSuggestions, for review
	Issue       string      // non-empty when a row-level processing error occurred
}

// ItemStatus maps the outcome to the persisted item's mapping status.
func (o Outcome) ItemStatus() MappingStatus {
	switch o.Decision {
	case DecisionMapped:
		return MappingMapped
	case DecisionNeedsReview:
		return MappingNeedsReview
	default:
		return MappingPending
	}
}

// Item is one persisted BOQ line carrying its mapping outcome.
type Item struct {
	ID            uuid.UUID
	BOQID         uuid.UUID
	LineNumber    int
	ItemCode      string
	Description   string
	UOM           string
	Quantity      float64
	UnitPrice     *float64
	Category      string
	Phase         string
	Task          string
	Site          string
	CatalogItemID *uuid.UUID
	Confidence    int
	MappingStatus MappingStatus
	MatchType     string
	Raw           []string
}

// BOQStatus is the lifecycle state of the BOQ header.
type BOQStatus string

const (
	BOQDraft  BOQStatus = "draft"
	BOQActive BOQStatus = "active"
)

// BOQMappingStatus summarizes how far mapping has progressed for a BOQ.
type BOQMappingStatus string

const (
	BOQMappingPending  BOQMappingStatus = "pending"
	BOQMappingPartial  BOQMappingStatus = "partial"
	BOQMappingComplete BOQMappingStatus = "complete"
)

// BOQ is the persisted header owning items and exceptions.
// Invariant: ItemCount == MappedItems + UnmappedItems.
type BOQ struct {
	ID             uuid.UUID
	Version        int
	Title          string
	Status         BOQStatus
	MappingStatus  BOQMappingStatus
	ItemCount      int
	MappedItems    int
	UnmappedItems  int
	ExceptionCount int
	UploadedBy     string
	FileName       string
	FileSize       int64
	CreatedAt      time.Time
}

// SetCounts records the item tallies and derives the mapping status.
// Unmapped counts items whose outcome is NeedsReview or Unmapped.
func (b *BOQ) SetCounts(mapped, unmapped, exceptions int) {
	b.MappedItems = mapped
	b.UnmappedItems = unmapped
	b.ItemCount = mapped + unmapped
	b.ExceptionCount = exceptions

	switch {
	case b.ItemCount == 0 || b.MappedItems == 0:
		b.MappingStatus = BOQMappingPending
	case b.UnmappedItems == 0:
		b.MappingStatus = BOQMappingComplete
	default:
		b.MappingStatus = BOQMappingPartial
	}
}

// ExceptionType classifies why a line needs human review.
type ExceptionType string

const (
	ExceptionNoMatch         ExceptionType = "no_match"
	ExceptionMultipleMatches ExceptionType = "multiple_matches"
	ExceptionDataIssue       ExceptionType = "data_issue"
)

// Severity grades an exception for triage.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ExceptionStatus is open until a resolution is applied; exceptions are
// never deleted.
type ExceptionStatus string

const (
	ExceptionOpen     ExceptionStatus = "open"
	ExceptionResolved ExceptionStatus = "resolved"
)

// ResolutionAction is the manual remedy applied to an exception.
type ResolutionAction string

const (
	ResolveManualMapping ResolutionAction = "manual_mapping"
	ResolveCatalogUpdate ResolutionAction = "catalog_update"
	ResolveItemSplit     ResolutionAction = "item_split"
	ResolveItemIgnore    ResolutionAction = "item_ignore"
)

// Resolution records how and by whom an exception was closed.
type Resolution struct {
	Action        ResolutionAction `json:"action"`
	CatalogItemID *uuid.UUID       `json:"catalogItemId,omitempty"`
	ResolverID    string           `json:"resolverId"`
	Notes         string           `json:"notes,omitempty"`
	ResolvedAt    time.Time        `json:"resolvedAt"`
}

// Exception is a flagged BOQ line awaiting manual review.
type Exception struct {
	ID              uuid.UUID
	BOQID           uuid.UUID
	ItemID          uuid.UUID // owning BOQ item
	LineNumber      int
	Type            ExceptionType
	Severity        Severity
	Issue           string
	SuggestedAction string
	Suggestions     []Candidate
	Status          ExceptionStatus
	Resolution      *Resolution
	CreatedAt       time.Time
}
