// Package catalog provides the in-memory catalog index used as the matching
// target for BOQ line items. The index is a read-only snapshot of catalog
// items, replaced wholesale on refresh so concurrent readers never observe a
// partially updated catalog.
package catalog

import (
	"strings"

	"github.com/google/uuid"
)

// Status indicates whether a catalog item is available for matching.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Item is a canonical product/material definition.
// Items are immutable per snapshot; a refresh replaces the whole set.
type Item struct {
	ID          uuid.UUID
	Code        string
	Description string
	Category    string
	Subcategory string
	UOM         string
	Status      Status
	Keywords    []string
	Aliases     []string
}

// Indexed is an Item enriched with search-ready derived data, built once
// when a snapshot is constructed so matching never re-tokenizes the catalog.
type Indexed struct {
	Item

	// KeywordSet holds the item's keywords, lowercased, for overlap scoring.
	KeywordSet map[string]struct{}

	// AliasesLC holds the item's aliases lowercased for containment checks.
	AliasesLC []string

	// DescTokens holds the tokenized, lowercased description.
	DescTokens []string
}

// Tokenize splits s into lowercased alphanumeric tokens.
// Punctuation and repeated separators are discarded.
func Tokenize(s string) []string {
	var tokens []string
	var b strings.Builder

	flush := func() {
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}

	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()

	return tokens
}

// indexItem builds the derived search data for one item.
func indexItem(item Item) Indexed {
	kw := make(map[string]struct{}, len(item.Keywords))
	for _, k := range item.Keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			kw[k] = struct{}{}
		}
	}

	aliases := make([]string, 0, len(item.Aliases))
	for _, a := range item.Aliases {
		a = strings.ToLower(strings.TrimSpace(a))
		if a != "" {
			aliases = append(aliases, a)
		}
	}

	return Indexed{
		Item:       item,
		KeywordSet: kw,
		AliasesLC:  aliases,
		DescTokens: Tokenize(item.Description),
	}
}
