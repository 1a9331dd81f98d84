// Package parser turns an uploaded spreadsheet file into structured BOQ line
// inputs. The import pipeline consumes the Parser contract; the CSV
// implementation in this package is the default adapter.
package parser

import (
	"context"
	"time"

	"github.com/procurion/boqflow/internal/boq"
)

// FileInput is the raw uploaded file.
type FileInput struct {
	Name string
	Size int64
	Data []byte
}

// Config controls how rows are extracted from the file.
type Config struct {
	// HeaderRow is the 1-based row containing column headers.
	// Zero means auto-detect within the first rows of the file.
	HeaderRow int

	// SkipRows is the number of data rows to skip after the header.
	SkipRows int

	// ColumnMapping maps canonical field names ("description", "quantity",
	// ...) to 0-based column indices. When empty, columns are resolved
	// from header names.
	ColumnMapping map[string]int

	// StrictValidation rejects rows with malformed numeric cells instead
	// of defaulting them to zero.
	StrictValidation bool
}

// RowError describes one source row that could not be parsed.
type RowError struct {
	LineNumber int // 1-based line in the source file
	Reason     string
	Raw        []string
}

// Metadata summarizes one parse run.
type Metadata struct {
	TotalRows     int
	ProcessedRows int
	ValidRows     int
	SkippedRows   int
	Duration      time.Duration
}

// Result is the parser output: valid line inputs plus per-row errors.
// A result may carry both items and errors; only a result with zero items
// and at least one error is treated as a failed parse by the caller.
type Result struct {
	Items    []boq.LineInput
	Errors   []RowError
	Metadata Metadata
}

// ProgressFunc receives monotonically increasing (processed, total) pairs.
type ProgressFunc func(processed, total int)

// Parser converts a file into BOQ line inputs.
type Parser interface {
	Parse(ctx context.Context, file FileInput, cfg Config, onProgress ProgressFunc) (*Result, error)
}
