package parser

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/procurion/boqflow/internal/boq"
)

// MaxHeaderSearchRows is the maximum number of rows scanned when
// auto-detecting the header.
var MaxHeaderSearchRows = 20

// contextCheckInterval is how often the row loop checks for cancellation.
const contextCheckInterval = 100

// Canonical field names used in Config.ColumnMapping and header resolution.
const (
	FieldItemCode    = "item_code"
	FieldDescription = "description"
	FieldUOM         = "uom"
	FieldQuantity    = "quantity"
	FieldUnitPrice   = "unit_price"
	FieldCategory    = "category"
	FieldPhase       = "phase"
	FieldTask        = "task"
	FieldSite        = "site"
)

// headerSynonyms maps cleaned header cells to canonical field names.
var headerSynonyms = map[string]string{
	"item code":   FieldItemCode,
	"item_code":   FieldItemCode,
	"code":        FieldItemCode,
	"item no":     FieldItemCode,
	"item number": FieldItemCode,
	"description": FieldDescription,
	"desc":        FieldDescription,
	"item":        FieldDescription,
	"uom":         FieldUOM,
	"unit":        FieldUOM,
	"units":       FieldUOM,
	"quantity":    FieldQuantity,
	"qty":         FieldQuantity,
	"unit price":  FieldUnitPrice,
	"unit_price":  FieldUnitPrice,
	"rate":        FieldUnitPrice,
	"price":       FieldUnitPrice,
	"category":    FieldCategory,
	"phase":       FieldPhase,
	"task":        FieldTask,
	"site":        FieldSite,
	"location":    FieldSite,
}

// CSVParser implements Parser for comma-separated files.
type CSVParser struct{}

// NewCSVParser creates the default CSV adapter.
func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

// Parse reads the file and produces line inputs. Single-row problems become
// RowErrors; only an unreadable file fails the whole parse.
func (p *CSVParser) Parse(ctx context.Context, file FileInput, cfg Config, onProgress ProgressFunc) (*Result, error) {
	start := time.Now()

	records, err := readCSV(sanitizeUTF8(file.Data))
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}

	result := &Result{}
	result.Metadata.TotalRows = len(records)

	if len(records) == 0 {
		result.Metadata.Duration = time.Since(start)
		return result, nil
	}

	headerIdx, columns, err := resolveColumns(records, cfg)
	if err != nil {
		result.Errors = append(result.Errors, RowError{LineNumber: 1, Reason: err.Error()})
		result.Metadata.Duration = time.Since(start)
		return result, nil
	}

	dataStart := headerIdx + 1 + cfg.SkipRows
	if dataStart > len(records) {
		dataStart = len(records)
	}
	dataRows := records[dataStart:]
	total := len(dataRows)

	ordinal := 0
	for i, row := range dataRows {
		if i%contextCheckInterval == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}

		fileLine := dataStart + i + 1 // 1-based source line
		result.Metadata.ProcessedRows++

		if isEmptyRow(row) {
			result.Metadata.SkippedRows++
			continue
		}

		line, rowErr := buildLine(row, columns, cfg.StrictValidation)
		if rowErr != "" {
			result.Errors = append(result.Errors, RowError{
				LineNumber: fileLine,
				Reason:     rowErr,
				Raw:        row,
			})
			result.Metadata.SkippedRows++
		} else {
			ordinal++
			line.LineNumber = ordinal
			result.Items = append(result.Items, line)
			result.Metadata.ValidRows++
		}

		if onProgress != nil {
			onProgress(i+1, total)
		}
	}

	result.Metadata.Duration = time.Since(start)
	return result, nil
}

// resolveColumns returns the header row index and the canonical-field ->
// column-index mapping.
func resolveColumns(records [][]string, cfg Config) (int, map[string]int, error) {
	if len(cfg.ColumnMapping) > 0 {
		headerIdx := 0
		if cfg.HeaderRow > 0 {
			headerIdx = cfg.HeaderRow - 1
		}
		if _, ok := cfg.ColumnMapping[FieldDescription]; !ok {
			return 0, nil, fmt.Errorf("column mapping missing required field %q", FieldDescription)
		}
		return headerIdx, cfg.ColumnMapping, nil
	}

	if cfg.HeaderRow > 0 {
		idx := cfg.HeaderRow - 1
		if idx >= len(records) {
			return 0, nil, fmt.Errorf("header row %d beyond end of file (%d rows)", cfg.HeaderRow, len(records))
		}
		cols := mapHeader(records[idx])
		if _, ok := cols[FieldDescription]; !ok {
			return 0, nil, fmt.Errorf("header row %d has no description column", cfg.HeaderRow)
		}
		return idx, cols, nil
	}

	// Auto-detect: first row within the search window that yields a
	// description column.
	maxRows := MaxHeaderSearchRows
	if len(records) < maxRows {
		maxRows = len(records)
	}
	for i := 0; i < maxRows; i++ {
		cols := mapHeader(records[i])
		if _, ok := cols[FieldDescription]; ok {
			return i, cols, nil
		}
	}
	return 0, nil, fmt.Errorf("no header row with a description column found in first %d rows", maxRows)
}

// mapHeader resolves one header row to canonical field positions.
func mapHeader(header []string) map[string]int {
	cols := make(map[string]int)
	for i, cell := range header {
		key := strings.ToLower(cleanCell(cell))
		if field, ok := headerSynonyms[key]; ok {
			if _, taken := cols[field]; !taken {
				cols[field] = i
			}
		}
	}
	return cols
}

// buildLine converts one data row into a LineInput. The returned string is
// non-empty when the row is rejected.
func buildLine(row []string, columns map[string]int, strict bool) (boq.LineInput, string) {
	cell := func(field string) string {
		pos, ok := columns[field]
		if !ok || pos >= len(row) {
			return ""
		}
		return cleanCell(row[pos])
	}

	line := boq.LineInput{
		ItemCode:    cell(FieldItemCode),
		Description: cell(FieldDescription),
		UOM:         cell(FieldUOM),
		Category:    cell(FieldCategory),
		Phase:       cell(FieldPhase),
		Task:        cell(FieldTask),
		Site:        cell(FieldSite),
		Raw:         row,
	}

	if line.Description == "" {
		return boq.LineInput{}, "missing required description"
	}

	if raw := cell(FieldQuantity); raw != "" {
		qty, err := parseNumber(raw)
		if err != nil {
			if strict {
				return boq.LineInput{}, fmt.Sprintf("invalid quantity %q", raw)
			}
		} else {
			line.Quantity = qty
		}
	}

	if raw := cell(FieldUnitPrice); raw != "" {
		price, err := parseNumber(raw)
		if err != nil {
			if strict {
				return boq.LineInput{}, fmt.Sprintf("invalid unit price %q", raw)
			}
		} else {
			line.UnitPrice = &price
		}
	}

	return line, ""
}

// parseNumber accepts plain floats plus thousands separators.
func parseNumber(s string) (float64, error) {
	s = strings.ReplaceAll(s, ",", "")
	return strconv.ParseFloat(s, 64)
}

// readCSV parses the whole file leniently: ragged rows and stray quotes are
// tolerated, the row loop deals with the consequences.
func readCSV(data []byte) ([][]string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	return r.ReadAll()
}

// sanitizeUTF8 replaces invalid byte sequences with the replacement rune so
// downstream string handling never sees broken UTF-8.
func sanitizeUTF8(data []byte) []byte {
	if utf8.Valid(data) {
		return data
	}

	var buf bytes.Buffer
	buf.Grow(len(data))

	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size == 1 {
			buf.WriteRune('�')
			data = data[1:]
		} else {
			buf.WriteRune(r)
			data = data[size:]
		}
	}

	return buf.Bytes()
}

// cleanCell trims whitespace, Excel formula prefixes, and stray quoting.
func cleanCell(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	s = strings.Trim(s, `"'`)
	return strings.TrimSpace(s)
}

func isEmptyRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
