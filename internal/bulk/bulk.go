// Package bulk reads uploaded transaction tables (CSV, XLSX, JSON rows) and
// writes scored exports.
//
// A Table keeps cells as delivered: strings for CSV and XLSX, decoded JSON
// values for JSON rows. Type checking happens later, per row, in
// record.Validate.
package bulk

import (
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Formats.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
	FormatJSON = "json"
)

var (
	ErrEmptyTable   = errors.New("bulk: table has no header row")
	ErrInvalidTable = errors.New("bulk: malformed table")
	ErrTooManyRows  = errors.New("bulk: table exceeds the row limit")
	ErrFormat       = errors.New("bulk: unsupported format")
)

// Table is an uploaded batch.
type Table struct {
	Format   string
	Columns  []string         // header order
	Rows     []map[string]any // one raw record per data row
	Checksum string           // xxhash64 of the uploaded bytes, hex
}

// Len returns the number of data rows.
func (t *Table) Len() int { return len(t.Rows) }

// FormatFromName picks a format from a file name extension. Unknown
// extensions are treated as CSV.
func FormatFromName(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xlsm":
		return FormatXLSX
	case ".json":
		return FormatJSON
	default:
		return FormatCSV
	}
}

// Read parses r in the given format. maxRows <= 0 disables the row limit.
func Read(r io.Reader, format string, maxRows int) (*Table, error) {
	switch format {
	case FormatCSV, "":
		return ReadCSV(r, maxRows)
	case FormatXLSX:
		return ReadXLSX(r, maxRows)
	default:
		return nil, fmt.Errorf("%w: %q", ErrFormat, format)
	}
}

// FromRows builds a table from already-decoded records (a JSON body). The
// column set is the union of keys, sorted. checksum is the body's Checksum.
func FromRows(rows []map[string]any, checksum string, maxRows int) (*Table, error) {
	if maxRows > 0 && len(rows) > maxRows {
		return nil, fmt.Errorf("%w: %d rows, limit %d", ErrTooManyRows, len(rows), maxRows)
	}
	seen := make(map[string]bool)
	var cols []string
	for _, row := range rows {
		for k := range row {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)
	return &Table{Format: FormatJSON, Columns: cols, Rows: rows, Checksum: checksum}, nil
}

// Checksum returns the hex xxhash64 of b.
func Checksum(b []byte) string {
	digest := xxhash.New()
	_, _ = digest.Write(b)
	return hex.EncodeToString(digest.Sum(nil))
}

// hashing tees everything read from r into an xxhash digest.
type hashing struct {
	r io.Reader
	h hash.Hash64
}

func newHashing(r io.Reader) *hashing {
	h := xxhash.New()
	return &hashing{r: io.TeeReader(r, h), h: h}
}

func (h *hashing) Read(p []byte) (int, error) { return h.r.Read(p) }

// sum drains any unread input so the digest covers the whole upload.
func (h *hashing) sum() (string, error) {
	if _, err := io.Copy(io.Discard, h.r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.h.Sum(nil)), nil
}

// header cleans and checks a header row.
func header(cells []string) ([]string, error) {
	cols := make([]string, len(cells))
	seen := make(map[string]bool, len(cells))
	for i, c := range cells {
		c = strings.TrimSpace(strings.TrimPrefix(c, "\ufeff"))
		if c == "" {
			return nil, fmt.Errorf("%w: empty column name at position %d", ErrInvalidTable, i+1)
		}
		if seen[c] {
			return nil, fmt.Errorf("%w: duplicate column %q", ErrInvalidTable, c)
		}
		seen[c] = true
		cols[i] = c
	}
	return cols, nil
}

// rowMap pairs cells with columns. Short rows leave trailing columns absent.
func rowMap(cols, cells []string, line int) (map[string]any, error) {
	if len(cells) > len(cols) {
		return nil, fmt.Errorf("%w: row %d has %d cells for %d columns", ErrInvalidTable, line, len(cells), len(cols))
	}
	m := make(map[string]any, len(cells))
	for i, v := range cells {
		m[cols[i]] = v
	}
	return m, nil
}
