package bulk

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
)

// ReadCSV parses a comma-separated table with a header row.
func ReadCSV(r io.Reader, maxRows int) (*Table, error) {
	hr := newHashing(r)
	cr := csv.NewReader(hr)
	cr.FieldsPerRecord = -1

	first, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyTable
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTable, err)
	}
	cols, err := header(first)
	if err != nil {
		return nil, err
	}

	t := &Table{Format: FormatCSV, Columns: cols}
	for {
		cells, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTable, err)
		}
		if maxRows > 0 && len(t.Rows) >= maxRows {
			return nil, fmt.Errorf("%w: limit %d", ErrTooManyRows, maxRows)
		}
		line, _ := cr.FieldPos(0)
		row, err := rowMap(cols, cells, line)
		if err != nil {
			return nil, err
		}
		t.Rows = append(t.Rows, row)
	}

	if t.Checksum, err = hr.sum(); err != nil {
		return nil, err
	}
	return t, nil
}

// WriteCSV writes header and rows. Cells are formatted with FormatCell.
func WriteCSV(w io.Writer, header []string, rows [][]any) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	rec := make([]string, len(header))
	for _, row := range rows {
		if len(row) != len(header) {
			return fmt.Errorf("bulk: export row has %d cells for %d columns", len(row), len(header))
		}
		for i, v := range row {
			rec[i] = FormatCell(v)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
