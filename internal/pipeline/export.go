package pipeline

import (
	"io"

	"github.com/mbd888/tollguard/internal/bulk"
)

// Export views.
const (
	ViewScored  = "scored"
	ViewFlagged = "flagged"
)

// Result columns appended to the input columns in exports.
var resultColumns = []string{"fraud_score", "verdict", "alert_id", "error"}

// Table renders a view as a header and rows of cells. The scored view keeps
// every row in input order; the flagged view has only ALERT rows, highest
// score first. Input columns that share a name with a result column are
// replaced by the result.
func (b *BatchResult) Table(view string) ([]string, [][]any) {
	rows := b.Rows
	if view == ViewFlagged {
		rows = b.Flagged
	}

	reserved := make(map[string]bool, len(resultColumns))
	for _, c := range resultColumns {
		reserved[c] = true
	}
	var input []string
	for _, c := range b.Columns {
		if !reserved[c] {
			input = append(input, c)
		}
	}
	header := append(append([]string(nil), input...), resultColumns...)

	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		cells := make([]any, 0, len(header))
		for _, c := range input {
			v, _ := r.Raw(c)
			cells = append(cells, v)
		}
		var score, verdict, alertID any
		if r.Scored() {
			score = r.FraudScore
			verdict = string(r.Verdict)
		}
		if r.AlertRecorded {
			alertID = r.AlertID
		}
		cells = append(cells, score, verdict, alertID, r.errorText())
		out = append(out, cells)
	}
	return header, out
}

// WriteCSV writes a view as CSV.
func (b *BatchResult) WriteCSV(w io.Writer, view string) error {
	header, rows := b.Table(view)
	return bulk.WriteCSV(w, header, rows)
}

// WriteXLSX writes a view as a single-sheet workbook.
func (b *BatchResult) WriteXLSX(w io.Writer, view string) error {
	header, rows := b.Table(view)
	return bulk.WriteXLSX(w, view, header, rows)
}
