package bulk

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = "transaction_id,amount,mismatched_ocr\nTX1,50,1\nTX2,120.5,0\n"

func TestReadCSV(t *testing.T) {
	tbl, err := ReadCSV(strings.NewReader(sampleCSV), 0)
	require.NoError(t, err)

	assert.Equal(t, FormatCSV, tbl.Format)
	assert.Equal(t, []string{"transaction_id", "amount", "mismatched_ocr"}, tbl.Columns)
	require.Equal(t, 2, tbl.Len())
	assert.Equal(t, "TX1", tbl.Rows[0]["transaction_id"])
	assert.Equal(t, "120.5", tbl.Rows[1]["amount"])
	assert.Equal(t, Checksum([]byte(sampleCSV)), tbl.Checksum)
}

func TestReadCSV_HeaderCleanup(t *testing.T) {
	tbl, err := ReadCSV(strings.NewReader("\ufeff amount , tx_count_1h\n1,2\n"), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"amount", "tx_count_1h"}, tbl.Columns)
}

func TestReadCSV_ShortRowLeavesCellsAbsent(t *testing.T) {
	tbl, err := ReadCSV(strings.NewReader("a,b,c\n1,2\n"), 0)
	require.NoError(t, err)
	_, ok := tbl.Rows[0]["c"]
	assert.False(t, ok)
}

func TestReadCSV_Errors(t *testing.T) {
	tests := map[string]struct {
		input   string
		maxRows int
		want    error
	}{
		"empty":        {"", 0, ErrEmptyTable},
		"duplicate":    {"a,a\n1,2\n", 0, ErrInvalidTable},
		"blank header": {"a,,c\n1,2,3\n", 0, ErrInvalidTable},
		"extra cells":  {"a,b\n1,2,3\n", 0, ErrInvalidTable},
		"bad quoting":  {"a,b\n\"1,2\n", 0, ErrInvalidTable},
		"too many":     {"a\n1\n2\n3\n", 2, ErrTooManyRows},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ReadCSV(strings.NewReader(tc.input), tc.maxRows)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestXLSX_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	header := []string{"transaction_id", "amount", "mismatched_ocr", "fraud_score"}
	rows := [][]any{
		{"TX1", 50.0, int64(1), 0.9},
		{"TX2", 120.25, int64(0), nil},
	}
	require.NoError(t, WriteXLSX(&buf, "flagged", header, rows))

	raw := buf.Bytes()
	tbl, err := ReadXLSX(bytes.NewReader(raw), 0)
	require.NoError(t, err)

	assert.Equal(t, FormatXLSX, tbl.Format)
	assert.Equal(t, header, tbl.Columns)
	require.Equal(t, 2, tbl.Len())
	assert.Equal(t, "TX1", tbl.Rows[0]["transaction_id"])
	assert.Equal(t, "50", tbl.Rows[0]["amount"])
	assert.Equal(t, "120.25", tbl.Rows[1]["amount"])
	assert.Equal(t, "0.9", tbl.Rows[0]["fraud_score"])
	assert.Equal(t, Checksum(raw), tbl.Checksum)

	_, err = ReadXLSX(bytes.NewReader(raw), 1)
	assert.ErrorIs(t, err, ErrTooManyRows)
}

func TestReadXLSX_NotAWorkbook(t *testing.T) {
	_, err := ReadXLSX(strings.NewReader(sampleCSV), 0)
	assert.ErrorIs(t, err, ErrInvalidTable)
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	err := WriteCSV(&buf, []string{"transaction_id", "fraud_score", "flag"}, [][]any{
		{"TX1", 0.95, true},
		{"TX, quoted", nil, int64(0)},
	})
	require.NoError(t, err)
	assert.Equal(t, "transaction_id,fraud_score,flag\nTX1,0.95,1\n\"TX, quoted\",,0\n", buf.String())

	err = WriteCSV(&buf, []string{"a"}, [][]any{{"1", "2"}})
	assert.Error(t, err)
}

func TestRead_Dispatch(t *testing.T) {
	assert.Equal(t, FormatXLSX, FormatFromName("batch.XLSX"))
	assert.Equal(t, FormatCSV, FormatFromName("batch.csv"))
	assert.Equal(t, FormatCSV, FormatFromName("batch"))
	assert.Equal(t, FormatJSON, FormatFromName("rows.json"))

	_, err := Read(strings.NewReader(sampleCSV), FormatCSV, 0)
	assert.NoError(t, err)
	_, err = Read(strings.NewReader("{}"), FormatJSON, 0)
	assert.ErrorIs(t, err, ErrFormat)
}

func TestFromRows(t *testing.T) {
	rows := []map[string]any{
		{"amount": 1.0, "tag_id": "T1"},
		{"amount": 2.0, "velocity_kmph": 3.0},
	}
	tbl, err := FromRows(rows, "abc", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"amount", "tag_id", "velocity_kmph"}, tbl.Columns)
	assert.Equal(t, "abc", tbl.Checksum)

	_, err = FromRows(rows, "", 1)
	assert.ErrorIs(t, err, ErrTooManyRows)
}

func TestChecksum_Stable(t *testing.T) {
	a := Checksum([]byte("hello"))
	assert.Len(t, a, 16)
	assert.Equal(t, a, Checksum([]byte("hello")))
	assert.NotEqual(t, a, Checksum([]byte("hello!")))
}
