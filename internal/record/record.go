// Package record defines the toll-gate transaction record, the ordered
// feature schema a classifier consumes, and validation of untrusted input
// against that schema.
//
// A raw record (decoded JSON body or one row of an uploaded table) becomes a
// Record only if every schema feature is present and coerces to its declared
// kind. Nothing is ever defaulted.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mbd888/tollguard/internal/validation"
)

// Kind is the semantic type of a feature.
type Kind int

const (
	KindReal    Kind = iota // non-negative real
	KindInteger             // non-negative integer
	KindFlag                // boolean encoded 0/1
)

func (k Kind) String() string {
	switch k {
	case KindReal:
		return "real"
	case KindInteger:
		return "integer"
	case KindFlag:
		return "flag"
	default:
		return "unknown"
	}
}

// Feature names a record attribute a classifier can consume.
type Feature struct {
	Name string
	Kind Kind
}

// Feature attribute names.
const (
	FeatureAmount          = "amount"
	FeatureTimeSinceLastTx = "time_since_last_tx"
	FeatureTxCount1h       = "tx_count_1h"
	FeatureUniquePlazas7d  = "unique_plazas_7d"
	FeatureMismatchedOCR   = "mismatched_ocr"
	FeatureVelocityKmph    = "velocity_kmph"
)

// Identity attribute names. These are carried through to alerts but are
// never part of a feature schema.
const (
	FieldTransactionID = "transaction_id"
	FieldTagID         = "tag_id"
	FieldTimestamp     = "timestamp"
)

// catalog lists every feature attribute of a Record. The index of a feature
// in this slice is its bit in Record.present.
var catalog = []Feature{
	{Name: FeatureAmount, Kind: KindReal},
	{Name: FeatureTimeSinceLastTx, Kind: KindInteger},
	{Name: FeatureTxCount1h, Kind: KindInteger},
	{Name: FeatureUniquePlazas7d, Kind: KindInteger},
	{Name: FeatureMismatchedOCR, Kind: KindFlag},
	{Name: FeatureVelocityKmph, Kind: KindReal},
}

var identityFields = []string{FieldTransactionID, FieldTagID, FieldTimestamp}

// Catalog returns a copy of the record's feature attributes.
func Catalog() []Feature {
	out := make([]Feature, len(catalog))
	copy(out, catalog)
	return out
}

func catalogIndex(name string) int {
	for i, f := range catalog {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Record is one validated toll-gate event. It is immutable once returned by
// Validate.
type Record struct {
	TransactionID   string
	TagID           string
	Timestamp       string
	Amount          float64
	TimeSinceLastTx int64
	TxCount1h       int64
	UniquePlazas7d  int64
	MismatchedOCR   bool
	VelocityKmph    float64

	present uint8 // bit i set when catalog[i] was validated
}

// Has reports whether the named feature was validated onto the record.
func (r *Record) Has(name string) bool {
	i := catalogIndex(name)
	return i >= 0 && r.present&(1<<uint(i)) != 0
}

// Value returns the named feature as a float64 for classifier input.
func (r *Record) Value(name string) (float64, bool) {
	if !r.Has(name) {
		return 0, false
	}
	switch name {
	case FeatureAmount:
		return r.Amount, true
	case FeatureTimeSinceLastTx:
		return float64(r.TimeSinceLastTx), true
	case FeatureTxCount1h:
		return float64(r.TxCount1h), true
	case FeatureUniquePlazas7d:
		return float64(r.UniquePlazas7d), true
	case FeatureMismatchedOCR:
		if r.MismatchedOCR {
			return 1, true
		}
		return 0, true
	case FeatureVelocityKmph:
		return r.VelocityKmph, true
	}
	return 0, false
}

func (r *Record) set(i int, v float64) {
	switch catalog[i].Name {
	case FeatureAmount:
		r.Amount = v
	case FeatureTimeSinceLastTx:
		r.TimeSinceLastTx = int64(v)
	case FeatureTxCount1h:
		r.TxCount1h = int64(v)
	case FeatureUniquePlazas7d:
		r.UniquePlazas7d = int64(v)
	case FeatureMismatchedOCR:
		r.MismatchedOCR = v == 1
	case FeatureVelocityKmph:
		r.VelocityKmph = v
	}
	r.present |= 1 << uint(i)
}

// recordJSON fixes the serialized key order: identity first, then features
// in catalog order. Absent features are omitted.
type recordJSON struct {
	TransactionID   string   `json:"transaction_id,omitempty"`
	TagID           string   `json:"tag_id,omitempty"`
	Timestamp       string   `json:"timestamp,omitempty"`
	Amount          *float64 `json:"amount,omitempty"`
	TimeSinceLastTx *int64   `json:"time_since_last_tx,omitempty"`
	TxCount1h       *int64   `json:"tx_count_1h,omitempty"`
	UniquePlazas7d  *int64   `json:"unique_plazas_7d,omitempty"`
	MismatchedOCR   *int     `json:"mismatched_ocr,omitempty"`
	VelocityKmph    *float64 `json:"velocity_kmph,omitempty"`
	FraudScore      *float64 `json:"fraud_score,omitempty"`
}

func (r *Record) toJSON() recordJSON {
	out := recordJSON{
		TransactionID: r.TransactionID,
		TagID:         r.TagID,
		Timestamp:     r.Timestamp,
	}
	if r.Has(FeatureAmount) {
		v := r.Amount
		out.Amount = &v
	}
	if r.Has(FeatureTimeSinceLastTx) {
		v := r.TimeSinceLastTx
		out.TimeSinceLastTx = &v
	}
	if r.Has(FeatureTxCount1h) {
		v := r.TxCount1h
		out.TxCount1h = &v
	}
	if r.Has(FeatureUniquePlazas7d) {
		v := r.UniquePlazas7d
		out.UniquePlazas7d = &v
	}
	if r.Has(FeatureMismatchedOCR) {
		v := 0
		if r.MismatchedOCR {
			v = 1
		}
		out.MismatchedOCR = &v
	}
	if r.Has(FeatureVelocityKmph) {
		v := r.VelocityKmph
		out.VelocityKmph = &v
	}
	return out
}

// MarshalJSON encodes the record with snake_case keys.
func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.toJSON())
}

// Payload serializes the record together with its fraud score, the shape
// persisted on an alert.
func (r *Record) Payload(score float64) (json.RawMessage, error) {
	out := r.toJSON()
	out.FraudScore = &score
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("record: marshal payload: %w", err)
	}
	return data, nil
}

// ErrSchemaViolation matches every *SchemaViolation via errors.Is.
var ErrSchemaViolation = errors.New("record: schema violation")

// SchemaViolation lists the missing or malformed fields of a rejected record.
type SchemaViolation struct {
	Errors validation.FieldErrors
}

func (v *SchemaViolation) Error() string {
	return "record: schema violation: " + v.Errors.Error()
}

// Is lets errors.Is(err, ErrSchemaViolation) match.
func (v *SchemaViolation) Is(target error) bool {
	return target == ErrSchemaViolation
}

// Fields returns the offending field names.
func (v *SchemaViolation) Fields() []string {
	return v.Errors.Fields()
}

// ProjectionError reports schema features a record does not carry.
type ProjectionError struct {
	Missing []string
}

func (e *ProjectionError) Error() string {
	return "record: cannot project onto schema, missing " + strings.Join(e.Missing, ", ")
}
