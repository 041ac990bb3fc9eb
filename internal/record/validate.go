package record

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/mbd888/tollguard/internal/validation"
)

// Validate turns a raw field map into a Record.
//
// Every schema feature must be present (nil values and blank strings count
// as absent) and coerce to its kind; all violations are collected into a
// single *SchemaViolation. Catalog features outside the schema are kept when
// well formed and otherwise ignored, as are unknown keys.
func Validate(raw map[string]any, schema Schema) (*Record, error) {
	rec := &Record{}
	var errs validation.FieldErrors

	for _, f := range schema.features {
		v, ok := raw[f.Name]
		if !ok || isBlank(v) {
			errs = append(errs, validation.Missing(f.Name))
			continue
		}
		n, msg := coerce(v, f.Kind)
		if msg != "" {
			errs = append(errs, validation.Malformed(f.Name, msg))
			continue
		}
		rec.set(catalogIndex(f.Name), n)
	}

	for i, f := range catalog {
		if schema.Contains(f.Name) {
			continue
		}
		v, ok := raw[f.Name]
		if !ok || isBlank(v) {
			continue
		}
		if n, msg := coerce(v, f.Kind); msg == "" {
			rec.set(i, n)
		}
	}

	for _, name := range identityFields {
		s, ok := identity(raw[name])
		if !ok {
			errs = append(errs, validation.Malformed(name, "must be a string"))
			continue
		}
		switch name {
		case FieldTransactionID:
			rec.TransactionID = s
		case FieldTagID:
			rec.TagID = s
		case FieldTimestamp:
			rec.Timestamp = s
		}
	}

	if len(errs) > 0 {
		return nil, &SchemaViolation{Errors: errs}
	}
	return rec, nil
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}

// int64Limit is 2^63, the first float64 that does not fit an int64.
const int64Limit = 1 << 63

// coerce converts v to the numeric form of kind. A non-empty message means
// the value is malformed.
func coerce(v any, kind Kind) (float64, string) {
	if s, ok := v.(string); ok && kind == KindFlag {
		// pandas writes booleans as True/False.
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true":
			v = true
		case "false":
			v = false
		}
	}
	if b, ok := v.(bool); ok {
		if kind == KindFlag {
			if b {
				return 1, ""
			}
			return 0, ""
		}
		return 0, kindMessage(kind)
	}

	n, ok := number(v)
	if !ok || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, kindMessage(kind)
	}

	switch kind {
	case KindReal:
		if n < 0 {
			return 0, kindMessage(kind)
		}
	case KindInteger:
		if n < 0 || n != math.Trunc(n) || n >= int64Limit {
			return 0, kindMessage(kind)
		}
	case KindFlag:
		if n != 0 && n != 1 {
			return 0, kindMessage(kind)
		}
	}
	return n, ""
}

func kindMessage(kind Kind) string {
	switch kind {
	case KindInteger:
		return "must be a non-negative integer"
	case KindFlag:
		return "must be 0, 1, true or false"
	default:
		return "must be a non-negative number"
	}
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

// identity stringifies an optional scalar identifier. Objects and arrays are
// rejected.
func identity(v any) (string, bool) {
	var s string
	switch t := v.(type) {
	case nil:
		return "", true
	case string:
		s = t
	case json.Number:
		s = t.String()
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		s = strconv.Itoa(t)
	case int64:
		s = strconv.FormatInt(t, 10)
	case bool:
		s = strconv.FormatBool(t)
	default:
		return "", false
	}
	return validation.SanitizeString(s, validation.MaxIdentifierLength), true
}
