package record

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSchema is returned for schemas that are empty, repeat a feature,
// or name something that is not a record feature.
var ErrInvalidSchema = errors.New("record: invalid feature schema")

// TrainingOrder is the feature order the reference classifier was trained
// with.
var TrainingOrder = []string{
	FeatureTimeSinceLastTx,
	FeatureTxCount1h,
	FeatureAmount,
	FeatureUniquePlazas7d,
	FeatureMismatchedOCR,
	FeatureVelocityKmph,
}

// Schema is the ordered set of features a classifier consumes. The zero
// value is an empty schema and rejects nothing; use NewSchema.
type Schema struct {
	features []Feature
}

// NewSchema builds a schema from feature names in the classifier's order.
func NewSchema(names []string) (Schema, error) {
	if len(names) == 0 {
		return Schema{}, fmt.Errorf("%w: no features", ErrInvalidSchema)
	}
	seen := make(map[string]bool, len(names))
	features := make([]Feature, 0, len(names))
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		i := catalogIndex(name)
		if i < 0 {
			return Schema{}, fmt.Errorf("%w: unknown feature %q", ErrInvalidSchema, name)
		}
		if seen[name] {
			return Schema{}, fmt.Errorf("%w: duplicate feature %q", ErrInvalidSchema, name)
		}
		seen[name] = true
		features = append(features, catalog[i])
	}
	return Schema{features: features}, nil
}

// MustSchema is NewSchema for static feature lists; it panics on error.
func MustSchema(names ...string) Schema {
	s, err := NewSchema(names)
	if err != nil {
		panic(err)
	}
	return s
}

// Features returns the schema's features in order.
func (s Schema) Features() []Feature {
	out := make([]Feature, len(s.features))
	copy(out, s.features)
	return out
}

// Names returns the feature names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s.features))
	for i, f := range s.features {
		names[i] = f.Name
	}
	return names
}

// Len returns the number of features.
func (s Schema) Len() int { return len(s.features) }

// Contains reports whether name is one of the schema's features.
func (s Schema) Contains(name string) bool {
	for _, f := range s.features {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Equal reports whether both schemas name the same features in the same order.
func (s Schema) Equal(other Schema) bool {
	if len(s.features) != len(other.features) {
		return false
	}
	for i := range s.features {
		if s.features[i].Name != other.features[i].Name {
			return false
		}
	}
	return true
}

// MissingColumns returns the schema features absent from columns, in schema
// order. Column names are compared after trimming whitespace.
func (s Schema) MissingColumns(columns []string) []string {
	have := make(map[string]bool, len(columns))
	for _, c := range columns {
		have[strings.TrimSpace(c)] = true
	}
	var missing []string
	for _, f := range s.features {
		if !have[f.Name] {
			missing = append(missing, f.Name)
		}
	}
	return missing
}

// Project returns the record's feature vector in schema order.
func (s Schema) Project(r *Record) ([]float64, error) {
	vec := make([]float64, len(s.features))
	var missing []string
	for i, f := range s.features {
		v, ok := r.Value(f.Name)
		if !ok {
			missing = append(missing, f.Name)
			continue
		}
		vec[i] = v
	}
	if len(missing) > 0 {
		return nil, &ProjectionError{Missing: missing}
	}
	return vec, nil
}

func (s Schema) String() string {
	return strings.Join(s.Names(), ",")
}
