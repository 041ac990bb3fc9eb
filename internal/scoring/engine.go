package scoring

import (
	"errors"
	"fmt"
	"math"

	"github.com/mbd888/tollguard/internal/model"
	"github.com/mbd888/tollguard/internal/record"
)

// Engine scores records with a loaded classifier. It is safe for concurrent
// use and never touches the alert store.
type Engine struct {
	clf    model.Classifier
	schema record.Schema
	kind   string
}

// NewEngine builds an engine from a loaded artifact. The artifact's feature
// list becomes the engine's schema.
func NewEngine(a *model.Artifact) (*Engine, error) {
	if a == nil || a.Classifier == nil {
		return nil, fmt.Errorf("%w: no artifact", ErrScoringUnavailable)
	}
	schema, err := record.NewSchema(a.Features)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScoringUnavailable, err)
	}
	return &Engine{clf: a.Classifier, schema: schema, kind: a.Kind}, nil
}

// Load reads the artifact at path. When pinned is non-empty the artifact's
// features must match it exactly, order included.
func Load(path string, pinned []string) (*Engine, error) {
	a, err := model.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScoringUnavailable, err)
	}
	e, err := NewEngine(a)
	if err != nil {
		return nil, err
	}
	if len(pinned) > 0 {
		want, err := record.NewSchema(pinned)
		if err != nil {
			return nil, fmt.Errorf("%w: configured schema: %v", ErrScoringUnavailable, err)
		}
		if !want.Equal(e.schema) {
			return nil, fmt.Errorf("%w: artifact features [%s] do not match configured [%s]",
				ErrScoringUnavailable, e.schema, want)
		}
	}
	return e, nil
}

// Schema returns the ordered features the classifier consumes.
func (e *Engine) Schema() record.Schema { return e.schema }

// Kind returns the artifact kind.
func (e *Engine) Kind() string { return e.kind }

// Score projects rec onto the schema and returns the classifier's fraud
// probability.
func (e *Engine) Score(rec *record.Record) (float64, error) {
	vec, err := e.schema.Project(rec)
	if err != nil {
		var pe *record.ProjectionError
		if errors.As(err, &pe) {
			return 0, fmt.Errorf("%w: missing %v", ErrFeatureMismatch, pe.Missing)
		}
		return 0, fmt.Errorf("%w: %v", ErrFeatureMismatch, err)
	}
	p, err := e.clf.ProbabilityOfFraud(vec)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFeatureMismatch, err)
	}
	if math.IsNaN(p) || p < 0 || p > 1 {
		return 0, fmt.Errorf("%w: got %v", ErrInvalidScore, p)
	}
	return p, nil
}
