// Package model loads serialized fraud classifiers.
//
// The scoring pipeline treats a classifier as an opaque capability: given a
// feature vector in the artifact's feature order, return the probability of
// the positive ("fraud") class. Artifacts are JSON documents exported from
// the training notebook (see Artifact).
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// Format is the artifact format tag this package reads.
const Format = "tollguard.model/v1"

// Artifact kinds.
const (
	KindForest   = "forest"
	KindLogistic = "logistic"
)

// ErrInvalidArtifact is returned for artifacts that cannot be decoded or fail
// structural checks.
var ErrInvalidArtifact = errors.New("model: invalid artifact")

// Classifier returns the probability of fraud for one feature vector.
type Classifier interface {
	ProbabilityOfFraud(features []float64) (float64, error)
}

// Artifact is a loaded classifier together with the ordered feature names it
// was trained on.
type Artifact struct {
	Kind       string
	Features   []string
	Classifier Classifier
}

// artifactFile is the on-disk JSON layout.
type artifactFile struct {
	Format   string          `json:"format"`
	Kind     string          `json:"kind"`
	Features []string        `json:"features"`
	Forest   *forestFile     `json:"forest,omitempty"`
	Logistic *logisticParams `json:"logistic,omitempty"`
}

// Load reads an artifact from path.
func Load(path string) (*Artifact, error) {
	f, err := os.Open(path) // #nosec G304 -- path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("model: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	a, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("model: load %s: %w", path, err)
	}
	return a, nil
}

// Decode reads an artifact from r.
func Decode(r io.Reader) (*Artifact, error) {
	var af artifactFile
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&af); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}
	if af.Format != Format {
		return nil, fmt.Errorf("%w: format %q, want %q", ErrInvalidArtifact, af.Format, Format)
	}
	if len(af.Features) == 0 {
		return nil, fmt.Errorf("%w: no features", ErrInvalidArtifact)
	}

	var (
		clf Classifier
		err error
	)
	switch af.Kind {
	case KindForest:
		if af.Forest == nil {
			return nil, fmt.Errorf("%w: kind forest without forest section", ErrInvalidArtifact)
		}
		clf, err = newForest(af.Forest, len(af.Features))
	case KindLogistic:
		if af.Logistic == nil {
			return nil, fmt.Errorf("%w: kind logistic without logistic section", ErrInvalidArtifact)
		}
		clf, err = newLogistic(*af.Logistic, len(af.Features))
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidArtifact, af.Kind)
	}
	if err != nil {
		return nil, err
	}

	return &Artifact{
		Kind:       af.Kind,
		Features:   append([]string(nil), af.Features...),
		Classifier: clf,
	}, nil
}

func checkVector(features []float64, want int) error {
	if len(features) != want {
		return fmt.Errorf("model: got %d features, want %d", len(features), want)
	}
	for i, v := range features {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("model: feature %d is not finite", i)
		}
	}
	return nil
}

// Func adapts a plain function to Classifier.
type Func func(features []float64) (float64, error)

// ProbabilityOfFraud calls f.
func (f Func) ProbabilityOfFraud(features []float64) (float64, error) {
	return f(features)
}

// Constant is a Classifier that always returns the same probability.
type Constant float64

// ProbabilityOfFraud returns c.
func (c Constant) ProbabilityOfFraud([]float64) (float64, error) {
	return float64(c), nil
}
