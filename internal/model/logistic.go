package model

import (
	"fmt"
	"math"
)

type logisticParams struct {
	Intercept    float64   `json:"intercept"`
	Coefficients []float64 `json:"coefficients"`
}

// Logistic is a fitted logistic-regression classifier.
type Logistic struct {
	intercept float64
	coef      []float64
}

func newLogistic(p logisticParams, numFeatures int) (*Logistic, error) {
	if len(p.Coefficients) != numFeatures {
		return nil, fmt.Errorf("%w: %d coefficients for %d features", ErrInvalidArtifact, len(p.Coefficients), numFeatures)
	}
	for i, c := range append([]float64{p.Intercept}, p.Coefficients...) {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return nil, fmt.Errorf("%w: parameter %d is not finite", ErrInvalidArtifact, i)
		}
	}
	return &Logistic{intercept: p.Intercept, coef: append([]float64(nil), p.Coefficients...)}, nil
}

// ProbabilityOfFraud implements Classifier.
func (l *Logistic) ProbabilityOfFraud(features []float64) (float64, error) {
	if err := checkVector(features, len(l.coef)); err != nil {
		return 0, err
	}
	z := l.intercept
	for i, c := range l.coef {
		z += c * features[i]
	}
	return sigmoid(z), nil
}

// sigmoid is split by sign so large |z| saturates to 0 or 1 without
// overflowing exp.
func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}
