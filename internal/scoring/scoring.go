// Package scoring turns validated records into fraud probabilities and
// applies the alert threshold.
//
// Scores range from 0.0 (legitimate) to 1.0 (fraud). A record whose score is
// at or above the configured threshold is an ALERT.
package scoring

import "errors"

// Verdict is the threshold decision for one scored record.
type Verdict string

const (
	VerdictAlert Verdict = "alert"
	VerdictClear Verdict = "clear"
)

var (
	ErrScoringUnavailable = errors.New("scoring: classifier unavailable")
	ErrFeatureMismatch    = errors.New("scoring: record does not satisfy the classifier's feature schema")
	ErrInvalidScore       = errors.New("scoring: classifier returned a score outside [0,1]")
	ErrInvalidThreshold   = errors.New("scoring: threshold must be within [0,1]")
)

// Decide returns VerdictAlert iff score >= threshold. The boundary is
// inclusive.
func Decide(score, threshold float64) Verdict {
	if score >= threshold {
		return VerdictAlert
	}
	return VerdictClear
}

// IsAlert reports whether v is VerdictAlert.
func (v Verdict) IsAlert() bool { return v == VerdictAlert }

// CheckThreshold validates a configured threshold.
func CheckThreshold(threshold float64) error {
	if !(threshold >= 0 && threshold <= 1) {
		return ErrInvalidThreshold
	}
	return nil
}
