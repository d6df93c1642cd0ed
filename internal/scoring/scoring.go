// Package scoring turns a comparison of result sets into points.
package scoring

import (
	"fmt"
	"math"
	"time"

	"github.com/ashureev/queryarena/internal/compare"
	"github.com/ashureev/queryarena/internal/domain"
)

// Fixed policy weights.
const (
	CorrectnessWeight = 0.7
	PerformanceWeight = 0.3

	// PartialThreshold is the minimum overlap for any partial credit.
	PartialThreshold = 0.2
	// PerformanceThreshold is the minimum overlap for partial performance credit.
	PerformanceThreshold = 0.5
	// PartialPerformanceFactor halves performance credit on a partial match.
	PartialPerformanceFactor = 0.5
)

// Outcome classifies a score.
type Outcome string

const (
	OutcomeNoResults   Outcome = "no_results"
	OutcomeNoCanonical Outcome = "no_canonical"
	OutcomePerfect     Outcome = "perfect"
	OutcomePartial     Outcome = "partial"
	OutcomeMismatch    Outcome = "mismatch"
)

// Feedback messages shown to participants.
const (
	FeedbackNoResults   = "No results returned."
	FeedbackNoCanonical = "No canonical results to compare."
	FeedbackPerfect     = "Perfect match!"
	FeedbackMismatch    = "Results don't match expected output"
)

// Input is everything needed to score one submission.
type Input struct {
	Submitted     []domain.Document
	Canonical     []domain.Document
	MaxPoints     int
	ExecutionTime time.Duration
}

// Score is the authoritative result for one submission.
type Score struct {
	Correctness   int           `json:"correctness_score"`
	Performance   int           `json:"performance_score"`
	Total         int           `json:"total_score"`
	IsCorrect     bool          `json:"is_correct"`
	OverlapRatio  float64       `json:"overlap_ratio"`
	Outcome       Outcome       `json:"outcome"`
	Feedback      string        `json:"feedback"`
	ExecutionTime time.Duration `json:"-"`
}

// Evaluate scores a submission. It is pure: identical inputs give identical
// scores. An empty submission or empty canonical set scores zero without error;
// only malformed documents return an error.
func Evaluate(in Input) (Score, error) {
	if in.MaxPoints < 0 {
		return Score{}, fmt.Errorf("%w: max points must not be negative", domain.ErrValidation)
	}

	base := Score{ExecutionTime: in.ExecutionTime}
	if len(in.Submitted) == 0 {
		base.Outcome = OutcomeNoResults
		base.Feedback = FeedbackNoResults
		return base, nil
	}
	if len(in.Canonical) == 0 {
		base.Outcome = OutcomeNoCanonical
		base.Feedback = FeedbackNoCanonical
		return base, nil
	}

	cmp, err := compare.Compare(in.Submitted, in.Canonical)
	if err != nil {
		return Score{}, err
	}
	base.OverlapRatio = cmp.OverlapRatio
	points := float64(in.MaxPoints)

	if cmp.ExactMatch {
		base.Correctness = int(math.Floor(points * CorrectnessWeight))
		base.Performance = int(math.Floor(points * PerformanceWeight))
		// A perfect match earns the full budget even when the floored
		// components sum to less.
		base.Total = in.MaxPoints
		base.IsCorrect = true
		base.Outcome = OutcomePerfect
		base.Feedback = FeedbackPerfect
		return base, nil
	}

	if cmp.OverlapRatio < PartialThreshold {
		base.Outcome = OutcomeMismatch
		base.Feedback = FeedbackMismatch
		return base, nil
	}

	// TODO: scale performance credit by ExecutionTime once questions carry a
	// reference execution time; until then it is a step on overlap only.
	base.Correctness = int(math.Floor(points * CorrectnessWeight * cmp.OverlapRatio))
	if cmp.OverlapRatio >= PerformanceThreshold {
		base.Performance = int(math.Floor(points * PerformanceWeight * PartialPerformanceFactor))
	}
	base.Total = base.Correctness + base.Performance
	base.Outcome = OutcomePartial
	base.Feedback = fmt.Sprintf("Partial match: %d%% correct", int(math.Round(cmp.OverlapRatio*100)))
	return base, nil
}
