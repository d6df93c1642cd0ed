package scoring

import (
	"testing"
	"time"

	"github.com/ashureev/queryarena/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func canonicalDocs(n int) []domain.Document {
	out := make([]domain.Document, n)
	for i := range out {
		out[i] = domain.Document{"_id": i, "name": "row", "rank": i * 10}
	}
	return out
}

func TestEvaluate_Scenarios(t *testing.T) {
	ten := canonicalDocs(10)

	tests := []struct {
		name      string
		submitted []domain.Document
		canonical []domain.Document
		max       int
		want      Score
	}{
		{
			name: "exact match with shuffled keys",
			submitted: []domain.Document{
				{"rank": 0, "_id": 0, "name": "row"},
				{"name": "row", "rank": 10, "_id": 1},
				{"_id": 2, "rank": 20, "name": "row"},
			},
			canonical: canonicalDocs(3),
			max:       15,
			want: Score{Correctness: 10, Performance: 4, Total: 15, IsCorrect: true,
				OverlapRatio: 1, Outcome: OutcomePerfect, Feedback: FeedbackPerfect},
		},
		{
			name:      "thirty percent overlap",
			submitted: ten[:3],
			canonical: ten,
			max:       15,
			want: Score{Correctness: 3, Performance: 0, Total: 3,
				OverlapRatio: 0.3, Outcome: OutcomePartial, Feedback: "Partial match: 30% correct"},
		},
		{
			name:      "sixty percent overlap",
			submitted: ten[:6],
			canonical: ten,
			max:       15,
			want: Score{Correctness: 6, Performance: 2, Total: 8,
				OverlapRatio: 0.6, Outcome: OutcomePartial, Feedback: "Partial match: 60% correct"},
		},
		{
			name:      "below partial threshold",
			submitted: ten[:1],
			canonical: ten,
			max:       15,
			want: Score{OverlapRatio: 0.1, Outcome: OutcomeMismatch, Feedback: FeedbackMismatch},
		},
		{
			name:      "empty submission",
			submitted: nil,
			canonical: ten,
			max:       15,
			want:      Score{Outcome: OutcomeNoResults, Feedback: FeedbackNoResults},
		},
		{
			name:      "empty canonical",
			submitted: ten[:2],
			canonical: nil,
			max:       15,
			want:      Score{Outcome: OutcomeNoCanonical, Feedback: FeedbackNoCanonical},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(Input{Submitted: tt.submitted, Canonical: tt.canonical, MaxPoints: tt.max})
			require.NoError(t, err)
			assert.Equal(t, tt.want.Correctness, got.Correctness)
			assert.Equal(t, tt.want.Performance, got.Performance)
			assert.Equal(t, tt.want.Total, got.Total)
			assert.Equal(t, tt.want.IsCorrect, got.IsCorrect)
			assert.InDelta(t, tt.want.OverlapRatio, got.OverlapRatio, 1e-9)
			assert.Equal(t, tt.want.Outcome, got.Outcome)
			assert.Equal(t, tt.want.Feedback, got.Feedback)
		})
	}
}

func TestEvaluate_ExactMatchFifteenPoints(t *testing.T) {
	// 15 * 0.7 floors to 10 and 15 * 0.3 floors to 4; the total is still 15.
	got, err := Evaluate(Input{Submitted: canonicalDocs(3), Canonical: canonicalDocs(3), MaxPoints: 15})
	require.NoError(t, err)
	assert.Equal(t, 10, got.Correctness)
	assert.Equal(t, 4, got.Performance)
	assert.Equal(t, 15, got.Total)
	assert.True(t, got.IsCorrect)
}

func TestEvaluate_Idempotent(t *testing.T) {
	in := Input{
		Submitted:     canonicalDocs(6),
		Canonical:     canonicalDocs(10),
		MaxPoints:     20,
		ExecutionTime: 42 * time.Millisecond,
	}
	first, err := Evaluate(in)
	require.NoError(t, err)
	second, err := Evaluate(in)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEvaluate_ExecutionTimeDoesNotChangePoints(t *testing.T) {
	fast, err := Evaluate(Input{Submitted: canonicalDocs(6), Canonical: canonicalDocs(10), MaxPoints: 15, ExecutionTime: time.Millisecond})
	require.NoError(t, err)
	slow, err := Evaluate(Input{Submitted: canonicalDocs(6), Canonical: canonicalDocs(10), MaxPoints: 15, ExecutionTime: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, fast.Total, slow.Total)
}

func TestEvaluate_NegativeMaxPoints(t *testing.T) {
	_, err := Evaluate(Input{Submitted: canonicalDocs(1), Canonical: canonicalDocs(1), MaxPoints: -1})
	assert.ErrorIs(t, err, domain.ErrValidation)
}
