package domain

import "time"

// Document is a single result-set row: field name to JSON-like value.
type Document map[string]any

// Round describes one timed phase of the competition.
type Round struct {
	Number        int           `json:"number"`
	Title         string        `json:"title"`
	Duration      time.Duration `json:"-"`
	DefaultPoints int           `json:"default_points"`
}

// DurationSeconds returns the round allotment in whole seconds.
func (r Round) DurationSeconds() int64 {
	return int64(r.Duration / time.Second)
}

// CanonicalSolution is the reference answer for a question. Round 1 questions
// use the find-style fields, round 2 questions use Pipeline.
type CanonicalSolution struct {
	Collection string           `json:"collection" yaml:"collection"`
	Filter     map[string]any   `json:"filter,omitempty" yaml:"filter,omitempty"`
	Projection map[string]any   `json:"projection,omitempty" yaml:"projection,omitempty"`
	Sort       map[string]any   `json:"sort,omitempty" yaml:"sort,omitempty"`
	Skip       int              `json:"skip,omitempty" yaml:"skip,omitempty"`
	Limit      int              `json:"limit,omitempty" yaml:"limit,omitempty"`
	Pipeline   []map[string]any `json:"pipeline,omitempty" yaml:"pipeline,omitempty"`
	Expected   []Document       `json:"expected" yaml:"expected"`
}

// Question is a single task within a round.
type Question struct {
	ID         string            `json:"id"`
	Round      int               `json:"round"`
	Title      string            `json:"title"`
	Prompt     string            `json:"prompt"`
	Collection string            `json:"collection"`
	Points     int               `json:"max_points"`
	Canonical  CanonicalSolution `json:"-"`
}

// MaxPoints returns the question's point budget, falling back to the round default.
func (q *Question) MaxPoints(r Round) int {
	if q.Points > 0 {
		return q.Points
	}
	return r.DefaultPoints
}
