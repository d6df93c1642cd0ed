// Package compare decides how far a submitted result set matches a canonical one.
//
// Documents are compared structurally: object keys are normalised so field
// emission order does not matter, array element order does. Each side is
// reduced to its set of distinct documents before comparing.
package compare

import (
	"encoding/json"
	"fmt"

	"github.com/ashureev/queryarena/internal/domain"
)

// Result is the outcome of comparing two result sets.
type Result struct {
	ExactMatch        bool    `json:"exact_match"`
	OverlapRatio      float64 `json:"overlap_ratio"`
	Matched           int     `json:"matched"`
	SubmittedDistinct int     `json:"submitted_distinct"`
	CanonicalDistinct int     `json:"canonical_distinct"`
}

// Compare computes overlap between submitted and canonical documents.
// OverlapRatio is 0 when canonical is empty; callers must guard that case.
func Compare(submitted, canonical []domain.Document) (Result, error) {
	subSet, err := keySet(submitted)
	if err != nil {
		return Result{}, fmt.Errorf("submitted result: %w", err)
	}
	canonSet, err := keySet(canonical)
	if err != nil {
		return Result{}, fmt.Errorf("canonical result: %w", err)
	}

	matched := 0
	for k := range subSet {
		if _, ok := canonSet[k]; ok {
			matched++
		}
	}

	res := Result{
		Matched:           matched,
		SubmittedDistinct: len(subSet),
		CanonicalDistinct: len(canonSet),
	}
	if len(canonSet) > 0 {
		res.OverlapRatio = float64(matched) / float64(len(canonSet))
	}
	res.ExactMatch = len(subSet) == len(canonSet) && matched == len(subSet)
	return res, nil
}

func keySet(docs []domain.Document) (map[string]struct{}, error) {
	set := make(map[string]struct{}, len(docs))
	for i, doc := range docs {
		k, err := Key(doc)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		set[k] = struct{}{}
	}
	return set, nil
}

// Key returns the comparable form of a document. Two documents that differ
// only in object key order yield the same key.
func Key(doc domain.Document) (string, error) {
	b, err := json.Marshal(Canonicalize(doc))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return string(b), nil
}

// Canonicalize rewrites v into plain map[string]any / []any trees.
// encoding/json writes map keys in sorted order, so marshaling the result is
// independent of the original key order at every depth.
func Canonicalize(v any) any {
	switch t := v.(type) {
	case domain.Document:
		return canonicalMap(t)
	case map[string]any:
		return canonicalMap(t)
	case []domain.Document:
		out := make([]any, len(t))
		for i, d := range t {
			out[i] = canonicalMap(d)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, d := range t {
			out[i] = canonicalMap(d)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Canonicalize(e)
		}
		return out
	default:
		return v
	}
}

func canonicalMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = Canonicalize(v)
	}
	return out
}
