// Package questions loads the round catalog and canonical solutions from YAML.
//
// A Bank is immutable after loading and safe for concurrent use.
package questions

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/queryarena/internal/domain"
)

// MaxBankFileSize bounds the YAML file read from disk (4MB).
const MaxBankFileSize = 4 * 1024 * 1024

type bankYAML struct {
	Rounds []roundYAML `yaml:"rounds"`
}

type roundYAML struct {
	Number          int            `yaml:"number"`
	Title           string         `yaml:"title"`
	DurationSeconds int            `yaml:"duration_seconds"`
	DefaultPoints   int            `yaml:"default_points"`
	Questions       []questionYAML `yaml:"questions"`
}

type questionYAML struct {
	ID         string                   `yaml:"id"`
	Title      string                   `yaml:"title"`
	Prompt     string                   `yaml:"prompt"`
	Collection string                   `yaml:"collection"`
	Points     int                      `yaml:"points"`
	Canonical  domain.CanonicalSolution `yaml:"canonical"`
}

// Listing is the public view of a round: questions without canonical solutions.
type Listing struct {
	Round            int               `json:"round"`
	Title            string            `json:"title"`
	Questions        []domain.Question `json:"questions"`
	TotalQuestions   int               `json:"total_questions"`
	MaxScore         int               `json:"max_score"`
	TimeLimitSeconds int64             `json:"time_limit_seconds"`
}

// Bank holds the rounds and their questions.
type Bank struct {
	rounds    map[int]domain.Round
	order     []int
	questions map[int][]domain.Question
}

// Load reads and validates a question bank file.
func Load(path string) (*Bank, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat question bank: %w", err)
	}
	if info.Size() > MaxBankFileSize {
		return nil, fmt.Errorf("%w: question bank %s exceeds %d bytes", domain.ErrConfiguration, path, MaxBankFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read question bank: %w", err)
	}

	bank, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse question bank %s: %w", path, err)
	}
	return bank, nil
}

// Parse builds a Bank from YAML bytes.
func Parse(data []byte) (*Bank, error) {
	var raw bankYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	if len(raw.Rounds) == 0 {
		return nil, fmt.Errorf("%w: no rounds defined", domain.ErrConfiguration)
	}

	b := &Bank{
		rounds:    make(map[int]domain.Round, len(raw.Rounds)),
		questions: make(map[int][]domain.Question, len(raw.Rounds)),
	}

	for _, r := range raw.Rounds {
		if r.Number < 1 {
			return nil, fmt.Errorf("%w: round number %d must be positive", domain.ErrConfiguration, r.Number)
		}
		if _, dup := b.rounds[r.Number]; dup {
			return nil, fmt.Errorf("%w: round %d defined twice", domain.ErrConfiguration, r.Number)
		}
		if r.DurationSeconds <= 0 {
			return nil, fmt.Errorf("%w: round %d has no duration", domain.ErrConfiguration, r.Number)
		}

		round := domain.Round{
			Number:        r.Number,
			Title:         r.Title,
			Duration:      time.Duration(r.DurationSeconds) * time.Second,
			DefaultPoints: r.DefaultPoints,
		}
		b.rounds[r.Number] = round
		b.order = append(b.order, r.Number)

		seen := make(map[string]bool, len(r.Questions))
		qs := make([]domain.Question, 0, len(r.Questions))
		for _, q := range r.Questions {
			if q.ID == "" {
				return nil, fmt.Errorf("%w: round %d has a question without id", domain.ErrConfiguration, r.Number)
			}
			if seen[q.ID] {
				return nil, fmt.Errorf("%w: question %s defined twice in round %d", domain.ErrConfiguration, q.ID, r.Number)
			}
			seen[q.ID] = true

			if len(q.Canonical.Expected) == 0 {
				slog.Warn("question has no canonical result set", "round", r.Number, "question_id", q.ID)
			}

			collection := q.Collection
			if collection == "" {
				collection = q.Canonical.Collection
			}
			question := domain.Question{
				ID:         q.ID,
				Round:      r.Number,
				Title:      q.Title,
				Prompt:     q.Prompt,
				Collection: collection,
				Points:     q.Points,
				Canonical:  q.Canonical,
			}
			question.Points = question.MaxPoints(round)
			qs = append(qs, question)
		}
		sort.Slice(qs, func(i, j int) bool { return qs[i].ID < qs[j].ID })
		b.questions[r.Number] = qs
	}

	sort.Ints(b.order)
	for i, n := range b.order {
		if n != i+1 {
			return nil, fmt.Errorf("%w: rounds must be numbered 1..%d without gaps", domain.ErrConfiguration, len(b.order))
		}
	}
	return b, nil
}

// Round returns the round definition for n.
func (b *Bank) Round(n int) (domain.Round, bool) {
	r, ok := b.rounds[n]
	return r, ok
}

// Rounds returns every round in ascending order.
func (b *Bank) Rounds() []domain.Round {
	out := make([]domain.Round, 0, len(b.order))
	for _, n := range b.order {
		out = append(out, b.rounds[n])
	}
	return out
}

// Question returns a question including its canonical solution.
func (b *Bank) Question(round int, id string) (*domain.Question, error) {
	qs, ok := b.questions[round]
	if !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrUnknownRound, round)
	}
	for i := range qs {
		if qs[i].ID == id {
			q := qs[i]
			return &q, nil
		}
	}
	return nil, fmt.Errorf("%w: %s in round %d", domain.ErrQuestionNotFound, id, round)
}

// Listing returns the public view of a round.
func (b *Bank) Listing(round int) (*Listing, error) {
	r, ok := b.rounds[round]
	if !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrUnknownRound, round)
	}

	qs := b.questions[round]
	public := make([]domain.Question, len(qs))
	maxScore := 0
	for i, q := range qs {
		q.Canonical = domain.CanonicalSolution{}
		public[i] = q
		maxScore += q.Points
	}

	return &Listing{
		Round:            r.Number,
		Title:            r.Title,
		Questions:        public,
		TotalQuestions:   len(public),
		MaxScore:         maxScore,
		TimeLimitSeconds: r.DurationSeconds(),
	}, nil
}
