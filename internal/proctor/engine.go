// Package proctor runs the proctored round lifecycle: starting rounds behind
// the gatekeeper, counting integrity violations, accepting scored submissions
// and closing sessions on completion, ejection or expiry.
//
// Every state change for a session happens under that session's lock and is
// written with a compare-and-set on the session version, so terminal
// transitions and their hooks happen exactly once.
package proctor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/queryarena/internal/domain"
	"github.com/ashureev/queryarena/internal/scoring"
	"github.com/ashureev/queryarena/internal/shared"
	"github.com/ashureev/queryarena/internal/store"
)

// DefaultWarnThreshold is the violation count that triggers the final warning.
// The next counted violation ejects.
const DefaultWarnThreshold = 5

// maxStaleRetries bounds how often a lost compare-and-set is re-applied.
const maxStaleRetries = 5

// RoundCatalog resolves round definitions.
type RoundCatalog interface {
	Round(n int) (domain.Round, bool)
	Rounds() []domain.Round
}

// Hooks are invoked synchronously while the session lock is held. They must
// not call back into the Engine for the same session.
type Hooks struct {
	OnWarning          func(ctx context.Context, s *domain.Session)
	OnRoundClosed      func(ctx context.Context, s *domain.Session, reason string)
	OnSubmissionScored func(ctx context.Context, s *domain.Session, sub *domain.Submission)
}

// ChainHooks combines hooks so each event reaches every non-nil handler in order.
func ChainHooks(all ...Hooks) Hooks {
	return Hooks{
		OnWarning: func(ctx context.Context, s *domain.Session) {
			for _, h := range all {
				if h.OnWarning != nil {
					h.OnWarning(ctx, s)
				}
			}
		},
		OnRoundClosed: func(ctx context.Context, s *domain.Session, reason string) {
			for _, h := range all {
				if h.OnRoundClosed != nil {
					h.OnRoundClosed(ctx, s, reason)
				}
			}
		},
		OnSubmissionScored: func(ctx context.Context, s *domain.Session, sub *domain.Submission) {
			for _, h := range all {
				if h.OnSubmissionScored != nil {
					h.OnSubmissionScored(ctx, s, sub)
				}
			}
		},
	}
}

// RequestMeta is request provenance recorded with audit entries.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// Engine is the authoritative owner of session state.
type Engine struct {
	repo    store.Repository
	rounds  RoundCatalog
	monitor Monitor
	now     func() time.Time
	newID   func() string
	hooks   Hooks
	retry   shared.RetryPolicy
	logger  *slog.Logger

	// locks serializes writers per (participant, round).
	locks sync.Map
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithHooks registers lifecycle hooks.
func WithHooks(h Hooks) Option {
	return func(e *Engine) { e.hooks = h }
}

// WithRetry sets the retry policy for database conflicts.
func WithRetry(p shared.RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WarnThreshold sets the violation count at which the final warning fires.
func WarnThreshold(n int) Option {
	return func(e *Engine) { e.monitor = NewMonitor(n) }
}

// NewEngine creates an Engine.
func NewEngine(repo store.Repository, rounds RoundCatalog, opts ...Option) *Engine {
	e := &Engine{
		repo:    repo,
		rounds:  rounds,
		monitor: NewMonitor(DefaultWarnThreshold),
		now:     time.Now,
		newID:   uuid.NewString,
		retry:   shared.DefaultRetryPolicy,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Threshold returns the configured warning threshold.
func (e *Engine) Threshold() int {
	return e.monitor.Threshold()
}

func (e *Engine) lock(participantID string, round int) func() {
	key := fmt.Sprintf("%s/%d", participantID, round)
	l, _ := e.locks.LoadOrStore(key, &sync.Mutex{})
	mu := l.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (e *Engine) loadSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var s *domain.Session
	err := shared.Retry(ctx, e.retry, "get session", func(ctx context.Context) error {
		var err error
		s, err = e.repo.GetSession(ctx, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}
	return s, nil
}

// mutate applies fn to the freshest copy of the session and persists it when
// fn reports a change. A lost compare-and-set reloads and re-applies fn.
// Must be called with the session lock held.
func (e *Engine) mutate(ctx context.Context, sessionID string, fn func(s *domain.Session) bool) (*domain.Session, bool, error) {
	for attempt := 0; attempt < maxStaleRetries; attempt++ {
		s, err := e.loadSession(ctx, sessionID)
		if err != nil {
			return nil, false, err
		}

		wasTerminal := s.State.IsTerminal()
		before := s.State
		if !fn(s) {
			return s, false, nil
		}
		invariant(!wasTerminal, "terminal session %s mutated from %s to %s", s.ID, before, s.State)
		invariant(before == s.State || before.CanTransitionTo(s.State),
			"illegal transition %s -> %s for session %s", before, s.State, s.ID)

		err = shared.Retry(ctx, e.retry, "update session", func(ctx context.Context) error {
			return e.repo.UpdateSession(ctx, s)
		})
		if errors.Is(err, domain.ErrStaleSession) {
			e.logger.Debug("session changed underneath, retrying", "session_id", sessionID, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return s, true, nil
	}
	return nil, false, fmt.Errorf("update session %s: %w", sessionID, domain.ErrStaleSession)
}

func (e *Engine) audit(ctx context.Context, s *domain.Session, kind domain.ViolationKind, description string, meta RequestMeta) {
	entry := e.monitor.Entry(s, kind, description, e.now(), meta)
	err := shared.Retry(ctx, e.retry, "append violation", func(ctx context.Context) error {
		return e.repo.AppendViolation(ctx, entry)
	})
	if err != nil {
		e.logger.Error("failed to write audit entry",
			"error", err, "session_id", s.ID, "kind", kind)
	}
}

// closeSession runs the hook and audit trail for a terminal transition that
// this caller won.
func (e *Engine) closeSession(ctx context.Context, s *domain.Session, marker domain.ViolationKind, meta RequestMeta) {
	e.audit(ctx, s, marker, "Session closed: "+s.EndReason, meta)
	e.logger.Info("round closed",
		"session_id", s.ID,
		"participant_id", s.ParticipantID,
		"round", s.Round,
		"reason", s.EndReason,
		"score", s.CumulativeScore,
		"violations", s.ViolationCount)
	if e.hooks.OnRoundClosed != nil {
		e.hooks.OnRoundClosed(ctx, s, s.EndReason)
	}
}

// expireIfDue closes an open session whose time is up. Must be called with
// the session lock held.
func (e *Engine) expireIfDue(ctx context.Context, s *domain.Session) (*domain.Session, error) {
	if !s.State.IsOpen() || !s.TimeUp(e.now()) {
		return s, nil
	}
	updated, changed, err := e.mutate(ctx, s.ID, func(cur *domain.Session) bool {
		return cur.Expire(e.now())
	})
	if err != nil {
		return nil, err
	}
	if changed {
		e.closeSession(ctx, updated, domain.ViolationTimeUp, RequestMeta{})
	}
	return updated, nil
}

// refuseClosed expires s if its time ran out and returns ErrRoundClosed.
func (e *Engine) refuseClosed(ctx context.Context, s *domain.Session) error {
	unlock := e.lock(s.ParticipantID, s.Round)
	defer unlock()

	s, err := e.loadSession(ctx, s.ID)
	if err != nil {
		return err
	}
	if s, err = e.expireIfDue(ctx, s); err != nil {
		return err
	}
	return fmt.Errorf("%w: session is %s", domain.ErrRoundClosed, s.State)
}

// StartRound opens (or resumes) the participant's session for a round.
func (e *Engine) StartRound(ctx context.Context, participantID string, round int, meta RequestMeta) (*domain.Session, error) {
	r, ok := e.rounds.Round(round)
	if !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrUnknownRound, round)
	}

	participant, err := e.repo.GetParticipant(ctx, participantID)
	if err != nil {
		return nil, fmt.Errorf("get participant: %w", err)
	}
	if participant == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrParticipantNotFound, participantID)
	}

	unlock := e.lock(participantID, round)
	defer unlock()

	var prior *domain.Session
	if round > 1 {
		if prior, err = e.repo.GetSessionByRound(ctx, participantID, round-1); err != nil {
			return nil, fmt.Errorf("get prior session: %w", err)
		}
	}

	current, err := e.repo.GetSessionByRound(ctx, participantID, round)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if current != nil {
		if current, err = e.expireIfDue(ctx, current); err != nil {
			return nil, err
		}
	}

	now := e.now()
	switch decision := Admit(round, prior, current, now); decision {
	case AdmitResume:
		e.logger.Info("resuming round", "session_id", current.ID, "participant_id", participantID, "round", round)
		return current, nil
	case AdmitActivate:
		s, changed, err := e.mutate(ctx, current.ID, func(cur *domain.Session) bool {
			return cur.Activate(e.now())
		})
		if err != nil {
			return nil, err
		}
		if changed {
			e.audit(ctx, s, domain.ViolationSessionStart, "Round started", meta)
		}
		return s, nil
	case AdmitNew:
	default:
		return nil, decision.Err()
	}

	s := domain.NewSession(e.newID(), participantID, round, r.Duration, now)
	s.Activate(now)
	err = shared.Retry(ctx, e.retry, "create session", func(ctx context.Context) error {
		return e.repo.CreateSession(ctx, s)
	})
	if errors.Is(err, store.ErrSessionExists) {
		// Another process created it first; its session is authoritative.
		existing, getErr := e.repo.GetSessionByRound(ctx, participantID, round)
		if getErr != nil {
			return nil, fmt.Errorf("get session: %w", getErr)
		}
		if existing != nil && existing.State.IsOpen() {
			return existing, nil
		}
		return nil, domain.ErrRoundAlreadyFinished
	}
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	e.audit(ctx, s, domain.ViolationSessionStart, "Round started", meta)
	e.logger.Info("round started",
		"session_id", s.ID,
		"participant_id", participantID,
		"round", round,
		"duration_seconds", s.DurationSeconds())
	return s, nil
}

// ViolationResult reports the session after a violation was handled.
type ViolationResult struct {
	ViolationCount int                 `json:"violation_count"`
	State          domain.SessionState `json:"state"`
	Warned         bool                `json:"warned"`
	Ejected        bool                `json:"ejected"`
	Logged         bool                `json:"logged"`
}

// RecordViolation logs a reported integrity event and applies the threshold
// policy. Audit markers are written by the engine only and are refused here.
// It is a no-op on a terminal session.
func (e *Engine) RecordViolation(ctx context.Context, sessionID string, kind domain.ViolationKind, description string, meta RequestMeta) (ViolationResult, error) {
	if !kind.IsPenalty() {
		return ViolationResult{}, fmt.Errorf("%w: %q is not a reportable violation", domain.ErrValidation, kind)
	}

	s, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return ViolationResult{}, err
	}

	unlock := e.lock(s.ParticipantID, s.Round)
	defer unlock()

	if s, err = e.loadSession(ctx, sessionID); err != nil {
		return ViolationResult{}, err
	}
	if s, err = e.expireIfDue(ctx, s); err != nil {
		return ViolationResult{}, err
	}
	if !s.State.IsOpen() {
		return ViolationResult{ViolationCount: s.ViolationCount, State: s.State}, nil
	}

	var outcome domain.ViolationOutcome
	s, changed, err := e.mutate(ctx, sessionID, func(cur *domain.Session) bool {
		outcome = e.monitor.Apply(cur, e.now())
		return outcome.Counted
	})
	if err != nil {
		return ViolationResult{}, err
	}
	if !changed {
		return ViolationResult{ViolationCount: s.ViolationCount, State: s.State}, nil
	}

	e.audit(ctx, s, kind, description, meta)

	if outcome.Warned {
		e.logger.Warn("final violation warning issued",
			"session_id", s.ID, "participant_id", s.ParticipantID, "violations", s.ViolationCount)
		if e.hooks.OnWarning != nil {
			e.hooks.OnWarning(ctx, s)
		}
	}
	if outcome.Ejected {
		e.closeSession(ctx, s, domain.ViolationAutoEject, meta)
	}

	return ViolationResult{
		ViolationCount: s.ViolationCount,
		State:          s.State,
		Warned:         outcome.Warned,
		Ejected:        outcome.Ejected,
		Logged:         true,
	}, nil
}

// SubmitRequest carries one evaluated query result for scoring.
type SubmitRequest struct {
	SessionID     string
	QuestionID    string
	Submitted     []domain.Document
	Canonical     []domain.Document
	MaxPoints     int
	ExecutionTime time.Duration
	Meta          RequestMeta
}

// SubmitResult is the accepted submission and the session total after it.
type SubmitResult struct {
	Submission      *domain.Submission `json:"submission"`
	Score           scoring.Score      `json:"score"`
	CumulativeScore int                `json:"cumulative_score"`
}

// Submit scores a result set and credits the session. Scoring runs before
// the session lock is taken; only the write-back is serialized.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	s, err := e.loadSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if !s.State.IsOpen() || s.TimeUp(e.now()) {
		return nil, e.refuseClosed(ctx, s)
	}

	if len(req.Canonical) == 0 {
		e.audit(ctx, s, domain.ViolationSubmissionFail,
			fmt.Sprintf("Question %s has no canonical results", req.QuestionID), req.Meta)
		e.logger.Error("question has no canonical results", "question_id", req.QuestionID, "round", s.Round)
		return nil, fmt.Errorf("%w: question %s", domain.ErrConfiguration, req.QuestionID)
	}

	score, err := scoring.Evaluate(scoring.Input{
		Submitted:     req.Submitted,
		Canonical:     req.Canonical,
		MaxPoints:     req.MaxPoints,
		ExecutionTime: req.ExecutionTime,
	})
	if err != nil {
		e.audit(ctx, s, domain.ViolationSubmissionFail,
			fmt.Sprintf("Question %s: %v", req.QuestionID, err), req.Meta)
		return nil, err
	}

	unlock := e.lock(s.ParticipantID, s.Round)
	defer unlock()

	if s, err = e.loadSession(ctx, req.SessionID); err != nil {
		return nil, err
	}
	if s, err = e.expireIfDue(ctx, s); err != nil {
		return nil, err
	}
	if !s.State.IsOpen() {
		return nil, fmt.Errorf("%w: session is %s", domain.ErrRoundClosed, s.State)
	}

	existing, err := e.repo.GetSubmission(ctx, s.ParticipantID, req.QuestionID, s.Round)
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateSubmission, req.QuestionID)
	}

	sub := &domain.Submission{
		ID:              e.newID(),
		SessionID:       s.ID,
		ParticipantID:   s.ParticipantID,
		QuestionID:      req.QuestionID,
		Round:           s.Round,
		SubmittedResult: req.Submitted,
		CanonicalResult: req.Canonical,
		Correctness:     score.Correctness,
		Performance:     score.Performance,
		Total:           score.Total,
		OverlapRatio:    score.OverlapRatio,
		IsCorrect:       score.IsCorrect,
		Outcome:         string(score.Outcome),
		Feedback:        score.Feedback,
		ExecutionTimeMs: req.ExecutionTime.Milliseconds(),
		SubmittedAt:     e.now(),
	}
	if sub.SubmittedResult == nil {
		sub.SubmittedResult = []domain.Document{}
	}

	var cumulative int
	err = shared.Retry(ctx, e.retry, "record submission", func(ctx context.Context) error {
		var err error
		cumulative, err = e.repo.RecordSubmission(ctx, sub)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.CumulativeScore = cumulative
	s.Version++

	e.audit(ctx, s, domain.ViolationSubmission,
		fmt.Sprintf("Question %s scored %d/%d", req.QuestionID, score.Total, req.MaxPoints), req.Meta)
	e.logger.Info("submission scored",
		"session_id", s.ID,
		"participant_id", s.ParticipantID,
		"question_id", req.QuestionID,
		"round", s.Round,
		"total", score.Total,
		"outcome", score.Outcome,
		"cumulative_score", cumulative)
	if e.hooks.OnSubmissionScored != nil {
		e.hooks.OnSubmissionScored(ctx, s, sub)
	}

	return &SubmitResult{Submission: sub, Score: score, CumulativeScore: cumulative}, nil
}

// CompleteRound closes the session at the participant's request. A session
// that is already terminal is returned unchanged with ErrAlreadyTerminal.
func (e *Engine) CompleteRound(ctx context.Context, sessionID string, meta RequestMeta) (*domain.Session, error) {
	s, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	unlock := e.lock(s.ParticipantID, s.Round)
	defer unlock()

	if s, err = e.loadSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if s, err = e.expireIfDue(ctx, s); err != nil {
		return nil, err
	}
	if s.State.IsTerminal() {
		return s, domain.ErrAlreadyTerminal
	}
	if !s.State.IsOpen() {
		return nil, fmt.Errorf("%w: session is %s", domain.ErrRoundClosed, s.State)
	}

	s, changed, err := e.mutate(ctx, sessionID, func(cur *domain.Session) bool {
		return cur.Complete(e.now())
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return s, domain.ErrAlreadyTerminal
	}
	e.closeSession(ctx, s, domain.ViolationManualEnd, meta)
	return s, nil
}

// RemainingTime returns whole seconds left in the round, derived from the
// stored start instant. Terminal sessions have none.
func (e *Engine) RemainingTime(ctx context.Context, sessionID string) (int64, error) {
	s, err := e.Session(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if !s.State.IsOpen() {
		if s.State == domain.StateNotStarted {
			return s.DurationSeconds(), nil
		}
		return 0, nil
	}
	return s.RemainingSeconds(e.now()), nil
}

// Session returns the session, closing it first if its time ran out.
func (e *Engine) Session(ctx context.Context, sessionID string) (*domain.Session, error) {
	s, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.State.IsOpen() || !s.TimeUp(e.now()) {
		return s, nil
	}

	unlock := e.lock(s.ParticipantID, s.Round)
	defer unlock()
	if s, err = e.loadSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.expireIfDue(ctx, s)
}

// SessionForRound returns the participant's session for a round, if any.
func (e *Engine) SessionForRound(ctx context.Context, participantID string, round int) (*domain.Session, error) {
	s, err := e.repo.GetSessionByRound(ctx, participantID, round)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if s == nil {
		return nil, fmt.Errorf("%w: round %d", domain.ErrSessionNotFound, round)
	}
	return e.Session(ctx, s.ID)
}

// ExpireDue closes every open session whose allotment has elapsed and
// returns how many it closed.
func (e *Engine) ExpireDue(ctx context.Context) (int, error) {
	due, err := e.repo.GetExpiredSessions(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("get expired sessions: %w", err)
	}

	expired := 0
	for _, candidate := range due {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		closed, err := e.expireOne(ctx, candidate)
		if err != nil {
			e.logger.Error("failed to expire session", "error", err, "session_id", candidate.ID)
			continue
		}
		if closed {
			expired++
		}
	}
	return expired, nil
}

func (e *Engine) expireOne(ctx context.Context, candidate *domain.Session) (bool, error) {
	unlock := e.lock(candidate.ParticipantID, candidate.Round)
	defer unlock()

	s, err := e.loadSession(ctx, candidate.ID)
	if err != nil {
		return false, err
	}
	if !s.State.IsOpen() {
		return false, nil
	}
	s, err = e.expireIfDue(ctx, s)
	if err != nil {
		return false, err
	}
	return s.State == domain.StateExpired, nil
}

// Violations returns the audit trail of a session.
func (e *Engine) Violations(ctx context.Context, sessionID string) ([]*domain.Violation, error) {
	if _, err := e.loadSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.repo.ListViolations(ctx, sessionID)
}
