package domain

import (
	"math"
	"time"
)

// SessionState is the lifecycle state of one participant's attempt at one round.
type SessionState string

const (
	StateNotStarted SessionState = "not_started"
	StateActive     SessionState = "active"
	// StateWarned is Active with the final warning already issued.
	StateWarned    SessionState = "warned"
	StateEjected   SessionState = "ejected"
	StateExpired   SessionState = "expired"
	StateCompleted SessionState = "completed"
)

var validTransitions = map[SessionState][]SessionState{
	StateNotStarted: {StateActive},
	StateActive:     {StateWarned, StateEjected, StateExpired, StateCompleted},
	StateWarned:     {StateEjected, StateExpired, StateCompleted},
}

// IsTerminal reports whether the state can never change again.
func (s SessionState) IsTerminal() bool {
	return s == StateEjected || s == StateExpired || s == StateCompleted
}

// IsOpen reports whether submissions and violations are accepted.
func (s SessionState) IsOpen() bool {
	return s == StateActive || s == StateWarned
}

// CanTransitionTo checks the transition table.
func (s SessionState) CanTransitionTo(target SessionState) bool {
	for _, st := range validTransitions[s] {
		if st == target {
			return true
		}
	}
	return false
}

// Reasons recorded when a session reaches a terminal state.
const (
	EndReasonCompleted = "completed"
	EndReasonTimeUp    = "time_up"
	EndReasonEjected   = "ejected"
)

// Session is one attempt at one round by one participant.
type Session struct {
	ID              string        `json:"session_id"`
	ParticipantID   string        `json:"participant_id"`
	Round           int           `json:"round"`
	State           SessionState  `json:"state"`
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"-"`
	ViolationCount  int           `json:"violation_count"`
	WarningIssued   bool          `json:"warning_issued"`
	CumulativeScore int           `json:"cumulative_score"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	EndReason       string        `json:"end_reason,omitempty"`
	Version         int64         `json:"-"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// NewSession creates a session in the NotStarted state.
func NewSession(id, participantID string, round int, duration time.Duration, now time.Time) *Session {
	return &Session{
		ID:            id,
		ParticipantID: participantID,
		Round:         round,
		State:         StateNotStarted,
		Duration:      duration,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// DurationSeconds returns the allotment in whole seconds.
func (s *Session) DurationSeconds() int64 {
	return int64(s.Duration / time.Second)
}

// ExpiresAt returns the wall-clock instant at which the round closes.
func (s *Session) ExpiresAt() time.Time {
	return s.StartedAt.Add(s.Duration)
}

// Elapsed returns the wall-clock time since activation.
func (s *Session) Elapsed(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	elapsed := now.Sub(s.StartedAt)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// Remaining is always derived from StartedAt and the wall clock, never from a
// counter, so pauses and restarts cannot extend a round.
func (s *Session) Remaining(now time.Time) time.Duration {
	if s.State == StateNotStarted {
		return s.Duration
	}
	remaining := s.Duration - s.Elapsed(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RemainingSeconds rounds up so the value only reaches zero at ExpiresAt.
func (s *Session) RemainingSeconds(now time.Time) int64 {
	return int64(math.Ceil(s.Remaining(now).Seconds()))
}

// TimeUp reports whether an activated session has used its allotment.
func (s *Session) TimeUp(now time.Time) bool {
	return s.State != StateNotStarted && s.Remaining(now) == 0
}

// Activate moves NotStarted to Active and stamps StartedAt exactly once.
func (s *Session) Activate(now time.Time) bool {
	if s.State != StateNotStarted {
		return false
	}
	s.State = StateActive
	s.StartedAt = now
	s.UpdatedAt = now
	return true
}

// ViolationOutcome describes what a counted violation did to the session.
type ViolationOutcome struct {
	Counted bool
	Warned  bool
	Ejected bool
}

// ApplyViolation counts one penalty violation. The warning fires once when the
// count reaches threshold; the first count above it ejects. Terminal sessions
// are left untouched.
func (s *Session) ApplyViolation(threshold int, now time.Time) ViolationOutcome {
	if !s.State.IsOpen() {
		return ViolationOutcome{}
	}
	s.ViolationCount++
	s.UpdatedAt = now
	out := ViolationOutcome{Counted: true}

	switch {
	case s.ViolationCount > threshold:
		s.finish(StateEjected, EndReasonEjected, now)
		out.Ejected = true
	case s.ViolationCount == threshold && !s.WarningIssued:
		s.State = StateWarned
		s.WarningIssued = true
		out.Warned = true
	}
	return out
}

// Expire closes an open session whose time has run out.
func (s *Session) Expire(now time.Time) bool {
	if !s.State.IsOpen() || !s.TimeUp(now) {
		return false
	}
	s.finish(StateExpired, EndReasonTimeUp, s.ExpiresAt())
	s.UpdatedAt = now
	return true
}

// Complete closes an open session at the participant's request.
func (s *Session) Complete(now time.Time) bool {
	if !s.State.IsOpen() {
		return false
	}
	s.finish(StateCompleted, EndReasonCompleted, now)
	return true
}

func (s *Session) finish(state SessionState, reason string, at time.Time) {
	s.State = state
	s.EndReason = reason
	ended := at
	s.EndedAt = &ended
	s.UpdatedAt = at
}
