package proctor

import (
	"time"

	"github.com/ashureev/queryarena/internal/domain"
)

// Monitor applies the violation threshold policy to a session and builds its
// audit entries. It holds no state of its own; the count lives on the session.
type Monitor struct {
	threshold int
}

// NewMonitor returns a Monitor that warns at threshold and ejects above it.
func NewMonitor(threshold int) Monitor {
	if threshold < 1 {
		threshold = DefaultWarnThreshold
	}
	return Monitor{threshold: threshold}
}

// Threshold returns the warning threshold.
func (m Monitor) Threshold() int {
	return m.threshold
}

// Apply counts one penalty violation against s. Terminal sessions are not
// touched and the outcome reports nothing counted.
func (m Monitor) Apply(s *domain.Session, now time.Time) domain.ViolationOutcome {
	return s.ApplyViolation(m.threshold, now)
}

// Remaining returns how many more counted violations s can take before ejection.
func (m Monitor) Remaining(s *domain.Session) int {
	left := m.threshold + 1 - s.ViolationCount
	if left < 0 {
		return 0
	}
	return left
}

// Entry builds the append-only audit record for an event on s.
func (m Monitor) Entry(s *domain.Session, kind domain.ViolationKind, description string, now time.Time, meta RequestMeta) *domain.Violation {
	if description == "" {
		description = string(kind)
	}
	return &domain.Violation{
		SessionID:     s.ID,
		ParticipantID: s.ParticipantID,
		Round:         s.Round,
		Kind:          kind,
		Description:   description,
		Counted:       kind.IsPenalty(),
		OccurredAt:    now,
		TimeInRound:   int64(s.Elapsed(now) / time.Second),
		IPAddress:     meta.IPAddress,
		UserAgent:     meta.UserAgent,
	}
}
