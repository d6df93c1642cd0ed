package proctor

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/queryarena/internal/domain"
)

// Decision is the gatekeeper's answer to a round-entry request.
type Decision int

const (
	// AdmitNew creates and activates a fresh session.
	AdmitNew Decision = iota
	// AdmitResume returns the participant to their open session.
	AdmitResume
	// AdmitActivate activates a session that exists but never started.
	AdmitActivate
	// RefusePrerequisite means the previous round is not completed.
	RefusePrerequisite
	// RefuseFinished means this round already reached a terminal state.
	RefuseFinished
)

// Allowed reports whether the participant may enter the round.
func (d Decision) Allowed() bool {
	return d == AdmitNew || d == AdmitResume || d == AdmitActivate
}

// Err returns the refusal error, or nil when entry is allowed.
func (d Decision) Err() error {
	switch d {
	case RefusePrerequisite:
		return domain.ErrPrerequisiteNotMet
	case RefuseFinished:
		return domain.ErrRoundAlreadyFinished
	default:
		return nil
	}
}

func (d Decision) String() string {
	switch d {
	case AdmitNew:
		return "available"
	case AdmitResume:
		return "in_progress"
	case AdmitActivate:
		return "available"
	case RefusePrerequisite:
		return "locked"
	case RefuseFinished:
		return "finished"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Admit decides whether round may be entered given the participant's session
// for the previous round (prior) and for this round (current). Completed,
// ejected and expired rounds are refused alike, as is an open session whose
// time ran out.
func Admit(round int, prior, current *domain.Session, now time.Time) Decision {
	if round > 1 && (prior == nil || prior.State != domain.StateCompleted) {
		return RefusePrerequisite
	}
	switch {
	case current == nil:
		return AdmitNew
	case current.State.IsTerminal():
		return RefuseFinished
	case current.State.IsOpen() && current.TimeUp(now):
		return RefuseFinished
	case current.State.IsOpen():
		return AdmitResume
	default:
		return AdmitActivate
	}
}

// RoundStatus is one round as seen by a participant.
type RoundStatus struct {
	Round             int                 `json:"round"`
	Title             string              `json:"title"`
	DurationSeconds   int64               `json:"duration_seconds"`
	State             domain.SessionState `json:"state"`
	Availability      string              `json:"availability"`
	CanEnter          bool                `json:"can_enter"`
	SessionID         string              `json:"session_id,omitempty"`
	RemainingSeconds  int64               `json:"remaining_seconds"`
	Score             int                 `json:"score"`
	QuestionsAnswered int                 `json:"questions_answered"`
	ViolationCount    int                 `json:"violation_count"`
}

// Progress summarizes a participant across all rounds.
type Progress struct {
	ParticipantID string        `json:"participant_id"`
	TotalScore    int           `json:"total_score"`
	Rounds        []RoundStatus `json:"rounds"`
}

// Gate answers read-only round navigation questions. It never changes a
// session; StartRound is the only way in.
type Gate struct {
	engine *Engine
}

// Gate returns the navigation gatekeeper sharing this engine's store and clock.
func (e *Engine) Gate() *Gate {
	return &Gate{engine: e}
}

// Availability reports, per round, whether the participant may enter it.
func (g *Gate) Availability(ctx context.Context, participantID string) ([]RoundStatus, error) {
	e := g.engine
	sessions, err := e.repo.ListParticipantSessions(ctx, participantID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	byRound := make(map[int]*domain.Session, len(sessions))
	for _, s := range sessions {
		byRound[s.Round] = s
	}

	now := e.now()
	rounds := e.rounds.Rounds()
	out := make([]RoundStatus, 0, len(rounds))
	for _, r := range rounds {
		current := byRound[r.Number]
		decision := Admit(r.Number, byRound[r.Number-1], current, now)

		status := RoundStatus{
			Round:            r.Number,
			Title:            r.Title,
			DurationSeconds:  r.DurationSeconds(),
			State:            domain.StateNotStarted,
			Availability:     decision.String(),
			CanEnter:         decision.Allowed(),
			RemainingSeconds: r.DurationSeconds(),
		}
		if current != nil {
			status.SessionID = current.ID
			status.State = current.State
			status.Score = current.CumulativeScore
			status.ViolationCount = current.ViolationCount
			if current.State.IsOpen() {
				status.RemainingSeconds = current.RemainingSeconds(now)
			} else if current.State.IsTerminal() {
				status.RemainingSeconds = 0
			}
		}
		out = append(out, status)
	}
	return out, nil
}

// Progress returns round availability together with scores and answered counts.
func (e *Engine) Progress(ctx context.Context, participantID string) (*Progress, error) {
	rounds, err := e.Gate().Availability(ctx, participantID)
	if err != nil {
		return nil, err
	}

	p := &Progress{ParticipantID: participantID, Rounds: rounds}
	for i := range p.Rounds {
		rs := &p.Rounds[i]
		if rs.SessionID == "" {
			continue
		}
		subs, err := e.repo.ListSubmissions(ctx, rs.SessionID)
		if err != nil {
			return nil, fmt.Errorf("list submissions: %w", err)
		}
		rs.QuestionsAnswered = len(subs)
		p.TotalScore += rs.Score
	}
	return p, nil
}
