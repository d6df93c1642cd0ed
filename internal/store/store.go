// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/queryarena/internal/domain"
)

// ErrSessionExists is returned by CreateSession when the participant already
// has a session for the round.
var ErrSessionExists = errors.New("session already exists for round")

// Repository defines the interface for persisting competition records.
// Lookups return (nil, nil) when the record does not exist.
type Repository interface {
	// GetParticipant retrieves a participant by ID.
	GetParticipant(ctx context.Context, participantID string) (*domain.Participant, error)

	// GetParticipantByEmail retrieves a participant by email address.
	GetParticipantByEmail(ctx context.Context, email string) (*domain.Participant, error)

	// UpsertParticipant creates or updates a participant record.
	UpsertParticipant(ctx context.Context, p *domain.Participant) error

	// CreateSession inserts a new session. Returns ErrSessionExists when
	// (participant, round) is taken.
	CreateSession(ctx context.Context, s *domain.Session) error

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// GetSessionByRound retrieves the participant's session for a round.
	GetSessionByRound(ctx context.Context, participantID string, round int) (*domain.Session, error)

	// ListParticipantSessions returns all sessions for a participant ordered by round.
	ListParticipantSessions(ctx context.Context, participantID string) ([]*domain.Session, error)

	// UpdateSession writes s if the stored version still equals s.Version
	// (compare-and-set) and bumps s.Version. Returns domain.ErrStaleSession
	// when another writer got there first.
	UpdateSession(ctx context.Context, s *domain.Session) error

	// GetExpiredSessions returns open sessions whose allotment ended at or before now.
	GetExpiredSessions(ctx context.Context, now time.Time) ([]*domain.Session, error)

	// AppendViolation adds an entry to a session's audit trail.
	AppendViolation(ctx context.Context, v *domain.Violation) error

	// ListViolations returns a session's audit trail in insertion order.
	ListViolations(ctx context.Context, sessionID string) ([]*domain.Violation, error)

	// RecordSubmission stores a scored submission and adds its total to the
	// session's cumulative score in one transaction. Returns
	// domain.ErrDuplicateSubmission or domain.ErrRoundClosed on refusal.
	RecordSubmission(ctx context.Context, sub *domain.Submission) (cumulative int, err error)

	// GetSubmission retrieves the scored submission for a question, if any.
	GetSubmission(ctx context.Context, participantID, questionID string, round int) (*domain.Submission, error)

	// ListSubmissions returns a session's submissions in submission order.
	ListSubmissions(ctx context.Context, sessionID string) ([]*domain.Submission, error)

	// Leaderboard aggregates submissions into ranked rows.
	Leaderboard(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
