package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/queryarena/internal/domain"
	"github.com/ashureev/queryarena/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// MemoryPath opens a private in-memory database instead of a file.
const MemoryPath = ":memory:"

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	inMemory := dbPath == MemoryPath
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// WAL for concurrent readers while the engine writes.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if inMemory {
		// Every connection to :memory: is a separate database, so pin one.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS participants (
		participant_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		joined_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		participant_id TEXT NOT NULL,
		round INTEGER NOT NULL,
		state TEXT NOT NULL,
		started_at INTEGER,
		duration_seconds INTEGER NOT NULL,
		violation_count INTEGER NOT NULL DEFAULT 0,
		warning_issued INTEGER NOT NULL DEFAULT 0,
		cumulative_score INTEGER NOT NULL DEFAULT 0,
		ended_at INTEGER,
		end_reason TEXT,
		version INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (participant_id, round)
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_open ON sessions(state, started_at);

	CREATE TABLE IF NOT EXISTS violations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(session_id),
		participant_id TEXT NOT NULL,
		round INTEGER NOT NULL,
		kind TEXT NOT NULL,
		description TEXT NOT NULL,
		counted INTEGER NOT NULL,
		occurred_at INTEGER NOT NULL,
		time_in_round INTEGER NOT NULL,
		ip_address TEXT,
		user_agent TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_violations_session ON violations(session_id, id);

	CREATE TABLE IF NOT EXISTS submissions (
		submission_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(session_id),
		participant_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		round INTEGER NOT NULL,
		submitted_json TEXT NOT NULL,
		canonical_json TEXT NOT NULL,
		correctness INTEGER NOT NULL,
		performance INTEGER NOT NULL,
		total INTEGER NOT NULL,
		overlap_ratio REAL NOT NULL,
		is_correct INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		feedback TEXT NOT NULL,
		execution_ms INTEGER NOT NULL,
		submitted_at INTEGER NOT NULL,
		UNIQUE (participant_id, question_id, round)
	);
	CREATE INDEX IF NOT EXISTS idx_submissions_session ON submissions(session_id, submitted_at);
	CREATE INDEX IF NOT EXISTS idx_submissions_total ON submissions(total);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func nullMillis(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

// GetParticipant retrieves a participant by ID.
func (s *SQLiteStore) GetParticipant(ctx context.Context, participantID string) (*domain.Participant, error) {
	return s.getParticipant(ctx, `WHERE participant_id = ?`, participantID)
}

// GetParticipantByEmail retrieves a participant by email address.
func (s *SQLiteStore) GetParticipantByEmail(ctx context.Context, email string) (*domain.Participant, error) {
	return s.getParticipant(ctx, `WHERE email = ?`, email)
}

func (s *SQLiteStore) getParticipant(ctx context.Context, where string, arg string) (*domain.Participant, error) {
	query := `
		SELECT participant_id, name, email, joined_at, created_at, updated_at
		FROM participants ` + where

	var p domain.Participant
	var joinedAt, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&p.ID, &p.Name, &p.Email, &joinedAt, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan participant row: %w", err)
	}

	p.JoinedAt = fromMillis(joinedAt)
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return &p, nil
}

// UpsertParticipant creates or updates a participant record.
func (s *SQLiteStore) UpsertParticipant(ctx context.Context, p *domain.Participant) error {
	query := `
	INSERT INTO participants (participant_id, name, email, joined_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(participant_id) DO UPDATE SET
		name = excluded.name,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.Name, p.Email,
		toMillis(p.JoinedAt), toMillis(p.CreatedAt), toMillis(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	return nil
}

const sessionColumns = `
	session_id, participant_id, round, state, started_at, duration_seconds,
	violation_count, warning_issued, cumulative_score, ended_at, end_reason,
	version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var state string
	var startedAt, endedAt sql.NullInt64
	var endReason sql.NullString
	var durationSeconds, createdAt, updatedAt int64

	if err := row.Scan(
		&sess.ID, &sess.ParticipantID, &sess.Round, &state, &startedAt, &durationSeconds,
		&sess.ViolationCount, &sess.WarningIssued, &sess.CumulativeScore, &endedAt, &endReason,
		&sess.Version, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	sess.State = domain.SessionState(state)
	sess.Duration = time.Duration(durationSeconds) * time.Second
	if startedAt.Valid {
		sess.StartedAt = fromMillis(startedAt.Int64)
	}
	if endedAt.Valid {
		t := fromMillis(endedAt.Int64)
		sess.EndedAt = &t
	}
	sess.EndReason = endReason.String
	sess.CreatedAt = fromMillis(createdAt)
	sess.UpdatedAt = fromMillis(updatedAt)
	return &sess, nil
}

// CreateSession inserts a new session.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	query := `INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var startedAt interface{}
	if !sess.StartedAt.IsZero() {
		startedAt = toMillis(sess.StartedAt)
	}

	_, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.ParticipantID, sess.Round, string(sess.State), startedAt, sess.DurationSeconds(),
		sess.ViolationCount, sess.WarningIssued, sess.CumulativeScore, nullMillis(sess.EndedAt), sess.EndReason,
		sess.Version, toMillis(sess.CreatedAt), toMillis(sess.UpdatedAt),
	)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return ErrSessionExists
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// GetSessionByRound retrieves the participant's session for a round.
func (s *SQLiteStore) GetSessionByRound(ctx context.Context, participantID string, round int) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE participant_id = ? AND round = ?`,
		participantID, round)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// ListParticipantSessions returns all sessions for a participant ordered by round.
func (s *SQLiteStore) ListParticipantSessions(ctx context.Context, participantID string) ([]*domain.Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE participant_id = ? ORDER BY round`,
		participantID)
}

// GetExpiredSessions returns open sessions whose allotment has elapsed.
func (s *SQLiteStore) GetExpiredSessions(ctx context.Context, now time.Time) ([]*domain.Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE state IN (?, ?) AND started_at + duration_seconds * 1000 <= ?`,
		string(domain.StateActive), string(domain.StateWarned), toMillis(now))
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// UpdateSession writes the mutable session fields guarded by a version check.
func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *domain.Session) error {
	query := `
	UPDATE sessions SET
		state = ?, started_at = ?, violation_count = ?, warning_issued = ?,
		cumulative_score = ?, ended_at = ?, end_reason = ?,
		version = version + 1, updated_at = ?
	WHERE session_id = ? AND version = ?`

	var startedAt interface{}
	if !sess.StartedAt.IsZero() {
		startedAt = toMillis(sess.StartedAt)
	}

	result, err := s.db.ExecContext(ctx, query,
		string(sess.State), startedAt, sess.ViolationCount, sess.WarningIssued,
		sess.CumulativeScore, nullMillis(sess.EndedAt), sess.EndReason,
		toMillis(sess.UpdatedAt), sess.ID, sess.Version,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateSession affected 0 rows", "session_id", sess.ID, "expected_version", sess.Version)
		return domain.ErrStaleSession
	}

	sess.Version++
	return nil
}

// AppendViolation adds an entry to a session's audit trail.
func (s *SQLiteStore) AppendViolation(ctx context.Context, v *domain.Violation) error {
	query := `
	INSERT INTO violations (
		session_id, participant_id, round, kind, description, counted,
		occurred_at, time_in_round, ip_address, user_agent
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		v.SessionID, v.ParticipantID, v.Round, string(v.Kind), v.Description, v.Counted,
		toMillis(v.OccurredAt), v.TimeInRound, v.IPAddress, v.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("insert violation: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		v.ID = id
	}
	return nil
}

// ListViolations returns a session's audit trail in insertion order.
func (s *SQLiteStore) ListViolations(ctx context.Context, sessionID string) ([]*domain.Violation, error) {
	query := `
		SELECT id, session_id, participant_id, round, kind, description, counted,
		       occurred_at, time_in_round, ip_address, user_agent
		FROM violations WHERE session_id = ? ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close violation rows", "error", closeErr)
		}
	}()

	var out []*domain.Violation
	for rows.Next() {
		var v domain.Violation
		var kind string
		var occurredAt int64
		var ip, ua sql.NullString
		if err := rows.Scan(
			&v.ID, &v.SessionID, &v.ParticipantID, &v.Round, &kind, &v.Description, &v.Counted,
			&occurredAt, &v.TimeInRound, &ip, &ua,
		); err != nil {
			return nil, fmt.Errorf("scan violation row: %w", err)
		}
		v.Kind = domain.ViolationKind(kind)
		v.OccurredAt = fromMillis(occurredAt)
		v.IPAddress = ip.String
		v.UserAgent = ua.String
		out = append(out, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate violations: %w", err)
	}
	return out, nil
}

// RecordSubmission stores a submission and credits the session in one transaction.
func (s *SQLiteStore) RecordSubmission(ctx context.Context, sub *domain.Submission) (int, error) {
	submitted, err := json.Marshal(sub.SubmittedResult)
	if err != nil {
		return 0, fmt.Errorf("%w: encode submitted result: %v", domain.ErrValidation, err)
	}
	canonical, err := json.Marshal(sub.CanonicalResult)
	if err != nil {
		return 0, fmt.Errorf("encode canonical result: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin submission tx: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("failed to roll back submission tx", "error", rbErr)
		}
	}()

	// Crediting first makes the open-state check and the score increment a
	// single atomic statement.
	result, err := tx.ExecContext(ctx, `
		UPDATE sessions SET
			cumulative_score = cumulative_score + ?,
			version = version + 1,
			updated_at = ?
		WHERE session_id = ? AND state IN (?, ?)`,
		sub.Total, toMillis(sub.SubmittedAt), sub.SessionID,
		string(domain.StateActive), string(domain.StateWarned),
	)
	if err != nil {
		return 0, fmt.Errorf("credit session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return 0, domain.ErrRoundClosed
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO submissions (
			submission_id, session_id, participant_id, question_id, round,
			submitted_json, canonical_json, correctness, performance, total,
			overlap_ratio, is_correct, outcome, feedback, execution_ms, submitted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.SessionID, sub.ParticipantID, sub.QuestionID, sub.Round,
		string(submitted), string(canonical), sub.Correctness, sub.Performance, sub.Total,
		sub.OverlapRatio, sub.IsCorrect, sub.Outcome, sub.Feedback, sub.ExecutionTimeMs,
		toMillis(sub.SubmittedAt),
	)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return 0, domain.ErrDuplicateSubmission
		}
		return 0, fmt.Errorf("insert submission: %w", err)
	}

	var cumulative int
	if err := tx.QueryRowContext(ctx,
		`SELECT cumulative_score FROM sessions WHERE session_id = ?`, sub.SessionID,
	).Scan(&cumulative); err != nil {
		return 0, fmt.Errorf("read cumulative score: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit submission: %w", err)
	}
	return cumulative, nil
}

const submissionColumns = `
	submission_id, session_id, participant_id, question_id, round,
	submitted_json, canonical_json, correctness, performance, total,
	overlap_ratio, is_correct, outcome, feedback, execution_ms, submitted_at`

func scanSubmission(row rowScanner) (*domain.Submission, error) {
	var sub domain.Submission
	var submitted, canonical string
	var submittedAt int64

	if err := row.Scan(
		&sub.ID, &sub.SessionID, &sub.ParticipantID, &sub.QuestionID, &sub.Round,
		&submitted, &canonical, &sub.Correctness, &sub.Performance, &sub.Total,
		&sub.OverlapRatio, &sub.IsCorrect, &sub.Outcome, &sub.Feedback, &sub.ExecutionTimeMs,
		&submittedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(submitted), &sub.SubmittedResult); err != nil {
		return nil, fmt.Errorf("decode submitted result: %w", err)
	}
	if err := json.Unmarshal([]byte(canonical), &sub.CanonicalResult); err != nil {
		return nil, fmt.Errorf("decode canonical result: %w", err)
	}
	sub.SubmittedAt = fromMillis(submittedAt)
	return &sub, nil
}

// GetSubmission retrieves the scored submission for a question, if any.
func (s *SQLiteStore) GetSubmission(ctx context.Context, participantID, questionID string, round int) (*domain.Submission, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions
		WHERE participant_id = ? AND question_id = ? AND round = ?`,
		participantID, questionID, round)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan submission row: %w", err)
	}
	return sub, nil
}

// ListSubmissions returns a session's submissions in submission order.
func (s *SQLiteStore) ListSubmissions(ctx context.Context, sessionID string) ([]*domain.Submission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE session_id = ? ORDER BY submitted_at, submission_id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close submission rows", "error", closeErr)
		}
	}()

	var out []*domain.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission row: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return out, nil
}

// Leaderboard ranks participants by total score, then efficiency
// (score per average execution millisecond), then earliest last submission.
func (s *SQLiteStore) Leaderboard(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	query := `
		SELECT s.participant_id,
		       COALESCE(p.name, ''),
		       SUM(s.total) AS total_score,
		       COUNT(*) AS answered,
		       AVG(s.execution_ms) AS avg_ms,
		       MAX(s.submitted_at) AS last_at
		FROM submissions s
		LEFT JOIN participants p ON p.participant_id = s.participant_id
		GROUP BY s.participant_id
		ORDER BY total_score DESC,
		         (SUM(s.total) * 1.0) / (AVG(s.execution_ms) + 1) DESC,
		         last_at ASC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close leaderboard rows", "error", closeErr)
		}
	}()

	var out []domain.LeaderboardEntry
	for rows.Next() {
		var e domain.LeaderboardEntry
		var lastAt int64
		if err := rows.Scan(&e.ParticipantID, &e.Name, &e.TotalScore, &e.QuestionsAnswered, &e.AverageTimeMs, &lastAt); err != nil {
			return nil, fmt.Errorf("scan leaderboard row: %w", err)
		}
		if e.Name == "" {
			e.Name = "Unknown"
		}
		e.Efficiency = float64(e.TotalScore) / (e.AverageTimeMs + 1)
		e.LastSubmission = fromMillis(lastAt)
		e.Rank = len(out) + 1
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leaderboard: %w", err)
	}
	return out, nil
}
