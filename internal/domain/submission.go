package domain

import "time"

// Submission is one scored attempt at one question. Immutable once written.
type Submission struct {
	ID              string     `json:"submission_id"`
	SessionID       string     `json:"session_id"`
	ParticipantID   string     `json:"participant_id"`
	QuestionID      string     `json:"question_id"`
	Round           int        `json:"round"`
	SubmittedResult []Document `json:"submitted_result"`
	CanonicalResult []Document `json:"canonical_result"`
	Correctness     int        `json:"correctness_score"`
	Performance     int        `json:"performance_score"`
	Total           int        `json:"total_score"`
	OverlapRatio    float64    `json:"overlap_ratio"`
	IsCorrect       bool       `json:"is_correct"`
	Outcome         string     `json:"outcome"`
	Feedback        string     `json:"feedback"`
	ExecutionTimeMs int64      `json:"execution_time_ms"`
	SubmittedAt     time.Time  `json:"submitted_at"`
}

// LeaderboardEntry is one ranked row of the leaderboard read model.
type LeaderboardEntry struct {
	Rank              int       `json:"rank"`
	ParticipantID     string    `json:"participant_id"`
	Name              string    `json:"participant_name"`
	TotalScore        int       `json:"total_score"`
	QuestionsAnswered int       `json:"questions_answered"`
	AverageTimeMs     float64   `json:"average_time_ms"`
	Efficiency        float64   `json:"efficiency"`
	LastSubmission    time.Time `json:"last_submission"`
}
