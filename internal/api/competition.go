package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/queryarena/internal/domain"
	"github.com/ashureev/queryarena/internal/identity"
	"github.com/ashureev/queryarena/internal/proctor"
)

// SessionView is a session plus the derived clock fields clients render.
type SessionView struct {
	*domain.Session
	DurationSeconds  int64     `json:"duration_seconds"`
	RemainingSeconds int64     `json:"remaining_seconds"`
	ExpiresAt        time.Time `json:"expires_at"`
	ViolationLimit   int       `json:"violation_limit"`
}

func (h *Handler) sessionView(s *domain.Session) SessionView {
	v := SessionView{
		Session:         s,
		DurationSeconds: s.DurationSeconds(),
		ViolationLimit:  h.engine.Threshold(),
	}
	if !s.StartedAt.IsZero() {
		v.ExpiresAt = s.ExpiresAt()
	}
	if s.State.IsOpen() {
		v.RemainingSeconds = s.RemainingSeconds(h.now())
	}
	return v
}

func requestMeta(r *http.Request) proctor.RequestMeta {
	return proctor.RequestMeta{
		IPAddress: identity.IPFromRequest(r),
		UserAgent: r.UserAgent(),
	}
}

func roundParam(r *http.Request) (int, error) {
	n, err := strconv.Atoi(chi.URLParam(r, "round"))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: invalid round %q", domain.ErrValidation, chi.URLParam(r, "round"))
	}
	return n, nil
}

// ownedSession loads the session named in the URL and checks it belongs to
// the caller. Foreign sessions are reported as missing.
func (h *Handler) ownedSession(r *http.Request) (*domain.Session, error) {
	sessionID := chi.URLParam(r, "sessionID")
	s, err := h.engine.Session(r.Context(), sessionID)
	if err != nil {
		return nil, err
	}
	if s.ParticipantID != identity.ParticipantIDFromContext(r.Context()) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}
	return s, nil
}

// Login registers a participant on first sight and issues the identity cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	p, created, err := identity.Login(r.Context(), h.repo, req.Name, req.Email, h.now())
	if err != nil {
		writeError(w, r, err)
		return
	}

	identity.SetCookie(w, p.ID, h.isDev)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	JSON(w, status, map[string]interface{}{
		"participant": p,
		"created":     created,
	})
}

// Me returns the authenticated participant.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, identity.ParticipantFromContext(r.Context()))
}

// Rounds lists every round with the caller's entry availability.
func (h *Handler) Rounds(w http.ResponseWriter, r *http.Request) {
	rounds, err := h.engine.Gate().Availability(r.Context(), identity.ParticipantIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"rounds": rounds})
}

// Progress returns per-round state, scores and answered counts.
func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Progress(r.Context(), identity.ParticipantIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, p)
}

// Questions lists a round's questions without their canonical solutions.
func (h *Handler) Questions(w http.ResponseWriter, r *http.Request) {
	round, err := roundParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	listing, err := h.bank.Listing(round)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, listing)
}

// StartRound opens or resumes the caller's session for a round.
func (h *Handler) StartRound(w http.ResponseWriter, r *http.Request) {
	round, err := roundParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	participantID := identity.ParticipantIDFromContext(r.Context())
	s, err := h.engine.StartRound(r.Context(), participantID, round, requestMeta(r))
	if err != nil {
		slog.Info("Round start refused", "participant_id", participantID, "round", round, "reason", err)
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, h.sessionView(s))
}

// RoundSession returns the caller's session for a round.
func (h *Handler) RoundSession(w http.ResponseWriter, r *http.Request) {
	round, err := roundParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s, err := h.engine.SessionForRound(r.Context(), identity.ParticipantIDFromContext(r.Context()), round)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, h.sessionView(s))
}

// GetSession returns one of the caller's sessions.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.ownedSession(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, h.sessionView(s))
}

// RemainingTime returns the seconds left in the round.
func (h *Handler) RemainingTime(w http.ResponseWriter, r *http.Request) {
	s, err := h.ownedSession(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	remaining, err := h.engine.RemainingTime(r.Context(), s.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"session_id":        s.ID,
		"state":             s.State,
		"remaining_seconds": remaining,
	})
}

// RecordViolation logs a client-reported integrity event.
func (h *Handler) RecordViolation(w http.ResponseWriter, r *http.Request) {
	s, err := h.ownedSession(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req ViolationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	kind, ok := domain.ParseReportedViolationKind(req.Kind)
	if !ok {
		writeError(w, r, fmt.Errorf("%w: violation kind %q cannot be reported", domain.ErrValidation, req.Kind))
		return
	}

	res, err := h.engine.RecordViolation(r.Context(), s.ID, kind, req.Description, requestMeta(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// ListViolations returns the session's audit trail.
func (h *Handler) ListViolations(w http.ResponseWriter, r *http.Request) {
	s, err := h.ownedSession(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := h.engine.Violations(r.Context(), s.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*domain.Violation{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"violations": entries})
}

// Submit scores a result set against the question's canonical answer.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	s, err := h.ownedSession(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req SubmitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	q, err := h.bank.Question(s.Round, req.QuestionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	round, _ := h.bank.Round(s.Round)

	res, err := h.engine.Submit(r.Context(), proctor.SubmitRequest{
		SessionID:     s.ID,
		QuestionID:    q.ID,
		Submitted:     req.Result,
		Canonical:     q.Canonical.Expected,
		MaxPoints:     q.MaxPoints(round),
		ExecutionTime: time.Duration(req.ExecutionTimeMs) * time.Millisecond,
		Meta:          requestMeta(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	// The canonical set stays server-side.
	sub := *res.Submission
	sub.CanonicalResult = nil
	JSON(w, http.StatusCreated, map[string]interface{}{
		"submission":       sub,
		"score":            res.Score,
		"cumulative_score": res.CumulativeScore,
	})
}

// ListSubmissions returns the session's scored submissions.
func (h *Handler) ListSubmissions(w http.ResponseWriter, r *http.Request) {
	s, err := h.ownedSession(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	subs, err := h.repo.ListSubmissions(r.Context(), s.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]domain.Submission, 0, len(subs))
	for _, sub := range subs {
		c := *sub
		c.CanonicalResult = nil
		out = append(out, c)
	}
	JSON(w, http.StatusOK, map[string]interface{}{"submissions": out})
}

// CompleteRound closes the session at the caller's request.
func (h *Handler) CompleteRound(w http.ResponseWriter, r *http.Request) {
	s, err := h.ownedSession(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	done, err := h.engine.CompleteRound(r.Context(), s.ID, requestMeta(r))
	if errors.Is(err, domain.ErrAlreadyTerminal) && done != nil {
		status, code := statusFor(err)
		JSON(w, status, map[string]interface{}{
			"error":   err.Error(),
			"code":    code,
			"session": h.sessionView(done),
		})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, h.sessionView(done))
}

// Leaderboard returns the current ranked snapshot.
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	snap, err := h.board.Snapshot(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, snap)
}
