package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/queryarena/internal/domain"
)

// errorResponse is the body of every refusal.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{domain.ErrPrerequisiteNotMet, http.StatusForbidden, "prerequisite_not_met"},
	{domain.ErrRoundAlreadyFinished, http.StatusConflict, "round_already_finished"},
	{domain.ErrRoundClosed, http.StatusConflict, "round_closed"},
	{domain.ErrDuplicateSubmission, http.StatusConflict, "duplicate_submission"},
	{domain.ErrAlreadyTerminal, http.StatusConflict, "already_terminal"},
	{domain.ErrStaleSession, http.StatusConflict, "concurrent_update"},
	{domain.ErrSessionNotFound, http.StatusNotFound, "session_not_found"},
	{domain.ErrParticipantNotFound, http.StatusNotFound, "participant_not_found"},
	{domain.ErrUnknownRound, http.StatusNotFound, "unknown_round"},
	{domain.ErrQuestionNotFound, http.StatusNotFound, "question_not_found"},
	{domain.ErrValidation, http.StatusUnprocessableEntity, "validation_error"},
	{domain.ErrConfiguration, http.StatusInternalServerError, "configuration_error"},
}

// statusFor maps an engine error to an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

// writeError renders err. Unexpected errors are logged and hidden.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if code == "internal_error" {
		slog.Error("Request failed", "error", err, "method", r.Method, "path", r.URL.Path)
		msg = "internal error"
	}
	JSON(w, status, errorResponse{Error: msg, Code: code})
}
