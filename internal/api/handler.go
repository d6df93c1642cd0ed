// Package api provides HTTP handlers for the competition API.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/queryarena/internal/identity"
	"github.com/ashureev/queryarena/internal/leaderboard"
	"github.com/ashureev/queryarena/internal/proctor"
	"github.com/ashureev/queryarena/internal/questions"
	"github.com/ashureev/queryarena/internal/store"
)

// Handler provides common handler utilities.
type Handler struct {
	repo   store.Repository
	engine *proctor.Engine
	bank   *questions.Bank
	board  *leaderboard.Service
	isDev  bool
	now    func() time.Time
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, engine *proctor.Engine, bank *questions.Bank, board *leaderboard.Service, isDev bool) *Handler {
	return &Handler{
		repo:   repo,
		engine: engine,
		bank:   bank,
		board:  board,
		isDev:  isDev,
		now:    time.Now,
	}
}

// RegisterRoutes mounts the competition API on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/auth/login", h.Login)
	r.Get("/api/leaderboard", h.Leaderboard)
	r.Handle("/ws/leaderboard", h.board)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(h.repo))

		r.Get("/api/me", h.Me)
		r.Get("/api/progress", h.Progress)

		r.Route("/api/rounds", func(r chi.Router) {
			r.Get("/", h.Rounds)
			r.Get("/{round}/questions", h.Questions)
			r.Post("/{round}/start", h.StartRound)
			r.Get("/{round}/session", h.RoundSession)
		})

		r.Route("/api/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Get("/time", h.RemainingTime)
			r.Get("/violations", h.ListViolations)
			r.Post("/violations", h.RecordViolation)
			r.Get("/submissions", h.ListSubmissions)
			r.Post("/submissions", h.Submit)
			r.Post("/complete", h.CompleteRound)
		})
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
