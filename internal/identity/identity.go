// Package identity establishes which participant a request belongs to.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/queryarena/internal/domain"
	"github.com/ashureev/queryarena/internal/store"
)

const (
	ParticipantCookieName = "queryarena_pid"
	ParticipantHeaderName = "X-Participant-ID"
	participantCookieAge  = 7 * 24 * time.Hour
)

type contextKey int

const (
	participantKey contextKey = iota
)

var participantIDPattern = regexp.MustCompile(`^pt_[a-f0-9]{32}$`)

// ParticipantFromContext returns the authenticated participant, or nil.
func ParticipantFromContext(ctx context.Context) *domain.Participant {
	if v, ok := ctx.Value(participantKey).(*domain.Participant); ok {
		return v
	}
	return nil
}

// ParticipantIDFromContext returns the authenticated participant ID, or "".
func ParticipantIDFromContext(ctx context.Context) string {
	if p := ParticipantFromContext(ctx); p != nil {
		return p.ID
	}
	return ""
}

// WithParticipant attaches p to ctx.
func WithParticipant(ctx context.Context, p *domain.Participant) context.Context {
	return context.WithValue(ctx, participantKey, p)
}

func generateParticipantID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate participant id: %w", err)
	}
	return "pt_" + hex.EncodeToString(buf), nil
}

// IsValidParticipantID reports whether id has the issued format.
func IsValidParticipantID(id string) bool {
	return participantIDPattern.MatchString(id)
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Login fetches the participant registered under email, creating one on
// first sight. Later logins keep the original ID and join time.
func Login(ctx context.Context, repo store.Repository, name, email string, now time.Time) (*domain.Participant, bool, error) {
	name = strings.TrimSpace(name)
	email = NormalizeEmail(email)
	if name == "" || email == "" {
		return nil, false, fmt.Errorf("%w: name and email required", domain.ErrValidation)
	}

	existing, err := repo.GetParticipantByEmail(ctx, email)
	if err != nil {
		return nil, false, fmt.Errorf("get participant: %w", err)
	}
	if existing != nil {
		if existing.Name != name {
			existing.Name = name
			existing.UpdatedAt = now
			if err := repo.UpsertParticipant(ctx, existing); err != nil {
				return nil, false, fmt.Errorf("update participant: %w", err)
			}
		}
		return existing, false, nil
	}

	id, err := generateParticipantID()
	if err != nil {
		return nil, false, err
	}
	p := &domain.Participant{
		ID:        id,
		Name:      name,
		Email:     email,
		JoinedAt:  now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := repo.UpsertParticipant(ctx, p); err != nil {
		return nil, false, fmt.Errorf("create participant: %w", err)
	}
	slog.Info("Participant registered", "participant_id", id)
	return p, true, nil
}

// SetCookie issues the participant cookie.
func SetCookie(w http.ResponseWriter, participantID string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     ParticipantCookieName,
		Value:    participantID,
		Path:     "/",
		MaxAge:   int(participantCookieAge.Seconds()),
		Expires:  time.Now().Add(participantCookieAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func participantIDFromRequest(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(ParticipantHeaderName)); id != "" {
		return id
	}
	if c, err := r.Cookie(ParticipantCookieName); err == nil {
		return c.Value
	}
	return ""
}

// Middleware resolves the participant from the header or cookie and rejects
// requests without a known participant.
func Middleware(repo store.Repository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := participantIDFromRequest(r)
			if !IsValidParticipantID(id) {
				writeError(w, http.StatusUnauthorized, "login required")
				return
			}

			p, err := repo.GetParticipant(r.Context(), id)
			if err != nil {
				slog.Error("Failed to load participant", "error", err, "participant_id", id)
				writeError(w, http.StatusInternalServerError, "failed to load participant")
				return
			}
			if p == nil {
				writeError(w, http.StatusUnauthorized, "unknown participant")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithParticipant(r.Context(), p)))
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":%q}`, msg)
}

// IPFromRequest returns a normalized remote IP for audit entries.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
