// Package domain contains core domain types for the competition engine.
package domain

import (
	"time"
)

// Participant is a registered competitor.
type Participant struct {
	ID        string    `json:"participant_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	JoinedAt  time.Time `json:"joined_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DisplayName returns the participant name, or a placeholder when unset.
func (p *Participant) DisplayName() string {
	if p == nil || p.Name == "" {
		return "Unknown"
	}
	return p.Name
}
