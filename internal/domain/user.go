// Package domain contains core domain types for the roomchat server.
package domain

import (
	"time"
)

// User represents an authenticated human participant.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Avatar    string    `json:"avatar,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AgentID is the reserved participant id used by the AI responder.
const AgentID = "AGENT"

// IsAgent reports whether a participant id is the agent sentinel.
func IsAgent(participantID string) bool {
	return participantID == AgentID
}
