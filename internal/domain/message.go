package domain

import (
	"time"
)

// Message is a persisted chat message in a topic.
type Message struct {
	ID          int64     `json:"id"`
	TopicID     int64     `json:"topicId"`
	AuthorID    *string   `json:"authorId"`
	Content     string    `json:"content"`
	AIGenerated bool      `json:"aiGenerated"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// IsAIAuthored returns true for messages written by the agent. Placeholders
// created by the agent carry no author, so a nil author counts as AI.
func (m *Message) IsAIAuthored() bool {
	return m.AIGenerated || m.AuthorID == nil || IsAgent(*m.AuthorID)
}

// IsAuthoredBy returns true if participantID wrote the message.
func (m *Message) IsAuthoredBy(participantID string) bool {
	if IsAgent(participantID) {
		return m.IsAIAuthored()
	}
	return m.AuthorID != nil && *m.AuthorID == participantID
}

// Before reports whether m sorts before other in a topic's timeline.
// Ties on creation time fall back to the monotonic id.
func (m *Message) Before(other *Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

// CloneMessages returns a copy of msgs that shares no backing array.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return []Message{}
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}
