package domain

import (
	"time"
)

// DefaultModel is the completion model used when a project has none set.
const DefaultModel = "gpt-3.5-turbo-16k"

// Project groups topics and carries a project-wide system prompt.
type Project struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
	Context     *string   `json:"context,omitempty"`
	Model       string    `json:"model"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Topic is a single conversation; each topic backs exactly one room.
type Topic struct {
	ID          int64     `json:"id"`
	ProjectID   int64     `json:"projectId"`
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
	Context     *string   `json:"context,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ChatContext is the agent-local prompt and credential state for a room.
type ChatContext struct {
	ProjectSystemMessage *string
	TopicSystemMessage   *string
	APIKey               string
	Model                string
}
