// Package llm is the streaming completion gateway used by the agent.
package llm

import (
	"context"
	"iter"
)

// Chat roles understood by the completion API.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one role-tagged entry of a completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a streaming chat completion request.
type Request struct {
	Model    string
	APIKey   string
	Messages []Message
}

// Completer streams completion text. The sequence yields content deltas in
// stream order and ends after the final delta, or after yielding one error.
type Completer interface {
	Stream(ctx context.Context, req Request) iter.Seq2[string, error]
}
