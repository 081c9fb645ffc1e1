// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/roomchat/internal/domain"
)

var (
	// ErrNotFound is returned by mutations that matched no row.
	ErrNotFound = errors.New("not found")
	// ErrNotMember is returned when a user writes to a topic they do not belong to.
	ErrNotMember = errors.New("user is not a member of the topic")
	// ErrTokenInvalid is returned when a temporary token is unknown, expired, or already used.
	ErrTokenInvalid = errors.New("token invalid or expired")
)

// MessageStore persists topic messages.
type MessageStore interface {
	// ListMessages returns every message in a topic, oldest first.
	ListMessages(ctx context.Context, topicID int64) ([]domain.Message, error)

	// GetMessage returns a single message, or nil if it does not exist.
	GetMessage(ctx context.Context, topicID, messageID int64) (*domain.Message, error)

	// AddMessage stores a message written by a topic member.
	AddMessage(ctx context.Context, topicID int64, authorID, content string) (*domain.Message, error)

	// AddAIMessage stores an agent-written message with no author.
	AddAIMessage(ctx context.Context, topicID int64, content string) (*domain.Message, error)

	// EditMessage replaces message content and stamps updatedAt.
	EditMessage(ctx context.Context, topicID, messageID int64, content string, updatedAt time.Time) (*domain.Message, error)

	// DeleteMessage removes a message and returns what was deleted.
	DeleteMessage(ctx context.Context, topicID, messageID int64) (*domain.Message, error)
}

// ContextStore exposes the project and topic records the agent prompts from.
type ContextStore interface {
	// GetProject returns a project, or nil if it does not exist.
	GetProject(ctx context.Context, projectID int64) (*domain.Project, error)

	// GetTopic returns a topic, or nil if it does not exist.
	GetTopic(ctx context.Context, topicID int64) (*domain.Topic, error)

	// GetDonatedProjectKey returns the most recently donated completion key
	// for a project, or "" if none was donated.
	GetDonatedProjectKey(ctx context.Context, projectID int64) (string, error)
}

// TokenStore issues and consumes single-use connection tokens.
type TokenStore interface {
	// CreateToken stores value under key, replacing any previous token for key.
	CreateToken(ctx context.Context, key, value string, ttl time.Duration) (*domain.TemporaryToken, error)

	// ConsumeToken deletes the token if it matches and has not expired.
	// Returns ErrTokenInvalid otherwise. A token can be consumed at most once.
	ConsumeToken(ctx context.Context, key, value string) error
}

// WorkspaceStore manages projects, topics, memberships and completion keys.
type WorkspaceStore interface {
	ContextStore

	// CreateProject creates a project.
	CreateProject(ctx context.Context, name string, systemPrompt *string) (*domain.Project, error)

	// CreateTopic creates a topic in a project. Returns ErrNotFound when the
	// project does not exist.
	CreateTopic(ctx context.Context, projectID int64, name string, systemPrompt *string) (*domain.Topic, error)

	// AddTopicMember grants a user write access to a topic. Returns
	// ErrNotFound when the user or topic does not exist.
	AddTopicMember(ctx context.Context, topicID int64, userID string, admin bool) error

	// IsTopicAdmin reports whether a user administers a topic.
	IsTopicAdmin(ctx context.Context, topicID int64, userID string) (bool, error)

	// AddUserAPIKey stores a user's completion API key and returns its id.
	AddUserAPIKey(ctx context.Context, userID, key string) (int64, error)

	// DonateProjectKey makes one of the user's API keys available to a
	// project's agent. Returns ErrNotFound when the key is not the user's or
	// the project does not exist.
	DonateProjectKey(ctx context.Context, projectID int64, userID string, keyID int64) error
}

// AccountStore manages users and their login sessions.
type AccountStore interface {
	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// CreateSession stores a login session.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession returns a login session, or nil if it does not exist.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
}

// Repository is the full persistence gateway used by the server.
type Repository interface {
	MessageStore
	TokenStore
	WorkspaceStore
	AccountStore

	// DeleteExpiredTokens removes temporary tokens that expired before now.
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

var (
	_ Repository = (*SQLiteStore)(nil)
	_ Repository = (*PostgresStore)(nil)
	_ TokenStore = (*RedisTokenStore)(nil)
)
