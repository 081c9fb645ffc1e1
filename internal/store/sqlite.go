package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/roomchat/internal/domain"
	"github.com/ashureev/roomchat/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for concurrent readers; foreign keys for cascades.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		avatar TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		active_expires INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS projects (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		description TEXT,
		context TEXT,
		model TEXT NOT NULL DEFAULT 'gpt-3.5-turbo-16k',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS topics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		description TEXT,
		context TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users_in_topics (
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		topic_id INTEGER NOT NULL REFERENCES topics(id) ON DELETE CASCADE,
		admin INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, topic_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		topic_id INTEGER NOT NULL REFERENCES topics(id) ON DELETE CASCADE,
		author_id TEXT REFERENCES users(id) ON DELETE CASCADE,
		content TEXT NOT NULL,
		ai_generated INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_topic_created ON messages(topic_id, created_at, id);

	CREATE TABLE IF NOT EXISTS user_api_keys (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		key TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS donated_keys_in_projects (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		user_api_key_id INTEGER NOT NULL REFERENCES user_api_keys(id) ON DELETE CASCADE,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS temporary_tokens (
		id TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_temporary_tokens_expires ON temporary_tokens(expires_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

const messageColumns = `id, topic_id, author_id, content, ai_generated, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var msg domain.Message
	var authorID sql.NullString
	var createdAt, updatedAt int64

	if err := row.Scan(
		&msg.ID, &msg.TopicID, &authorID, &msg.Content,
		&msg.AIGenerated, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	if authorID.Valid {
		id := authorID.String
		msg.AuthorID = &id
	}
	msg.CreatedAt = time.UnixMilli(createdAt).UTC()
	msg.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &msg, nil
}

// ListMessages returns every message in a topic, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, topicID int64) ([]domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE topic_id = ? ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, topicID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	messages := []domain.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// GetMessage returns a single message, or nil if it does not exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, topicID, messageID int64) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = ? AND topic_id = ?`
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, messageID, topicID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) isTopicMember(ctx context.Context, topicID int64, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM users_in_topics WHERE topic_id = ? AND user_id = ?`, topicID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check topic membership: %w", err)
	}
	return true, nil
}

// AddMessage stores a message written by a topic member.
func (s *SQLiteStore) AddMessage(ctx context.Context, topicID int64, authorID, content string) (*domain.Message, error) {
	member, err := s.isTopicMember(ctx, topicID, authorID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, ErrNotMember
	}
	return s.insertMessage(ctx, topicID, authorID, content, false)
}

// AddAIMessage stores an agent-written message with no author.
func (s *SQLiteStore) AddAIMessage(ctx context.Context, topicID int64, content string) (*domain.Message, error) {
	return s.insertMessage(ctx, topicID, "", content, true)
}

func (s *SQLiteStore) insertMessage(ctx context.Context, topicID int64, authorID, content string, ai bool) (*domain.Message, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	var author any
	if authorID != "" {
		author = authorID
	}

	var id int64
	err := withBusyRetry(ctx, "insert message", func() error {
		result, err := s.db.ExecContext(ctx,
			`INSERT INTO messages (topic_id, author_id, content, ai_generated, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			topicID, author, content, ai, now.UnixMilli(), now.UnixMilli())
		if err != nil {
			return err
		}
		id, err = result.LastInsertId()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	msg := &domain.Message{
		ID:          id,
		TopicID:     topicID,
		Content:     content,
		AIGenerated: ai,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if authorID != "" {
		msg.AuthorID = &authorID
	}
	return msg, nil
}

// EditMessage replaces message content and stamps updatedAt.
func (s *SQLiteStore) EditMessage(ctx context.Context, topicID, messageID int64, content string, updatedAt time.Time) (*domain.Message, error) {
	var rows int64
	err := withBusyRetry(ctx, "edit message", func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE messages SET content = ?, updated_at = ? WHERE id = ? AND topic_id = ?`,
			content, updatedAt.UnixMilli(), messageID, topicID)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	if rows == 0 {
		return nil, ErrNotFound
	}

	msg, err := s.GetMessage(ctx, topicID, messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, ErrNotFound
	}
	// Keep caller precision; the column only holds milliseconds.
	msg.UpdatedAt = updatedAt
	return msg, nil
}

// DeleteMessage removes a message and returns what was deleted.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, topicID, messageID int64) (*domain.Message, error) {
	msg, err := s.GetMessage(ctx, topicID, messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, ErrNotFound
	}

	err = withBusyRetry(ctx, "delete message", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ? AND topic_id = ?`, messageID, topicID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("delete message: %w", err)
	}
	return msg, nil
}

// GetProject returns a project, or nil if it does not exist.
func (s *SQLiteStore) GetProject(ctx context.Context, projectID int64) (*domain.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, context, model, created_at, updated_at
		FROM projects WHERE id = ?`, projectID)

	var p domain.Project
	var description, systemPrompt sql.NullString
	var createdAt, updatedAt int64
	err := row.Scan(&p.ID, &p.Name, &description, &systemPrompt, &p.Model, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}

	p.Description = nullStringPtr(description)
	p.Context = nullStringPtr(systemPrompt)
	p.CreatedAt = time.UnixMilli(createdAt).UTC()
	p.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &p, nil
}

// GetTopic returns a topic, or nil if it does not exist.
func (s *SQLiteStore) GetTopic(ctx context.Context, topicID int64) (*domain.Topic, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, description, context, created_at, updated_at
		FROM topics WHERE id = ?`, topicID)

	var t domain.Topic
	var description, systemPrompt sql.NullString
	var createdAt, updatedAt int64
	err := row.Scan(&t.ID, &t.ProjectID, &t.Name, &description, &systemPrompt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan topic: %w", err)
	}

	t.Description = nullStringPtr(description)
	t.Context = nullStringPtr(systemPrompt)
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	t.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &t, nil
}

// GetDonatedProjectKey returns the most recently donated key for a project.
func (s *SQLiteStore) GetDonatedProjectKey(ctx context.Context, projectID int64) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx, `
		SELECT k.key FROM donated_keys_in_projects d
		JOIN user_api_keys k ON k.id = d.user_api_key_id
		WHERE d.project_id = ?
		ORDER BY d.updated_at DESC, d.id DESC
		LIMIT 1`, projectID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("scan donated key: %w", err)
	}
	return key, nil
}

// GetSession returns a login session, or nil if it does not exist.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var session domain.Session
	var activeExpires int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, active_expires FROM sessions WHERE id = ?`, sessionID).
		Scan(&session.ID, &session.UserID, &activeExpires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	session.ActiveExpires = time.UnixMilli(activeExpires).UTC()
	return &session, nil
}

// CreateToken stores value under key, replacing any previous token for key.
func (s *SQLiteStore) CreateToken(ctx context.Context, key, value string, ttl time.Duration) (*domain.TemporaryToken, error) {
	token := &domain.TemporaryToken{
		Key:       key,
		Value:     value,
		ExpiresAt: time.Now().UTC().Add(ttl).Truncate(time.Millisecond),
	}
	err := withBusyRetry(ctx, "create token", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO temporary_tokens (id, value, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
			token.Key, token.Value, token.ExpiresAt.UnixMilli())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create token: %w", err)
	}
	return token, nil
}

// ConsumeToken deletes the token if it matches and has not expired.
func (s *SQLiteStore) ConsumeToken(ctx context.Context, key, value string) error {
	var rows int64
	err := withBusyRetry(ctx, "consume token", func() error {
		result, err := s.db.ExecContext(ctx,
			`DELETE FROM temporary_tokens WHERE id = ? AND value = ? AND expires_at > ?`,
			key, value, time.Now().UnixMilli())
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("consume token: %w", err)
	}
	if rows == 0 {
		return ErrTokenInvalid
	}
	return nil
}

// DeleteExpiredTokens removes temporary tokens that expired before now.
func (s *SQLiteStore) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM temporary_tokens WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	return result.RowsAffected()
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	var avatar any
	if user.Avatar != "" {
		avatar = user.Avatar
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, avatar, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			avatar = excluded.avatar,
			updated_at = excluded.updated_at`,
		user.ID, user.Username, avatar, user.CreatedAt.UnixMilli(), user.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// CreateSession stores a login session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, active_expires) VALUES (?, ?, ?)`,
		session.ID, session.UserID, session.ActiveExpires.UnixMilli())
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// CreateProject creates a project.
func (s *SQLiteStore) CreateProject(ctx context.Context, name string, systemPrompt *string) (*domain.Project, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (name, context, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		name, stringPtrValue(systemPrompt), domain.DefaultModel, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("project id: %w", err)
	}
	return &domain.Project{
		ID:        id,
		Name:      name,
		Context:   systemPrompt,
		Model:     domain.DefaultModel,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// CreateTopic creates a topic in a project.
func (s *SQLiteStore) CreateTopic(ctx context.Context, projectID int64, name string, systemPrompt *string) (*domain.Topic, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO topics (project_id, name, context, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		projectID, name, stringPtrValue(systemPrompt), now.UnixMilli(), now.UnixMilli())
	if shared.IsForeignKeyViolation(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("create topic: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("topic id: %w", err)
	}
	return &domain.Topic{
		ID:        id,
		ProjectID: projectID,
		Name:      name,
		Context:   systemPrompt,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// AddTopicMember grants a user write access to a topic.
func (s *SQLiteStore) AddTopicMember(ctx context.Context, topicID int64, userID string, admin bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users_in_topics (user_id, topic_id, admin) VALUES (?, ?, ?)`,
		userID, topicID, admin)
	if shared.IsUniqueViolation(err) {
		return nil
	}
	if shared.IsForeignKeyViolation(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("add topic member: %w", err)
	}
	return nil
}

// IsTopicAdmin reports whether a user administers a topic.
func (s *SQLiteStore) IsTopicAdmin(ctx context.Context, topicID int64, userID string) (bool, error) {
	var admin bool
	err := s.db.QueryRowContext(ctx,
		`SELECT admin FROM users_in_topics WHERE topic_id = ? AND user_id = ?`,
		topicID, userID).Scan(&admin)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get topic membership: %w", err)
	}
	return admin, nil
}

// AddUserAPIKey stores a user's completion API key and returns its id.
func (s *SQLiteStore) AddUserAPIKey(ctx context.Context, userID, key string) (int64, error) {
	now := time.Now().UnixMilli()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO user_api_keys (user_id, key, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		userID, key, now, now)
	if shared.IsForeignKeyViolation(err) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("add user api key: %w", err)
	}
	return result.LastInsertId()
}

// DonateProjectKey makes one of the user's API keys available to a
// project's agent.
func (s *SQLiteStore) DonateProjectKey(ctx context.Context, projectID int64, userID string, keyID int64) error {
	now := time.Now().UnixMilli()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO donated_keys_in_projects (user_id, project_id, user_api_key_id, created_at, updated_at)
		SELECT user_id, ?, id, ?, ?
		FROM user_api_keys
		WHERE id = ? AND user_id = ?`,
		projectID, now, now, keyID, userID)
	if shared.IsForeignKeyViolation(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("donate project key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("donate project key: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func stringPtrValue(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
