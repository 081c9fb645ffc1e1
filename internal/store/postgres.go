package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashureev/roomchat/internal/domain"
	"github.com/ashureev/roomchat/internal/shared"
)

// PostgresStore implements Repository on PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a PostgreSQL store with a connection pool and ensures
// the schema exists.
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		avatar TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		active_expires TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS projects (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		context TEXT,
		model TEXT NOT NULL DEFAULT 'gpt-3.5-turbo-16k',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS topics (
		id BIGSERIAL PRIMARY KEY,
		project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		description TEXT,
		context TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS users_in_topics (
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		topic_id BIGINT NOT NULL REFERENCES topics(id) ON DELETE CASCADE,
		admin BOOLEAN NOT NULL DEFAULT false,
		PRIMARY KEY (user_id, topic_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		topic_id BIGINT NOT NULL REFERENCES topics(id) ON DELETE CASCADE,
		author_id TEXT REFERENCES users(id) ON DELETE CASCADE,
		content TEXT NOT NULL,
		ai_generated BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_messages_topic_created ON messages(topic_id, created_at, id);

	CREATE TABLE IF NOT EXISTS user_api_keys (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		key TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS donated_keys_in_projects (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		user_api_key_id BIGINT NOT NULL REFERENCES user_api_keys(id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS temporary_tokens (
		id TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_temporary_tokens_expires ON temporary_tokens(expires_at);
	`)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPgMessage(row pgx.Row) (*domain.Message, error) {
	msg := &domain.Message{}
	if err := row.Scan(
		&msg.ID, &msg.TopicID, &msg.AuthorID, &msg.Content,
		&msg.AIGenerated, &msg.CreatedAt, &msg.UpdatedAt,
	); err != nil {
		return nil, err
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	msg.UpdatedAt = msg.UpdatedAt.UTC()
	return msg, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, topicID int64) ([]domain.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE topic_id = $1 ORDER BY created_at ASC, id ASC
	`, topicID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := []domain.Message{}
	for rows.Next() {
		msg, err := scanPgMessage(rows)
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

func (s *PostgresStore) GetMessage(ctx context.Context, topicID, messageID int64) (*domain.Message, error) {
	msg, err := scanPgMessage(s.pool.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE id = $1 AND topic_id = $2
	`, messageID, topicID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) AddMessage(ctx context.Context, topicID int64, authorID, content string) (*domain.Message, error) {
	var member bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM users_in_topics WHERE topic_id = $1 AND user_id = $2)
	`, topicID, authorID).Scan(&member)
	if err != nil {
		return nil, fmt.Errorf("check topic membership: %w", err)
	}
	if !member {
		return nil, ErrNotMember
	}

	msg, err := scanPgMessage(s.pool.QueryRow(ctx, `
		INSERT INTO messages (topic_id, author_id, content, ai_generated)
		VALUES ($1, $2, $3, false)
		RETURNING `+messageColumns,
		topicID, authorID, content))
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) AddAIMessage(ctx context.Context, topicID int64, content string) (*domain.Message, error) {
	msg, err := scanPgMessage(s.pool.QueryRow(ctx, `
		INSERT INTO messages (topic_id, author_id, content, ai_generated)
		VALUES ($1, NULL, $2, true)
		RETURNING `+messageColumns,
		topicID, content))
	if err != nil {
		return nil, fmt.Errorf("insert ai message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) EditMessage(ctx context.Context, topicID, messageID int64, content string, updatedAt time.Time) (*domain.Message, error) {
	msg, err := scanPgMessage(s.pool.QueryRow(ctx, `
		UPDATE messages SET content = $1, updated_at = $2
		WHERE id = $3 AND topic_id = $4
		RETURNING `+messageColumns,
		content, updatedAt, messageID, topicID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update message: %w", err)
	}
	msg.UpdatedAt = updatedAt
	return msg, nil
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, topicID, messageID int64) (*domain.Message, error) {
	msg, err := scanPgMessage(s.pool.QueryRow(ctx, `
		DELETE FROM messages WHERE id = $1 AND topic_id = $2
		RETURNING `+messageColumns,
		messageID, topicID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("delete message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID int64) (*domain.Project, error) {
	p := &domain.Project{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, description, context, model, created_at, updated_at
		FROM projects WHERE id = $1
	`, projectID).Scan(&p.ID, &p.Name, &p.Description, &p.Context, &p.Model, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan project: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) GetTopic(ctx context.Context, topicID int64) (*domain.Topic, error) {
	t := &domain.Topic{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, project_id, name, description, context, created_at, updated_at
		FROM topics WHERE id = $1
	`, topicID).Scan(&t.ID, &t.ProjectID, &t.Name, &t.Description, &t.Context, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan topic: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) GetDonatedProjectKey(ctx context.Context, projectID int64) (string, error) {
	var key string
	err := s.pool.QueryRow(ctx, `
		SELECT k.key FROM donated_keys_in_projects d
		JOIN user_api_keys k ON k.id = d.user_api_key_id
		WHERE d.project_id = $1
		ORDER BY d.updated_at DESC, d.id DESC
		LIMIT 1
	`, projectID).Scan(&key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("scan donated key: %w", err)
	}
	return key, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	session := &domain.Session{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, active_expires FROM sessions WHERE id = $1
	`, sessionID).Scan(&session.ID, &session.UserID, &session.ActiveExpires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return session, nil
}

func (s *PostgresStore) CreateToken(ctx context.Context, key, value string, ttl time.Duration) (*domain.TemporaryToken, error) {
	token := &domain.TemporaryToken{Key: key, Value: value, ExpiresAt: time.Now().UTC().Add(ttl)}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO temporary_tokens (id, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`, token.Key, token.Value, token.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("create token: %w", err)
	}
	return token, nil
}

func (s *PostgresStore) ConsumeToken(ctx context.Context, key, value string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM temporary_tokens WHERE id = $1 AND value = $2 AND expires_at > now()
	`, key, value)
	if err != nil {
		return fmt.Errorf("consume token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTokenInvalid
	}
	return nil
}

func (s *PostgresStore) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM temporary_tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) UpsertUser(ctx context.Context, user *domain.User) error {
	var avatar *string
	if user.Avatar != "" {
		avatar = &user.Avatar
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, username, avatar) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			avatar = EXCLUDED.avatar,
			updated_at = now()
		RETURNING created_at, updated_at
	`, user.ID, user.Username, avatar).Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, session *domain.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, active_expires) VALUES ($1, $2, $3)
	`, session.ID, session.UserID, session.ActiveExpires)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, name string, systemPrompt *string) (*domain.Project, error) {
	p := &domain.Project{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO projects (name, context, model) VALUES ($1, $2, $3)
		RETURNING id, name, description, context, model, created_at, updated_at
	`, name, systemPrompt, domain.DefaultModel).Scan(
		&p.ID, &p.Name, &p.Description, &p.Context, &p.Model, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) CreateTopic(ctx context.Context, projectID int64, name string, systemPrompt *string) (*domain.Topic, error) {
	t := &domain.Topic{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO topics (project_id, name, context) VALUES ($1, $2, $3)
		RETURNING id, project_id, name, description, context, created_at, updated_at
	`, projectID, name, systemPrompt).Scan(
		&t.ID, &t.ProjectID, &t.Name, &t.Description, &t.Context, &t.CreatedAt, &t.UpdatedAt)
	if shared.IsForeignKeyViolation(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("create topic: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) AddTopicMember(ctx context.Context, topicID int64, userID string, admin bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users_in_topics (user_id, topic_id, admin) VALUES ($1, $2, $3)
	`, userID, topicID, admin)
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

func (s *PostgresStore) IsTopicAdmin(ctx context.Context, topicID int64, userID string) (bool, error) {
	var admin bool
	err := s.pool.QueryRow(ctx, `
		SELECT admin FROM users_in_topics WHERE topic_id = $1 AND user_id = $2
	`, topicID, userID).Scan(&admin)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get topic membership: %w", err)
	}
	return admin, nil
}

func (s *PostgresStore) AddUserAPIKey(ctx context.Context, userID, key string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO user_api_keys (user_id, key) VALUES ($1, $2) RETURNING id
	`, userID, key).Scan(&id)
	if shared.IsForeignKeyViolation(err) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("add user api key: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) DonateProjectKey(ctx context.Context, projectID int64, userID string, keyID int64) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO donated_keys_in_projects (user_id, project_id, user_api_key_id)
		SELECT user_id, $1, id FROM user_api_keys WHERE id = $2 AND user_id = $3
	`, projectID, keyID, userID)
	if shared.IsForeignKeyViolation(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("donate project key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
