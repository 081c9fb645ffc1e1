package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/roomchat/internal/domain"
)

// newTestPostgres connects to TEST_DATABASE_URL, skipping when it is unset.
func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	s, err := NewPostgres(context.Background(), url)
	if err != nil {
		t.Fatalf("NewPostgres() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresMessagesAndMembership(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()

	userID := "pg-" + uuid.NewString()
	if err := s.UpsertUser(ctx, &domain.User{ID: userID, Username: "alice"}); err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}
	project, err := s.CreateProject(ctx, "proj", nil)
	if err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	topic, err := s.CreateTopic(ctx, project.ID, "topic", nil)
	if err != nil {
		t.Fatalf("CreateTopic() error = %v", err)
	}

	if _, err := s.AddMessage(ctx, topic.ID, userID, "hi"); !errors.Is(err, ErrNotMember) {
		t.Errorf("AddMessage(non-member) error = %v, want ErrNotMember", err)
	}
	if err := s.AddTopicMember(ctx, topic.ID, userID, true); err != nil {
		t.Fatalf("AddTopicMember() error = %v", err)
	}
	if admin, err := s.IsTopicAdmin(ctx, topic.ID, userID); err != nil || !admin {
		t.Errorf("IsTopicAdmin() = %v, %v; want true", admin, err)
	}

	first, err := s.AddMessage(ctx, topic.ID, userID, "hi")
	if err != nil {
		t.Fatalf("AddMessage() error = %v", err)
	}
	ai, err := s.AddAIMessage(ctx, topic.ID, "")
	if err != nil {
		t.Fatalf("AddAIMessage() error = %v", err)
	}
	updatedAt := time.Now().Add(time.Second).UTC().Truncate(time.Millisecond)
	if _, err := s.EditMessage(ctx, topic.ID, ai.ID, "answer", updatedAt); err != nil {
		t.Fatalf("EditMessage() error = %v", err)
	}

	msgs, err := s.ListMessages(ctx, topic.ID)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != first.ID || msgs[1].Content != "answer" {
		t.Errorf("ListMessages() = %+v", msgs)
	}

	if _, err := s.DeleteMessage(ctx, topic.ID, ai.ID); err != nil {
		t.Fatalf("DeleteMessage() error = %v", err)
	}
	if _, err := s.DeleteMessage(ctx, topic.ID, ai.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteMessage(again) error = %v, want ErrNotFound", err)
	}
}

func TestPostgresKeysAndTokens(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()

	owner := "pg-" + uuid.NewString()
	other := "pg-" + uuid.NewString()
	for _, id := range []string{owner, other} {
		if err := s.UpsertUser(ctx, &domain.User{ID: id, Username: id}); err != nil {
			t.Fatalf("UpsertUser() error = %v", err)
		}
	}
	project, err := s.CreateProject(ctx, "keys", nil)
	if err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	keyID, err := s.AddUserAPIKey(ctx, owner, "sk-pg")
	if err != nil {
		t.Fatalf("AddUserAPIKey() error = %v", err)
	}
	if err := s.DonateProjectKey(ctx, project.ID, other, keyID); !errors.Is(err, ErrNotFound) {
		t.Errorf("DonateProjectKey(someone else's key) error = %v, want ErrNotFound", err)
	}
	if err := s.DonateProjectKey(ctx, project.ID, owner, keyID); err != nil {
		t.Fatalf("DonateProjectKey() error = %v", err)
	}
	if key, err := s.GetDonatedProjectKey(ctx, project.ID); err != nil || key != "sk-pg" {
		t.Errorf("GetDonatedProjectKey() = %q, %v; want sk-pg", key, err)
	}

	if _, err := s.CreateToken(ctx, owner, "tok", time.Minute); err != nil {
		t.Fatalf("CreateToken() error = %v", err)
	}
	if err := s.ConsumeToken(ctx, owner, "tok"); err != nil {
		t.Fatalf("ConsumeToken() error = %v", err)
	}
	if err := s.ConsumeToken(ctx, owner, "tok"); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("ConsumeToken(again) error = %v, want ErrTokenInvalid", err)
	}
}
