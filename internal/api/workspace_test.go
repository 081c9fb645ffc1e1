package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/roomchat/internal/domain"
	"github.com/ashureev/roomchat/internal/identity"
	"github.com/ashureev/roomchat/internal/store"
)

type memberKey struct {
	topicID int64
	userID  string
}

// fakeWorkspace is an in-memory store.WorkspaceStore.
type fakeWorkspace struct {
	mu       sync.Mutex
	nextID   int64
	users    map[string]bool
	projects map[int64]*domain.Project
	topics   map[int64]*domain.Topic
	members  map[memberKey]bool
	keys     map[int64]string // key id -> owner
	donated  map[int64]int64  // project id -> key id
}

func newFakeWorkspace(users ...string) *fakeWorkspace {
	f := &fakeWorkspace{
		users:    make(map[string]bool),
		projects: make(map[int64]*domain.Project),
		topics:   make(map[int64]*domain.Topic),
		members:  make(map[memberKey]bool),
		keys:     make(map[int64]string),
		donated:  make(map[int64]int64),
	}
	for _, u := range users {
		f.users[u] = true
	}
	return f
}

func (f *fakeWorkspace) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeWorkspace) GetProject(_ context.Context, id int64) (*domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.projects[id], nil
}

func (f *fakeWorkspace) GetTopic(_ context.Context, id int64) (*domain.Topic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.topics[id], nil
}

func (f *fakeWorkspace) GetDonatedProjectKey(context.Context, int64) (string, error) {
	return "", nil
}

func (f *fakeWorkspace) CreateProject(_ context.Context, name string, prompt *string) (*domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &domain.Project{ID: f.id(), Name: name, Context: prompt, Model: domain.DefaultModel}
	f.projects[p.ID] = p
	return p, nil
}

func (f *fakeWorkspace) CreateTopic(_ context.Context, projectID int64, name string, prompt *string) (*domain.Topic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.projects[projectID] == nil {
		return nil, store.ErrNotFound
	}
	t := &domain.Topic{ID: f.id(), ProjectID: projectID, Name: name, Context: prompt}
	f.topics[t.ID] = t
	return t, nil
}

func (f *fakeWorkspace) AddTopicMember(_ context.Context, topicID int64, userID string, admin bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.users[userID] || f.topics[topicID] == nil {
		return store.ErrNotFound
	}
	k := memberKey{topicID, userID}
	if _, ok := f.members[k]; !ok {
		f.members[k] = admin
	}
	return nil
}

func (f *fakeWorkspace) IsTopicAdmin(_ context.Context, topicID int64, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[memberKey{topicID, userID}], nil
}

func (f *fakeWorkspace) AddUserAPIKey(_ context.Context, userID, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id()
	f.keys[id] = userID
	return id, nil
}

func (f *fakeWorkspace) DonateProjectKey(_ context.Context, projectID int64, userID string, keyID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.projects[projectID] == nil || f.keys[keyID] != userID {
		return store.ErrNotFound
	}
	f.donated[projectID] = keyID
	return nil
}

func workspaceRequest(t *testing.T, h *WorkspaceHandler, sessionUser, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if sessionUser != "" {
				req = req.WithContext(identity.WithUser(req.Context(), sessionUser, "sess"))
			}
			next.ServeHTTP(w, req)
		})
	})
	h.RegisterRoutes(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	return w
}

func TestWorkspaceBootstrapsWritableTopic(t *testing.T) {
	ws := newFakeWorkspace("alice", "bob")
	h := NewWorkspaceHandler(ws)

	w := workspaceRequest(t, h, "alice", "/projects", `{"name":"Launch","context":"be brief"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create project status = %d, body = %s", w.Code, w.Body.String())
	}
	var project domain.Project
	if err := json.NewDecoder(w.Body).Decode(&project); err != nil {
		t.Fatalf("decode project: %v", err)
	}

	w = workspaceRequest(t, h, "alice", "/projects/"+itoa(project.ID)+"/topics", `{"name":"Planning"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create topic status = %d, body = %s", w.Code, w.Body.String())
	}
	var topic domain.Topic
	if err := json.NewDecoder(w.Body).Decode(&topic); err != nil {
		t.Fatalf("decode topic: %v", err)
	}
	if topic.ProjectID != project.ID {
		t.Errorf("topic.ProjectID = %d, want %d", topic.ProjectID, project.ID)
	}
	if admin, _ := ws.IsTopicAdmin(context.Background(), topic.ID, "alice"); !admin {
		t.Error("topic creator is not admin")
	}

	w = workspaceRequest(t, h, "alice", "/topics/"+itoa(topic.ID)+"/members", `{"userId":"bob"}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("add member status = %d, body = %s", w.Code, w.Body.String())
	}
	if _, ok := ws.members[memberKey{topic.ID, "bob"}]; !ok {
		t.Error("bob was not added to the topic")
	}

	w = workspaceRequest(t, h, "alice", "/keys", `{"key":"sk-alice"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("add key status = %d", w.Code)
	}
	var key APIKeyResponse
	if err := json.NewDecoder(w.Body).Decode(&key); err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if strings.Contains(w.Body.String(), "sk-alice") {
		t.Error("key value echoed in response")
	}

	w = workspaceRequest(t, h, "alice", "/projects/"+itoa(project.ID)+"/keys", `{"keyId":`+itoa(key.ID)+`}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("donate status = %d, body = %s", w.Code, w.Body.String())
	}
	if ws.donated[project.ID] != key.ID {
		t.Errorf("donated key = %d, want %d", ws.donated[project.ID], key.ID)
	}
}

func TestWorkspaceRejects(t *testing.T) {
	ws := newFakeWorkspace("alice", "bob")
	project, _ := ws.CreateProject(context.Background(), "p", nil)
	topic, _ := ws.CreateTopic(context.Background(), project.ID, "t", nil)
	_ = ws.AddTopicMember(context.Background(), topic.ID, "alice", true)
	_ = ws.AddTopicMember(context.Background(), topic.ID, "bob", false)
	bobKey, _ := ws.AddUserAPIKey(context.Background(), "bob", "sk-bob")

	projectPath := "/projects/" + itoa(project.ID)
	membersPath := "/topics/" + itoa(topic.ID) + "/members"

	tests := []struct {
		name        string
		sessionUser string
		path        string
		body        string
		wantStatus  int
	}{
		{"no session", "", "/projects", `{"name":"x"}`, http.StatusUnauthorized},
		{"blank project name", "alice", "/projects", `{"name":"  "}`, http.StatusBadRequest},
		{"bad body", "alice", "/projects", `{`, http.StatusBadRequest},
		{"bad project id", "alice", "/projects/abc/topics", `{"name":"x"}`, http.StatusBadRequest},
		{"unknown project", "alice", "/projects/999/topics", `{"name":"x"}`, http.StatusNotFound},
		{"member not admin", "bob", membersPath, `{"userId":"alice"}`, http.StatusForbidden},
		{"agent as member", "alice", membersPath, `{"userId":"AGENT"}`, http.StatusBadRequest},
		{"unknown user", "alice", membersPath, `{"userId":"ghost"}`, http.StatusNotFound},
		{"empty key", "alice", "/keys", `{"key":""}`, http.StatusBadRequest},
		{"missing key id", "alice", projectPath + "/keys", `{}`, http.StatusBadRequest},
		{"someone else's key", "alice", projectPath + "/keys", `{"keyId":` + itoa(bobKey) + `}`, http.StatusNotFound},
	}

	h := NewWorkspaceHandler(ws)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := workspaceRequest(t, h, tt.sessionUser, tt.path, tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
