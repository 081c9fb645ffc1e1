package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/roomchat/internal/domain"
	"github.com/ashureev/roomchat/internal/identity"
	"github.com/ashureev/roomchat/internal/store"
)

const maxWorkspaceBodySize = 64 << 10

// ProjectRequest creates a project.
type ProjectRequest struct {
	Name    string  `json:"name"`
	Context *string `json:"context,omitempty"`
}

// TopicRequest creates a topic inside a project.
type TopicRequest struct {
	Name    string  `json:"name"`
	Context *string `json:"context,omitempty"`
}

// MemberRequest grants a user access to a topic.
type MemberRequest struct {
	UserID string `json:"userId"`
	Admin  bool   `json:"admin"`
}

// APIKeyRequest stores a completion key for the session user.
type APIKeyRequest struct {
	Key string `json:"key"`
}

// APIKeyResponse identifies a stored key without echoing it.
type APIKeyResponse struct {
	ID int64 `json:"id"`
}

// DonateRequest donates one of the session user's keys to a project.
type DonateRequest struct {
	KeyID int64 `json:"keyId"`
}

// WorkspaceHandler manages projects, topics, memberships and completion
// keys on behalf of the session user.
type WorkspaceHandler struct {
	store store.WorkspaceStore
}

// NewWorkspaceHandler creates a workspace handler.
func NewWorkspaceHandler(st store.WorkspaceStore) *WorkspaceHandler {
	return &WorkspaceHandler{store: st}
}

// RegisterRoutes registers workspace routes. Callers wrap r with the session
// middleware.
func (h *WorkspaceHandler) RegisterRoutes(r chi.Router) {
	r.Post("/projects", h.CreateProject)
	r.Post("/projects/{projectID}/topics", h.CreateTopic)
	r.Post("/projects/{projectID}/keys", h.DonateKey)
	r.Post("/topics/{topicID}/members", h.AddMember)
	r.Post("/keys", h.AddKey)
}

// CreateProject handles POST /projects.
func (h *WorkspaceHandler) CreateProject(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessionUser(w, r)
	if !ok {
		return
	}
	var req ProjectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		Error(w, http.StatusBadRequest, "name is required")
		return
	}

	project, err := h.store.CreateProject(r.Context(), req.Name, req.Context)
	if err != nil {
		slog.Error("Failed to create project", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to create project")
		return
	}
	slog.Info("Project created", "user_id", userID, "project_id", project.ID)
	JSON(w, http.StatusCreated, project)
}

// CreateTopic handles POST /projects/{projectID}/topics. The creator becomes
// the topic's admin.
func (h *WorkspaceHandler) CreateTopic(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessionUser(w, r)
	if !ok {
		return
	}
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	var req TopicRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		Error(w, http.StatusBadRequest, "name is required")
		return
	}

	topic, err := h.store.CreateTopic(r.Context(), projectID, req.Name, req.Context)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "project not found")
		return
	}
	if err != nil {
		slog.Error("Failed to create topic", "user_id", userID, "project_id", projectID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to create topic")
		return
	}
	if err := h.store.AddTopicMember(r.Context(), topic.ID, userID, true); err != nil {
		slog.Error("Failed to add topic creator", "user_id", userID, "topic_id", topic.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to create topic")
		return
	}
	slog.Info("Topic created", "user_id", userID, "project_id", projectID, "topic_id", topic.ID)
	JSON(w, http.StatusCreated, topic)
}

// AddMember handles POST /topics/{topicID}/members. Only topic admins may
// add members.
func (h *WorkspaceHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessionUser(w, r)
	if !ok {
		return
	}
	topicID, ok := pathID(w, r, "topicID")
	if !ok {
		return
	}
	var req MemberRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" || domain.IsAgent(req.UserID) {
		Error(w, http.StatusBadRequest, "invalid userId")
		return
	}

	admin, err := h.store.IsTopicAdmin(r.Context(), topicID, userID)
	if err != nil {
		slog.Error("Failed to check topic admin", "user_id", userID, "topic_id", topicID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to add member")
		return
	}
	if !admin {
		Error(w, http.StatusForbidden, "forbidden")
		return
	}

	err = h.store.AddTopicMember(r.Context(), topicID, req.UserID, req.Admin)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		slog.Error("Failed to add topic member", "topic_id", topicID, "member_id", req.UserID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to add member")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddKey handles POST /keys.
func (h *WorkspaceHandler) AddKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessionUser(w, r)
	if !ok {
		return
	}
	var req APIKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Key = strings.TrimSpace(req.Key)
	if req.Key == "" {
		Error(w, http.StatusBadRequest, "key is required")
		return
	}

	id, err := h.store.AddUserAPIKey(r.Context(), userID, req.Key)
	if err != nil {
		slog.Error("Failed to store api key", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to store key")
		return
	}
	JSON(w, http.StatusCreated, APIKeyResponse{ID: id})
}

// DonateKey handles POST /projects/{projectID}/keys.
func (h *WorkspaceHandler) DonateKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessionUser(w, r)
	if !ok {
		return
	}
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	var req DonateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.KeyID <= 0 {
		Error(w, http.StatusBadRequest, "keyId is required")
		return
	}

	err := h.store.DonateProjectKey(r.Context(), projectID, userID, req.KeyID)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "project or key not found")
		return
	}
	if err != nil {
		slog.Error("Failed to donate key", "user_id", userID, "project_id", projectID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to donate key")
		return
	}
	slog.Info("Key donated", "user_id", userID, "project_id", projectID)
	w.WriteHeader(http.StatusNoContent)
}

func sessionUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return userID, true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		Error(w, http.StatusBadRequest, "invalid "+strings.TrimSuffix(name, "ID")+" id")
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxWorkspaceBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
