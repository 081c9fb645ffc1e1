package room

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ashureev/roomchat/internal/domain"
)

// AgentController attaches and detaches the AI agent for a room.
type AgentController interface {
	Attach(ctx context.Context, id domain.RoomID) error
	Detach(ctx context.Context, id domain.RoomID) error
}

// ControlRequest is the body of the agent control endpoint.
type ControlRequest struct {
	Action    string `json:"action"`
	ID        string `json:"id"`
	TopicID   int64  `json:"topicId,omitempty"`
	ProjectID int64  `json:"projectId,omitempty"`
	Host      string `json:"host,omitempty"`
	Token     string `json:"token,omitempty"`
	Key       string `json:"key,omitempty"`
}

// ControlResponse is returned by the agent control endpoint.
type ControlResponse struct {
	Success bool `json:"success"`
}

// Control actions.
const (
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
)

// HTTPAgentController drives the agent service over its control endpoint.
type HTTPAgentController struct {
	baseURL    string
	roomHost   string
	secret     string
	fallback   string
	httpClient *http.Client
}

// NewHTTPAgentController creates a controller posting to
// <baseURL>/agents/<roomID>. roomHost is the base URL the agent dials back
// into; secret is the shared service bearer. fallbackKey, if set, is offered
// to the agent for projects without a donated key.
func NewHTTPAgentController(baseURL, roomHost, secret, fallbackKey string, client *http.Client) *HTTPAgentController {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPAgentController{
		baseURL:    strings.TrimRight(baseURL, "/"),
		roomHost:   roomHost,
		secret:     secret,
		fallback:   fallbackKey,
		httpClient: client,
	}
}

// Attach asks the agent service to connect an agent to the room.
func (c *HTTPAgentController) Attach(ctx context.Context, id domain.RoomID) error {
	return c.post(ctx, id, ControlRequest{
		Action:    ActionConnect,
		ID:        id.String(),
		TopicID:   id.TopicID,
		ProjectID: id.ProjectID,
		Host:      c.roomHost,
		Token:     c.secret,
		Key:       c.fallback,
	})
}

// Detach asks the agent service to disconnect the room's agent.
func (c *HTTPAgentController) Detach(ctx context.Context, id domain.RoomID) error {
	return c.post(ctx, id, ControlRequest{Action: ActionDisconnect, ID: id.String()})
}

func (c *HTTPAgentController) post(ctx context.Context, id domain.RoomID, body ControlRequest) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal control request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/agents/"+id.String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create control request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s agent: %w", body.Action, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s agent: unexpected status %d", body.Action, resp.StatusCode)
	}

	var out ControlResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode control response: %w", err)
	}
	if !out.Success {
		return fmt.Errorf("%s agent: rejected", body.Action)
	}
	return nil
}
