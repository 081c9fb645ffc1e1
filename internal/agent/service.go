package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/roomchat/internal/domain"
	"github.com/ashureev/roomchat/internal/llm"
	"github.com/ashureev/roomchat/internal/middleware"
	"github.com/ashureev/roomchat/internal/room"
)

// maxControlBodySize bounds a control request body.
const maxControlBodySize = 64 << 10

// Service keeps one agent per room and serves the control endpoint rooms
// use to attach and detach them.
type Service struct {
	store     Store
	completer llm.Completer
	secret    string
	opts      Options
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	agents map[string]*Agent
}

// NewService creates an agent service. secret authenticates control
// requests and is the default credential agents dial rooms with.
func NewService(st Store, completer llm.Completer, secret string, opts Options) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:     st,
		completer: completer,
		secret:    secret,
		opts:      opts,
		logger:    slog.Default().With("component", "agent_service"),
		ctx:       ctx,
		cancel:    cancel,
		agents:    make(map[string]*Agent),
	}
}

// Connect attaches an agent to a room. It succeeds without redialing when
// the room already has a live agent.
func (s *Service) Connect(ctx context.Context, req room.ControlRequest) error {
	id, err := controlRoomID(req)
	if err != nil {
		return err
	}

	token := req.Token
	if token == "" {
		token = s.secret
	}

	s.mu.Lock()
	if existing, ok := s.agents[req.ID]; ok && existing.State() != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	a := New(s.ctx, Params{RoomID: id, Host: req.Host, Token: token, FallbackKey: req.Key}, s.store, s.completer, s.opts)
	s.agents[req.ID] = a
	s.mu.Unlock()

	if err := a.Connect(ctx); err != nil {
		s.remove(req.ID, a)
		return err
	}

	go func() {
		<-a.Done()
		s.remove(req.ID, a)
	}()
	return nil
}

// Disconnect detaches the agent from a room. Unknown rooms are a no-op.
func (s *Service) Disconnect(roomID string) {
	s.mu.Lock()
	a, ok := s.agents[roomID]
	delete(s.agents, roomID)
	s.mu.Unlock()

	if ok {
		a.Disconnect()
	}
}

// Get returns the agent serving a room.
func (s *Service) Get(roomID string) (*Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[roomID]
	return a, ok
}

// Len returns the number of tracked agents.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.agents)
}

// Shutdown disconnects every agent and waits for in-flight generations
// until ctx expires, then cancels them.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	agents := make([]*Agent, 0, len(s.agents))
	for id, a := range s.agents {
		agents = append(agents, a)
		delete(s.agents, id)
	}
	s.mu.Unlock()

	for _, a := range agents {
		a.Disconnect()
	}

	idle := make(chan struct{})
	go func() {
		for _, a := range agents {
			a.Wait()
		}
		close(idle)
	}()

	select {
	case <-idle:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return fmt.Errorf("agent shutdown: %w", ctx.Err())
	}
}

func (s *Service) remove(roomID string, a *Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agents[roomID] == a {
		delete(s.agents, roomID)
	}
}

func controlRoomID(req room.ControlRequest) (domain.RoomID, error) {
	id, err := domain.ParseRoomID(req.ID)
	if err != nil {
		return domain.RoomID{}, err
	}
	if id.ProjectID != req.ProjectID || id.TopicID != req.TopicID {
		return domain.RoomID{}, fmt.Errorf("room %s does not match project %d topic %d", req.ID, req.ProjectID, req.TopicID)
	}
	if req.Host == "" {
		return domain.RoomID{}, fmt.Errorf("room %s: host is required", req.ID)
	}
	return id, nil
}

// Routes returns the control router, mounted under /agents.
func (s *Service) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.ServiceAuth(s.secret))
	r.Post("/{roomID}", s.HandleControl)
	return r
}

// HandleControl serves POST /agents/{roomID}. Malformed or failed requests
// answer 200 with success=false.
func (s *Service) HandleControl(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	log := s.logger.With("room_id", roomID)

	var req room.ControlRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxControlBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Warn("Invalid control request", "error", err)
		writeControl(w, false)
		return
	}
	if req.ID == "" {
		req.ID = roomID
	}
	if req.ID != roomID {
		log.Warn("Control request room mismatch", "body_id", req.ID)
		writeControl(w, false)
		return
	}

	switch req.Action {
	case room.ActionConnect:
		if err := s.Connect(r.Context(), req); err != nil {
			log.Error("Agent connect failed", "error", err)
			writeControl(w, false)
			return
		}
	case room.ActionDisconnect:
		s.Disconnect(req.ID)
	default:
		log.Warn("Unknown control action", "action", req.Action)
		writeControl(w, false)
		return
	}
	writeControl(w, true)
}

func writeControl(w http.ResponseWriter, ok bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(room.ControlResponse{Success: ok}); err != nil {
		slog.Warn("failed to write control response", "error", err)
	}
}
