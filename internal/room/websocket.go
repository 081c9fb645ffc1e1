package room

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/roomchat/internal/domain"
	"github.com/ashureev/roomchat/internal/middleware"
	"github.com/ashureev/roomchat/internal/protocol"
	"github.com/ashureev/roomchat/internal/shared"
	"github.com/ashureev/roomchat/internal/store"
)

const writeTimeout = 10 * time.Second

// WebSocketHandler upgrades participant connections and pumps frames
// between the socket and the room actor.
type WebSocketHandler struct {
	rooms          *Registry
	tokens         store.TokenStore
	serviceSecret  string
	originPatterns []string
	queueSize      int
}

// NewWebSocketHandler creates the participant connection handler.
func NewWebSocketHandler(rooms *Registry, tokens store.TokenStore, serviceSecret string, originPatterns []string) *WebSocketHandler {
	if len(originPatterns) == 0 {
		originPatterns = []string{"*"}
	}
	return &WebSocketHandler{
		rooms:          rooms,
		tokens:         tokens,
		serviceSecret:  serviceSecret,
		originPatterns: originPatterns,
		queueSize:      DefaultQueueSize,
	}
}

// ServeHTTP implements http.Handler for GET /party/{roomID}.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID, err := domain.ParseRoomID(chi.URLParam(r, "roomID"))
	if err != nil {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}

	participantID := r.URL.Query().Get("_pk")
	if participantID == "" {
		http.Error(w, "missing participant id", http.StatusBadRequest)
		return
	}

	if status := h.authenticate(r, participantID); status != http.StatusOK {
		http.Error(w, http.StatusText(status), status)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", participantID, "room_id", roomID.String())
		return
	}
	ws.SetReadLimit(2 * protocol.MaxContentLength)

	h.serve(r.Context(), ws, roomID, participantID)
}

// authenticate returns http.StatusOK when the participant may connect.
// The agent presents the service secret; users present a single-use token.
func (h *WebSocketHandler) authenticate(r *http.Request, participantID string) int {
	token := r.URL.Query().Get("token")

	if domain.IsAgent(participantID) {
		bearer := middleware.BearerToken(r)
		if shared.SecretEqual(bearer, h.serviceSecret) || shared.SecretEqual(token, h.serviceSecret) {
			return http.StatusOK
		}
		slog.Warn("Rejected agent connection with bad secret", "ip", r.RemoteAddr)
		return http.StatusUnauthorized
	}

	if token == "" {
		return http.StatusUnauthorized
	}
	if err := h.tokens.ConsumeToken(r.Context(), participantID, token); err != nil {
		if errors.Is(err, store.ErrTokenInvalid) {
			slog.Warn("Rejected connection with invalid token", "user_id", participantID)
			return http.StatusUnauthorized
		}
		slog.Error("Failed to consume connection token", "error", err, "user_id", participantID)
		return http.StatusInternalServerError
	}
	return http.StatusOK
}

func (h *WebSocketHandler) serve(parent context.Context, ws *websocket.Conn, roomID domain.RoomID, participantID string) {
	conn := NewConn(participantID, h.queueSize)
	room := h.rooms.Acquire(roomID)
	defer h.rooms.Release(room)

	if err := room.Connect(conn); err != nil {
		_ = ws.Close(websocket.StatusTryAgainLater, "room unavailable")
		return
	}
	defer func() { _ = room.Disconnect(conn) }()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	// Input loop: socket -> room.
	go func() {
		defer wg.Done()
		defer cancel()
		h.readLoop(ctx, ws, room, conn)
	}()

	// Output loop: room -> socket.
	go func() {
		defer wg.Done()
		defer cancel()
		h.writeLoop(ctx, ws, conn)
	}()

	wg.Wait()
	conn.Close("disconnected")
	slog.Info("Participant connection ended", "user_id", participantID, "room_id", roomID.String())
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, room *Room, conn *Conn) {
	for {
		_, frame, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				slog.Debug("WebSocket closed", "user_id", conn.ParticipantID())
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", conn.ParticipantID())
			}
			return
		}
		if err := room.Deliver(conn, frame); err != nil {
			return
		}
	}
}

func (h *WebSocketHandler) writeLoop(ctx context.Context, ws *websocket.Conn, conn *Conn) {
	for {
		select {
		case frame := <-conn.Outbox():
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				slog.Debug("WebSocket write error", "error", err, "user_id", conn.ParticipantID())
				return
			}
		case <-conn.Done():
			status := websocket.StatusGoingAway
			switch conn.CloseReason() {
			case ReasonSlowConsumer:
				status = websocket.StatusPolicyViolation
			case ReasonHistoryUnavailable:
				status = websocket.StatusTryAgainLater
			}
			_ = ws.Close(status, conn.CloseReason())
			return
		case <-ctx.Done():
			_ = ws.Close(websocket.StatusNormalClosure, "session ended")
			return
		}
	}
}
