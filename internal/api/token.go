package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ashureev/roomchat/internal/domain"
	"github.com/ashureev/roomchat/internal/identity"
	"github.com/ashureev/roomchat/internal/metrics"
	"github.com/ashureev/roomchat/internal/store"
)

const (
	maxTokenBodySize = 4 << 10
	limiterIdleTTL   = 10 * time.Minute
	limiterPruneSize = 1024
)

// TokenRequest is the body of a connection token request.
type TokenRequest struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId,omitempty"`
}

// TokenResponse carries a freshly issued single-use token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TokenHandler issues single-use room connection tokens to logged-in users.
type TokenHandler struct {
	tokens  store.TokenStore
	ttl     time.Duration
	limiter *userLimiter
}

// NewTokenHandler creates a token handler allowing perMinute issues per user.
func NewTokenHandler(tokens store.TokenStore, ttl time.Duration, perMinute int) *TokenHandler {
	return &TokenHandler{
		tokens:  tokens,
		ttl:     ttl,
		limiter: newUserLimiter(perMinute),
	}
}

// RegisterRoutes registers token routes. Callers wrap r with the session
// middleware.
func (h *TokenHandler) RegisterRoutes(r chi.Router) {
	r.Post("/party/{roomID}", h.IssueToken)
}

// IssueToken handles POST /party/{roomID}.
func (h *TokenHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	sessionUser := identity.UserIDFromContext(r.Context())
	if sessionUser == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	roomID, err := domain.ParseRoomID(chi.URLParam(r, "roomID"))
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid room id")
		return
	}

	var req TokenRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxTokenBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		Error(w, http.StatusBadRequest, "userId is required")
		return
	}
	if req.UserID != sessionUser || domain.IsAgent(req.UserID) {
		metrics.TokensIssued.WithLabelValues("forbidden").Inc()
		Error(w, http.StatusForbidden, "forbidden")
		return
	}
	if !h.limiter.Allow(req.UserID) {
		metrics.TokensIssued.WithLabelValues("rate_limited").Inc()
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	token, err := h.tokens.CreateToken(r.Context(), req.UserID, uuid.NewString(), h.ttl)
	if err != nil {
		slog.Error("Failed to create token", "user_id", req.UserID, "room_id", roomID.String(), "error", err)
		metrics.TokensIssued.WithLabelValues("failed").Inc()
		Error(w, http.StatusInternalServerError, "failed to create token")
		return
	}

	metrics.TokensIssued.WithLabelValues("issued").Inc()
	JSON(w, http.StatusOK, TokenResponse{Token: token.Value, ExpiresAt: token.ExpiresAt})
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// userLimiter keeps one token bucket per user.
type userLimiter struct {
	mu        sync.Mutex
	perMinute int
	entries   map[string]*limiterEntry
}

func newUserLimiter(perMinute int) *userLimiter {
	if perMinute <= 0 {
		perMinute = 30
	}
	return &userLimiter{perMinute: perMinute, entries: make(map[string]*limiterEntry)}
}

func (l *userLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if len(l.entries) >= limiterPruneSize {
		for k, e := range l.entries {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(l.entries, k)
			}
		}
	}

	e, ok := l.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute)}
		l.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}
