package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/roomchat/internal/domain"
	"github.com/ashureev/roomchat/internal/identity"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthHandler(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("down") })

	tests := []struct {
		name       string
		deps       map[string]Pinger
		wantStatus int
		wantState  string
	}{
		{"healthy", map[string]Pinger{"database": ok}, http.StatusOK, "ok"},
		{"degraded", map[string]Pinger{"database": ok, "redis": down}, http.StatusServiceUnavailable, "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.deps, func() map[string]int { return map[string]int{"rooms": 2} })
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var body struct {
				Status string         `json:"status"`
				Stats  map[string]int `json:"stats"`
			}
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Status != tt.wantState {
				t.Errorf("status field = %q, want %q", body.Status, tt.wantState)
			}
			if body.Stats["rooms"] != 2 {
				t.Errorf("stats = %v", body.Stats)
			}
		})
	}
}

type fakeTokens struct {
	mu      sync.Mutex
	created map[string]string
	err     error
}

func (f *fakeTokens) CreateToken(_ context.Context, key, value string, ttl time.Duration) (*domain.TemporaryToken, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created[key] = value
	return &domain.TemporaryToken{Key: key, Value: value, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (f *fakeTokens) ConsumeToken(context.Context, string, string) error { return nil }

func issue(t *testing.T, h *TokenHandler, sessionUser, roomID, body string) *httptest.ResponseRecorder {
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
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/party/"+roomID, strings.NewReader(body)))
	return w
}

func TestIssueToken(t *testing.T) {
	tokens := &fakeTokens{created: map[string]string{}}
	h := NewTokenHandler(tokens, time.Hour, 10)

	w := issue(t, h, "alice", "1-2", `{"userId":"alice","roomId":"1-2"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp TokenResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Token == "" || tokens.created["alice"] != resp.Token {
		t.Errorf("token = %q, stored = %q", resp.Token, tokens.created["alice"])
	}
}

func TestIssueTokenRejects(t *testing.T) {
	tests := []struct {
		name        string
		sessionUser string
		roomID      string
		body        string
		err         error
		wantStatus  int
	}{
		{"no session", "", "1-2", `{"userId":"alice"}`, nil, http.StatusUnauthorized},
		{"bad room", "alice", "lobby", `{"userId":"alice"}`, nil, http.StatusBadRequest},
		{"bad body", "alice", "1-2", `{`, nil, http.StatusBadRequest},
		{"missing user", "alice", "1-2", `{}`, nil, http.StatusBadRequest},
		{"other user", "alice", "1-2", `{"userId":"bob"}`, nil, http.StatusForbidden},
		{"agent id", "AGENT", "1-2", `{"userId":"AGENT"}`, nil, http.StatusForbidden},
		{"store failure", "alice", "1-2", `{"userId":"alice"}`, errors.New("db down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewTokenHandler(&fakeTokens{created: map[string]string{}, err: tt.err}, time.Hour, 10)
			w := issue(t, h, tt.sessionUser, tt.roomID, tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestIssueTokenRateLimited(t *testing.T) {
	h := NewTokenHandler(&fakeTokens{created: map[string]string{}}, time.Hour, 2)

	for i := 0; i < 2; i++ {
		if w := issue(t, h, "alice", "1-2", `{"userId":"alice"}`); w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, w.Code)
		}
	}
	if w := issue(t, h, "alice", "1-2", `{"userId":"alice"}`); w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w.Code)
	}
	if w := issue(t, h, "bob", "1-2", `{"userId":"bob"}`); w.Code != http.StatusOK {
		t.Errorf("other user limited: status = %d", w.Code)
	}
}
