package room

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/roomchat/internal/domain"
	"github.com/ashureev/roomchat/internal/protocol"
	"github.com/ashureev/roomchat/internal/store"
)

// fakeStore is an in-memory store.MessageStore.
type fakeStore struct {
	mu          sync.Mutex
	nextID      int64
	messages    map[int64]domain.Message
	outsiders   map[string]bool
	listCalls   atomic.Int32
	listDelay   time.Duration
	listErr     error
	getFailures int // fail the next n GetMessage calls
	clock       time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages:  make(map[int64]domain.Message),
		outsiders: make(map[string]bool),
		clock:     time.UnixMilli(1_700_000_000_000).UTC(),
	}
}

func (f *fakeStore) tick() time.Time {
	f.clock = f.clock.Add(time.Millisecond)
	return f.clock
}

func (f *fakeStore) seed(author *string, content string, createdAt time.Time) domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	m := domain.Message{ID: f.nextID, TopicID: 1, AuthorID: author, Content: content, AIGenerated: author == nil, CreatedAt: createdAt, UpdatedAt: createdAt}
	f.messages[m.ID] = m
	return m
}

func (f *fakeStore) ListMessages(_ context.Context, _ int64) ([]domain.Message, error) {
	f.listCalls.Add(1)
	if f.listDelay > 0 {
		time.Sleep(f.listDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]domain.Message, 0, len(f.messages))
	for _, m := range f.messages {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(&out[j]) })
	return out, nil
}

func (f *fakeStore) GetMessage(_ context.Context, _ int64, id int64) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getFailures > 0 {
		f.getFailures--
		return nil, errors.New("store unavailable")
	}
	m, ok := f.messages[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (f *fakeStore) AddMessage(_ context.Context, topicID int64, authorID, content string) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outsiders[authorID] {
		return nil, store.ErrNotMember
	}
	f.nextID++
	now := f.tick()
	author := authorID
	m := domain.Message{ID: f.nextID, TopicID: topicID, AuthorID: &author, Content: content, CreatedAt: now, UpdatedAt: now}
	f.messages[m.ID] = m
	return &m, nil
}

func (f *fakeStore) AddAIMessage(_ context.Context, topicID int64, content string) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	now := f.tick()
	m := domain.Message{ID: f.nextID, TopicID: topicID, Content: content, AIGenerated: true, CreatedAt: now, UpdatedAt: now}
	f.messages[m.ID] = m
	return &m, nil
}

func (f *fakeStore) EditMessage(_ context.Context, _ int64, id int64, content string, updatedAt time.Time) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	m.Content = content
	m.UpdatedAt = updatedAt
	f.messages[id] = m
	return &m, nil
}

func (f *fakeStore) DeleteMessage(_ context.Context, _ int64, id int64) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	delete(f.messages, id)
	return &m, nil
}

// fakeAgents records lifecycle calls.
type fakeAgents struct {
	mu        sync.Mutex
	calls     []string
	attachErr error
	onAttach  func(domain.RoomID)
}

func (f *fakeAgents) Attach(_ context.Context, id domain.RoomID) error {
	f.mu.Lock()
	f.calls = append(f.calls, "attach")
	err := f.attachErr
	hook := f.onAttach
	f.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	return err
}

func (f *fakeAgents) Detach(_ context.Context, _ domain.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "detach")
	return nil
}

func (f *fakeAgents) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

var testRoomID = domain.RoomID{ProjectID: 1, TopicID: 1}

// next reads the next server event queued on c.
func next(t *testing.T, c *Conn) protocol.ServerEvent {
	t.Helper()
	select {
	case frame := <-c.Outbox():
		ev, err := protocol.ParseServerEvent(frame)
		if err != nil {
			t.Fatalf("ParseServerEvent() error = %v", err)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event on %s", c.ParticipantID())
		return nil
	}
}

// expectNone asserts nothing is queued on c after the room drains.
func expectNone(t *testing.T, r *Room, c *Conn) {
	t.Helper()
	drain(t, r)
	select {
	case frame := <-c.Outbox():
		t.Fatalf("unexpected frame for %s: %s", c.ParticipantID(), frame)
	default:
	}
}

// drain waits until the room has handled every previously posted command.
func drain(t *testing.T, r *Room) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := r.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
