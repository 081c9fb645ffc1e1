package agent

import (
	"context"
	"errors"
	"iter"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/roomchat/internal/client"
	"github.com/ashureev/roomchat/internal/domain"
	"github.com/ashureev/roomchat/internal/llm"
	"github.com/ashureev/roomchat/internal/protocol"
	"github.com/ashureev/roomchat/internal/store"
)

var testRoom = domain.RoomID{ProjectID: 1, TopicID: 2}

// memStore is an in-memory agent Store.
type memStore struct {
	mu       sync.Mutex
	nextID   int64
	messages map[int64]domain.Message
	project  *domain.Project
	topic    *domain.Topic
	donated  string
}

func newMemStore() *memStore {
	projectPrompt := "project prompt"
	topicPrompt := "topic prompt"
	return &memStore{
		messages: make(map[int64]domain.Message),
		project:  &domain.Project{ID: testRoom.ProjectID, Name: "p", Context: &projectPrompt},
		topic:    &domain.Topic{ID: testRoom.TopicID, ProjectID: testRoom.ProjectID, Name: "t", Context: &topicPrompt},
		donated:  "sk-donated",
	}
}

func (m *memStore) all() []domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Message, 0, len(m.messages))
	for _, msg := range m.messages {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(&out[j]) })
	return out
}

func (m *memStore) ListMessages(context.Context, int64) ([]domain.Message, error) {
	return m.all(), nil
}

func (m *memStore) GetMessage(_ context.Context, _ int64, id int64) (*domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, nil
	}
	return &msg, nil
}

func (m *memStore) AddMessage(_ context.Context, topicID int64, authorID, content string) (*domain.Message, error) {
	return m.insert(topicID, &authorID, content, false), nil
}

func (m *memStore) AddAIMessage(_ context.Context, topicID int64, content string) (*domain.Message, error) {
	return m.insert(topicID, nil, content, true), nil
}

func (m *memStore) insert(topicID int64, author *string, content string, ai bool) *domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	now := time.Now().UTC().Truncate(time.Millisecond)
	msg := domain.Message{ID: m.nextID, TopicID: topicID, AuthorID: author, Content: content, AIGenerated: ai, CreatedAt: now, UpdatedAt: now}
	m.messages[msg.ID] = msg
	return &msg
}

func (m *memStore) EditMessage(_ context.Context, _ int64, id int64, content string, updatedAt time.Time) (*domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	msg.Content = content
	msg.UpdatedAt = updatedAt
	m.messages[id] = msg
	return &msg, nil
}

func (m *memStore) DeleteMessage(_ context.Context, _ int64, id int64) (*domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	delete(m.messages, id)
	return &msg, nil
}

func (m *memStore) GetProject(context.Context, int64) (*domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.project, nil
}

func (m *memStore) GetTopic(context.Context, int64) (*domain.Topic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.topic, nil
}

func (m *memStore) GetDonatedProjectKey(context.Context, int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.donated, nil
}

// fakeConn is an in-memory RoomConn. Tests push server events into events.
type fakeConn struct {
	events    chan protocol.ServerEvent
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	sent    []protocol.ClientEvent
	sendErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events: make(chan protocol.ServerEvent, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Run(ctx context.Context, handle client.Handler) error {
	for {
		select {
		case ev := <-c.events:
			handle(ev)
		case <-c.closed:
			return client.ErrClosed
		case <-ctx.Done():
			return client.ErrClosed
		}
	}
}

func (c *fakeConn) Send(_ context.Context, ev protocol.ClientEvent) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, ev)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Sent() []protocol.ClientEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.ClientEvent(nil), c.sent...)
}

func (c *fakeConn) lastEdit() (protocol.EditMessage, bool) {
	sent := c.Sent()
	for i := len(sent) - 1; i >= 0; i-- {
		if e, ok := sent[i].(protocol.EditMessage); ok {
			return e, true
		}
	}
	return protocol.EditMessage{}, false
}

// fakeCompleter streams canned chunks. A non-nil gate holds the stream
// until it is closed.
type fakeCompleter struct {
	chunks []string
	err    error
	gate   chan struct{}

	calls atomic.Int32
	mu    sync.Mutex
	last  llm.Request
}

func (f *fakeCompleter) Stream(ctx context.Context, req llm.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		f.calls.Add(1)
		f.mu.Lock()
		f.last = req
		f.mu.Unlock()

		if f.gate != nil {
			select {
			case <-f.gate:
			case <-ctx.Done():
				yield("", ctx.Err())
				return
			}
		}
		for _, c := range f.chunks {
			if !yield(c, nil) {
				return
			}
		}
		if f.err != nil {
			yield("", f.err)
		}
	}
}

func (f *fakeCompleter) lastRequest() llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func newTestAgent(t *testing.T, st Store, comp llm.Completer, params Params) (*Agent, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	params.RoomID = testRoom
	if params.Host == "" {
		params.Host = "ws://room.test"
	}
	a := New(context.Background(), params, st, comp, Options{
		Throttle: 10 * time.Millisecond,
		Dial: func(context.Context, string, string, string) (RoomConn, error) {
			return conn, nil
		},
	})
	require.NoError(t, a.Connect(t.Context()))
	t.Cleanup(func() {
		a.Disconnect()
		a.Wait()
	})
	return a, conn
}

func human(id int64, content string, at time.Time) domain.Message {
	author := "alice"
	return domain.Message{ID: id, TopicID: testRoom.TopicID, AuthorID: &author, Content: content, CreatedAt: at, UpdatedAt: at}
}

func aiMessage(id int64, content string, at time.Time) domain.Message {
	return domain.Message{ID: id, TopicID: testRoom.TopicID, Content: content, AIGenerated: true, CreatedAt: at, UpdatedAt: at}
}
