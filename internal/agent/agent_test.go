package agent

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/roomchat/internal/domain"
	"github.com/ashureev/roomchat/internal/llm"
	"github.com/ashureev/roomchat/internal/protocol"
)

const eventually = 2 * time.Second

func TestBuildRequestOrdering(t *testing.T) {
	project := "project prompt"
	blank := "  "
	now := time.Now()
	req := buildRequest(&domain.ChatContext{
		ProjectSystemMessage: &project,
		TopicSystemMessage:   &blank,
		APIKey:               "sk",
		Model:                "gpt-test",
	}, []domain.Message{
		human(1, "hi", now),
		aiMessage(2, "hello", now.Add(time.Second)),
		aiMessage(3, "", now.Add(2*time.Second)),
		human(4, "how are you", now.Add(3*time.Second)),
	})

	assert.Equal(t, "gpt-test", req.Model)
	assert.Equal(t, "sk", req.APIKey)
	assert.Equal(t, []llm.Message{
		{Role: llm.RoleSystem, Content: systemInstruction},
		{Role: llm.RoleSystem, Content: "project prompt"},
		{Role: llm.RoleUser, Content: "hi"},
		{Role: llm.RoleAssistant, Content: "hello"},
		{Role: llm.RoleUser, Content: "how are you"},
	}, req.Messages)
}

func TestStamperIsStrictlyIncreasing(t *testing.T) {
	future := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
	s := newStamper(future)

	first := s.next()
	second := s.next()
	assert.True(t, first.After(future))
	assert.True(t, second.After(first))
}

func TestAgentStreamsResponse(t *testing.T) {
	st := newMemStore()
	comp := &fakeCompleter{chunks: []string{"Hel", "lo", " there"}}
	a, conn := newTestAgent(t, st, comp, Params{})
	assert.Equal(t, StateConnected, a.State())

	now := time.Now()
	conn.events <- protocol.Init{Messages: []domain.Message{}}
	conn.events <- protocol.SetMessages{Messages: []domain.Message{human(1, "hi", now)}}

	require.Eventually(t, func() bool {
		e, ok := conn.lastEdit()
		return ok && e.Content == "Hello there"
	}, eventually, 5*time.Millisecond)
	a.Wait()

	sent := conn.Sent()
	provide, ok := sent[0].(protocol.ProvideMessage)
	require.True(t, ok, "first event announces the placeholder")

	stored := st.all()
	require.Len(t, stored, 1)
	assert.Equal(t, provide.ID, stored[0].ID)
	assert.True(t, stored[0].IsAIAuthored())

	var last time.Time
	for _, ev := range sent[1:] {
		e, ok := ev.(protocol.EditMessage)
		require.True(t, ok)
		assert.Equal(t, provide.ID, e.MessageID)
		assert.True(t, e.UpdatedAt.After(last), "edit timestamps must increase")
		last = e.UpdatedAt
	}

	req := comp.lastRequest()
	assert.Equal(t, "sk-donated", req.APIKey)
	assert.Equal(t, domain.DefaultModel, req.Model)
	require.Len(t, req.Messages, 4)
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "hi"}, req.Messages[3])
}

func TestAgentIgnoresInitAndAIEcho(t *testing.T) {
	comp := &fakeCompleter{chunks: []string{"x"}}
	_, conn := newTestAgent(t, newMemStore(), comp, Params{})

	now := time.Now()
	conn.events <- protocol.Init{Messages: []domain.Message{human(1, "hi", now)}}
	conn.events <- protocol.SetMessages{Messages: []domain.Message{human(1, "hi", now), aiMessage(2, "", now)}}

	require.Never(t, func() bool { return comp.calls.Load() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Empty(t, conn.Sent())
}

func TestAgentSingleResponseInFlight(t *testing.T) {
	gate := make(chan struct{})
	comp := &fakeCompleter{chunks: []string{"ok"}, gate: gate}
	a, conn := newTestAgent(t, newMemStore(), comp, Params{})
	defer close(gate)

	now := time.Now()
	conn.events <- protocol.SetMessages{Messages: []domain.Message{human(1, "one", now)}}
	conn.events <- protocol.SetMessages{Messages: []domain.Message{human(1, "one", now), human(2, "two", now.Add(time.Second))}}

	require.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, eventually, 5*time.Millisecond)
	require.Never(t, func() bool { return comp.calls.Load() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, StateConnected, a.State())
}

func TestAgentContextFailuresHaveNoSideEffects(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*memStore)
	}{
		{"no key", func(s *memStore) { s.donated = "" }},
		{"missing project", func(s *memStore) { s.project = nil }},
		{"missing topic", func(s *memStore) { s.topic = nil }},
		{"topic in another project", func(s *memStore) { s.topic.ProjectID = 99 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newMemStore()
			tt.setup(st)
			comp := &fakeCompleter{chunks: []string{"x"}}
			_, conn := newTestAgent(t, st, comp, Params{})

			conn.events <- protocol.SetMessages{Messages: []domain.Message{human(1, "hi", time.Now())}}

			require.Never(t, func() bool { return len(conn.Sent()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
			assert.Zero(t, comp.calls.Load())
			assert.Empty(t, st.all())
		})
	}
}

func TestAgentUsesFallbackKey(t *testing.T) {
	st := newMemStore()
	st.donated = ""
	comp := &fakeCompleter{chunks: []string{"x"}}
	_, conn := newTestAgent(t, st, comp, Params{FallbackKey: "sk-fallback"})

	conn.events <- protocol.SetMessages{Messages: []domain.Message{human(1, "hi", time.Now())}}

	require.Eventually(t, func() bool { return comp.calls.Load() == 1 }, eventually, 5*time.Millisecond)
	assert.Equal(t, "sk-fallback", comp.lastRequest().APIKey)
}

func TestAgentStreamErrorDeletesPlaceholderThroughRoom(t *testing.T) {
	st := newMemStore()
	comp := &fakeCompleter{chunks: []string{"par"}, err: errors.New("upstream failed")}
	a, conn := newTestAgent(t, st, comp, Params{})

	conn.events <- protocol.SetMessages{Messages: []domain.Message{human(1, "hi", time.Now())}}

	require.Eventually(t, func() bool {
		sent := conn.Sent()
		if len(sent) == 0 {
			return false
		}
		_, ok := sent[len(sent)-1].(protocol.DeleteMessage)
		return ok
	}, eventually, 5*time.Millisecond)
	a.Wait()

	sent := conn.Sent()
	provide := sent[0].(protocol.ProvideMessage)
	assert.Equal(t, protocol.DeleteMessage{MessageID: provide.ID}, sent[len(sent)-1])
}

func TestAgentStreamErrorDeletesUnannouncedPlaceholderDirectly(t *testing.T) {
	st := newMemStore()
	comp := &fakeCompleter{err: errors.New("upstream failed")}
	a, conn := newTestAgent(t, st, comp, Params{})
	conn.sendErr = errors.New("write failed")

	conn.events <- protocol.SetMessages{Messages: []domain.Message{human(1, "hi", time.Now())}}

	require.Eventually(t, func() bool { return comp.calls.Load() == 1 }, eventually, 5*time.Millisecond)
	a.Disconnect()
	a.Wait()
	assert.Empty(t, st.all())
}

func TestAgentEmptyCompletionIsDiscarded(t *testing.T) {
	st := newMemStore()
	comp := &fakeCompleter{}
	a, conn := newTestAgent(t, st, comp, Params{})

	conn.events <- protocol.SetMessages{Messages: []domain.Message{human(1, "hi", time.Now())}}

	require.Eventually(t, func() bool {
		sent := conn.Sent()
		return len(sent) == 2
	}, eventually, 5*time.Millisecond)
	a.Wait()
	_, ok := conn.Sent()[1].(protocol.DeleteMessage)
	assert.True(t, ok)
}

func TestAgentFinishesResponseAfterDisconnect(t *testing.T) {
	st := newMemStore()
	gate := make(chan struct{})
	comp := &fakeCompleter{chunks: []string{"late ", "answer"}, gate: gate}
	a, conn := newTestAgent(t, st, comp, Params{})

	conn.events <- protocol.SetMessages{Messages: []domain.Message{human(1, "hi", time.Now())}}
	require.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, eventually, 5*time.Millisecond)

	a.Disconnect()
	assert.Equal(t, StateDisconnected, a.State())
	<-a.Done()

	close(gate)
	a.Wait()

	stored := st.all()
	require.Len(t, stored, 1)
	assert.Equal(t, "late answer", stored[0].Content)
}

func TestAgentStopsWhenRoomClosesConnection(t *testing.T) {
	a, conn := newTestAgent(t, newMemStore(), &fakeCompleter{}, Params{})

	require.NoError(t, conn.Close())
	select {
	case <-a.Done():
	case <-time.After(eventually):
		t.Fatal("agent did not stop after the room closed its connection")
	}
	assert.Equal(t, StateDisconnected, a.State())
}

func TestAgentConnectOnce(t *testing.T) {
	a, _ := newTestAgent(t, newMemStore(), &fakeCompleter{}, Params{})
	assert.ErrorIs(t, a.Connect(t.Context()), errAlreadyStarted)
}
