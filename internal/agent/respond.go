package agent

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/roomchat/internal/domain"
	"github.com/ashureev/roomchat/internal/llm"
	"github.com/ashureev/roomchat/internal/metrics"
	"github.com/ashureev/roomchat/internal/protocol"
)

const systemInstruction = "You are an AI assistant taking part in a group chat. " +
	"Several people may be writing; answer the conversation helpfully and concisely."

// respond starts a generation unless one is already running or the latest
// message is already an AI reply.
func (a *Agent) respond() {
	if a.inFlight {
		metrics.AgentResponses.WithLabelValues("skipped").Inc()
		return
	}
	latest, ok := a.view.Latest()
	if !ok || latest.IsAIAuthored() {
		return
	}

	chatCtx, err := a.loadChatContext()
	if err != nil {
		a.logger.Warn("Agent cannot respond", "error", err)
		metrics.AgentResponses.WithLabelValues("no_context").Inc()
		return
	}

	req := buildRequest(chatCtx, a.view.Messages())
	a.inFlight = true
	a.generating.Add(1)
	go func() {
		defer a.generating.Done()
		err := a.generate(req)
		a.post(respondDoneCmd{err: err})
	}()
}

// loadChatContext returns the cached context, loading it on first use.
// A failed load leaves nothing cached so the next trigger retries.
func (a *Agent) loadChatContext() (*domain.ChatContext, error) {
	if a.chatCtx != nil {
		return a.chatCtx, nil
	}

	ctx, cancel := a.storeCtx()
	defer cancel()

	id := a.params.RoomID
	key, err := a.store.GetDonatedProjectKey(ctx, id.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load project key: %w", err)
	}
	if key == "" {
		key = a.params.FallbackKey
	}
	if key == "" {
		return nil, errNoProjectKey
	}

	project, err := a.store.GetProject(ctx, id.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	if project == nil {
		return nil, errProjectMissing
	}

	topic, err := a.store.GetTopic(ctx, id.TopicID)
	if err != nil {
		return nil, fmt.Errorf("load topic: %w", err)
	}
	if topic == nil || topic.ProjectID != id.ProjectID {
		return nil, errTopicMissing
	}

	model := project.Model
	if model == "" {
		model = a.opts.DefaultModel
	}
	a.chatCtx = &domain.ChatContext{
		ProjectSystemMessage: project.Context,
		TopicSystemMessage:   topic.Context,
		APIKey:               key,
		Model:                model,
	}
	return a.chatCtx, nil
}

// buildRequest orders the prompt as instruction, project prompt, topic
// prompt, then history.
func buildRequest(chatCtx *domain.ChatContext, history []domain.Message) llm.Request {
	msgs := make([]llm.Message, 0, len(history)+3)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: systemInstruction})
	for _, prompt := range []*string{chatCtx.ProjectSystemMessage, chatCtx.TopicSystemMessage} {
		if prompt != nil && strings.TrimSpace(*prompt) != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: *prompt})
		}
	}
	for i := range history {
		m := &history[i]
		if m.Content == "" {
			continue
		}
		role := llm.RoleUser
		if m.IsAIAuthored() {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: m.Content})
	}
	return llm.Request{Model: chatCtx.Model, APIKey: chatCtx.APIKey, Messages: msgs}
}

// generate writes a placeholder, streams the completion into it and
// flushes the final text. On failure the placeholder is removed.
func (a *Agent) generate(req llm.Request) error {
	start := time.Now()
	topicID := a.params.RoomID.TopicID

	ctx, cancel := a.storeCtx()
	placeholder, err := a.store.AddAIMessage(ctx, topicID, "")
	cancel()
	if err != nil {
		metrics.AgentResponses.WithLabelValues("failed").Inc()
		return fmt.Errorf("create placeholder: %w", err)
	}
	log := a.logger.With("message_id", placeholder.ID)

	announced := true
	if err := a.send(protocol.ProvideMessage{ID: placeholder.ID}); err != nil {
		announced = false
		log.Warn("Announce placeholder failed", "error", err)
	}

	stamps := newStamper(placeholder.UpdatedAt)
	edits := NewThrottle(a.opts.Throttle, func(content string) {
		if err := a.sendEdit(placeholder.ID, content, stamps.next()); err != nil {
			log.Debug("Throttled edit not sent", "error", err)
		}
	})

	var text strings.Builder
	var streamErr error
	for delta, err := range a.completer.Stream(a.base, req) {
		if err != nil {
			streamErr = err
			break
		}
		metrics.CompletionChunks.Inc()
		text.WriteString(delta)
		edits.Call(text.String())
	}
	edits.Stop()
	metrics.CompletionDuration.Observe(time.Since(start).Seconds())

	if streamErr == nil && text.Len() == 0 {
		streamErr = errEmptyResponse
	}
	if streamErr != nil {
		a.discard(placeholder.ID, announced)
		metrics.AgentResponses.WithLabelValues("failed").Inc()
		return fmt.Errorf("stream completion: %w", streamErr)
	}

	if err := a.finalize(placeholder.ID, text.String(), stamps.next(), announced); err != nil {
		metrics.AgentResponses.WithLabelValues("failed").Inc()
		return err
	}
	metrics.AgentResponses.WithLabelValues("completed").Inc()
	log.Info("Agent response completed", "length", text.Len(), "duration", time.Since(start))
	return nil
}

func (a *Agent) sendEdit(id int64, content string, at time.Time) error {
	err := a.send(protocol.EditMessage{MessageID: id, Content: content, UpdatedAt: at})
	if err == nil {
		metrics.AgentEditsSent.Inc()
	}
	return err
}

// finalize sends the complete text through the room, or writes it straight
// to storage when the room connection is gone.
func (a *Agent) finalize(id int64, content string, at time.Time, announced bool) error {
	if announced {
		err := a.sendEdit(id, content, at)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errNotConnected) {
			a.logger.Warn("Final edit via room failed, saving directly", "message_id", id, "error", err)
		}
	}

	ctx, cancel := a.storeCtx()
	defer cancel()
	if _, err := a.store.EditMessage(ctx, a.params.RoomID.TopicID, id, content, at); err != nil {
		return fmt.Errorf("save final response: %w", err)
	}
	return nil
}

// discard removes a placeholder, through the room when it knows about it.
func (a *Agent) discard(id int64, announced bool) {
	if announced {
		if err := a.send(protocol.DeleteMessage{MessageID: id}); err == nil {
			return
		}
	}

	ctx, cancel := a.storeCtx()
	defer cancel()
	if _, err := a.store.DeleteMessage(ctx, a.params.RoomID.TopicID, id); err != nil {
		a.logger.Error("Failed to delete placeholder", "message_id", id, "error", err)
	}
}

// stamper hands out strictly increasing millisecond timestamps.
type stamper struct {
	mu   sync.Mutex
	last time.Time
}

func newStamper(after time.Time) *stamper {
	return &stamper{last: after}
}

func (s *stamper) next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Truncate(time.Millisecond)
	if !now.After(s.last) {
		now = s.last.Add(time.Millisecond)
	}
	s.last = now
	return now
}
