// Package room implements the per-conversation room actor and its
// transport.
package room

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/ashureev/roomchat/internal/domain"
	"github.com/ashureev/roomchat/internal/metrics"
	"github.com/ashureev/roomchat/internal/protocol"
	"github.com/ashureev/roomchat/internal/store"
)

// ErrStopped is returned when a command is sent to a stopped room.
var ErrStopped = errors.New("room stopped")

// Close reasons the transport maps to websocket status codes.
const (
	ReasonStopped            = "room stopped"
	ReasonSlowConsumer       = "slow consumer"
	ReasonHistoryUnavailable = "history unavailable"
)

// Config tunes a room.
type Config struct {
	// StoreTimeout bounds each persistence call made by the event loop.
	StoreTimeout time.Duration
	// ControlTimeout bounds each agent attach or detach call.
	ControlTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 10 * time.Second
	}
	if c.ControlTimeout <= 0 {
		c.ControlTimeout = 15 * time.Second
	}
	return c
}

// Snapshot is a point-in-time copy of room state.
type Snapshot struct {
	Participants  []string
	Connections   int
	Messages      []domain.Message
	Loaded        bool
	AgentAttached bool
}

type (
	connectCmd    struct{ conn *Conn }
	disconnectCmd struct{ conn *Conn }
	eventCmd      struct {
		conn  *Conn
		frame []byte
	}
	attachFailedCmd struct{ gen uint64 }
	snapshotCmd     struct{ reply chan Snapshot }
	stopCmd         struct{}
)

type lifecycleOp struct {
	attach bool
	gen    uint64
}

// Room is the authoritative actor for one topic. All state below the
// channel fields is owned by the run goroutine.
type Room struct {
	id     domain.RoomID
	store  store.MessageStore
	agents AgentController
	cfg    Config
	logger *slog.Logger

	inbox     chan any
	lifecycle chan lifecycleOp
	done      chan struct{}

	conns         map[*Conn]struct{}
	participants  map[string]int
	humans        int
	cache         []domain.Message
	agentAttached bool
	attachGen     uint64
}

// New starts a room actor. agents may be nil to run without an agent.
func New(id domain.RoomID, messages store.MessageStore, agents AgentController, cfg Config) *Room {
	r := &Room{
		id:           id,
		store:        messages,
		agents:       agents,
		cfg:          cfg.withDefaults(),
		logger:       slog.Default().With("room_id", id.String()),
		inbox:        make(chan any, 256),
		lifecycle:    make(chan lifecycleOp, 64),
		done:         make(chan struct{}),
		conns:        make(map[*Conn]struct{}),
		participants: make(map[string]int),
	}
	metrics.RoomsActive.Inc()
	go r.run()
	go r.runLifecycle()
	return r
}

// ID returns the room address.
func (r *Room) ID() domain.RoomID { return r.id }

func (r *Room) post(cmd any) error {
	select {
	case <-r.done:
		return ErrStopped
	default:
	}
	select {
	case r.inbox <- cmd:
		return nil
	case <-r.done:
		return ErrStopped
	}
}

// Connect adds a participant connection.
func (r *Room) Connect(c *Conn) error { return r.post(connectCmd{c}) }

// Disconnect removes a participant connection.
func (r *Room) Disconnect(c *Conn) error { return r.post(disconnectCmd{c}) }

// Deliver hands one inbound frame from c to the room.
func (r *Room) Deliver(c *Conn, frame []byte) error { return r.post(eventCmd{c, frame}) }

// Stop ends the actor after every previously posted command is handled.
func (r *Room) Stop() { _ = r.post(stopCmd{}) }

// Done is closed when the actor has exited.
func (r *Room) Done() <-chan struct{} { return r.done }

// Snapshot returns a copy of the current room state.
func (r *Room) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := r.post(snapshotCmd{reply}); err != nil {
		return Snapshot{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-r.done:
		return Snapshot{}, ErrStopped
	}
}

func (r *Room) run() {
	defer func() {
		close(r.lifecycle)
		close(r.done)
		metrics.RoomsActive.Dec()
	}()

	for cmd := range r.inbox {
		switch c := cmd.(type) {
		case connectCmd:
			r.onConnect(c.conn)
		case disconnectCmd:
			r.onDisconnect(c.conn)
		case eventCmd:
			r.onEvent(c.conn, c.frame)
		case attachFailedCmd:
			if c.gen == r.attachGen && r.agentAttached {
				r.agentAttached = false
			}
		case snapshotCmd:
			c.reply <- r.snapshot()
		case stopCmd:
			for conn := range r.conns {
				conn.Close(ReasonStopped)
				metrics.ConnectionsOpen.Dec()
			}
			r.logger.Debug("Room stopped")
			return
		}
	}
}

// runLifecycle executes attach/detach calls in order, off the event loop.
func (r *Room) runLifecycle() {
	for op := range r.lifecycle {
		if r.agents == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ControlTimeout)
		if op.attach {
			if err := r.agents.Attach(ctx, r.id); err != nil {
				metrics.AgentLifecycleCalls.WithLabelValues("attach", "failed").Inc()
				r.logger.Warn("Agent attach failed, continuing without agent", "error", err)
				select {
				case r.inbox <- attachFailedCmd{op.gen}:
				case <-r.done:
				}
			} else {
				metrics.AgentLifecycleCalls.WithLabelValues("attach", "ok").Inc()
				r.logger.Info("Agent attached")
			}
		} else {
			if err := r.agents.Detach(ctx, r.id); err != nil {
				metrics.AgentLifecycleCalls.WithLabelValues("detach", "failed").Inc()
				r.logger.Warn("Agent detach failed", "error", err)
			} else {
				metrics.AgentLifecycleCalls.WithLabelValues("detach", "ok").Inc()
				r.logger.Info("Agent detached")
			}
		}
		cancel()
	}
}

func (r *Room) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.cfg.StoreTimeout)
}

// ensureCache loads the topic history if the cache is absent. The loop is
// sequential, so at most one load is ever in flight and queued connects see
// its result.
func (r *Room) ensureCache() bool {
	if r.cache != nil {
		return true
	}
	ctx, cancel := r.storeCtx()
	defer cancel()

	msgs, err := r.store.ListMessages(ctx, r.id.TopicID)
	if err != nil {
		metrics.CacheLoads.WithLabelValues("failed").Inc()
		r.logger.Error("Failed to load messages", "error", err)
		return false
	}
	metrics.CacheLoads.WithLabelValues("ok").Inc()
	r.cache = domain.CloneMessages(msgs)
	return true
}

func (r *Room) onConnect(c *Conn) {
	pid := c.ParticipantID()
	if !r.ensureCache() {
		r.logger.Warn("Refusing connection without history", "user_id", pid, "conn_id", c.ID())
		c.Close(ReasonHistoryUnavailable)
		if domain.IsAgent(pid) && r.humans > 0 && r.agentAttached {
			r.agentAttached = false
		}
		return
	}

	r.conns[c] = struct{}{}
	r.participants[pid]++
	firstForParticipant := r.participants[pid] == 1
	human := !domain.IsAgent(pid)
	if human && firstForParticipant {
		r.humans++
	}
	metrics.ConnectionsOpen.Inc()
	r.logger.Info("Participant connected", "user_id", pid, "conn_id", c.ID())

	if firstForParticipant {
		r.broadcast(protocol.UserJoined{UserID: pid}, c)
	}
	r.unicast(c, protocol.Init{Messages: r.cache, UserIDs: r.userIDs()})

	if human && !r.agentAttached && r.agents != nil {
		r.agentAttached = true
		r.attachGen++
		r.lifecycle <- lifecycleOp{attach: true, gen: r.attachGen}
	}
}

func (r *Room) onDisconnect(c *Conn) {
	if _, ok := r.conns[c]; !ok {
		return
	}
	delete(r.conns, c)
	metrics.ConnectionsOpen.Dec()

	pid := c.ParticipantID()
	r.participants[pid]--
	if r.participants[pid] > 0 {
		return
	}
	delete(r.participants, pid)
	r.logger.Info("Participant left", "user_id", pid)
	r.broadcast(protocol.UserLeft{UserID: pid}, nil)

	if domain.IsAgent(pid) {
		// Let a later human connect re-attach an agent that dropped on its own.
		if r.humans > 0 && r.agentAttached {
			r.agentAttached = false
		}
		return
	}

	r.humans--
	if r.humans > 0 {
		return
	}
	r.logger.Info("Last human left, clearing cache")
	r.cache = nil
	if r.agentAttached {
		r.agentAttached = false
		r.lifecycle <- lifecycleOp{attach: false}
	}
}

func (r *Room) onEvent(c *Conn, frame []byte) {
	if _, ok := r.conns[c]; !ok {
		return
	}
	sender := c.ParticipantID()

	ev, err := protocol.ParseClientEvent(frame)
	if err != nil {
		metrics.ClientEvents.WithLabelValues("unknown", "invalid").Inc()
		r.logger.Debug("Dropping invalid event", "user_id", sender, "error", err)
		return
	}
	kind := ev.Kind()

	if !r.ensureCache() {
		metrics.ClientEvents.WithLabelValues(kind, "failed").Inc()
		return
	}
	switch e := ev.(type) {
	case protocol.EditMessage:
		r.recoverMessage(e.MessageID)
	case protocol.DeleteMessage:
		r.recoverMessage(e.MessageID)
	}
	if err := protocol.Authorize(ev, sender, r); err != nil {
		metrics.ClientEvents.WithLabelValues(kind, "unauthorized").Inc()
		r.logger.Debug("Dropping unauthorized event", "event", kind, "user_id", sender, "error", err)
		return
	}

	var outcome string
	switch e := ev.(type) {
	case protocol.AddMessage:
		outcome = r.handleAdd(sender, e)
	case protocol.ProvideMessage:
		outcome = r.handleProvide(e)
	case protocol.EditMessage:
		outcome = r.handleEdit(e)
	case protocol.DeleteMessage:
		outcome = r.handleDelete(e)
	}
	metrics.ClientEvents.WithLabelValues(kind, outcome).Inc()
}

func (r *Room) handleAdd(sender string, e protocol.AddMessage) string {
	ctx, cancel := r.storeCtx()
	defer cancel()

	msg, err := r.store.AddMessage(ctx, r.id.TopicID, sender, e.Content)
	if err != nil {
		if errors.Is(err, store.ErrNotMember) {
			r.logger.Debug("Sender may not write to topic", "user_id", sender)
			return "unauthorized"
		}
		r.logger.Error("Failed to add message", "user_id", sender, "error", err)
		return "failed"
	}

	r.insertOrdered(*msg)
	r.broadcast(protocol.SetMessages{Messages: r.cache}, nil)
	return "applied"
}

func (r *Room) handleProvide(e protocol.ProvideMessage) string {
	ctx, cancel := r.storeCtx()
	defer cancel()

	msg, err := r.store.GetMessage(ctx, r.id.TopicID, e.ID)
	if err != nil {
		r.logger.Error("Failed to fetch provided message", "message_id", e.ID, "error", err)
		return "failed"
	}
	if msg == nil {
		r.logger.Debug("Provided message not found", "message_id", e.ID)
		return "failed"
	}

	r.insertOrdered(*msg)
	r.broadcast(protocol.SetMessages{Messages: r.cache}, nil)
	return "applied"
}

// recoverMessage fetches a message missing from the cache, such as one whose
// provideMessage failed, and announces it the way a provide would.
func (r *Room) recoverMessage(id int64) {
	if r.indexOf(id) >= 0 {
		return
	}
	ctx, cancel := r.storeCtx()
	defer cancel()

	msg, err := r.store.GetMessage(ctx, r.id.TopicID, id)
	if err != nil {
		r.logger.Error("Failed to fetch uncached message", "message_id", id, "error", err)
		return
	}
	if msg == nil {
		return
	}
	r.logger.Debug("Recovered uncached message", "message_id", id)
	r.insertOrdered(*msg)
	r.broadcast(protocol.SetMessages{Messages: r.cache}, nil)
}

func (r *Room) handleEdit(e protocol.EditMessage) string {
	idx := r.indexOf(e.MessageID)
	if idx < 0 {
		return "failed"
	}
	if !e.UpdatedAt.After(r.cache[idx].UpdatedAt) {
		return "stale"
	}

	ctx, cancel := r.storeCtx()
	defer cancel()

	msg, err := r.store.EditMessage(ctx, r.id.TopicID, e.MessageID, e.Content, e.UpdatedAt)
	if err != nil {
		r.logger.Error("Failed to edit message", "message_id", e.MessageID, "error", err)
		return "failed"
	}

	r.cache[idx] = *msg
	r.broadcast(protocol.MessageEdited{Message: *msg}, nil)
	return "applied"
}

func (r *Room) handleDelete(e protocol.DeleteMessage) string {
	ctx, cancel := r.storeCtx()
	defer cancel()

	if _, err := r.store.DeleteMessage(ctx, r.id.TopicID, e.MessageID); err != nil && !errors.Is(err, store.ErrNotFound) {
		r.logger.Error("Failed to delete message", "message_id", e.MessageID, "error", err)
		return "failed"
	}

	if idx := r.indexOf(e.MessageID); idx >= 0 {
		r.cache = append(r.cache[:idx], r.cache[idx+1:]...)
	}
	r.broadcast(protocol.MessageDeleted{MessageID: e.MessageID}, nil)
	return "applied"
}

// insertOrdered places msg before the first cached message created strictly
// later, breaking creation-time ties by id. An existing entry with the same
// id is replaced.
func (r *Room) insertOrdered(msg domain.Message) {
	if idx := r.indexOf(msg.ID); idx >= 0 {
		r.cache = append(r.cache[:idx], r.cache[idx+1:]...)
	}
	pos := len(r.cache)
	for i := range r.cache {
		if msg.Before(&r.cache[i]) {
			pos = i
			break
		}
	}
	r.cache = append(r.cache, domain.Message{})
	copy(r.cache[pos+1:], r.cache[pos:])
	r.cache[pos] = msg
}

func (r *Room) indexOf(id int64) int {
	for i := range r.cache {
		if r.cache[i].ID == id {
			return i
		}
	}
	return -1
}

// IsMember implements protocol.RoomState.
func (r *Room) IsMember(participantID string) bool {
	return r.participants[participantID] > 0
}

// Message implements protocol.RoomState.
func (r *Room) Message(id int64) (*domain.Message, bool) {
	idx := r.indexOf(id)
	if idx < 0 {
		return nil, false
	}
	return &r.cache[idx], true
}

func (r *Room) userIDs() []string {
	ids := make([]string, 0, len(r.participants))
	for id := range r.participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// broadcast encodes ev once and queues it on every connection except skip.
func (r *Room) broadcast(ev protocol.ServerEvent, skip *Conn) {
	frame, err := protocol.Encode(ev)
	if err != nil {
		r.logger.Error("Failed to encode broadcast", "event", ev.Kind(), "error", err)
		return
	}
	metrics.Broadcasts.WithLabelValues(ev.Kind()).Inc()
	for c := range r.conns {
		if c == skip {
			continue
		}
		r.push(c, frame)
	}
}

func (r *Room) unicast(c *Conn, ev protocol.ServerEvent) {
	frame, err := protocol.Encode(ev)
	if err != nil {
		r.logger.Error("Failed to encode event", "event", ev.Kind(), "error", err)
		return
	}
	r.push(c, frame)
}

// push queues frame on c. A connection that cannot keep up is closed rather
// than skipped, since a skipped delta would leave its view incoherent.
func (r *Room) push(c *Conn, frame []byte) {
	if c.enqueue(frame) {
		return
	}
	select {
	case <-c.Done():
		return
	default:
	}
	metrics.SlowConsumerDisconnects.Inc()
	r.logger.Warn("Closing slow connection", "user_id", c.ParticipantID(), "conn_id", c.ID())
	c.Close(ReasonSlowConsumer)
}

func (r *Room) snapshot() Snapshot {
	s := Snapshot{
		Participants:  r.userIDs(),
		Connections:   len(r.conns),
		Loaded:        r.cache != nil,
		AgentAttached: r.agentAttached,
	}
	if r.cache != nil {
		s.Messages = domain.CloneMessages(r.cache)
	}
	return s
}
