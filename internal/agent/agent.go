// Package agent implements the AI participant that joins a room as the
// reserved AGENT identity and streams completions into it.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/roomchat/internal/client"
	"github.com/ashureev/roomchat/internal/domain"
	"github.com/ashureev/roomchat/internal/llm"
	"github.com/ashureev/roomchat/internal/metrics"
	"github.com/ashureev/roomchat/internal/protocol"
	"github.com/ashureev/roomchat/internal/store"
)

const (
	// DefaultThrottle is the edit cadence while a completion streams.
	DefaultThrottle = 120 * time.Millisecond

	inboxSize = 256
)

var (
	errNoProjectKey   = errors.New("project has no completion key")
	errProjectMissing = errors.New("project does not exist")
	errTopicMissing   = errors.New("topic does not exist")
	errNotConnected   = errors.New("agent is not connected to the room")
	errAlreadyStarted = errors.New("agent already started")
	errEmptyResponse  = errors.New("completion returned no content")
)

// State is the agent connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Store is the persistence the agent reads prompts from and writes
// responses to.
type Store interface {
	store.MessageStore
	store.ContextStore
}

// RoomConn is the agent's participant connection.
type RoomConn interface {
	Run(ctx context.Context, handle client.Handler) error
	Send(ctx context.Context, ev protocol.ClientEvent) error
	Close() error
}

// Dialer opens a participant connection to roomID on host.
type Dialer func(ctx context.Context, host, roomID, secret string) (RoomConn, error)

// DialRoom connects to a room as the agent using the service secret.
func DialRoom(ctx context.Context, host, roomID, secret string) (RoomConn, error) {
	return client.Dial(ctx, host, roomID, client.Options{
		ParticipantID: domain.AgentID,
		Bearer:        secret,
	})
}

// Params identify the room an agent serves.
type Params struct {
	RoomID domain.RoomID
	// Host is the room server base URL.
	Host string
	// Token authenticates the agent's room connection.
	Token string
	// FallbackKey is used when the project has no donated key.
	FallbackKey string
}

// Options tune agent behaviour. Zero values take defaults.
type Options struct {
	Throttle     time.Duration
	DefaultModel string
	StoreTimeout time.Duration
	SendTimeout  time.Duration
	Dial         Dialer
}

func (o Options) withDefaults() Options {
	if o.Throttle <= 0 {
		o.Throttle = DefaultThrottle
	}
	if o.DefaultModel == "" {
		o.DefaultModel = domain.DefaultModel
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 10 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.Dial == nil {
		o.Dial = DialRoom
	}
	return o
}

type (
	serverEventCmd struct{ ev protocol.ServerEvent }
	respondDoneCmd struct{ err error }
	closedCmd      struct{ err error }
	stopCmd        struct{}
)

// Agent is one room's AI participant. Its run loop owns the shadow view,
// the cached chat context and the in-flight flag; generations run on their
// own goroutine and report back through the inbox.
type Agent struct {
	params    Params
	opts      Options
	store     Store
	completer llm.Completer
	logger    *slog.Logger

	// base is the parent of generation contexts. It outlives the room
	// connection so a response finishing after disconnect is still saved.
	base context.Context

	state    atomic.Int32
	inbox    chan any
	done     chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc

	connMu sync.Mutex
	conn   RoomConn

	generating sync.WaitGroup

	view     *client.View
	chatCtx  *domain.ChatContext
	inFlight bool
}

// New creates a disconnected agent. Call Connect to join the room.
func New(base context.Context, params Params, st Store, completer llm.Completer, opts Options) *Agent {
	return &Agent{
		params:    params,
		opts:      opts.withDefaults(),
		store:     st,
		completer: completer,
		logger:    slog.Default().With("component", "agent", "room_id", params.RoomID.String()),
		base:      base,
		inbox:     make(chan any, inboxSize),
		done:      make(chan struct{}),
		view:      client.NewView(),
	}
}

// RoomID returns the room the agent serves.
func (a *Agent) RoomID() domain.RoomID { return a.params.RoomID }

// State returns the current connection state.
func (a *Agent) State() State { return State(a.state.Load()) }

// Done is closed when the agent's run loop has exited.
func (a *Agent) Done() <-chan struct{} { return a.done }

// Wait blocks until any in-flight generation has finished.
func (a *Agent) Wait() { a.generating.Wait() }

// Connect opens the agent's room connection and starts its loops. An agent
// connects at most once.
func (a *Agent) Connect(ctx context.Context) error {
	if !a.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return errAlreadyStarted
	}

	conn, err := a.opts.Dial(ctx, a.params.Host, a.params.RoomID.String(), a.params.Token)
	if err != nil {
		a.state.Store(int32(StateDisconnected))
		a.stopOnce.Do(func() { close(a.done) })
		return fmt.Errorf("connect agent: %w", err)
	}

	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()

	runCtx, cancel := context.WithCancel(a.base)
	a.cancel = cancel
	a.state.Store(int32(StateConnected))
	metrics.AgentsConnected.Inc()
	a.logger.Info("Agent connected")

	go a.run()
	go func() {
		err := conn.Run(runCtx, func(ev protocol.ServerEvent) {
			a.post(serverEventCmd{ev: ev})
		})
		a.post(closedCmd{err: err})
	}()
	return nil
}

// Disconnect tears down the room connection and stops the run loop. A
// generation already streaming keeps going and saves its result directly.
func (a *Agent) Disconnect() {
	if a.State() == StateDisconnected {
		return
	}
	a.post(stopCmd{})
	<-a.done
}

func (a *Agent) post(cmd any) {
	select {
	case <-a.done:
		return
	default:
	}
	select {
	case a.inbox <- cmd:
	case <-a.done:
	}
}

func (a *Agent) run() {
	defer func() {
		a.teardown()
		a.stopOnce.Do(func() { close(a.done) })
	}()

	for cmd := range a.inbox {
		switch c := cmd.(type) {
		case serverEventCmd:
			a.handleEvent(c.ev)
		case respondDoneCmd:
			a.inFlight = false
			if c.err != nil {
				a.logger.Warn("Agent response failed", "error", c.err)
			}
		case closedCmd:
			if c.err != nil && !errors.Is(c.err, client.ErrClosed) {
				a.logger.Warn("Agent room connection lost", "error", c.err)
			} else {
				a.logger.Info("Agent room connection closed")
			}
			return
		case stopCmd:
			return
		}
	}
}

func (a *Agent) teardown() {
	a.state.Store(int32(StateDisconnected))
	metrics.AgentsConnected.Dec()

	a.connMu.Lock()
	conn := a.conn
	a.conn = nil
	a.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if a.cancel != nil {
		a.cancel()
	}

	a.view.Reset()
	a.chatCtx = nil
	a.logger.Info("Agent disconnected")
}

func (a *Agent) handleEvent(ev protocol.ServerEvent) {
	a.view.Apply(ev)
	if _, ok := ev.(protocol.SetMessages); ok {
		a.respond()
	}
}

// currentConn returns the room connection while connected.
func (a *Agent) currentConn() (RoomConn, error) {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn == nil || a.State() != StateConnected {
		return nil, errNotConnected
	}
	return a.conn, nil
}

func (a *Agent) send(ev protocol.ClientEvent) error {
	conn, err := a.currentConn()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(a.base, a.opts.SendTimeout)
	defer cancel()
	return conn.Send(ctx, ev)
}

func (a *Agent) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(a.base, a.opts.StoreTimeout)
}
