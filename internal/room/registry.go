package room

import (
	"log/slog"
	"sync"

	"github.com/ashureev/roomchat/internal/domain"
	"github.com/ashureev/roomchat/internal/store"
)

type registryEntry struct {
	room *Room
	refs int
}

// Registry maps room ids to live room actors. Rooms are created on first
// Acquire and stopped when their last reference is released.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*registryEntry
	store  store.MessageStore
	agents AgentController
	cfg    Config
}

// NewRegistry creates an empty registry. agents may be nil.
func NewRegistry(messages store.MessageStore, agents AgentController, cfg Config) *Registry {
	return &Registry{
		rooms:  make(map[string]*registryEntry),
		store:  messages,
		agents: agents,
		cfg:    cfg,
	}
}

// Acquire returns the room for id, starting it if needed. Every Acquire must
// be paired with one Release.
func (reg *Registry) Acquire(id domain.RoomID) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	key := id.String()
	entry, ok := reg.rooms[key]
	if !ok {
		entry = &registryEntry{room: New(id, reg.store, reg.agents, reg.cfg)}
		reg.rooms[key] = entry
		slog.Debug("Room created", "room_id", key)
	}
	entry.refs++
	return entry.room
}

// Release drops one reference to the room. The room is evicted and stopped
// when no references remain.
func (reg *Registry) Release(r *Room) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	key := r.ID().String()
	entry, ok := reg.rooms[key]
	if !ok || entry.room != r {
		return
	}
	entry.refs--
	if entry.refs > 0 {
		return
	}
	delete(reg.rooms, key)
	r.Stop()
	slog.Debug("Room evicted", "room_id", key)
}

// Get returns the live room for id, if any.
func (reg *Registry) Get(id domain.RoomID) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	entry, ok := reg.rooms[id.String()]
	if !ok {
		return nil, false
	}
	return entry.room, true
}

// Len returns the number of live rooms.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// Shutdown stops every room.
func (reg *Registry) Shutdown() {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for key, entry := range reg.rooms {
		rooms = append(rooms, entry.room)
		delete(reg.rooms, key)
	}
	reg.mu.Unlock()

	for _, r := range rooms {
		r.Stop()
	}
	for _, r := range rooms {
		<-r.Done()
	}
}
