// Package client implements the participant side of the room protocol.
package client

import (
	"sort"

	"github.com/ashureev/roomchat/internal/domain"
	"github.com/ashureev/roomchat/internal/protocol"
)

// View is a participant's local mirror of a room. It applies server events
// with the same coherence rules the room uses. Not safe for concurrent use.
type View struct {
	messages []domain.Message
	users    map[string]struct{}
	loaded   bool
}

// NewView returns an empty, unloaded view.
func NewView() *View {
	return &View{users: make(map[string]struct{})}
}

// Apply folds one server event into the view.
func (v *View) Apply(ev protocol.ServerEvent) {
	switch e := ev.(type) {
	case protocol.Init:
		v.messages = domain.CloneMessages(e.Messages)
		v.users = make(map[string]struct{}, len(e.UserIDs))
		for _, id := range e.UserIDs {
			v.users[id] = struct{}{}
		}
		v.loaded = true
	case protocol.SetMessages:
		v.messages = domain.CloneMessages(e.Messages)
		v.loaded = true
	case protocol.MessageEdited:
		for i := range v.messages {
			if v.messages[i].ID == e.Message.ID {
				v.messages[i] = e.Message
				return
			}
		}
	case protocol.MessageDeleted:
		for i := range v.messages {
			if v.messages[i].ID == e.MessageID {
				v.messages = append(v.messages[:i], v.messages[i+1:]...)
				return
			}
		}
	case protocol.UserJoined:
		v.users[e.UserID] = struct{}{}
	case protocol.UserLeft:
		delete(v.users, e.UserID)
	}
}

// Loaded reports whether an Init or SetMessages has been applied.
func (v *View) Loaded() bool {
	return v.loaded
}

// Messages returns a copy of the ordered message list.
func (v *View) Messages() []domain.Message {
	return domain.CloneMessages(v.messages)
}

// Message returns the cached message with id.
func (v *View) Message(id int64) (*domain.Message, bool) {
	for i := range v.messages {
		if v.messages[i].ID == id {
			m := v.messages[i]
			return &m, true
		}
	}
	return nil, false
}

// Latest returns the last message in the view.
func (v *View) Latest() (*domain.Message, bool) {
	if len(v.messages) == 0 {
		return nil, false
	}
	m := v.messages[len(v.messages)-1]
	return &m, true
}

// Users returns the connected participant ids, sorted.
func (v *View) Users() []string {
	ids := make([]string, 0, len(v.users))
	for id := range v.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reset discards all state.
func (v *View) Reset() {
	v.messages = nil
	v.users = make(map[string]struct{})
	v.loaded = false
}
