package protocol

import (
	"errors"

	"github.com/ashureev/roomchat/internal/domain"
)

var (
	// ErrNotMember is returned when the sender is not connected to the room.
	ErrNotMember = errors.New("sender is not a room member")
	// ErrNotAuthor is returned when the sender does not own the target message.
	ErrNotAuthor = errors.New("sender is not the message author")
	// ErrUnknownMessage is returned when the target message is not cached.
	ErrUnknownMessage = errors.New("message not in room")
	// ErrForbidden is returned for events the sender's identity may not send.
	ErrForbidden = errors.New("event not allowed for sender")
)

// RoomState is the view of a room that authorization rules read.
type RoomState interface {
	IsMember(participantID string) bool
	Message(id int64) (*domain.Message, bool)
}

// Authorize checks ev against the sender identity and room state.
func Authorize(ev ClientEvent, sender string, state RoomState) error {
	if !state.IsMember(sender) {
		return ErrNotMember
	}
	return ev.authorize(sender, state)
}

// The agent persists its own messages and announces them with provideMessage.
func (AddMessage) authorize(sender string, _ RoomState) error {
	if domain.IsAgent(sender) {
		return ErrForbidden
	}
	return nil
}

func (e EditMessage) authorize(sender string, state RoomState) error {
	return requireAuthor(e.MessageID, sender, state)
}

func (e DeleteMessage) authorize(sender string, state RoomState) error {
	return requireAuthor(e.MessageID, sender, state)
}

func (ProvideMessage) authorize(string, RoomState) error {
	return nil
}

func requireAuthor(messageID int64, sender string, state RoomState) error {
	msg, ok := state.Message(messageID)
	if !ok {
		return ErrUnknownMessage
	}
	if !msg.IsAuthoredBy(sender) {
		return ErrNotAuthor
	}
	return nil
}
