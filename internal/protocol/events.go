// Package protocol defines the closed set of events exchanged between room
// participants and the room.
package protocol

import (
	"time"

	"github.com/ashureev/roomchat/internal/domain"
)

// Client event kinds, as carried in the "type" field.
const (
	KindAddMessage     = "addMessage"
	KindEditMessage    = "editMessage"
	KindDeleteMessage  = "deleteMessage"
	KindProvideMessage = "provideMessage"
)

// Server event kinds.
const (
	KindInit           = "Init"
	KindSetMessages    = "SetMessages"
	KindMessageEdited  = "MessageEdited"
	KindMessageDeleted = "MessageDeleted"
	KindUserJoined     = "UserJoined"
	KindUserLeft       = "UserLeft"
)

// ClientEvent is sent by a participant to the room.
// Sealed: only types in this package implement it.
type ClientEvent interface {
	Kind() string
	authorize(sender string, state RoomState) error
}

// ServerEvent is sent by the room to one or all participants.
// Sealed: only types in this package implement it.
type ServerEvent interface {
	Kind() string
	serverEvent()
}

// --- Client → room ---

// AddMessage appends a new message authored by the sender.
type AddMessage struct {
	Content string `json:"content"`
}

// EditMessage replaces the content of an existing message.
type EditMessage struct {
	AuthorID  *string   `json:"authorId,omitempty"`
	MessageID int64     `json:"messageId"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DeleteMessage removes a message written by the sender.
type DeleteMessage struct {
	MessageID int64 `json:"messageId"`
}

// ProvideMessage announces a message persisted outside the room so the room
// can insert it into its cache.
type ProvideMessage struct {
	ID int64 `json:"id"`
}

// --- Room → client ---

// Init is unicast to a new connection.
type Init struct {
	Messages []domain.Message `json:"messages"`
	UserIDs  []string         `json:"userIds"`
}

// SetMessages carries the full ordered message list.
type SetMessages struct {
	Messages []domain.Message `json:"messages"`
}

// MessageEdited carries a single updated message.
type MessageEdited struct {
	Message domain.Message `json:"message"`
}

// MessageDeleted carries the id of a removed message.
type MessageDeleted struct {
	MessageID int64 `json:"messageId"`
}

// UserJoined announces a new participant.
type UserJoined struct {
	UserID string `json:"userId"`
}

// UserLeft announces a departed participant.
type UserLeft struct {
	UserID string `json:"userId"`
}

func (AddMessage) Kind() string     { return KindAddMessage }
func (EditMessage) Kind() string    { return KindEditMessage }
func (DeleteMessage) Kind() string  { return KindDeleteMessage }
func (ProvideMessage) Kind() string { return KindProvideMessage }

func (Init) Kind() string           { return KindInit }
func (SetMessages) Kind() string    { return KindSetMessages }
func (MessageEdited) Kind() string  { return KindMessageEdited }
func (MessageDeleted) Kind() string { return KindMessageDeleted }
func (UserJoined) Kind() string     { return KindUserJoined }
func (UserLeft) Kind() string       { return KindUserLeft }

func (Init) serverEvent()           {}
func (SetMessages) serverEvent()    {}
func (MessageEdited) serverEvent()  {}
func (MessageDeleted) serverEvent() {}
func (UserJoined) serverEvent()     {}
func (UserLeft) serverEvent()       {}

var emptyMessages = []domain.Message{}
