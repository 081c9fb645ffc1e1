package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MaxContentLength bounds the size of a single message body in bytes.
const MaxContentLength = 64 * 1024

// Event is implemented by every client and server event.
type Event interface {
	Kind() string
}

// ValidationError describes why an inbound frame was not a valid event.
type ValidationError struct {
	Kind   string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("invalid event %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s.%s: %s", e.Kind, e.Field, e.Reason)
}

func invalid(kind, field, reason string) *ValidationError {
	return &ValidationError{Kind: kind, Field: field, Reason: reason}
}

type envelope struct {
	Type string `json:"type"`
}

// Encode serializes an event with its "type" discriminator.
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Kind(), err)
	}
	return data, nil
}

func readKind(data []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", invalid("", "frame", "malformed json")
	}
	if env.Type == "" {
		return "", invalid("", "type", "missing")
	}
	return env.Type, nil
}

// ParseClientEvent validates a participant frame and returns the matching
// variant, or a *ValidationError.
func ParseClientEvent(data []byte) (ClientEvent, error) {
	kind, err := readKind(data)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindAddMessage:
		var raw struct {
			Content *string `json:"content"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, invalid(kind, "content", err.Error())
		}
		if raw.Content == nil {
			return nil, invalid(kind, "content", "missing")
		}
		if strings.TrimSpace(*raw.Content) == "" {
			return nil, invalid(kind, "content", "empty")
		}
		if len(*raw.Content) > MaxContentLength {
			return nil, invalid(kind, "content", "too long")
		}
		return AddMessage{Content: *raw.Content}, nil

	case KindEditMessage:
		var raw struct {
			AuthorID  *string    `json:"authorId"`
			MessageID *int64     `json:"messageId"`
			Content   *string    `json:"content"`
			UpdatedAt *time.Time `json:"updatedAt"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, invalid(kind, "payload", err.Error())
		}
		if raw.MessageID == nil || *raw.MessageID <= 0 {
			return nil, invalid(kind, "messageId", "missing or not positive")
		}
		if raw.Content == nil {
			return nil, invalid(kind, "content", "missing")
		}
		if len(*raw.Content) > MaxContentLength {
			return nil, invalid(kind, "content", "too long")
		}
		if raw.UpdatedAt == nil || raw.UpdatedAt.IsZero() {
			return nil, invalid(kind, "updatedAt", "missing")
		}
		return EditMessage{
			AuthorID:  raw.AuthorID,
			MessageID: *raw.MessageID,
			Content:   *raw.Content,
			UpdatedAt: *raw.UpdatedAt,
		}, nil

	case KindDeleteMessage:
		var raw struct {
			MessageID *int64 `json:"messageId"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, invalid(kind, "messageId", err.Error())
		}
		if raw.MessageID == nil || *raw.MessageID <= 0 {
			return nil, invalid(kind, "messageId", "missing or not positive")
		}
		return DeleteMessage{MessageID: *raw.MessageID}, nil

	case KindProvideMessage:
		var raw struct {
			ID *int64 `json:"id"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, invalid(kind, "id", err.Error())
		}
		if raw.ID == nil || *raw.ID <= 0 {
			return nil, invalid(kind, "id", "missing or not positive")
		}
		return ProvideMessage{ID: *raw.ID}, nil

	default:
		return nil, invalid("", "type", fmt.Sprintf("unknown client event %q", kind))
	}
}

// ParseServerEvent decodes a room frame into the matching variant.
func ParseServerEvent(data []byte) (ServerEvent, error) {
	kind, err := readKind(data)
	if err != nil {
		return nil, err
	}

	var ev ServerEvent
	switch kind {
	case KindInit:
		var e Init
		err = json.Unmarshal(data, &e)
		ev = e
	case KindSetMessages:
		var e SetMessages
		err = json.Unmarshal(data, &e)
		ev = e
	case KindMessageEdited:
		var e MessageEdited
		err = json.Unmarshal(data, &e)
		if err == nil && e.Message.ID <= 0 {
			return nil, invalid(kind, "message.id", "missing")
		}
		ev = e
	case KindMessageDeleted:
		var e MessageDeleted
		err = json.Unmarshal(data, &e)
		ev = e
	case KindUserJoined:
		var e UserJoined
		err = json.Unmarshal(data, &e)
		ev = e
	case KindUserLeft:
		var e UserLeft
		err = json.Unmarshal(data, &e)
		ev = e
	default:
		return nil, invalid("", "type", fmt.Sprintf("unknown server event %q", kind))
	}
	if err != nil {
		return nil, invalid(kind, "payload", err.Error())
	}
	return ev, nil
}

// MarshalJSON implementations flatten each payload next to its "type".

func (e AddMessage) MarshalJSON() ([]byte, error) {
	type payload AddMessage
	return json.Marshal(struct {
		Type string `json:"type"`
		payload
	}{KindAddMessage, payload(e)})
}

func (e EditMessage) MarshalJSON() ([]byte, error) {
	type payload EditMessage
	return json.Marshal(struct {
		Type string `json:"type"`
		payload
	}{KindEditMessage, payload(e)})
}

func (e DeleteMessage) MarshalJSON() ([]byte, error) {
	type payload DeleteMessage
	return json.Marshal(struct {
		Type string `json:"type"`
		payload
	}{KindDeleteMessage, payload(e)})
}

func (e ProvideMessage) MarshalJSON() ([]byte, error) {
	type payload ProvideMessage
	return json.Marshal(struct {
		Type string `json:"type"`
		payload
	}{KindProvideMessage, payload(e)})
}

func (e Init) MarshalJSON() ([]byte, error) {
	type payload Init
	if e.Messages == nil {
		e.Messages = emptyMessages
	}
	if e.UserIDs == nil {
		e.UserIDs = []string{}
	}
	return json.Marshal(struct {
		Type string `json:"type"`
		payload
	}{KindInit, payload(e)})
}

func (e SetMessages) MarshalJSON() ([]byte, error) {
	type payload SetMessages
	if e.Messages == nil {
		e.Messages = emptyMessages
	}
	return json.Marshal(struct {
		Type string `json:"type"`
		payload
	}{KindSetMessages, payload(e)})
}

func (e MessageEdited) MarshalJSON() ([]byte, error) {
	type payload MessageEdited
	return json.Marshal(struct {
		Type string `json:"type"`
		payload
	}{KindMessageEdited, payload(e)})
}

func (e MessageDeleted) MarshalJSON() ([]byte, error) {
	type payload MessageDeleted
	return json.Marshal(struct {
		Type string `json:"type"`
		payload
	}{KindMessageDeleted, payload(e)})
}

func (e UserJoined) MarshalJSON() ([]byte, error) {
	type payload UserJoined
	return json.Marshal(struct {
		Type string `json:"type"`
		payload
	}{KindUserJoined, payload(e)})
}

func (e UserLeft) MarshalJSON() ([]byte, error) {
	type payload UserLeft
	return json.Marshal(struct {
		Type string `json:"type"`
		payload
	}{KindUserLeft, payload(e)})
}
