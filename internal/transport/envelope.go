package transport

import (
	"encoding/json"
	"fmt"
)

// Event names on the realtime channel. Messages arrive here but are sent over
// the request path; typing is the only bidirectional event.
const (
	EventNewMessage   = "newMessage"
	EventTypingStatus = "typingStatus"
)

// Envelope is the wire frame for the realtime channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewMessageEvent is the payload of an inbound newMessage event.
type NewMessageEvent struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	ClientMsgID    string `json:"clientMsgId,omitempty"`
	SenderID       string `json:"senderId"`
	SenderName     string `json:"senderName"`
	Body           string `json:"body"`
	Timestamp      int64  `json:"timestamp"`
}

// TypingStatusEvent is the payload of a typingStatus event, both directions.
type TypingStatusEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	DisplayName    string `json:"displayName"`
	IsTyping       bool   `json:"isTyping"`
	ReceiverID     string `json:"receiverId,omitempty"`
}

// decodeEnvelope parses and validates a raw frame into a typed payload.
// Unknown events and frames missing required fields are rejected; the caller
// logs and drops them without touching any store state.
func decodeEnvelope(raw []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("decode frame: %w", err)
	}

	switch env.Event {
	case EventNewMessage:
		var ev NewMessageEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return env.Event, nil, fmt.Errorf("decode newMessage: %w", err)
		}
		if ev.ID == "" {
			return env.Event, nil, fmt.Errorf("newMessage missing id")
		}
		return env.Event, &ev, nil
	case EventTypingStatus:
		var ev TypingStatusEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return env.Event, nil, fmt.Errorf("decode typingStatus: %w", err)
		}
		if ev.ConversationID == "" || ev.UserID == "" {
			return env.Event, nil, fmt.Errorf("typingStatus missing conversation or user id")
		}
		return env.Event, &ev, nil
	default:
		return env.Event, nil, fmt.Errorf("unknown event %q", env.Event)
	}
}
