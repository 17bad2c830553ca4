package api

import "encoding/json"

// envelope is the common response wrapper the marketplace API uses.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// ConversationSummary is one row of the contacts/history fetch.
type ConversationSummary struct {
	ID              string `json:"id"`
	CounterpartID   string `json:"counterpart_id"`
	CounterpartName string `json:"counterpart_name"`
	AvatarURL       string `json:"avatar_url"`
	LastMessage     string `json:"last_message"`
	UnreadCount     int    `json:"unread_count"`
	LastActivityAt  int64  `json:"last_activity_at"`
}

// MessageRecord is a server-held message returned by the history endpoint.
type MessageRecord struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	ClientMsgID    string `json:"client_msg_id,omitempty"`
	SenderID       string `json:"sender_id"`
	SenderName     string `json:"sender_name"`
	Body           string `json:"body"`
	Status         string `json:"status"`
	Timestamp      int64  `json:"timestamp"`
}

// SendRequest is the payload for the send-message endpoint. ClientMsgID is
// the client-generated idempotency token; the server echoes it back both in
// the response and in the realtime event.
type SendRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	CounterpartID  string `json:"counterpart_id,omitempty"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
	ClientMsgID    string `json:"client_msg_id"`
}

// SentMessage is the server's acknowledgement of a send.
type SentMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	ClientMsgID    string `json:"client_msg_id"`
	Status         string `json:"status"`
	Timestamp      int64  `json:"timestamp"`
}
