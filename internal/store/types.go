package store

// DeliveryStatus tracks how far a message got.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// ProvisionalPrefix marks client-generated message IDs that have not been
// acknowledged by the server yet.
const ProvisionalPrefix = "local-"

// Conversation is one thread in the directory: the counterpart you are
// renting from or to, plus list bookkeeping.
type Conversation struct {
	ID                 string
	CounterpartID      string
	CounterpartName    string
	AvatarURL          string
	LastMessagePreview string
	LastActivityAt     int64 // unix ms
	UnreadCount        int
}

// Message is a single chat entry within a conversation.
type Message struct {
	ID             string
	ConversationID string
	ClientToken    string // idempotency token threaded through the send request
	SenderID       string
	SenderName     string
	Body           string
	FromMe         bool
	Status         DeliveryStatus
	Timestamp      int64 // unix ms; client clock until reconciled
}

// IsProvisional reports whether the message still carries a client-generated ID.
func (m *Message) IsProvisional() bool {
	return len(m.ID) > len(ProvisionalPrefix) && m.ID[:len(ProvisionalPrefix)] == ProvisionalPrefix
}

// Draft is the user-entered content handed to the message store on send.
type Draft struct {
	Body        string
	SenderID    string
	SenderName  string
	ClientToken string
	Timestamp   int64
}
