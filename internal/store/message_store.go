package store

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// echoMatchWindowMs bounds the body+recency fallback used when a transport
// echo of our own send carries no client token.
const echoMatchWindowMs = 15_000

// MessageStore holds per-conversation message history for the live session.
// Messages are kept in non-decreasing timestamp order; a provisional entry is
// reconciled in place so a successful send never visually reorders the list.
// The sync engine is the only writer; presentation reads snapshots.
type MessageStore struct {
	mu     sync.RWMutex
	byConv map[string][]Message
	// pendingTokens maps client tokens of local sends to their conversation,
	// so echoes of our own messages merge instead of duplicating.
	pendingTokens map[string]string
}

// NewMessageStore creates an empty message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		byConv:        make(map[string][]Message),
		pendingTokens: make(map[string]string),
	}
}

// Messages returns a snapshot of the conversation's messages in order.
func (s *MessageStore) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byConv[conversationID]
	out := make([]Message, len(list))
	copy(out, list)
	return out
}

// Seed replaces a conversation's history with fetched messages, sorted by
// timestamp. Used once when a conversation is first opened.
func (s *MessageStore) Seed(conversationID string, msgs []Message) {
	sorted := make([]Message, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})
	s.mu.Lock()
	s.byConv[conversationID] = sorted
	s.mu.Unlock()
}

// AppendOptimistic inserts a new local message with a generated provisional ID
// and returns that ID. Synchronous: the entry is visible to readers before the
// send request is even issued.
func (s *MessageStore) AppendOptimistic(conversationID string, draft Draft) string {
	provisionalID := ProvisionalPrefix + uuid.New().String()
	msg := Message{
		ID:             provisionalID,
		ConversationID: conversationID,
		ClientToken:    draft.ClientToken,
		SenderID:       draft.SenderID,
		SenderName:     draft.SenderName,
		Body:           draft.Body,
		FromMe:         true,
		Status:         StatusSent,
		Timestamp:      draft.Timestamp,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byConv[conversationID] = insertOrdered(s.byConv[conversationID], msg)
	if draft.ClientToken != "" {
		s.pendingTokens[draft.ClientToken] = conversationID
	}
	return provisionalID
}

// Reconcile replaces the provisional entry's identity, timestamp, and status
// with server-confirmed values in place. The body the user saw is never
// touched and the entry keeps its list position. If the provisional ID is not
// found, the server message is appended instead (already-reconciled calls are
// a no-op), so calling twice with the same pair cannot duplicate the entry.
func (s *MessageStore) Reconcile(conversationID, provisionalID string, server Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.byConv[conversationID]
	for i := range list {
		if list[i].ID == provisionalID {
			list[i].ID = server.ID
			list[i].Timestamp = server.Timestamp
			if server.Status != "" {
				list[i].Status = server.Status
			} else {
				list[i].Status = StatusDelivered
			}
			return
		}
	}

	// Already reconciled under the server ID: idempotent no-op.
	for i := range list {
		if server.ID != "" && list[i].ID == server.ID {
			return
		}
	}

	// Defined fallback: no matching provisional entry, keep the server's copy.
	server.ConversationID = conversationID
	server.FromMe = true
	if server.Status == "" {
		server.Status = StatusDelivered
	}
	s.byConv[conversationID] = insertOrdered(list, server)
}

// MarkFailed flips a provisional entry to failed status. The text stays
// visible; a failed send is terminal.
func (s *MessageStore) MarkFailed(conversationID, provisionalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byConv[conversationID]
	for i := range list {
		if list[i].ID == provisionalID {
			list[i].Status = StatusFailed
			if list[i].ClientToken != "" {
				delete(s.pendingTokens, list[i].ClientToken)
			}
			return
		}
	}
}

// IngestInbound appends a message delivered over the transport. Echoes of our
// own sends (sender equals the local user) are merged into the matching
// optimistic or reconciled entry (by client token when the server echoes it,
// otherwise by body and recency) instead of being appended twice.
// Returns true if a new entry was added.
func (s *MessageStore) IngestInbound(conversationID string, msg Message, localUserID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.byConv[conversationID]

	// Exact ID duplicate: redelivery, no-op.
	if msg.ID != "" {
		for i := range list {
			if list[i].ID == msg.ID {
				return false
			}
		}
	}

	if msg.SenderID != "" && msg.SenderID == localUserID {
		if idx := s.matchOwnEcho(list, msg); idx >= 0 {
			if list[idx].IsProvisional() && msg.ID != "" {
				list[idx].ID = msg.ID
				list[idx].Timestamp = msg.Timestamp
			}
			if list[idx].Status != StatusRead {
				list[idx].Status = StatusDelivered
			}
			if msg.ClientToken != "" {
				delete(s.pendingTokens, msg.ClientToken)
			}
			return false
		}
		// Our message from another device: fall through and append.
		msg.FromMe = true
	}

	msg.ConversationID = conversationID
	if msg.Status == "" {
		msg.Status = StatusDelivered
	}
	s.byConv[conversationID] = insertOrdered(list, msg)
	return true
}

// matchOwnEcho finds the local entry an inbound echo corresponds to.
// Scans from the tail: recent sends live at the end.
func (s *MessageStore) matchOwnEcho(list []Message, msg Message) int {
	if msg.ClientToken != "" {
		for i := len(list) - 1; i >= 0; i-- {
			if list[i].ClientToken == msg.ClientToken {
				return i
			}
		}
		return -1
	}
	for i := len(list) - 1; i >= 0; i-- {
		m := &list[i]
		if !m.FromMe || m.Body != msg.Body {
			continue
		}
		delta := msg.Timestamp - m.Timestamp
		if delta < 0 {
			delta = -delta
		}
		if delta <= echoMatchWindowMs {
			return i
		}
	}
	return -1
}

// insertOrdered inserts msg keeping non-decreasing timestamp order.
// Equal timestamps keep arrival order (new entry goes after existing ones).
func insertOrdered(list []Message, msg Message) []Message {
	i := len(list)
	for i > 0 && list[i-1].Timestamp > msg.Timestamp {
		i--
	}
	list = append(list, Message{})
	copy(list[i+1:], list[i:])
	list[i] = msg
	return list
}
