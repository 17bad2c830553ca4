package history

import (
	"time"

	"github.com/kosuchat/kosu/internal/store"
)

// UpsertMessage inserts or updates a message (idempotent on conversation + msg id).
// Provisional entries are not archived; the engine writes through only once a
// message has a server identity.
func (db *DB) UpsertMessage(m *store.Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, client_token, sender_id, sender_name, body, from_me, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			body = excluded.body,
			status = excluded.status`,
		m.ConversationID, m.ID, m.ClientToken, m.SenderID, m.SenderName, m.Body, m.FromMe, string(m.Status), m.Timestamp, now)
	return err
}

// ListMessages returns cached messages for a conversation using keyset
// pagination by timestamp, newest first.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT conversation_id, msg_id, client_token, sender_id, sender_name, body, from_me, status, timestamp
		FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []store.Message
	for rows.Next() {
		var m store.Message
		var status string
		if err := rows.Scan(&m.ConversationID, &m.ID, &m.ClientToken, &m.SenderID, &m.SenderName, &m.Body, &m.FromMe, &status, &m.Timestamp); err != nil {
			return nil, err
		}
		m.Status = store.DeliveryStatus(status)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
