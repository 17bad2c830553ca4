package history

import (
	"time"

	"github.com/kosuchat/kosu/internal/store"
)

// UpsertConversation inserts or updates a conversation summary.
func (db *DB) UpsertConversation(c *store.Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, counterpart_id, counterpart_name, avatar_url, last_message_preview, last_activity_at, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			counterpart_id = excluded.counterpart_id,
			counterpart_name = excluded.counterpart_name,
			avatar_url = excluded.avatar_url,
			last_message_preview = excluded.last_message_preview,
			last_activity_at = MAX(conversations.last_activity_at, excluded.last_activity_at),
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		c.ID, c.CounterpartID, c.CounterpartName, c.AvatarURL, c.LastMessagePreview, c.LastActivityAt, c.UnreadCount, now)
	return err
}

// ListConversations returns cached conversations by last activity descending.
func (db *DB) ListConversations(limit int) ([]store.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, counterpart_id, counterpart_name, avatar_url, last_message_preview, last_activity_at, unread_count
		FROM conversations
		ORDER BY last_activity_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []store.Conversation
	for rows.Next() {
		var c store.Conversation
		if err := rows.Scan(&c.ID, &c.CounterpartID, &c.CounterpartName, &c.AvatarURL, &c.LastMessagePreview, &c.LastActivityAt, &c.UnreadCount); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}
