package store

import "time"

// UpsertMessage inserts or updates a message (idempotent on conversation_id + msg_id).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, correlation_id, sender_id, sender_name, recipient_id, body, message_type, attachments, is_own, own_determined, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			body = excluded.body,
			attachments = excluded.attachments,
			is_own = excluded.is_own,
			own_determined = excluded.own_determined,
			status = excluded.status`,
		m.ConversationID, m.MsgID, m.CorrelationID, m.SenderID, m.SenderName, m.RecipientID,
		m.Body, m.MessageType, attachmentsOrEmpty(m.Attachments), m.IsOwn, m.OwnDetermined,
		m.Status, m.Timestamp, now)
	return err
}

// AssignDurableID rewrites a message key from the correlation id to the
// server-assigned durable id after a send ack.
func (db *DB) AssignDurableID(correlationID, durableID string) error {
	_, err := db.Exec(`UPDATE messages SET msg_id = ? WHERE correlation_id = ? AND msg_id = correlation_id`,
		durableID, correlationID)
	return err
}

// UpdateMessageStatus sets the stored status for a message by durable or
// correlation id.
func (db *DB) UpdateMessageStatus(key, status string) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE msg_id = ? OR correlation_id = ?`,
		status, key, key)
	return err
}

// ListMessages returns messages for a conversation using keyset pagination by
// timestamp.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, correlation_id, sender_id, sender_name, recipient_id, body, message_type, attachments, is_own, own_determined, status, timestamp
		FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.CorrelationID, &m.SenderID, &m.SenderName, &m.RecipientID, &m.Body, &m.MessageType, &m.Attachments, &m.IsOwn, &m.OwnDetermined, &m.Status, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteMessage removes a single message by durable or correlation id.
func (db *DB) DeleteMessage(key string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE msg_id = ? OR correlation_id = ?`, key, key)
	return err
}

// ClearConversationMessages removes every message of a conversation. Returns
// the number of rows removed.
func (db *DB) ClearConversationMessages(conversationID string) (int64, error) {
	res, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func attachmentsOrEmpty(s string) string {
	if s == "" {
		return "[]"
	}
	return s
}
