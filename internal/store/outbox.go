package store

import "time"

// QueueOutbox adds a message to the send outbox.
func (db *DB) QueueOutbox(e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (correlation_id, conversation_id, recipient_id, body, message_type, reply_to_id, attachment_path, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'queued', ?, ?)`,
		e.CorrelationID, e.ConversationID, e.RecipientID, e.Body, e.MessageType, e.ReplyToID, e.AttachmentPath, now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' and bumps the
// attempt counter.
func (db *DB) MarkOutboxSending(correlationID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', attempts = attempts + 1, updated_at = ? WHERE correlation_id = ?`, now, correlationID)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server message ID.
func (db *DB) MarkOutboxSent(correlationID, serverMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_msg_id = ?, updated_at = ? WHERE correlation_id = ?`, serverMsgID, now, correlationID)
	return err
}

// MarkOutboxRetry puts an entry back in the queue after a transient failure.
func (db *DB) MarkOutboxRetry(correlationID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'queued', error_message = ?, updated_at = ? WHERE correlation_id = ?`, errMsg, now, correlationID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(correlationID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE correlation_id = ?`, errMsg, now, correlationID)
	return err
}

// PendingOutbox returns outbox entries that are still queued, oldest first.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, correlation_id, conversation_id, recipient_id, body, message_type, reply_to_id, attachment_path, status, attempts, error_message, server_msg_id
		FROM outbox WHERE status = 'queued' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.CorrelationID, &e.ConversationID, &e.RecipientID, &e.Body, &e.MessageType, &e.ReplyToID, &e.AttachmentPath, &e.Status, &e.Attempts, &e.ErrorMessage, &e.ServerMsgID); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RequeueInFlight moves 'sending' entries back to 'queued'. Called on startup
// and on reconnect, so sends interrupted by a crash or disconnect replay.
func (db *DB) RequeueInFlight() (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE outbox SET status = 'queued', updated_at = ? WHERE status = 'sending'`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
