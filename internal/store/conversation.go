package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// UpsertConversation inserts or updates a conversation row.
func (db *DB) UpsertConversation(c *Conversation) error {
	parts, err := json.Marshal(c.Participants)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO conversations (id, participants, display_name, avatar, conv_type, unread_count, last_activity_at, last_message_summary, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participants = excluded.participants,
			display_name = excluded.display_name,
			avatar = excluded.avatar,
			conv_type = excluded.conv_type,
			unread_count = excluded.unread_count,
			last_activity_at = excluded.last_activity_at,
			last_message_summary = excluded.last_message_summary,
			updated_at = excluded.updated_at`,
		c.ID, string(parts), c.DisplayName, c.Avatar, c.Type, c.UnreadCount, c.LastActivityAt, c.LastMessageSummary, now)
	return err
}

// ListConversations returns conversations sorted by last activity descending.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, participants, display_name, avatar, conv_type, unread_count, last_activity_at, last_message_summary
		FROM conversations
		ORDER BY last_activity_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetConversation returns a single conversation by id, nil if absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	row := db.QueryRow(`
		SELECT id, participants, display_name, avatar, conv_type, unread_count, last_activity_at, last_message_summary
		FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// RenameConversation rewrites a conversation id, keeping its messages
// attached. Used when a placeholder id is replaced by the durable one.
func (db *DB) RenameConversation(oldID, newID string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`UPDATE conversations SET id = ?, updated_at = ? WHERE id = ?`, newID, now, oldID); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE messages SET conversation_id = ? WHERE conversation_id = ?`, newID, oldID); err != nil {
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (Conversation, error) {
	var c Conversation
	var parts string
	if err := s.Scan(&c.ID, &parts, &c.DisplayName, &c.Avatar, &c.Type, &c.UnreadCount, &c.LastActivityAt, &c.LastMessageSummary); err != nil {
		return Conversation{}, err
	}
	if parts != "" {
		_ = json.Unmarshal([]byte(parts), &c.Participants)
	}
	return c, nil
}
