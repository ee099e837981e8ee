package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertContact inserts or updates a contact, preferring non-empty fields.
func (db *DB) UpsertContact(c *Contact) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO contacts (id, name, push_name, avatar, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
			push_name = CASE WHEN excluded.push_name != '' THEN excluded.push_name ELSE contacts.push_name END,
			avatar = CASE WHEN excluded.avatar != '' THEN excluded.avatar ELSE contacts.avatar END,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.PushName, c.Avatar, now)
	return err
}

// BulkUpsertContacts inserts or updates multiple contacts in a single transaction.
func (db *DB) BulkUpsertContacts(contacts []Contact) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, c := range contacts {
		if _, err := tx.Exec(`
			INSERT INTO contacts (id, name, push_name, avatar, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
				push_name = CASE WHEN excluded.push_name != '' THEN excluded.push_name ELSE contacts.push_name END,
				avatar = CASE WHEN excluded.avatar != '' THEN excluded.avatar ELSE contacts.avatar END,
				updated_at = excluded.updated_at`,
			c.ID, c.Name, c.PushName, c.Avatar, now); err != nil {
			return fmt.Errorf("upsert contact %q: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// GetContact returns a contact by id, nil if absent.
func (db *DB) GetContact(id string) (*Contact, error) {
	var c Contact
	err := db.QueryRow(`SELECT id, name, push_name, avatar FROM contacts WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.PushName, &c.Avatar)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ResolveContact implements the ledger's contact resolver: display name with
// push-name fallback, plus avatar.
func (db *DB) ResolveContact(userID string) (string, string, bool) {
	c, err := db.GetContact(userID)
	if err != nil || c == nil {
		return "", "", false
	}
	name := c.Name
	if name == "" {
		name = c.PushName
	}
	if name == "" {
		return "", "", false
	}
	return name, c.Avatar, true
}
