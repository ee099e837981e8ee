package store

import "time"

// UpsertPresence caches the latest presence observation for a user.
func (db *DB) UpsertPresence(p *PresenceRow) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO presence (user_id, status, last_seen_at, last_heartbeat_at, source, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			status = excluded.status,
			last_seen_at = MAX(presence.last_seen_at, excluded.last_seen_at),
			last_heartbeat_at = MAX(presence.last_heartbeat_at, excluded.last_heartbeat_at),
			source = excluded.source,
			updated_at = excluded.updated_at`,
		p.UserID, p.Status, p.LastSeenAt, p.LastHeartbeatAt, p.Source, now)
	return err
}

// ListPresence returns all cached presence rows, used to seed the estimator
// on startup.
func (db *DB) ListPresence() ([]PresenceRow, error) {
	rows, err := db.Query(`SELECT user_id, status, last_seen_at, last_heartbeat_at, source FROM presence`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []PresenceRow
	for rows.Next() {
		var p PresenceRow
		if err := rows.Scan(&p.UserID, &p.Status, &p.LastSeenAt, &p.LastHeartbeatAt, &p.Source); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
