package store

import (
	"database/sql"
	"time"
)

// UpsertUser inserts or updates a user. An empty display name keeps the
// stored one, so presence-only updates do not erase profiles.
func (db *DB) UpsertUser(u *User) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO users (id, display_name, online, last_seen, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE users.display_name END,
			online = excluded.online,
			last_seen = MAX(users.last_seen, excluded.last_seen),
			updated_at = excluded.updated_at`,
		u.ID, u.DisplayName, u.Online, u.LastSeen, now)
	return err
}

// GetUser returns a user by id, or nil when absent.
func (db *DB) GetUser(id string) (*User, error) {
	var u User
	err := db.QueryRow(`SELECT id, display_name, online, last_seen, updated_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.DisplayName, &u.Online, &u.LastSeen, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
