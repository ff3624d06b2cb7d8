package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

const conversationColumns = `c.id, c.participant_ids, c.is_group, c.admin_ids, c.group_name, c.group_picture,
	c.last_message, c.last_message_at, c.last_sender_id, c.unread_counts, c.last_interaction,
	c.created_at, c.updated_at`

// UpsertConversation inserts or updates a conversation. An incoming record
// whose updated_at is older than the stored one is ignored, so updated_at
// never regresses. Reports whether the record was written.
func (db *DB) UpsertConversation(c *Conversation) (bool, error) {
	participants, err := json.Marshal(nonNil(c.ParticipantIDs))
	if err != nil {
		return false, err
	}
	admins, err := json.Marshal(nonNil(c.AdminIDs))
	if err != nil {
		return false, err
	}
	unread, err := json.Marshal(c.UnreadCounts)
	if err != nil {
		return false, err
	}
	interaction, err := json.Marshal(c.LastInteraction)
	if err != nil {
		return false, err
	}

	tx, err := db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`
		INSERT INTO conversations (id, participant_ids, is_group, admin_ids, group_name, group_picture,
			last_message, last_message_at, last_sender_id, unread_counts, last_interaction, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participant_ids = excluded.participant_ids,
			is_group = excluded.is_group,
			admin_ids = excluded.admin_ids,
			group_name = excluded.group_name,
			group_picture = excluded.group_picture,
			last_message = excluded.last_message,
			last_message_at = excluded.last_message_at,
			last_sender_id = excluded.last_sender_id,
			unread_counts = excluded.unread_counts,
			last_interaction = excluded.last_interaction,
			created_at = CASE WHEN conversations.created_at = 0 THEN excluded.created_at ELSE conversations.created_at END,
			updated_at = MAX(conversations.updated_at, excluded.updated_at)
		WHERE excluded.updated_at >= conversations.updated_at`,
		c.ID, string(participants), c.IsGroup, string(admins), c.GroupName, c.GroupPicture,
		c.LastMessage, c.LastMessageAt, c.LastSenderID, string(unread), string(interaction), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("upsert conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	if _, err := tx.Exec(`DELETE FROM conversation_participants WHERE conversation_id = ?`, c.ID); err != nil {
		return false, fmt.Errorf("clear participants: %w", err)
	}
	for _, uid := range c.ParticipantIDs {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO conversation_participants (conversation_id, user_id) VALUES (?, ?)`, c.ID, uid); err != nil {
			return false, fmt.Errorf("insert participant %q: %w", uid, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// GetConversation returns a conversation by id, or nil when absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	row := db.QueryRow(`SELECT `+conversationColumns+` FROM conversations c WHERE c.id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListConversations returns the conversations userID participates in, most
// recently updated first.
func (db *DB) ListConversations(userID string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT `+conversationColumns+`
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = ?
		ORDER BY c.updated_at DESC
		LIMIT ?`, userID, limit)
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
		out = append(out, *c)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation and the messages filed under it.
func (db *DB) DeleteConversation(id string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (*Conversation, error) {
	var (
		c                                          Conversation
		participants, admins, unread, interaction string
	)
	if err := s.Scan(&c.ID, &participants, &c.IsGroup, &admins, &c.GroupName, &c.GroupPicture,
		&c.LastMessage, &c.LastMessageAt, &c.LastSenderID, &unread, &interaction,
		&c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &c.ParticipantIDs); err != nil {
		return nil, fmt.Errorf("decode participant_ids: %w", err)
	}
	if err := json.Unmarshal([]byte(admins), &c.AdminIDs); err != nil {
		return nil, fmt.Errorf("decode admin_ids: %w", err)
	}
	if err := json.Unmarshal([]byte(unread), &c.UnreadCounts); err != nil {
		return nil, fmt.Errorf("decode unread_counts: %w", err)
	}
	if err := json.Unmarshal([]byte(interaction), &c.LastInteraction); err != nil {
		return nil, fmt.Errorf("decode last_interaction: %w", err)
	}
	return &c, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
