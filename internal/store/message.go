package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/matheus3301/chatsync/internal/delivery"
)

const messageColumns = `id, conversation_id, msg_id, sender_id, text, timestamp, delivery_state, receipts, updated_at`

// UpsertMessage inserts or updates a message (idempotent on conversation_id + msg_id).
func (db *DB) UpsertMessage(m *Message) error {
	receipts, err := json.Marshal(m.Receipts)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, text, timestamp, delivery_state, receipts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			sender_id = excluded.sender_id,
			text = excluded.text,
			timestamp = excluded.timestamp,
			delivery_state = excluded.delivery_state,
			receipts = excluded.receipts,
			updated_at = excluded.updated_at`,
		m.ConversationID, m.MsgID, m.SenderID, m.Text, m.Timestamp, string(m.State), string(receipts), m.UpdatedAt)
	return err
}

// SetMessageState updates only the delivery state of a message.
func (db *DB) SetMessageState(conversationID, msgID string, state delivery.State, updatedAt int64) error {
	_, err := db.Exec(`UPDATE messages SET delivery_state = ?, updated_at = ? WHERE conversation_id = ? AND msg_id = ?`,
		string(state), updatedAt, conversationID, msgID)
	return err
}

// GetMessage returns a message by conversation and id, or nil when absent.
func (db *DB) GetMessage(conversationID, msgID string) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND msg_id = ?`, conversationID, msgID)
	return scanOptionalMessage(row)
}

// FindMessage looks a message up by id alone. Message ids are generated
// globally unique, so the first match is the message.
func (db *DB) FindMessage(msgID string) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE msg_id = ? LIMIT 1`, msgID)
	return scanOptionalMessage(row)
}

// ListMessages returns the most recent limit messages of a conversation in
// ascending timestamp order.
func (db *DB) ListMessages(conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		) ORDER BY timestamp ASC, id ASC`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// MessagesByState returns every message currently in state, oldest first.
func (db *DB) MessagesByState(state delivery.State) ([]Message, error) {
	rows, err := db.Query(`SELECT `+messageColumns+` FROM messages WHERE delivery_state = ? ORDER BY timestamp ASC`, string(state))
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// DeleteMessage removes a single message.
func (db *DB) DeleteMessage(conversationID, msgID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?`, conversationID, msgID)
	return err
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()
	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func scanOptionalMessage(row *sql.Row) (*Message, error) {
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func scanMessage(s scanner) (*Message, error) {
	var (
		m        Message
		state    string
		receipts string
	)
	if err := s.Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.Text, &m.Timestamp, &state, &receipts, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.State = delivery.State(state)
	if err := json.Unmarshal([]byte(receipts), &m.Receipts); err != nil {
		return nil, fmt.Errorf("decode receipts: %w", err)
	}
	return &m, nil
}
