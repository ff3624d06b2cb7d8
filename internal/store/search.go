package store

// SearchMessages performs a full-text search on message text, newest first.
func (db *DB) SearchMessages(query string, conversationID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.id, m.conversation_id, m.msg_id, m.sender_id, m.text, m.timestamp,
		       m.delivery_state, m.receipts, m.updated_at,
		       snippet(messages_fts, '<<', '>>', '...', -1, 16)
		FROM messages_fts f
		JOIN messages m ON m.id = f.docid
		WHERE messages_fts MATCH ?`

	args := []any{query}
	if conversationID != "" {
		q += " AND m.conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY m.timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		m, err := scanMessage(snippetScanner{rows, &r.Snippet})
		if err != nil {
			return nil, err
		}
		r.Message = *m
		results = append(results, r)
	}
	return results, rows.Err()
}

// snippetScanner appends the snippet column to a message scan.
type snippetScanner struct {
	s       scanner
	snippet *string
}

func (s snippetScanner) Scan(dest ...any) error {
	return s.s.Scan(append(dest, s.snippet)...)
}
