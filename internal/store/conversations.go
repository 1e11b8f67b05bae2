package store

import (
	"context"

	"github.com/basket/go-claw/internal/shared"
)

// SaveMessage appends one conversation row for chatID and returns its id.
func (s *Store) SaveMessage(ctx context.Context, chatID int64, role, content string) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO conversations (chat_id, role, content, created_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP);`,
			chatID, role, content)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, &shared.StoreError{Op: "save_message", Err: err}
	}
	return id, nil
}

// GetRecentContext returns the last `limit` messages for chatID in
// chronological order (oldest first).
func (s *Store) GetRecentContext(ctx context.Context, chatID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, role, content, created_at FROM (
			SELECT id, chat_id, role, content, created_at
			FROM conversations
			WHERE chat_id = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC;
	`, chatID, limit)
	if err != nil {
		return nil, &shared.StoreError{Op: "get_recent_context", Err: err}
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, &shared.StoreError{Op: "scan_message", Err: err}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ClearConversation deletes every row for chatID.
func (s *Store) ClearConversation(ctx context.Context, chatID int64) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE chat_id = ?;`, chatID)
		return err
	})
	if err != nil {
		return &shared.StoreError{Op: "clear_conversation", Err: err}
	}
	return nil
}
