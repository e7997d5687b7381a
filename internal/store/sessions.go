package store

import (
	"context"
	"fmt"

	"github.com/nidhogg/cot-agent/internal/provider"
)

// AppendMessages stores chat turns of a session in order.
func (s *Store) AppendMessages(ctx context.Context, sessionID string, msgs ...provider.Message) error {
	for _, msg := range msgs {
		_, err := s.db.Exec(ctx, `
			INSERT INTO chat_messages (session_id, role, content)
			VALUES ($1, $2, $3)`,
			sessionID, msg.Role, msg.Content,
		)
		if err != nil {
			return fmt.Errorf("append message: %w", err)
		}
	}
	return nil
}

// History returns the newest limit messages of a session, oldest first.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]provider.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, `
		SELECT role, content FROM (
			SELECT role, content, created_at
			FROM chat_messages
			WHERE session_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var msgs []provider.Message
	for rows.Next() {
		var msg provider.Message
		if err := rows.Scan(&msg.Role, &msg.Content); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}
