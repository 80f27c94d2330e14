// ABOUTME: Message persistence for SQLiteStore
// ABOUTME: Appends stamp last activity on the conversation; listing is ordered by (created_at, id)

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AppendMessage stores a message and bumps its conversation's last activity.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, msg.ConversationID).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking conversation: %w", err)
	}

	createdAt := formatTime(msg.CreatedAt)
	result, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, sender_id, content, created_at)
		VALUES (?, ?, ?, ?)
	`, msg.ConversationID, msg.SenderID, msg.Content, createdAt)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading message id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_activity_at = MAX(last_activity_at, ?) WHERE id = ?`,
		createdAt, msg.ConversationID,
	); err != nil {
		return fmt.Errorf("updating last activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}

	msg.ID = id
	return nil
}

// ListMessages returns the full history of a conversation, oldest first.
// Messages sharing a timestamp keep insertion order.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID int64) ([]*Message, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checking conversation: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, content, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var createdAt string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return messages, nil
}
