// ABOUTME: Conversation persistence for SQLiteStore
// ABOUTME: Atomic create with member-set uniqueness, member lookups and clearing deletes

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// CreateConversation inserts the conversation and its membership in one transaction.
// If a conversation with the same member key already exists, it returns
// ErrDuplicateConversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	conv.Members = NormalizeMembers(conv.Members)
	if conv.MemberKey == "" {
		conv.MemberKey = MemberKey(conv.Members)
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	if conv.LastActivityAt.IsZero() {
		conv.LastActivityAt = conv.CreatedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (title, is_group, member_key, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		conv.Title,
		boolToInt(conv.IsGroup),
		conv.MemberKey,
		formatTime(conv.CreatedAt),
		formatTime(conv.LastActivityAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading conversation id: %w", err)
	}

	for _, userID := range conv.Members {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_members (conversation_id, user_id) VALUES (?, ?)`,
			id, userID,
		); err != nil {
			return fmt.Errorf("inserting member %s: %w", userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("committing conversation: %w", err)
	}

	conv.ID = id
	s.logger.Debug("created conversation", "id", id, "members", len(conv.Members), "is_group", conv.IsGroup)
	return nil
}

// GetConversation retrieves a conversation and its members by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	return s.getConversation(ctx, `WHERE id = ?`, id)
}

// GetConversationByMemberKey retrieves the conversation for an exact member set.
// Returns ErrNotFound if none exists.
func (s *SQLiteStore) GetConversationByMemberKey(ctx context.Context, memberKey string) (*Conversation, error) {
	return s.getConversation(ctx, `WHERE member_key = ?`, memberKey)
}

func (s *SQLiteStore) getConversation(ctx context.Context, where string, arg any) (*Conversation, error) {
	query := `
		SELECT id, title, is_group, member_key, created_at, last_activity_at
		FROM conversations
	` + where

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	conv.Members, err = loadMembers(ctx, s.db, conv.ID)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// ListConversationsByMember returns every conversation userID belongs to,
// most recent activity first.
func (s *SQLiteStore) ListConversationsByMember(ctx context.Context, userID string) ([]*Conversation, error) {
	query := `
		SELECT c.id, c.title, c.is_group, c.member_key, c.created_at, c.last_activity_at
		FROM conversations c
		JOIN conversation_members m ON m.conversation_id = c.id
		WHERE m.user_id = ?
		ORDER BY c.last_activity_at DESC, c.id DESC
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}
	rows.Close()

	// Members are loaded after the cursor is released; the pool holds a single connection
	for _, conv := range convs {
		conv.Members, err = loadMembers(ctx, s.db, conv.ID)
		if err != nil {
			return nil, err
		}
	}
	return convs, nil
}

// DeleteConversation clears membership, then removes the conversation and its messages.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_members WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("clearing members: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation delete: %w", err)
	}

	s.logger.Debug("deleted conversation", "id", id)
	return nil
}

func loadMembers(ctx context.Context, q querier, conversationID int64) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT user_id FROM conversation_members WHERE conversation_id = ? ORDER BY user_id`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scanning member: %w", err)
		}
		members = append(members, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating members: %w", err)
	}
	return members, nil
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		conv                    Conversation
		isGroup                 int
		createdAt, lastActivity string
	)
	if err := row.Scan(
		&conv.ID,
		&conv.Title,
		&isGroup,
		&conv.MemberKey,
		&createdAt,
		&lastActivity,
	); err != nil {
		return nil, err
	}

	conv.IsGroup = isGroup != 0

	var err error
	conv.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	conv.LastActivityAt, err = parseTime(lastActivity)
	if err != nil {
		return nil, fmt.Errorf("parsing last_activity_at: %w", err)
	}
	return &conv, nil
}
