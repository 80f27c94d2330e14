// ABOUTME: User directory persistence for SQLiteStore
// ABOUTME: Upsert from sync, lookup, ordered listing and detaching deletes

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertUser inserts the user or refreshes its synced attributes.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *User) error {
	if user.SyncedAt.IsZero() {
		user.SyncedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO users (user_id, first_name, last_name, email, enabled, group_name, system, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			first_name = excluded.first_name,
			last_name  = excluded.last_name,
			email      = excluded.email,
			enabled    = excluded.enabled,
			group_name = excluded.group_name,
			system     = excluded.system,
			synced_at  = excluded.synced_at
	`

	_, err := s.db.ExecContext(ctx, query,
		user.ID,
		user.FirstName,
		user.LastName,
		user.Email,
		boolToInt(user.Enabled),
		user.Group,
		boolToInt(user.System),
		formatTime(user.SyncedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	query := `
		SELECT user_id, first_name, last_name, email, enabled, group_name, system, synced_at
		FROM users
		WHERE user_id = ?
	`

	user, err := scanUser(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return user, nil
}

// ListUsers returns every user ordered by first name, then last name.
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*User, error) {
	query := `
		SELECT user_id, first_name, last_name, email, enabled, group_name, system, synced_at
		FROM users
		ORDER BY first_name ASC, last_name ASC, user_id ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating users: %w", err)
	}
	return users, nil
}

// DeleteUser removes a user, detaching it from its conversations.
// Affected conversations keep their history but get a retired member key so
// exact-set lookups never match them again.
func (s *SQLiteStore) DeleteUser(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations
		SET member_key = ? || id
		WHERE id IN (SELECT conversation_id FROM conversation_members WHERE user_id = ?)
		  AND member_key NOT LIKE ?
	`, detachedKeyPrefix, id, detachedKeyPrefix+"%")
	if err != nil {
		return fmt.Errorf("retiring member keys: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_members WHERE user_id = ?`, id); err != nil {
		return fmt.Errorf("detaching memberships: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM users WHERE user_id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing user delete: %w", err)
	}

	s.logger.Debug("deleted user", "user_id", id)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var (
		user            User
		enabled, system int
		syncedAt        string
	)
	err := row.Scan(
		&user.ID,
		&user.FirstName,
		&user.LastName,
		&user.Email,
		&enabled,
		&user.Group,
		&system,
		&syncedAt,
	)
	if err != nil {
		return nil, err
	}
	user.Enabled = enabled != 0
	user.System = system != 0
	user.SyncedAt, err = parseTime(syncedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing synced_at: %w", err)
	}
	return &user, nil
}
