// ABOUTME: Message log validating and appending messages to a conversation
// ABOUTME: Server stamps the timestamp when none is supplied; listing is full ordered history

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/2389/parley/internal/store"
)

// DefaultMaxContentLength bounds message content in characters.
const DefaultMaxContentLength = 1000

// MessageLog is the append/list side of a conversation's history.
type MessageLog struct {
	store     store.Store
	maxLength int
	logger    *slog.Logger
}

// NewMessageLog creates a message log. maxLength <= 0 uses DefaultMaxContentLength.
func NewMessageLog(st store.Store, maxLength int, logger *slog.Logger) *MessageLog {
	if logger == nil {
		logger = slog.Default()
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxContentLength
	}
	return &MessageLog{
		store:     st,
		maxLength: maxLength,
		logger:    logger.With("component", "messages"),
	}
}

// Validate checks content against the emptiness and length rules.
func (m *MessageLog) Validate(content string) error {
	if strings.TrimSpace(content) == "" {
		return invalid("content", "message is empty")
	}
	if n := utf8.RuneCountInString(content); n > m.maxLength {
		return invalid("content", fmt.Sprintf("message is %d characters, limit is %d", n, m.maxLength))
	}
	return nil
}

// Append stores a message at the end of the conversation. A zero at is
// replaced with the current time. Unknown conversations fail with store.ErrNotFound.
func (m *MessageLog) Append(ctx context.Context, conversationID int64, senderID, content string, at time.Time) (*store.Message, error) {
	if err := m.Validate(content); err != nil {
		return nil, err
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	msg := &store.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      at.UTC(),
	}
	if err := m.store.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("appending message: %w", err)
	}

	m.logger.Debug("message appended",
		"conversation_id", conversationID,
		"message_id", msg.ID,
		"sender_id", senderID)
	return msg, nil
}

// List returns the conversation's full history, oldest first.
func (m *MessageLog) List(ctx context.Context, conversationID int64) ([]*store.Message, error) {
	msgs, err := m.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return msgs, nil
}
