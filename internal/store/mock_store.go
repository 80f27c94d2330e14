// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	users         map[string]*User
	conversations map[int64]*Conversation // keyed by conversation ID
	memberIndex   map[string]int64        // keyed by member key -> conversation ID
	messages      map[int64][]*Message    // keyed by conversation ID
	nextConvID    int64
	nextMsgID     int64

	// AppendErr, when set, is returned by AppendMessage.
	AppendErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:         make(map[string]*User),
		conversations: make(map[int64]*Conversation),
		memberIndex:   make(map[string]int64),
		messages:      make(map[int64][]*Message),
	}
}

// UpsertUser stores or replaces a user.
func (m *MockStore) UpsertUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if user.SyncedAt.IsZero() {
		user.SyncedAt = time.Now().UTC()
	}
	u := *user
	m.users[u.ID] = &u
	return nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *u
	return &result, nil
}

// ListUsers returns users ordered by first name, then last name.
func (m *MockStore) ListUsers(ctx context.Context) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		c := *u
		users = append(users, &c)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].FirstName != users[j].FirstName {
			return users[i].FirstName < users[j].FirstName
		}
		if users[i].LastName != users[j].LastName {
			return users[i].LastName < users[j].LastName
		}
		return users[i].ID < users[j].ID
	})
	return users, nil
}

// DeleteUser removes a user and detaches it from its conversations.
func (m *MockStore) DeleteUser(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[id]; !ok {
		return ErrNotFound
	}
	delete(m.users, id)

	for _, conv := range m.conversations {
		if !conv.HasMember(id) {
			continue
		}
		if !conv.Detached() {
			delete(m.memberIndex, conv.MemberKey)
			conv.MemberKey = detachedKeyPrefix + strconv.FormatInt(conv.ID, 10)
		}
		kept := conv.Members[:0]
		for _, member := range conv.Members {
			if member != id {
				kept = append(kept, member)
			}
		}
		conv.Members = kept
	}
	return nil
}

// CreateConversation stores a new conversation.
// Returns ErrDuplicateConversation if the member key is already used.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv.Members = NormalizeMembers(conv.Members)
	if conv.MemberKey == "" {
		conv.MemberKey = MemberKey(conv.Members)
	}
	if _, exists := m.memberIndex[conv.MemberKey]; exists {
		return ErrDuplicateConversation
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	if conv.LastActivityAt.IsZero() {
		conv.LastActivityAt = conv.CreatedAt
	}

	m.nextConvID++
	conv.ID = m.nextConvID

	c := *conv
	c.Members = append([]string(nil), conv.Members...)
	m.conversations[c.ID] = &c
	m.memberIndex[c.MemberKey] = c.ID
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(conv), nil
}

// GetConversationByMemberKey retrieves the conversation for an exact member set.
func (m *MockStore) GetConversationByMemberKey(ctx context.Context, memberKey string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.memberIndex[memberKey]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(m.conversations[id]), nil
}

// ListConversationsByMember returns the user's conversations, most recent activity first.
func (m *MockStore) ListConversationsByMember(ctx context.Context, userID string) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var convs []*Conversation
	for _, conv := range m.conversations {
		if conv.HasMember(userID) {
			convs = append(convs, copyConversation(conv))
		}
	}
	sort.Slice(convs, func(i, j int) bool {
		if !convs[i].LastActivityAt.Equal(convs[j].LastActivityAt) {
			return convs[i].LastActivityAt.After(convs[j].LastActivityAt)
		}
		return convs[i].ID > convs[j].ID
	})
	return convs, nil
}

// DeleteConversation removes a conversation and its messages.
func (m *MockStore) DeleteConversation(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.Members = nil
	if m.memberIndex[conv.MemberKey] == id {
		delete(m.memberIndex, conv.MemberKey)
	}
	delete(m.messages, id)
	delete(m.conversations, id)
	return nil
}

// AppendMessage stores a message at the end of its conversation.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendErr != nil {
		return m.AppendErr
	}

	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	m.nextMsgID++
	msg.ID = m.nextMsgID

	c := *msg
	m.messages[c.ConversationID] = append(m.messages[c.ConversationID], &c)
	if msg.CreatedAt.After(conv.LastActivityAt) {
		conv.LastActivityAt = msg.CreatedAt
	}
	return nil
}

// ListMessages returns the conversation's messages ordered by (created_at, id).
func (m *MockStore) ListMessages(ctx context.Context, conversationID int64) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}

	stored := m.messages[conversationID]
	result := make([]*Message, 0, len(stored))
	for _, msg := range stored {
		c := *msg
		result = append(result, &c)
	}
	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

func copyConversation(conv *Conversation) *Conversation {
	c := *conv
	c.Members = append([]string(nil), conv.Members...)
	return &c
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Compile-time check that MockStore implements Store
var _ Store = (*MockStore)(nil)
