// ABOUTME: Store interface and data types for parley persistence
// ABOUTME: Defines User, Conversation, Message structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when a conversation for the same member set already exists
var ErrDuplicateConversation = errors.New("conversation already exists for member set")

// memberKeySep separates user ids inside a member key. Ids never contain control characters.
const memberKeySep = "\x1f"

// detachedKeyPrefix marks conversations that lost a member to a directory removal.
const detachedKeyPrefix = "detached:"

// User is a directory entry mirrored from the identity provider.
type User struct {
	ID        string
	FirstName string
	LastName  string
	Email     string
	Enabled   bool
	Group     string // group/role tag, empty when the user belongs to no group
	System    bool   // locally seeded account, never removed by directory sync
	SyncedAt  time.Time
}

// Name is the display name (first + last).
func (u *User) Name() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Avatar is the upper-cased first letter of the given name.
func (u *User) Avatar() string {
	r, _ := utf8.DecodeRuneInString(u.FirstName)
	if r == utf8.RuneError {
		return "?"
	}
	return string(unicode.ToUpper(r))
}

// StatusLabel renders the enabled flag the way the directory shows it.
func (u *User) StatusLabel() string {
	if u.Enabled {
		return "Enabled"
	}
	return "Disabled"
}

// Conversation is the persistent record of an exact member set.
type Conversation struct {
	ID             int64
	Title          string
	IsGroup        bool
	MemberKey      string
	Members        []string // user ids, sorted
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// HasMember reports whether userID belongs to the conversation.
func (c *Conversation) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// Detached reports whether the conversation lost a member after creation.
func (c *Conversation) Detached() bool {
	return strings.HasPrefix(c.MemberKey, detachedKeyPrefix)
}

// Message is a single immutable entry in a conversation's history.
type Message struct {
	ID             int64
	ConversationID int64
	SenderID       string
	Content        string
	CreatedAt      time.Time
}

// MemberKey returns the canonical key for a set of user ids: sorted, de-duplicated,
// blank ids dropped. Two id lists produce the same key iff they name the same set.
func MemberKey(ids []string) string {
	return strings.Join(NormalizeMembers(ids), memberKeySep)
}

// NormalizeMembers returns the sorted unique non-blank ids.
func NormalizeMembers(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Store defines the interface for directory, conversation and message persistence
type Store interface {
	// Users (written only by directory sync)
	UpsertUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	// DeleteUser removes the user and detaches it from every conversation.
	// Conversation history is kept.
	DeleteUser(ctx context.Context, id string) error

	// Conversations
	// CreateConversation persists the conversation and its members atomically and
	// assigns conv.ID. Returns ErrDuplicateConversation if the member key is taken.
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id int64) (*Conversation, error)
	GetConversationByMemberKey(ctx context.Context, memberKey string) (*Conversation, error)
	// ListConversationsByMember returns the user's conversations, most recent activity first.
	ListConversationsByMember(ctx context.Context, userID string) ([]*Conversation, error)
	// DeleteConversation clears membership, then removes the conversation and its messages.
	DeleteConversation(ctx context.Context, id int64) error

	// Messages
	// AppendMessage stores msg, assigns msg.ID and bumps the conversation's last activity.
	// Returns ErrNotFound if the conversation does not exist.
	AppendMessage(ctx context.Context, msg *Message) error
	// ListMessages returns the full history ordered by (created_at, id).
	ListMessages(ctx context.Context, conversationID int64) ([]*Message, error)

	// Ping checks that the backing database is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
