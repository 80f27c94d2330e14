// ABOUTME: Conversation resolver mapping an exact member set to its single conversation
// ABOUTME: Find-or-create guarded by per-key singleflight in process and a UNIQUE member key in the store

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/2389/parley/internal/store"
)

// UserDirectory is the read-only user lookup the conversation layer depends on.
// *directory.Directory satisfies it.
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	GetUsers(ctx context.Context, ids []string) ([]*store.User, error)
	ListUsers(ctx context.Context) ([]*store.User, error)
}

// ResolveRequest names the member set and an optional group title.
type ResolveRequest struct {
	MemberIDs []string
	Title     string
}

// Resolver finds or creates the conversation for an exact member set.
type Resolver struct {
	store  store.Store
	users  UserDirectory
	flight singleflight.Group
	logger *slog.Logger
}

// NewResolver creates a resolver. Pass nil logger for default.
func NewResolver(st store.Store, users UserDirectory, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  st,
		users:  users,
		logger: logger.With("component", "resolver"),
	}
}

// Resolve returns the conversation whose members are exactly req.MemberIDs,
// creating it if none exists. Duplicate and blank ids are ignored; fewer than
// two distinct ids is a validation error. Unknown users fail with
// store.ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (*store.Conversation, error) {
	members := store.NormalizeMembers(req.MemberIDs)
	if len(members) < 2 {
		return nil, invalid("members", "a conversation needs at least two distinct users")
	}
	key := store.MemberKey(members)

	// Concurrent resolves of the same set share one lookup-or-create
	v, err, shared := r.flight.Do(key, func() (any, error) {
		return r.findOrCreate(ctx, members, key, req.Title)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		r.logger.Debug("resolve shared with concurrent caller", "members", len(members))
	}

	conv := *v.(*store.Conversation)
	conv.Members = append([]string(nil), conv.Members...)
	return &conv, nil
}

func (r *Resolver) findOrCreate(ctx context.Context, members []string, key, title string) (*store.Conversation, error) {
	conv, err := r.store.GetConversationByMemberKey(ctx, key)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up conversation: %w", err)
	}

	users, err := r.users.GetUsers(ctx, members)
	if err != nil {
		return nil, err
	}

	conv = &store.Conversation{
		MemberKey: key,
		Members:   members,
		IsGroup:   len(members) > 2,
	}
	if conv.IsGroup {
		conv.Title = strings.TrimSpace(title)
		if conv.Title == "" {
			conv.Title = defaultGroupTitle(users)
		}
	}

	if err := r.store.CreateConversation(ctx, conv); err != nil {
		if !errors.Is(err, store.ErrDuplicateConversation) {
			return nil, fmt.Errorf("creating conversation: %w", err)
		}
		// Another process created the same set between our lookup and insert
		r.logger.Debug("conversation creation hit duplicate, retrying lookup", "members", len(members))
		existing, lookupErr := r.store.GetConversationByMemberKey(ctx, key)
		if lookupErr == nil {
			return existing, nil
		}
		r.logger.Error("retry lookup failed after duplicate error", "lookup_error", lookupErr)
		return nil, fmt.Errorf("%w: %w", ErrConflict, lookupErr)
	}

	r.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"members", len(members),
		"is_group", conv.IsGroup)
	return conv, nil
}

// defaultGroupTitle joins the members' first names in alphabetical order.
func defaultGroupTitle(users []*store.User) string {
	names := make([]string, 0, len(users))
	for _, u := range users {
		name := strings.TrimSpace(u.FirstName)
		if name == "" {
			name = u.ID
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
