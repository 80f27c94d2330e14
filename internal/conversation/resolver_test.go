// ABOUTME: Tests for the conversation resolver
// ABOUTME: Covers idempotent find-or-create, exact-set matching, concurrency and the conflict path

package conversation

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/directory"
	"github.com/2389/parley/internal/store"
)

func createTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedUsers(t *testing.T, st store.Store, ids ...string) {
	t.Helper()
	names := map[string][2]string{
		"alice": {"Alice", "Anders"},
		"bob":   {"Bob", "Brown"},
		"carol": {"Carol", "Chen"},
		"dave":  {"Dave", "Diaz"},
	}
	for _, id := range ids {
		n, ok := names[id]
		if !ok {
			n = [2]string{id, ""}
		}
		require.NoError(t, st.UpsertUser(context.Background(), &store.User{
			ID:        id,
			FirstName: n[0],
			LastName:  n[1],
			Email:     id + "@example.com",
			Enabled:   true,
		}))
	}
}

func newTestResolver(t *testing.T, st store.Store) *Resolver {
	t.Helper()
	return NewResolver(st, directory.New(st, nil), nil)
}

func TestResolver_PairIsCreatedOnceAndReused(t *testing.T) {
	st := createTestStore(t)
	seedUsers(t, st, "alice", "bob")
	r := newTestResolver(t, st)
	ctx := context.Background()

	first, err := r.Resolve(ctx, ResolveRequest{MemberIDs: []string{"alice", "bob"}})
	require.NoError(t, err)
	assert.False(t, first.IsGroup)
	assert.Empty(t, first.Title)
	assert.Equal(t, []string{"alice", "bob"}, first.Members)

	// Order and duplicates do not matter
	second, err := r.Resolve(ctx, ResolveRequest{MemberIDs: []string{"bob", "alice", "bob"}})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	convs, err := st.ListConversationsByMember(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func TestResolver_ExactSetMatching(t *testing.T) {
	st := createTestStore(t)
	seedUsers(t, st, "alice", "bob", "carol")
	r := newTestResolver(t, st)
	ctx := context.Background()

	pair, err := r.Resolve(ctx, ResolveRequest{MemberIDs: []string{"alice", "bob"}})
	require.NoError(t, err)

	group, err := r.Resolve(ctx, ResolveRequest{MemberIDs: []string{"alice", "bob", "carol"}})
	require.NoError(t, err)

	// A superset never matches the pair
	assert.NotEqual(t, pair.ID, group.ID)
	assert.True(t, group.IsGroup)
	assert.Equal(t, []string{"alice", "bob", "carol"}, group.Members)

	other, err := r.Resolve(ctx, ResolveRequest{MemberIDs: []string{"alice", "carol"}})
	require.NoError(t, err)
	assert.NotEqual(t, pair.ID, other.ID)
	assert.NotEqual(t, group.ID, other.ID)
}

func TestResolver_GroupTitle(t *testing.T) {
	st := createTestStore(t)
	seedUsers(t, st, "alice", "bob", "carol", "dave")
	r := newTestResolver(t, st)
	ctx := context.Background()

	named, err := r.Resolve(ctx, ResolveRequest{
		MemberIDs: []string{"alice", "bob", "carol"},
		Title:     "  Launch crew ",
	})
	require.NoError(t, err)
	assert.Equal(t, "Launch crew", named.Title)

	// The title of an existing group is not changed by later resolves
	again, err := r.Resolve(ctx, ResolveRequest{
		MemberIDs: []string{"carol", "bob", "alice"},
		Title:     "Something else",
	})
	require.NoError(t, err)
	assert.Equal(t, named.ID, again.ID)
	assert.Equal(t, "Launch crew", again.Title)

	untitled, err := r.Resolve(ctx, ResolveRequest{MemberIDs: []string{"dave", "carol", "bob"}})
	require.NoError(t, err)
	assert.Equal(t, "Bob, Carol, Dave", untitled.Title)
}

func TestResolver_Validation(t *testing.T) {
	st := createTestStore(t)
	seedUsers(t, st, "alice")
	r := newTestResolver(t, st)

	tests := []struct {
		name    string
		members []string
	}{
		{"empty", nil},
		{"single", []string{"alice"}},
		{"self pair", []string{"alice", "alice"}},
		{"blank ids", []string{"alice", " ", ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), ResolveRequest{MemberIDs: tt.members})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "members", verr.Field)
		})
	}
}

func TestResolver_UnknownUser(t *testing.T) {
	st := createTestStore(t)
	seedUsers(t, st, "alice")
	r := newTestResolver(t, st)

	_, err := r.Resolve(context.Background(), ResolveRequest{MemberIDs: []string{"alice", "ghost"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)

	var missing *directory.MissingUsersError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"ghost"}, missing.IDs)

	convs, err := st.ListConversationsByMember(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestResolver_ConcurrentResolvesCreateOneConversation(t *testing.T) {
	st := createTestStore(t)
	seedUsers(t, st, "alice", "bob")
	r := newTestResolver(t, st)
	ctx := context.Background()

	const n = 20
	ids := make([]int64, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			members := []string{"alice", "bob"}
			if i%2 == 1 {
				members = []string{"bob", "alice"}
			}
			conv, err := r.Resolve(ctx, ResolveRequest{MemberIDs: members})
			errs[i] = err
			if err == nil {
				ids[i] = conv.ID
			}
		})
	}
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}

	convs, err := st.ListConversationsByMember(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func TestResolver_SeparateResolversShareStoreConversation(t *testing.T) {
	st := createTestStore(t)
	seedUsers(t, st, "alice", "bob")
	ctx := context.Background()

	// Two resolvers model two processes; only the unique key arbitrates
	resolvers := []*Resolver{newTestResolver(t, st), newTestResolver(t, st)}

	const n = 10
	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			conv, err := resolvers[i%2].Resolve(ctx, ResolveRequest{MemberIDs: []string{"alice", "bob"}})
			if assert.NoError(t, err) {
				ids[i] = conv.ID
			}
		})
	}
	wg.Wait()

	for i := range n {
		assert.Equal(t, ids[0], ids[i])
	}
}

// racingStore never sees the winner of a create race.
type racingStore struct {
	*store.MockStore
	lookups int
	mu      sync.Mutex
}

func (s *racingStore) GetConversationByMemberKey(ctx context.Context, key string) (*store.Conversation, error) {
	s.mu.Lock()
	s.lookups++
	s.mu.Unlock()
	return nil, store.ErrNotFound
}

func (s *racingStore) CreateConversation(ctx context.Context, conv *store.Conversation) error {
	return store.ErrDuplicateConversation
}

func TestResolver_DuplicateWithoutWinnerIsConflict(t *testing.T) {
	st := &racingStore{MockStore: store.NewMockStore()}
	seedUsers(t, st, "alice", "bob")
	r := newTestResolver(t, st)

	_, err := r.Resolve(context.Background(), ResolveRequest{MemberIDs: []string{"alice", "bob"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 2, st.lookups)
}

// lateWinnerStore reports a duplicate on create and then finds the winner.
type lateWinnerStore struct {
	*store.MockStore
	winner *store.Conversation
	calls  int
}

func (s *lateWinnerStore) GetConversationByMemberKey(ctx context.Context, key string) (*store.Conversation, error) {
	s.calls++
	if s.calls == 1 {
		return nil, store.ErrNotFound
	}
	return s.winner, nil
}

func (s *lateWinnerStore) CreateConversation(ctx context.Context, conv *store.Conversation) error {
	return store.ErrDuplicateConversation
}

func TestResolver_DuplicateReturnsWinner(t *testing.T) {
	winner := &store.Conversation{ID: 42, Members: []string{"alice", "bob"}}
	st := &lateWinnerStore{MockStore: store.NewMockStore(), winner: winner}
	seedUsers(t, st, "alice", "bob")
	r := newTestResolver(t, st)

	conv, err := r.Resolve(context.Background(), ResolveRequest{MemberIDs: []string{"alice", "bob"}})
	require.NoError(t, err)
	assert.Equal(t, int64(42), conv.ID)

	// Callers get a copy they can mutate freely
	conv.Members[0] = "mallory"
	assert.Equal(t, "alice", winner.Members[0])
}

func TestResolver_StoreFailureIsNotConflict(t *testing.T) {
	st := &failingLookupStore{MockStore: store.NewMockStore()}
	seedUsers(t, st, "alice", "bob")
	r := newTestResolver(t, st)

	_, err := r.Resolve(context.Background(), ResolveRequest{MemberIDs: []string{"alice", "bob"}})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrConflict))
	assert.ErrorIs(t, err, errDiskGone)
}

var errDiskGone = errors.New("disk gone")

type failingLookupStore struct {
	*store.MockStore
}

func (s *failingLookupStore) GetConversationByMemberKey(ctx context.Context, key string) (*store.Conversation, error) {
	return nil, errDiskGone
}
