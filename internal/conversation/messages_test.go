// ABOUTME: Tests for the message log
// ABOUTME: Covers content validation, server stamping, ordering and unknown conversations

package conversation

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/store"
)

func TestMessageLog_Validate(t *testing.T) {
	log := NewMessageLog(store.NewMockStore(), 10, nil)

	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"plain", "hello", false},
		{"exactly at limit", strings.Repeat("a", 10), false},
		{"multibyte at limit", strings.Repeat("é", 10), false},
		{"over limit", strings.Repeat("a", 11), true},
		{"empty", "", true},
		{"whitespace only", " \n\t ", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := log.Validate(tt.content)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMessageLog_DefaultLimit(t *testing.T) {
	log := NewMessageLog(store.NewMockStore(), 0, nil)
	assert.NoError(t, log.Validate(strings.Repeat("x", DefaultMaxContentLength)))
	assert.Error(t, log.Validate(strings.Repeat("x", DefaultMaxContentLength+1)))
}

func TestMessageLog_AppendAndList(t *testing.T) {
	st := createTestStore(t)
	seedUsers(t, st, "alice", "bob")
	ctx := context.Background()

	conv, err := newTestResolver(t, st).Resolve(ctx, ResolveRequest{MemberIDs: []string{"alice", "bob"}})
	require.NoError(t, err)

	log := NewMessageLog(st, 0, nil)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	first, err := log.Append(ctx, conv.ID, "alice", "hi bob", base)
	require.NoError(t, err)
	second, err := log.Append(ctx, conv.ID, "bob", "hi alice", base.Add(time.Second))
	require.NoError(t, err)
	assert.Greater(t, second.ID, first.ID)

	msgs, err := log.List(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi bob", msgs[0].Content)
	assert.Equal(t, "alice", msgs[0].SenderID)
	assert.True(t, base.Equal(msgs[0].CreatedAt))
	assert.Equal(t, "hi alice", msgs[1].Content)

	stored, err := st.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, base.Add(time.Second).Equal(stored.LastActivityAt))
}

func TestMessageLog_AppendStampsTime(t *testing.T) {
	st := createTestStore(t)
	seedUsers(t, st, "alice", "bob")
	ctx := context.Background()

	conv, err := newTestResolver(t, st).Resolve(ctx, ResolveRequest{MemberIDs: []string{"alice", "bob"}})
	require.NoError(t, err)

	before := time.Now().UTC()
	msg, err := NewMessageLog(st, 0, nil).Append(ctx, conv.ID, "alice", "now", time.Time{})
	require.NoError(t, err)
	assert.False(t, msg.CreatedAt.Before(before.Add(-time.Second)))
	assert.Equal(t, time.UTC, msg.CreatedAt.Location())
}

func TestMessageLog_UnknownConversation(t *testing.T) {
	st := createTestStore(t)
	log := NewMessageLog(st, 0, nil)
	ctx := context.Background()

	_, err := log.Append(ctx, 999, "alice", "hello", time.Time{})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = log.List(ctx, 999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMessageLog_AppendRejectsInvalidContent(t *testing.T) {
	st := store.NewMockStore()
	_, err := NewMessageLog(st, 5, nil).Append(context.Background(), 1, "alice", "too long", time.Time{})
	assert.ErrorIs(t, err, ErrValidation)
}
