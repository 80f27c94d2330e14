// ABOUTME: Tests for the HTTP API handlers
// ABOUTME: Drives the full router in development and JWT modes, checking bodies and status mapping

package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/directory"
	"github.com/2389/parley/internal/store"
)

// apiClient issues requests as one user in development mode.
type apiClient struct {
	t      *testing.T
	srv    *httptest.Server
	userID string
	token  string
}

func (c *apiClient) do(method, path string, body any) *http.Response {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, c.srv.URL+path, &buf)
	require.NoError(c.t, err)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.userID != "" {
		req.Header.Set(auth.UserIDHeader, c.userID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	c.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func newAPITestServer(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()
	gw := newTestGateway(t, testConfig(t))
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return gw, srv
}

// waitForMessages polls until the requester sees n messages in conversation id.
func waitForMessages(t *testing.T, c *apiClient, id int64, n int) ListMessagesResponse {
	t.Helper()
	var got ListMessagesResponse
	require.Eventually(t, func() bool {
		resp := c.do(http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages", id), nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		got = decode[ListMessagesResponse](t, resp)
		return len(got.Messages) == n
	}, 2*time.Second, 10*time.Millisecond)
	return got
}

func TestAPI_RequiresIdentity(t *testing.T) {
	_, srv := newAPITestServer(t)
	anon := &apiClient{t: t, srv: srv}

	resp := anon.do(http.MethodGet, "/api/conversations", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Health stays open
	resp = anon.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_ListUsers(t *testing.T) {
	gw, srv := newAPITestServer(t)
	alice := &apiClient{t: t, srv: srv, userID: "alice"}

	gw.presence.Connect("bob")

	resp := alice.do(http.MethodGet, "/api/users", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	users := decode[ListUsersResponse](t, resp).Users
	require.Len(t, users, 4)
	assert.Equal(t, "alice", users[0].UserID)
	assert.Equal(t, "Alice Anders", users[0].FullName)
	assert.False(t, users[0].Online)
	assert.True(t, users[1].Online)

	resp = alice.do(http.MethodGet, "/api/online-users", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"bob"}, decode[OnlineUsersResponse](t, resp).UserIDs)
}

func TestAPI_SendAndList(t *testing.T) {
	_, srv := newAPITestServer(t)
	alice := &apiClient{t: t, srv: srv, userID: "alice"}
	bob := &apiClient{t: t, srv: srv, userID: "bob"}

	resp := alice.do(http.MethodPost, "/api/messages", SendMessageRequest{ReceiverID: "bob", Content: "Hi Bob"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	ack := decode[SendMessageResponse](t, resp)
	assert.True(t, ack.Accepted)
	assert.NotEmpty(t, ack.RequestID)

	var convs []conversation.ConversationView
	require.Eventually(t, func() bool {
		resp := bob.do(http.MethodGet, "/api/conversations", nil)
		convs = decode[ListConversationsResponse](t, resp).Conversations
		return len(convs) == 1 && len(convs[0].Messages) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "Alice Anders", convs[0].Title)
	assert.Equal(t, "alice", convs[0].ReceiverID)
	assert.False(t, convs[0].Messages[0].Sender)

	resp = bob.do(http.MethodPost, "/api/messages", SendMessageRequest{ConversationID: convs[0].ID, Content: "Hi Alice"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	msgs := waitForMessages(t, alice, convs[0].ID, 2)
	assert.True(t, msgs.Messages[0].Sender)
	assert.False(t, msgs.Messages[1].Sender)
	assert.Equal(t, "Hi Alice", msgs.Messages[1].Content)
}

func TestAPI_CreateAndDeleteConversation(t *testing.T) {
	_, srv := newAPITestServer(t)
	alice := &apiClient{t: t, srv: srv, userID: "alice"}
	carol := &apiClient{t: t, srv: srv, userID: "carol"}

	resp := alice.do(http.MethodPost, "/api/conversations", CreateConversationRequest{MemberIDs: []string{"bob", "carol"}, Title: "Planning"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := decode[CreateConversationResponse](t, resp).ID
	require.NotZero(t, id)

	// Same set resolves to the same conversation
	resp = carol.do(http.MethodPost, "/api/conversations", CreateConversationRequest{MemberIDs: []string{"alice", "bob"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, decode[CreateConversationResponse](t, resp).ID)

	resp = carol.do(http.MethodGet, "/api/conversations", nil)
	convs := decode[ListConversationsResponse](t, resp).Conversations
	require.Len(t, convs, 1)
	assert.True(t, convs[0].Group)
	assert.Equal(t, "Planning", convs[0].Title)

	resp = carol.do(http.MethodDelete, fmt.Sprintf("/api/conversations/%d", id), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = alice.do(http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages", id), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_ErrorMapping(t *testing.T) {
	_, srv := newAPITestServer(t)
	alice := &apiClient{t: t, srv: srv, userID: "alice"}
	carol := &apiClient{t: t, srv: srv, userID: "carol"}

	resp := alice.do(http.MethodPost, "/api/conversations", CreateConversationRequest{MemberIDs: []string{"bob"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pairID := decode[CreateConversationResponse](t, resp).ID

	tests := []struct {
		name   string
		client *apiClient
		method string
		path   string
		body   any
		want   int
	}{
		{"empty content", alice, http.MethodPost, "/api/messages", SendMessageRequest{ReceiverID: "bob", Content: " "}, http.StatusBadRequest},
		{"unknown receiver", alice, http.MethodPost, "/api/messages", SendMessageRequest{ReceiverID: "ghost", Content: "hi"}, http.StatusNotFound},
		{"message to self", alice, http.MethodPost, "/api/messages", SendMessageRequest{ReceiverID: "alice", Content: "hi"}, http.StatusBadRequest},
		{"unknown field", alice, http.MethodPost, "/api/messages", map[string]string{"to": "bob"}, http.StatusBadRequest},
		{"non-member send", carol, http.MethodPost, "/api/messages", SendMessageRequest{ConversationID: pairID, Content: "hi"}, http.StatusForbidden},
		{"non-member list", carol, http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages", pairID), nil, http.StatusForbidden},
		{"non-member delete", carol, http.MethodDelete, fmt.Sprintf("/api/conversations/%d", pairID), nil, http.StatusForbidden},
		{"bad id", alice, http.MethodGet, "/api/conversations/abc/messages", nil, http.StatusBadRequest},
		{"missing conversation", alice, http.MethodGet, "/api/conversations/9999/messages", nil, http.StatusNotFound},
		{"unknown requester", &apiClient{t: t, srv: srv, userID: "ghost"}, http.MethodGet, "/api/conversations", nil, http.StatusNotFound},
		{"single member", alice, http.MethodPost, "/api/conversations", CreateConversationRequest{}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.client.t = t
			resp := tt.client.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.NotEmpty(t, decode[map[string]string](t, resp)["error"])
		})
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&conversation.ValidationError{Field: "content", Reason: "empty"}, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", conversation.ErrForbidden), http.StatusForbidden},
		{conversation.ErrConflict, http.StatusConflict},
		{store.ErrDuplicateConversation, http.StatusConflict},
		{&directory.MissingUsersError{IDs: []string{"x"}}, http.StatusNotFound},
		{fmt.Errorf("%w: timeout", directory.ErrUpstreamUnavailable), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusForError(tt.err), "error %v", tt.err)
	}
}

func TestAPI_SystemMessages(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "gateway-api-test-secret-32-bytes!"
	gw := newTestGateway(t, cfg)
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	require.NoError(t, err)
	aliceToken, err := verifier.Generate("alice", time.Hour)
	require.NoError(t, err)
	adminToken, err := verifier.GenerateAdmin("workflow", time.Hour)
	require.NoError(t, err)

	alice := &apiClient{t: t, srv: srv, token: aliceToken}
	engine := &apiClient{t: t, srv: srv, token: adminToken}

	// Header identity is ignored once JWT auth is on
	resp := (&apiClient{t: t, srv: srv, userID: "alice"}).do(http.MethodGet, "/api/conversations", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	body := SystemMessageRequest{ReceiverIDs: []string{"alice"}, Content: "Leave request approved"}

	resp = alice.do(http.MethodPost, "/api/system/messages", body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = engine.do(http.MethodPost, "/api/system/messages", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp := alice.do(http.MethodGet, "/api/conversations", nil)
		convs := decode[ListConversationsResponse](t, resp).Conversations
		return len(convs) == 1 && len(convs[0].Messages) == 1 &&
			convs[0].Messages[0].SenderID == "workflow"
	}, 2*time.Second, 10*time.Millisecond)

	resp = engine.do(http.MethodGet, "/api/directory/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "static", decode[DirectoryStatusResponse](t, resp).Provider)
}

func TestAPI_DuplicateClientMessageID(t *testing.T) {
	_, srv := newAPITestServer(t)
	alice := &apiClient{t: t, srv: srv, userID: "alice"}

	req := SendMessageRequest{ReceiverIDs: []string{"bob"}, Content: "once", ClientMessageID: "m-1"}
	first := decode[SendMessageResponse](t, alice.do(http.MethodPost, "/api/messages", req))
	second := decode[SendMessageResponse](t, alice.do(http.MethodPost, "/api/messages", req))

	assert.Equal(t, first.RequestID, second.RequestID)
	assert.True(t, second.Duplicate)
}

func TestAPI_SendIgnoresClaimedSender(t *testing.T) {
	_, srv := newAPITestServer(t)
	alice := &apiClient{t: t, srv: srv, userID: "alice"}
	bob := &apiClient{t: t, srv: srv, userID: "bob"}

	body := map[string]string{"senderId": "carol", "receiverId": "bob", "content": "from alice"}
	resp := alice.do(http.MethodPost, "/api/messages", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var convs []conversation.ConversationView
	require.Eventually(t, func() bool {
		resp := bob.do(http.MethodGet, "/api/conversations", nil)
		convs = decode[ListConversationsResponse](t, resp).Conversations
		return len(convs) == 1 && len(convs[0].Messages) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "alice", convs[0].Messages[0].SenderID)
	assert.Equal(t, "alice", convs[0].ReceiverID)
}
