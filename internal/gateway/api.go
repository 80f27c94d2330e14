// ABOUTME: HTTP API handlers exposing the conversation service as JSON
// ABOUTME: Maps service errors onto status codes and the requester from the auth context

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/directory"
	"github.com/2389/parley/internal/store"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// CreateConversationRequest is the JSON request body for POST /api/conversations.
// The requester is always a member.
type CreateConversationRequest struct {
	MemberIDs []string `json:"member_ids"`
	Title     string   `json:"title,omitempty"`
}

// CreateConversationResponse is the JSON response for POST /api/conversations.
type CreateConversationResponse struct {
	ID int64 `json:"id"`
}

// SendMessageRequest is the JSON request body for POST /api/messages and the
// inbound WebSocket frame. ReceiverID is shorthand for a single receiver.
// SenderID is accepted for client compatibility and ignored: the sender is
// always the authenticated requester.
type SendMessageRequest struct {
	SenderID        string   `json:"senderId,omitempty"`
	ReceiverID      string   `json:"receiverId,omitempty"`
	ReceiverIDs     []string `json:"receiverIds,omitempty"`
	ConversationID  int64    `json:"conversationId,omitempty"`
	Content         string   `json:"content"`
	ClientMessageID string   `json:"clientMessageId,omitempty"`
}

func (r *SendMessageRequest) receivers() []string {
	ids := append([]string(nil), r.ReceiverIDs...)
	if r.ReceiverID != "" {
		ids = append(ids, r.ReceiverID)
	}
	return ids
}

// SystemMessageRequest is the JSON request body for POST /api/system/messages.
type SystemMessageRequest struct {
	ReceiverIDs     []string `json:"receiver_ids"`
	Content         string   `json:"content"`
	ClientMessageID string   `json:"client_message_id,omitempty"`
}

// SendMessageResponse acknowledges an accepted send.
type SendMessageResponse struct {
	RequestID string `json:"request_id"`
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// ListUsersResponse is the JSON response for GET /api/users.
type ListUsersResponse struct {
	Users []conversation.UserView `json:"users"`
}

// OnlineUsersResponse is the JSON response for GET /api/online-users.
type OnlineUsersResponse struct {
	UserIDs []string `json:"user_ids"`
}

// ListConversationsResponse is the JSON response for GET /api/conversations.
type ListConversationsResponse struct {
	Conversations []conversation.ConversationView `json:"conversations"`
}

// ListMessagesResponse is the JSON response for GET /api/conversations/{id}/messages.
type ListMessagesResponse struct {
	ConversationID int64                      `json:"conversation_id"`
	Messages       []conversation.MessageView `json:"messages"`
}

// DirectoryStatusResponse is the JSON response for GET /api/directory/status.
type DirectoryStatusResponse struct {
	Provider    string     `json:"provider"`
	LastAttempt *time.Time `json:"last_attempt,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// handleListUsers handles GET /api/users.
func (g *Gateway) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := g.service.ListUsers(r.Context())
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, ListUsersResponse{Users: users})
}

// handleOnlineUsers handles GET /api/online-users.
func (g *Gateway) handleOnlineUsers(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, OnlineUsersResponse{UserIDs: g.service.OnlineUsers()})
}

// handleListConversations handles GET /api/conversations for the requester.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	views, err := g.service.ListConversations(r.Context(), id.UserID)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, ListConversationsResponse{Conversations: views})
}

// handleCreateConversation handles POST /api/conversations.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	var req CreateConversationRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	members := append(req.MemberIDs, id.UserID)
	convID, err := g.service.CreateConversation(r.Context(), members, req.Title)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, CreateConversationResponse{ID: convID})
}

// handleDeleteConversation handles DELETE /api/conversations/{id}.
func (g *Gateway) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	convID, ok := g.pathConversationID(w, r)
	if !ok {
		return
	}

	if err := g.service.DeleteConversation(r.Context(), convID, id.UserID); err != nil {
		g.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListMessages handles GET /api/conversations/{id}/messages.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	convID, ok := g.pathConversationID(w, r)
	if !ok {
		return
	}

	msgs, err := g.service.ListMessages(r.Context(), convID, id.UserID)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, ListMessagesResponse{ConversationID: convID, Messages: msgs})
}

// handleSendMessage handles POST /api/messages. The response means accepted,
// not delivered.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	var req SendMessageRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	receipt, err := g.service.Send(r.Context(), conversation.SendRequest{
		SenderID:        id.UserID,
		ReceiverIDs:     req.receivers(),
		ConversationID:  req.ConversationID,
		Content:         req.Content,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusAccepted, newSendResponse(receipt))
}

// handleSystemMessage handles POST /api/system/messages for the workflow engine.
func (g *Gateway) handleSystemMessage(w http.ResponseWriter, r *http.Request) {
	var req SystemMessageRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	receipt, err := g.service.SystemSend(r.Context(), req.ReceiverIDs, req.Content, req.ClientMessageID)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusAccepted, newSendResponse(receipt))
}

// handleDirectoryStatus handles GET /api/directory/status.
func (g *Gateway) handleDirectoryStatus(w http.ResponseWriter, r *http.Request) {
	resp := DirectoryStatusResponse{Provider: g.config.Directory.Provider}
	if g.syncer != nil {
		st := g.syncer.Status()
		if !st.LastAttempt.IsZero() {
			resp.LastAttempt = &st.LastAttempt
		}
		if !st.LastSuccess.IsZero() {
			resp.LastSuccess = &st.LastSuccess
		}
		resp.LastError = st.LastError
	}
	g.writeJSON(w, http.StatusOK, resp)
}

func newSendResponse(receipt *conversation.Receipt) SendMessageResponse {
	return SendMessageResponse{
		RequestID: receipt.RequestID,
		Accepted:  receipt.Accepted,
		Duplicate: receipt.Duplicate,
	}
}

// pathConversationID parses {id}, writing a 400 on failure.
func (g *Gateway) pathConversationID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	convID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || convID <= 0 {
		g.sendJSONError(w, http.StatusBadRequest, "invalid conversation id")
		return 0, false
	}
	return convID, true
}

// decodeJSON decodes a bounded JSON body, rejecting unknown fields.
func decodeJSON(body io.Reader, dst any) error {
	dec := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// statusForError maps service errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, conversation.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, conversation.ErrConflict), errors.Is(err, store.ErrDuplicateConversation):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, directory.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes the mapped status. Internal errors are logged and
// not echoed to the client.
func (g *Gateway) writeServiceError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, status, "internal server error")
		return
	}
	g.sendJSONError(w, status, err.Error())
}

// writeJSON writes v as a JSON response.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
