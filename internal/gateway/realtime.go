// ABOUTME: Realtime endpoints: WebSocket send/receive and a Server-Sent Events stream
// ABOUTME: Each connection drives presence and forwards the user's broker topics to the client

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/broker"
	"github.com/2389/parley/internal/conversation"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxFrameBytes    = 16 << 10
	sendBufferSize   = 128
	sseKeepAlive     = 25 * time.Second
	inboundSendLimit = 5 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Requests are authenticated by token, not cookies
		return true
	},
}

// ackFrame confirms an inbound send was accepted.
type ackFrame struct {
	Type            string `json:"type"`
	RequestID       string `json:"requestId"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
	Duplicate       bool   `json:"duplicate,omitempty"`
}

// errorFrame reports a rejected inbound frame.
type errorFrame struct {
	Type            string `json:"type"`
	Status          int    `json:"status"`
	Error           string `json:"error"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// wsConn wraps a websocket and serializes outbound writes through a buffered channel.
type wsConn struct {
	id     string
	userID string

	ws     *websocket.Conn
	send   chan []byte
	once   sync.Once
	closed chan struct{}
}

func newWSConn(userID string, ws *websocket.Conn) *wsConn {
	return &wsConn{
		id:     uuid.NewString(),
		userID: userID,
		ws:     ws,
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}
}

// enqueue queues payload for the write loop. A client that cannot keep up is
// disconnected.
func (c *wsConn) enqueue(payload []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
		c.close(websocket.CloseGoingAway, "send buffer full")
		return errors.New("connection buffer exceeded")
	}
}

// close terminates the connection and stops the write loop.
func (c *wsConn) close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *wsConn) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}

func (c *wsConn) enqueueJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = c.enqueue(data)
}

// handleWebSocket handles GET /ws. Outbound frames are broker events; inbound
// frames are SendMessageRequest objects answered with ack or error frames.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	if !g.knownUser(w, r, id.UserID) {
		return
	}

	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	conn := newWSConn(id.UserID, ws)
	logger := g.logger.With("component", "websocket", "conn_id", conn.id, "user_id", id.UserID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, subID := g.broker.Subscribe(ctx, broker.UserTopics(id.UserID)...)
	g.presence.Connect(id.UserID)
	logger.Info("websocket connected")

	defer func() {
		g.broker.Unsubscribe(subID)
		g.presence.Disconnect(id.UserID)
		conn.close(websocket.CloseNormalClosure, "")
		logger.Info("websocket disconnected")
	}()

	go conn.writeLoop()
	go g.forwardEvents(conn, events)

	g.readLoop(ctx, conn, logger)
}

// knownUser rejects subjects missing from the directory so they never show
// as online.
func (g *Gateway) knownUser(w http.ResponseWriter, r *http.Request, userID string) bool {
	if _, err := g.directory.GetUser(r.Context(), userID); err != nil {
		g.writeServiceError(w, err)
		return false
	}
	return true
}

// forwardEvents copies broker events onto the connection until either side closes.
func (g *Gateway) forwardEvents(conn *wsConn, events <-chan *broker.Event) {
	for {
		select {
		case <-conn.closed:
			return
		case ev, ok := <-events:
			if !ok {
				conn.close(websocket.CloseGoingAway, "server shutting down")
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				g.logger.Error("failed to marshal event", "event_id", ev.ID, "error", err)
				continue
			}
			if err := conn.enqueue(data); err != nil {
				return
			}
		}
	}
}

// readLoop handles inbound frames until the client goes away. Frames beyond
// the per-connection rate are rejected, not queued.
func (g *Gateway) readLoop(ctx context.Context, conn *wsConn, logger *slog.Logger) {
	limiter := rate.NewLimiter(g.inboundLimit, g.inboundBurst)

	conn.ws.SetReadLimit(maxFrameBytes)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))

		var req SendMessageRequest
		if err := json.Unmarshal(data, &req); err != nil {
			conn.enqueueJSON(errorFrame{Type: "error", Status: http.StatusBadRequest, Error: "invalid JSON frame"})
			continue
		}

		if !limiter.Allow() {
			conn.enqueueJSON(errorFrame{
				Type:            "error",
				Status:          http.StatusTooManyRequests,
				Error:           "rate limit exceeded",
				ClientMessageID: req.ClientMessageID,
			})
			continue
		}

		g.handleInboundSend(ctx, conn, &req)
	}
}

func (g *Gateway) handleInboundSend(ctx context.Context, conn *wsConn, req *SendMessageRequest) {
	ctx, cancel := context.WithTimeout(ctx, inboundSendLimit)
	defer cancel()

	receipt, err := g.service.Send(ctx, conversation.SendRequest{
		SenderID:        conn.userID,
		ReceiverIDs:     req.receivers(),
		ConversationID:  req.ConversationID,
		Content:         req.Content,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		status := statusForError(err)
		msg := err.Error()
		if status == http.StatusInternalServerError {
			g.logger.Error("websocket send failed", "user_id", conn.userID, "error", err)
			msg = "internal server error"
		}
		conn.enqueueJSON(errorFrame{Type: "error", Status: status, Error: msg, ClientMessageID: req.ClientMessageID})
		return
	}

	conn.enqueueJSON(ackFrame{
		Type:            "ack",
		RequestID:       receipt.RequestID,
		ClientMessageID: req.ClientMessageID,
		Duplicate:       receipt.Duplicate,
	})
}

// handleEvents handles GET /api/events, streaming the same events as the
// WebSocket as Server-Sent Events. The stream counts as a presence connection.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	if !g.knownUser(w, r, id.UserID) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	events, subID := g.broker.Subscribe(ctx, broker.UserTopics(id.UserID)...)
	g.presence.Connect(id.UserID)
	defer func() {
		g.broker.Unsubscribe(subID)
		g.presence.Disconnect(id.UserID)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.done:
			return
		case <-keepAlive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := g.writeSSEEvent(w, ev); err != nil {
				g.logger.Debug("sse write failed", "user_id", id.UserID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, ev *broker.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "event_id", ev.ID, "error", err)
		return nil
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
	return err
}
