package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/newschat/internal/pipeline"
	"github.com/mohammad-safakhou/newschat/internal/session"
	"github.com/mohammad-safakhou/newschat/internal/telemetry"
	"github.com/mohammad-safakhou/newschat/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

// inEvent is the envelope for inbound logical events.
type inEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// outEvent is the envelope for outbound logical events.
type outEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Hub tracks websocket clients and their session rooms, and dispatches the
// push/event surface onto the pipeline and session store.
type Hub struct {
	pipeline *pipeline.Pipeline
	store    *session.Store
	metrics  *telemetry.Metrics
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	rooms   map[string]map[*wsClient]struct{}
}

// wsClient is one connected peer. Writes go through send so only the write
// pump touches the connection.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan outEvent
	done chan struct{}
	hub  *Hub

	mu       sync.Mutex
	sessions map[string]struct{}
}

func NewHub(pipe *pipeline.Pipeline, store *session.Store, metrics *telemetry.Metrics, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(log.Writer(), "[WS] ", log.LstdFlags)
	}
	return &Hub{
		pipeline: pipe,
		store:    store,
		metrics:  metrics,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
		rooms:   make(map[string]map[*wsClient]struct{}),
	}
}

// ServeWS upgrades the request and runs the client until it disconnects.
func (h *Hub) ServeWS(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	client := &wsClient{
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan outEvent, sendBuffer),
		done:     make(chan struct{}),
		hub:      h,
		sessions: make(map[string]struct{}),
	}
	h.register(client)
	go client.writePump()
	client.readPump()
	return nil
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.OpenSockets.Inc()
	}
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		for room := range h.rooms {
			delete(h.rooms[room], c)
			if len(h.rooms[room]) == 0 {
				delete(h.rooms, room)
			}
		}
		// send stays open; late emitters bail out on done instead
		close(c.done)
	}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.OpenSockets.Dec()
	}
}

func (h *Hub) join(c *wsClient, sessionID string) {
	h.mu.Lock()
	if h.rooms[sessionID] == nil {
		h.rooms[sessionID] = make(map[*wsClient]struct{})
	}
	h.rooms[sessionID][c] = struct{}{}
	h.mu.Unlock()
	c.mu.Lock()
	c.sessions[sessionID] = struct{}{}
	c.mu.Unlock()
}

func (h *Hub) leave(c *wsClient, sessionID string) {
	h.mu.Lock()
	delete(h.rooms[sessionID], c)
	if len(h.rooms[sessionID]) == 0 {
		delete(h.rooms, sessionID)
	}
	h.mu.Unlock()
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

// BroadcastToSession fans an event out to every peer in a session room.
// Slow consumers are skipped rather than blocking the caller.
func (h *Hub) BroadcastToSession(sessionID string, ev outEvent) {
	h.broadcast(sessionID, ev, nil)
}

func (h *Hub) broadcast(sessionID string, ev outEvent, except *wsClient) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[sessionID] {
		if c != except {
			c.emit(ev)
		}
	}
}

func (c *wsClient) emit(ev outEvent) {
	select {
	case <-c.done:
	case c.send <- ev:
	default:
		c.hub.logger.Printf("dropping %s event for slow client %s", ev.Event, c.id)
	}
}

func (c *wsClient) emitError(message string, details any) {
	payload := map[string]any{"message": message}
	if details != nil {
		payload["details"] = details
	}
	c.emit(outEvent{Event: "error", Data: payload})
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Printf("client %s read error: %v", c.id, err)
			}
			return
		}
		var ev inEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.emitError("malformed event", err.Error())
			continue
		}
		c.hub.dispatch(c, ev)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// dispatch maps one inbound logical event onto the store or pipeline.
func (h *Hub) dispatch(c *wsClient, ev inEvent) {
	ctx := context.Background()
	switch ev.Event {
	case "join-session":
		var req struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(ev.Data, &req); err != nil || req.SessionID == "" {
			c.emitError("session_id required", nil)
			return
		}
		exists, err := h.store.SessionExists(ctx, req.SessionID)
		if err != nil {
			c.emitError("session store unavailable", nil)
			return
		}
		if !exists {
			c.emitError("session not found", req.SessionID)
			return
		}
		h.join(c, req.SessionID)
		c.emit(outEvent{Event: "joined-session", Data: map[string]string{"session_id": req.SessionID}})

	case "leave-session":
		var req struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(ev.Data, &req); err != nil || req.SessionID == "" {
			c.emitError("session_id required", nil)
			return
		}
		h.leave(c, req.SessionID)

	case "send-message":
		var req struct {
			Message   string `json:"message"`
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(ev.Data, &req); err != nil {
			c.emitError("malformed payload", err.Error())
			return
		}
		// Each query runs as its own task; ordering is only guaranteed
		// within one query's stream.
		go h.handleMessage(c, req.Message, req.SessionID)

	case "get-history":
		var req struct {
			SessionID string `json:"session_id"`
			Limit     int    `json:"limit"`
		}
		if err := json.Unmarshal(ev.Data, &req); err != nil || req.SessionID == "" {
			c.emitError("session_id required", nil)
			return
		}
		turns, err := h.store.GetChatHistory(ctx, req.SessionID, req.Limit)
		if err != nil {
			if errors.Is(err, models.ErrSessionNotFound) {
				c.emitError("session not found", req.SessionID)
			} else {
				c.emitError("session store unavailable", nil)
			}
			return
		}
		c.emit(outEvent{Event: "chat-history", Data: SessionHistoryResponse{
			SessionID: req.SessionID, Messages: turns, Count: len(turns),
		}})

	case "create-session":
		var req struct {
			Title string `json:"title"`
		}
		if len(ev.Data) > 0 {
			if err := json.Unmarshal(ev.Data, &req); err != nil {
				c.emitError("malformed payload", err.Error())
				return
			}
		}
		sess, err := h.store.CreateSession(ctx, req.Title)
		if err != nil {
			c.emitError("session store unavailable", nil)
			return
		}
		h.join(c, sess.ID)
		c.emit(outEvent{Event: "session-created", Data: sess})

	case "get-sessions":
		sessions, err := h.store.GetAllSessions(ctx)
		if err != nil {
			c.emitError("session store unavailable", nil)
			return
		}
		if h.metrics != nil {
			h.metrics.SessionsActive.Set(float64(len(sessions)))
		}
		c.emit(outEvent{Event: "sessions-list", Data: SessionListResponse{Sessions: sessions, Count: len(sessions)}})

	case "update-session-title":
		var req struct {
			SessionID string `json:"session_id"`
			Title     string `json:"title"`
		}
		if err := json.Unmarshal(ev.Data, &req); err != nil || req.SessionID == "" || req.Title == "" {
			c.emitError("session_id and title required", nil)
			return
		}
		sess, err := h.store.UpdateSessionTitle(ctx, req.SessionID, req.Title)
		if err != nil {
			if errors.Is(err, models.ErrSessionNotFound) {
				c.emitError("session not found", req.SessionID)
			} else {
				c.emitError("session store unavailable", nil)
			}
			return
		}
		h.broadcast(req.SessionID, outEvent{Event: "session-title-updated", Data: sess}, nil)

	case "delete-session":
		var req struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(ev.Data, &req); err != nil || req.SessionID == "" {
			c.emitError("session_id required", nil)
			return
		}
		if err := h.store.DeleteSession(ctx, req.SessionID); err != nil {
			if errors.Is(err, models.ErrSessionNotFound) {
				c.emitError("session not found", req.SessionID)
			} else {
				c.emitError("session store unavailable", nil)
			}
			return
		}
		payload := map[string]string{"session_id": req.SessionID}
		c.emit(outEvent{Event: "session-deleted", Data: payload})
		h.broadcast(req.SessionID, outEvent{Event: "session-deleted", Data: payload}, c)

	case "typing":
		var req struct {
			SessionID string `json:"session_id"`
			IsTyping  bool   `json:"is_typing"`
		}
		if err := json.Unmarshal(ev.Data, &req); err != nil || req.SessionID == "" {
			c.emitError("session_id required", nil)
			return
		}
		h.broadcast(req.SessionID, outEvent{Event: "user-typing", Data: map[string]any{
			"session_id": req.SessionID,
			"is_typing":  req.IsTyping,
			"client_id":  c.id,
		}}, c)

	default:
		c.emitError("unknown event", ev.Event)
	}
}

// handleMessage runs one streaming pipeline pass for a websocket peer.
// Input is validated before anything is fanned out: a rejected message must
// not be visible to session peers.
func (h *Hub) handleMessage(c *wsClient, message, sessionID string) {
	message = strings.TrimSpace(message)
	if message == "" {
		c.emitError("message required", nil)
		return
	}
	obs := &wsStreamObserver{client: c, hub: h, sessionID: sessionID}
	if sessionID != "" {
		h.broadcast(sessionID, outEvent{Event: "user-message", Data: map[string]string{
			"session_id": sessionID,
			"message":    message,
		}}, c)
	}
	result, err := h.pipeline.HandleStream(context.Background(), pipeline.Query{
		Message:   message,
		SessionID: sessionID,
		Persist:   true,
	}, obs)
	if err != nil {
		if errors.Is(err, models.ErrEmptyInput) {
			c.emitError("message required", nil)
		} else {
			h.logger.Printf("send-message failed for client %s: %v", c.id, err)
			c.emitError("session store unavailable", nil)
		}
		return
	}
	// metadata (count, lastActivity, possibly title) changed; let peers refresh
	if sess, err := h.store.GetSession(context.Background(), result.SessionID); err == nil {
		h.broadcast(result.SessionID, outEvent{Event: "session-updated", Data: sess}, c)
	}
}

// wsStreamObserver forwards one query's stream to the requesting peer.
type wsStreamObserver struct {
	client    *wsClient
	hub       *Hub
	sessionID string
}

// OnSession fires once the pipeline has resolved or created the session,
// before any fragment arrives.
func (o *wsStreamObserver) OnSession(sessionID string) {
	if sessionID == o.sessionID {
		return
	}
	o.sessionID = sessionID
	o.hub.join(o.client, sessionID)
	if sess, err := o.hub.store.GetSession(context.Background(), sessionID); err == nil {
		o.client.emit(outEvent{Event: "session-created", Data: sess})
	}
}

func (o *wsStreamObserver) OnChunk(chunk string) {
	o.client.emit(outEvent{Event: "stream-chunk", Data: map[string]string{
		"chunk":      chunk,
		"session_id": o.sessionID,
	}})
}

func (o *wsStreamObserver) OnComplete(response string, sources []models.Source) {
	o.client.emit(outEvent{Event: "stream-complete", Data: map[string]any{
		"response":   response,
		"sources":    sources,
		"session_id": o.sessionID,
	}})
}
