package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/haivemind/haivemind/internal/logger"
	"github.com/haivemind/haivemind/internal/protocol"
	"github.com/haivemind/haivemind/internal/state"
)

const (
	// writeWait bounds a single message write to the peer.
	writeWait = 10 * time.Second
	// pongWait is how long a silent peer stays connected.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = 30 * time.Second
	// maxMessageSize bounds client frames.
	maxMessageSize = 512 * 1024
	// sendBuffer is the per-client outbound queue. Full queues drop.
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The engine binds to localhost or sits behind a trusted proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsClient is one observer connection. It satisfies broadcast.Observer;
// the hub filters messages by its project subscriptions.
type wsClient struct {
	id   string
	conn *websocket.Conn
	srv  *Server
	send chan protocol.Message
	log  *logger.Logger

	mu   sync.RWMutex
	subs map[string]bool

	closeOnce sync.Once
	closed    chan struct{}
}

// serveWS upgrades the connection and runs the pumps.
func (s *Server) serveWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	id := uuid.NewString()
	client := &wsClient{
		id:     id,
		conn:   conn,
		srv:    s,
		send:   make(chan protocol.Message, sendBuffer),
		subs:   make(map[string]bool),
		closed: make(chan struct{}),
		log:    s.log.Named("ws").With(zap.String("observer_id", id)),
	}

	s.hub.Register(client)
	go client.writePump()
	go client.readPump()
}

// ObserverID implements broadcast.Observer.
func (c *wsClient) ObserverID() string { return c.id }

// Subscriptions implements broadcast.Observer. Empty means all projects.
func (c *wsClient) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.subs))
	for slug := range c.subs {
		out = append(out, slug)
	}
	return out
}

// Deliver implements broadcast.Observer. It never blocks the broadcast
// path; a full queue drops the message.
func (c *wsClient) Deliver(msg protocol.Message) {
	select {
	case c.send <- msg:
	case <-c.closed:
	default:
		c.log.Debug("observer queue full, dropping",
			zap.String("type", string(msg.Type)))
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.srv.hub.Unregister(c.id)
		close(c.closed)
		c.conn.Close()
	})
}

// readPump consumes client frames until the connection drops.
func (c *wsClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.deliverError("", err.Error())
			continue
		}
		c.handleMessage(msg)
	}
}

// writePump flushes the outbound queue and keeps the heartbeat going.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			data, err := msg.Encode()
			if err != nil {
				c.log.Warn("failed to encode message", zap.Error(err))
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage routes a client frame into the engine.
func (c *wsClient) handleMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.WSSubscribe:
		c.subscribe(msg.Str("project"), true)
	case protocol.WSUnsubscribe:
		c.subscribe(msg.Str("project"), false)
	case protocol.SessionStart:
		c.startSession(msg)
	case protocol.ChatMessage:
		c.chat(msg)
	case protocol.GateResponse:
		c.gateResponse(msg)
	case protocol.ReconnectSync:
		c.reconnectSync(msg)
	case protocol.SelfdevStart:
		c.selfdevStart(msg)
	default:
		c.deliverError(msg.Str("sessionId"), "unsupported client message type "+string(msg.Type))
	}
}

func (c *wsClient) subscribe(slug string, on bool) {
	if slug == "" {
		return
	}
	c.mu.Lock()
	if on {
		c.subs[slug] = true
	} else {
		delete(c.subs, slug)
	}
	c.mu.Unlock()
}

// startSession launches a session in the background; progress arrives as
// broadcasts on this same connection.
func (c *wsClient) startSession(msg protocol.Message) {
	prompt, slug := msg.Str("prompt"), msg.Str("project")
	if prompt == "" || slug == "" {
		c.deliverError("", "SESSION_START requires prompt and project")
		return
	}
	go func() {
		if _, err := c.srv.orch.StartSession(context.Background(), prompt, slug, nil); err != nil {
			c.log.Warn("session failed", zap.String("project", slug), zap.Error(err))
		}
	}()
}

// chat routes a follow-up message to the live session, addressed by
// sessionId or project slug.
func (c *wsClient) chat(msg protocol.Message) {
	active := c.resolveActive(msg)
	if active == nil || active.Chat == nil {
		c.deliverError(msg.Str("sessionId"), "no active session for chat message")
		return
	}
	if err := active.Chat.HandleChatMessage(msg.Str("message")); err != nil {
		c.deliverError(active.SessionID, err.Error())
	}
}

func (c *wsClient) gateResponse(msg protocol.Message) {
	taskID := msg.Str("taskId")
	session := c.srv.engine.SessionForTask(taskID)
	if session == nil {
		c.deliverError("", "no session owns task "+taskID)
		return
	}
	active := c.srv.engine.Active(session.ID)
	if active == nil || active.Gates == nil {
		c.deliverError(session.ID, "session is not accepting gate responses")
		return
	}
	if err := active.Gates.ResolveGate(taskID, msg.Bool("approved"), msg.Str("feedback")); err != nil {
		c.deliverError(session.ID, err.Error())
	}
}

// reconnectSync replays a session's current state and recent timeline to
// a reconnecting observer.
func (c *wsClient) reconnectSync(msg protocol.Message) {
	sid := msg.Str("sessionId")
	session := c.srv.engine.Session(sid)
	if session == nil {
		c.deliverError(sid, "session not found")
		return
	}
	c.Deliver(protocol.New(protocol.ReconnectSync, map[string]any{
		"sessionId":   session.ID,
		"projectSlug": session.ProjectSlug,
		"status":      string(session.Status),
		"plan":        session.Plan,
		"edges":       session.Edges,
		"timeline":    session.TailEvents(200),
	}))
}

func (c *wsClient) selfdevStart(msg protocol.Message) {
	slug, goal := msg.Str("project"), msg.Str("goal")
	if slug == "" || goal == "" {
		c.deliverError("", "SELFDEV_START requires project and goal")
		return
	}
	maxCycles := 0
	if v, ok := msg.Payload["maxCycles"].(float64); ok {
		maxCycles = int(v)
	}
	if err := c.srv.pilot.Start(context.Background(), slug, goal, maxCycles); err != nil {
		c.deliverError("", err.Error())
	}
}

// resolveActive finds the live context by sessionId, then project slug.
func (c *wsClient) resolveActive(msg protocol.Message) *state.ActiveContext {
	if sid := msg.Str("sessionId"); sid != "" {
		return c.srv.engine.Active(sid)
	}
	if slug := msg.Str("project"); slug != "" {
		return c.srv.engine.ActiveForProject(slug)
	}
	return nil
}

// deliverError reports a client-caused failure back on this connection
// only.
func (c *wsClient) deliverError(sessionID, message string) {
	payload := map[string]any{"error": message}
	if sessionID != "" {
		payload["sessionId"] = sessionID
	}
	c.Deliver(protocol.New(protocol.SessionError, payload))
}
