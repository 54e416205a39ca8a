package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-session/internal/middleware"
	"github.com/capitalize-ai/support-session/internal/model"
	"github.com/capitalize-ai/support-session/internal/service"
	"github.com/capitalize-ai/support-session/internal/transport"
	"github.com/capitalize-ai/support-session/pkg/logger"
	"github.com/capitalize-ai/support-session/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 1 << 20
	sendBufferSize = 256
)

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	userID   string
	tenantID string
	name     string
	agent    bool
}

func (c *client) enqueue(frame []byte) {
	select {
	case <-c.done:
	case c.send <- frame:
	default:
		// Slow consumers are disconnected.
		c.close()
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *client) participant() model.Participant {
	role := model.RoleUser
	if c.agent {
		role = model.RoleAgent
	}
	return model.Participant{ID: c.userID, Name: c.name, Type: role}
}

// SocketHandler serves the realtime event socket. Each connection must
// authenticate with its first frame before anything else is accepted.
type SocketHandler struct {
	hub           *Hub
	conversations *service.ConversationService
	messages      *service.MessageService
	secret        string
	authTimeout   time.Duration
	upgrader      websocket.Upgrader
	logger        *logger.Logger
}

// NewSocketHandler creates a socket handler. An empty origins list accepts
// any origin.
func NewSocketHandler(
	hub *Hub,
	convs *service.ConversationService,
	msgs *service.MessageService,
	secret string,
	authTimeout time.Duration,
	origins []string,
	log *logger.Logger,
) *SocketHandler {
	if authTimeout <= 0 {
		authTimeout = 10 * time.Second
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return &SocketHandler{
		hub:           hub,
		conversations: convs,
		messages:      msgs,
		secret:        secret,
		authTimeout:   authTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || allowed["*"] || origin == "" || allowed[origin]
			},
		},
		logger: logger.OrGlobal(log).Component("socket"),
	}
}

// ServeHTTP handles GET /ws
func (h *SocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameBytes)

	c, err := h.authenticate(conn)
	if err != nil {
		h.logger.Info("socket authentication failed", zap.Error(err))
		return
	}

	metrics.IncrementSocketConnections()
	defer metrics.DecrementSocketConnections()

	log := h.logger.With(zap.String("user_id", c.userID), zap.String("tenant_id", c.tenantID))
	log.Info("socket connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.writePump(c)
	h.readLoop(ctx, c, log)

	c.close()
	for _, id := range h.hub.remove(c) {
		h.hub.Broadcast(id, model.EventUserDisconnected, model.PresencePayload{
			ConversationID: id,
			Participant:    c.participant().Online(false),
		})
	}
	log.Info("socket disconnected")
}

func (h *SocketHandler) authenticate(conn *websocket.Conn) (*client, error) {
	_ = conn.SetReadDeadline(time.Now().Add(h.authTimeout))

	var frame transport.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		return nil, err
	}
	reject := func(msg string) error {
		_ = h.writeDirect(conn, model.EventAuthenticated, model.AuthenticatedPayload{Success: false, Error: msg})
		return errors.New(msg)
	}
	if frame.Event != model.EventAuthenticate {
		return nil, reject("authentication required")
	}
	var p model.AuthenticatePayload
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		return nil, reject("malformed authentication payload")
	}
	claims, err := middleware.ParseToken(h.secret, p.Token)
	if err != nil {
		return nil, reject("invalid token")
	}
	if p.TenantID != "" && p.TenantID != claims.TenantID {
		return nil, reject("tenant mismatch")
	}

	c := &client{
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
		userID:   claims.Subject,
		tenantID: claims.TenantID,
		name:     claims.Name,
	}
	for _, s := range claims.Scopes {
		if s == middleware.ScopeAgent {
			c.agent = true
		}
	}
	if err := h.writeDirect(conn, model.EventAuthenticated, model.AuthenticatedPayload{Success: true, UserID: c.userID}); err != nil {
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return c, nil
}

// writeDirect writes before the write pump owns the connection.
func (h *SocketHandler) writeDirect(conn *websocket.Conn, event string, payload any) error {
	frame, err := transport.EncodeFrame(event, payload)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (h *SocketHandler) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (h *SocketHandler) readLoop(ctx context.Context, c *client, log *logger.Logger) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("socket closed unexpectedly", zap.Error(err))
			}
			return
		}
		var frame transport.Frame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
			log.Debug("malformed frame dropped", zap.Int("bytes", len(raw)))
			continue
		}
		if err := h.handle(ctx, c, frame); err != nil {
			log.Warn("event rejected", zap.String("event", frame.Event), zap.Error(err))
		}
	}
}

func (h *SocketHandler) handle(ctx context.Context, c *client, frame transport.Frame) error {
	switch frame.Event {
	case model.EventRoomJoin:
		var p model.RoomPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return err
		}
		return h.join(ctx, c, p.ConversationID)

	case model.EventRoomLeave:
		var p model.RoomPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return err
		}
		if h.hub.leave(p.ConversationID, c) {
			h.hub.Broadcast(p.ConversationID, model.EventUserDisconnected, model.PresencePayload{
				ConversationID: p.ConversationID,
				Participant:    c.participant().Online(false),
			})
		}
		return nil

	case model.EventMessage:
		var p model.MessagePayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return err
		}
		if err := h.join(ctx, c, p.ConversationID); err != nil {
			return err
		}
		p.SenderName = c.name
		ack, err := h.messages.Send(ctx, c.tenantID, p)
		if err != nil {
			return err
		}
		h.reply(c, model.EventMessageAck, ack)
		ack.LocalID = ""
		h.hub.broadcast(p.ConversationID, model.EventMessage, ack, c)
		return nil

	case model.EventMessageRead:
		var p model.ReadPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return err
		}
		if err := h.join(ctx, c, p.ConversationID); err != nil {
			return err
		}
		return h.messages.MarkRead(ctx, c.tenantID, p)

	case model.EventTypingStart, model.EventTypingStop:
		var p model.TypingPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return err
		}
		if err := h.join(ctx, c, p.ConversationID); err != nil {
			return err
		}
		me := c.participant()
		p.Participant = model.TypingParticipant{ID: me.ID, Name: me.Name, Type: me.Type}
		h.hub.broadcast(p.ConversationID, frame.Event, p, c)
		return nil
	}
	return nil
}

// join checks the conversation belongs to the caller's tenant and adds the
// client to its room. Joining twice is a no-op.
func (h *SocketHandler) join(ctx context.Context, c *client, conversationID string) error {
	roster, err := h.conversations.Roster(ctx, c.tenantID, conversationID, c.participant())
	if err != nil {
		return err
	}
	if !h.hub.join(conversationID, c) {
		return nil
	}
	h.logger.Debug("room joined",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", c.userID),
		zap.Int("members", h.hub.Members(conversationID)),
	)
	h.reply(c, model.EventShowRoom, model.RosterPayload{ConversationID: conversationID, Participants: roster})
	h.hub.broadcast(conversationID, model.EventUserConnected, model.PresencePayload{
		ConversationID: conversationID,
		Participant:    c.participant().Online(true),
	}, c)
	return nil
}

func (h *SocketHandler) reply(c *client, event string, payload any) {
	frame, err := transport.EncodeFrame(event, payload)
	if err != nil {
		h.logger.Error("failed to encode reply", zap.String("event", event), zap.Error(err))
		return
	}
	c.enqueue(frame)
}
