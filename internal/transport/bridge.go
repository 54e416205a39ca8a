// Package transport bridges the session engine to the backend event socket.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-session/internal/model"
	"github.com/capitalize-ai/support-session/pkg/logger"
	"github.com/capitalize-ai/support-session/pkg/metrics"
)

var (
	// ErrNotConnected is returned by Send while no connection is established.
	ErrNotConnected = errors.New("transport not connected")
	// ErrAuthRejected is returned when the handshake is refused or the access
	// token has expired.
	ErrAuthRejected = errors.New("authentication rejected")
)

const (
	maxFrameBytes       = 1 << 20
	defaultWriteTimeout = 10 * time.Second
)

// Frame is the JSON envelope of every socket message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame marshals an event and its payload into a frame.
func EncodeFrame(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		data = raw
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

// Handler receives the raw payload of a subscribed event.
type Handler func(data json.RawMessage)

// Config configures a Bridge.
type Config struct {
	URL       string
	Token     string
	TenantID  string
	SessionID string
	Header    http.Header

	AuthTimeout      time.Duration
	WriteTimeout     time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

type subscription struct {
	id      uint64
	handler Handler
}

// Bridge owns one websocket per session. It authenticates every connection,
// re-joins rooms after a reconnect and dispatches inbound events to
// subscribers in receipt order.
type Bridge struct {
	cfg    Config
	log    *logger.Logger
	dialer *websocket.Dialer
	now    func() time.Time

	mu       sync.RWMutex
	handlers map[string][]subscription
	nextID   uint64
	rooms    []string
	token    string

	writeMu   sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool
}

// New creates a bridge. Call Run to connect.
func New(cfg Config, log *logger.Logger) *Bridge {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = 500 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &Bridge{
		cfg:      cfg,
		log:      logger.OrGlobal(log).Component("transport"),
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.AuthTimeout},
		now:      time.Now,
		handlers: make(map[string][]subscription),
		token:    cfg.Token,
	}
}

// Connected reports whether an authenticated connection is up.
func (b *Bridge) Connected() bool {
	return b.connected.Load()
}

// Subscribe registers a handler for an event and returns a function that
// removes it. Handlers run on the read loop and must not block.
func (b *Bridge) Subscribe(event string, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[event] = append(b.handlers[event], subscription{id: id, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[event]
		for i, s := range subs {
			if s.id == id {
				b.handlers[event] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Send writes one event. Writes are serialised.
func (b *Bridge) Send(ctx context.Context, event string, payload any) error {
	data, err := EncodeFrame(event, payload)
	if err != nil {
		return err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if b.conn == nil {
		return fmt.Errorf("send %s: %w", event, ErrNotConnected)
	}
	return b.writeLocked(ctx, b.conn, event, data)
}

func (b *Bridge) writeLocked(ctx context.Context, conn *websocket.Conn, event string, data []byte) error {
	deadline := b.now().Add(b.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	metrics.RecordFrame("out", eventLabel(event))
	return nil
}

// JoinRoom joins a conversation room now if connected, and again after every
// reconnect.
func (b *Bridge) JoinRoom(ctx context.Context, conversationID string) error {
	b.mu.Lock()
	joined := false
	for _, id := range b.rooms {
		if id == conversationID {
			joined = true
			break
		}
	}
	if !joined {
		b.rooms = append(b.rooms, conversationID)
	}
	b.mu.Unlock()

	err := b.Send(ctx, model.EventRoomJoin, model.RoomPayload{ConversationID: conversationID})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// LeaveRoom leaves a conversation room and stops re-joining it.
func (b *Bridge) LeaveRoom(ctx context.Context, conversationID string) error {
	b.mu.Lock()
	for i, id := range b.rooms {
		if id == conversationID {
			b.rooms = append(b.rooms[:i], b.rooms[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	err := b.Send(ctx, model.EventRoomLeave, model.RoomPayload{ConversationID: conversationID})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Rooms returns the rooms re-joined on every connect.
func (b *Bridge) Rooms() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.rooms...)
}

// Run connects and keeps the connection up until ctx is cancelled,
// reconnecting with exponential backoff.
func (b *Bridge) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.ReconnectInitial
	bo.MaxInterval = b.cfg.ReconnectMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		conn, err := b.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.Warn("connect failed", zap.String("url", b.cfg.URL), zap.Error(err))
			metrics.RecordTransport(model.EventConnectError)
			b.dispatch(model.EventConnectError, model.ConnectionPayload{Error: err.Error()})
		} else {
			bo.Reset()
			readErr := b.serve(ctx, conn)
			metrics.RecordTransport(model.EventDisconnect)
			reason := ""
			if readErr != nil && ctx.Err() == nil {
				reason = readErr.Error()
				b.log.Warn("connection lost", zap.Error(readErr))
			}
			b.dispatch(model.EventDisconnect, model.ConnectionPayload{Error: reason})
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		wait := bo.NextBackOff()
		b.log.Debug("reconnecting", zap.Duration("backoff", wait))
		metrics.RecordTransport("reconnect_attempt")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// connect dials, authenticates and re-joins rooms.
func (b *Bridge) connect(ctx context.Context) (*websocket.Conn, error) {
	b.mu.RLock()
	token := b.token
	b.mu.RUnlock()

	if err := b.checkToken(token); err != nil {
		return nil, err
	}

	conn, resp, err := b.dialer.DialContext(ctx, b.cfg.URL, b.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", b.cfg.URL, err)
	}
	conn.SetReadLimit(maxFrameBytes)

	ack, err := b.authenticate(ctx, conn, token)
	if err != nil {
		conn.Close()
		return nil, err
	}

	b.writeMu.Lock()
	b.conn = conn
	b.writeMu.Unlock()
	b.connected.Store(true)

	b.log.Info("connected", zap.String("url", b.cfg.URL), zap.String("user_id", ack.UserID))
	metrics.RecordTransport(model.EventConnect)
	b.dispatch(model.EventConnect, model.ConnectionPayload{UserID: ack.UserID})

	for _, room := range b.Rooms() {
		if err := b.Send(ctx, model.EventRoomJoin, model.RoomPayload{ConversationID: room}); err != nil {
			b.log.Warn("room re-join failed", zap.String("conversation_id", room), zap.Error(err))
		}
	}
	return conn, nil
}

func (b *Bridge) checkToken(token string) error {
	if token == "" {
		return nil
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		// Opaque tokens are left to the server.
		return nil
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(b.now()) {
		return fmt.Errorf("access token expired at %s: %w", claims.ExpiresAt.Format(time.RFC3339), ErrAuthRejected)
	}
	return nil
}

func (b *Bridge) authenticate(ctx context.Context, conn *websocket.Conn, token string) (model.AuthenticatedPayload, error) {
	var ack model.AuthenticatedPayload

	data, err := EncodeFrame(model.EventAuthenticate, model.AuthenticatePayload{
		Token:     token,
		TenantID:  b.cfg.TenantID,
		SessionID: b.cfg.SessionID,
	})
	if err != nil {
		return ack, err
	}
	if err := b.writeLocked(ctx, conn, model.EventAuthenticate, data); err != nil {
		return ack, err
	}

	_ = conn.SetReadDeadline(b.now().Add(b.cfg.AuthTimeout))
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return ack, fmt.Errorf("await %s: %w", model.EventAuthenticated, err)
		}
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Event != model.EventAuthenticated {
			continue
		}
		if err := json.Unmarshal(frame.Data, &ack); err != nil {
			return ack, fmt.Errorf("decode %s: %w", model.EventAuthenticated, err)
		}
		if !ack.Success {
			return ack, fmt.Errorf("%s: %w", ack.Error, ErrAuthRejected)
		}
		return ack, nil
	}
}

// serve reads frames until the connection fails or ctx is cancelled.
func (b *Bridge) serve(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	defer func() {
		b.connected.Store(false)
		b.writeMu.Lock()
		if b.conn == conn {
			b.conn = nil
		}
		b.writeMu.Unlock()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
			b.log.Debug("malformed frame dropped", zap.Int("bytes", len(raw)))
			continue
		}
		metrics.RecordFrame("in", eventLabel(frame.Event))
		b.deliver(frame.Event, frame.Data)
	}
}

func (b *Bridge) dispatch(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	b.deliver(event, raw)
}

func (b *Bridge) deliver(event string, data json.RawMessage) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.handlers[event]...)
	b.mu.RUnlock()
	for _, s := range subs {
		s.handler(data)
	}
}

var knownEvents = map[string]bool{
	model.EventAuthenticate:     true,
	model.EventAuthenticated:    true,
	model.EventRoomJoin:         true,
	model.EventRoomLeave:        true,
	model.EventUserConnected:    true,
	model.EventUserDisconnected: true,
	model.EventShowRoom:         true,
	model.EventUserRoom:         true,
	model.EventMessage:          true,
	model.EventMessageAck:       true,
	model.EventMessageReceipt:   true,
	model.EventMessageRead:      true,
	model.EventTypingStart:      true,
	model.EventTypingStop:       true,
	model.EventStreamStart:      true,
	model.EventStreamChunk:      true,
	model.EventStreamEnd:        true,
	model.EventStreamError:      true,
	model.EventLifecycle:        true,
}

// eventLabel keeps metric label cardinality bounded.
func eventLabel(event string) string {
	if knownEvents[event] {
		return event
	}
	return "other"
}
