// Package engine runs the session event loop. It wires the transport to the
// session, reconcile and presence components, applies their deltas to the
// conversation store and carries user actions back out.
//
// Every piece of component state is confined to one goroutine: transport
// handlers, timer callbacks and fetch results are posted to the loop as
// closures.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/support-session/internal/config"
	"github.com/capitalize-ai/support-session/internal/model"
	"github.com/capitalize-ai/support-session/internal/presence"
	"github.com/capitalize-ai/support-session/internal/reconcile"
	"github.com/capitalize-ai/support-session/internal/session"
	"github.com/capitalize-ai/support-session/internal/store"
	"github.com/capitalize-ai/support-session/internal/transport"
	"github.com/capitalize-ai/support-session/pkg/logger"
	"github.com/capitalize-ai/support-session/pkg/tracing"
)

// ErrStopped is returned by user actions after the loop has exited.
var ErrStopped = errors.New("engine stopped")

const taskBuffer = 256

// Transport is the socket the engine drives.
type Transport interface {
	Run(ctx context.Context) error
	Send(ctx context.Context, event string, payload any) error
	Subscribe(event string, h transport.Handler) func()
	JoinRoom(ctx context.Context, conversationID string) error
	LeaveRoom(ctx context.Context, conversationID string) error
	Connected() bool
}

// Fetcher loads history over REST.
type Fetcher interface {
	AllConversations(ctx context.Context, limit int) ([]model.Conversation, error)
	AllMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
}

// Engine is one chat session.
type Engine struct {
	cfg    config.Engine
	tr     Transport
	fetch  Fetcher
	log    *logger.Logger
	tracer trace.Tracer
	self   model.TypingParticipant

	store      *store.Store
	reconciler *reconcile.Reconciler
	presence   *presence.Tracker

	// Loop-confined.
	machines map[string]*session.Machine
	active   string
	everUp   bool

	tasks     chan func()
	stopped   chan struct{}
	stopOnce  sync.Once
	loopCtx   context.Context
	ctxMu     sync.RWMutex
	unsubs    []func()
	storeOpts []store.Option
}

// Option configures an Engine.
type Option func(*Engine)

// WithSelf sets the participant announced in outbound typing events.
func WithSelf(p model.TypingParticipant) Option {
	return func(e *Engine) {
		e.self = p
	}
}

// WithStoreOptions passes options to the conversation store.
func WithStoreOptions(opts ...store.Option) Option {
	return func(e *Engine) {
		e.storeOpts = append(e.storeOpts, opts...)
	}
}

// New creates an engine. Call Run to start it.
func New(cfg config.Engine, tr Transport, fetch Fetcher, log *logger.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg.WithDefaults(),
		tr:       tr,
		fetch:    fetch,
		log:      logger.OrGlobal(log).Component("engine"),
		tracer:   tracing.Tracer("github.com/capitalize-ai/support-session/internal/engine"),
		self:     model.TypingParticipant{Type: model.RoleUser},
		machines: make(map[string]*session.Machine),
		tasks:    make(chan func(), taskBuffer),
		stopped:  make(chan struct{}),
		loopCtx:  context.Background(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.store = store.New(e, log, e.storeOpts...)
	e.reconciler = reconcile.New(reconcile.Config{
		AckTimeout:         e.cfg.AckTimeout,
		OutOfOrderWindow:   e.cfg.OutOfOrderWindow,
		ReceiptBufferLimit: e.cfg.ReceiptBufferLimit,
	}, tr, e.emit, log, reconcile.WithScheduler(e.schedule))
	e.presence = presence.New(presence.Config{
		Expiry:        e.cfg.TypingExpiry,
		SweepInterval: e.cfg.TypingSweep,
	}, e.emit, log, presence.WithScheduler(e.schedule))

	e.subscribe()
	return e
}

// Store returns the conversation store.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Run drives the loop and the transport until ctx is cancelled. Every
// conversation is torn down before it returns.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	e.ctxMu.Lock()
	e.loopCtx = gctx
	e.ctxMu.Unlock()

	g.Go(func() error {
		return e.tr.Run(gctx)
	})
	g.Go(func() error {
		e.loop(gctx)
		return nil
	})

	err := g.Wait()
	for _, unsub := range e.unsubs {
		unsub()
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) loop(ctx context.Context) {
	defer e.stopOnce.Do(func() { close(e.stopped) })
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return
		case fn := <-e.tasks:
			fn()
		}
	}
}

func (e *Engine) shutdown() {
	if e.active != "" {
		e.reconciler.Teardown(e.active)
	}
	e.reconciler.AbortStreams(reconcile.ReasonTeardown)
	e.presence.ClearAll()
	e.log.Info("engine stopped")
}

func (e *Engine) ctx() context.Context {
	e.ctxMu.RLock()
	defer e.ctxMu.RUnlock()
	return e.loopCtx
}

// post queues fn on the loop. It is dropped once the loop has exited.
func (e *Engine) post(fn func()) {
	select {
	case e.tasks <- fn:
	case <-e.stopped:
	}
}

// do runs fn on the loop and waits for it.
func (e *Engine) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}
	select {
	case e.tasks <- task:
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// schedule runs fn on the loop after d. Cancellation is checked on the loop,
// so a cancelled callback never runs even if its timer already fired.
func (e *Engine) schedule(d time.Duration, fn func()) func() {
	cancelled := false
	t := time.AfterFunc(d, func() {
		e.post(func() {
			if !cancelled {
				fn()
			}
		})
	})
	return func() {
		cancelled = true
		t.Stop()
	}
}

func (e *Engine) emit(d model.Delta) {
	e.store.Apply(d)
}

func (e *Engine) machine(conversationID string) *session.Machine {
	if m, ok := e.machines[conversationID]; ok {
		return m
	}
	c, ok := e.store.Conversation(conversationID)
	if !ok {
		return nil
	}
	m := session.New(c, e.log)
	e.machines[conversationID] = m
	return m
}

// LoadConversations fetches every conversation and installs it in the store.
func (e *Engine) LoadConversations(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "engine.load_conversations")
	defer span.End()

	convs, err := e.fetch.AllConversations(ctx, e.cfg.FetchPageLimit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("load conversations: %w", err)
	}
	span.SetAttributes(attribute.Int("conversations", len(convs)))

	return e.do(ctx, func() {
		for _, c := range convs {
			e.emit(model.ConversationLoaded{Snapshot: c})
			e.machines[c.ID] = session.New(c, e.log)
		}
		e.log.Info("conversations loaded", zap.Int("count", len(convs)))
	})
}

func (e *Engine) backfill(conversationID string) {
	ctx, span := e.tracer.Start(e.ctx(), "engine.fetch_messages",
		trace.WithAttributes(attribute.String("conversation_id", conversationID)))
	go func() {
		defer span.End()
		msgs, err := e.fetch.AllMessages(ctx, conversationID, e.cfg.FetchPageLimit)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("messages", len(msgs)))

		e.post(func() {
			if err != nil {
				e.log.Warn("message fetch failed", zap.String("conversation_id", conversationID), zap.Error(err))
				e.emit(model.Warning{ConversationID: conversationID, Source: "restapi", Message: err.Error(), At: time.Now()})
				return
			}
			msgs = e.reconciler.ConfirmFromHistory(conversationID, msgs)
			e.emit(model.MessagesLoaded{ConversationID: conversationID, Messages: msgs})
			ids := make([]string, 0, len(msgs))
			for _, m := range msgs {
				ids = append(ids, m.ID)
			}
			e.reconciler.Observe(conversationID, ids...)
		})
	}()
}

// resync refreshes every conversation's status after a reconnect, then
// backfills the active conversation. Lifecycle events missed while offline
// reach the store as one SYNC status change per conversation.
func (e *Engine) resync() {
	ctx, span := e.tracer.Start(e.ctx(), "engine.resync")
	go func() {
		defer span.End()
		convs, err := e.fetch.AllConversations(ctx, e.cfg.FetchPageLimit)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("conversations", len(convs)))

		e.post(func() {
			if err != nil {
				e.log.Warn("conversation resync failed", zap.Error(err))
				e.emit(model.Warning{Source: "restapi", Message: err.Error(), At: time.Now()})
			} else {
				e.syncConversations(convs)
			}
			if e.active != "" {
				e.backfill(e.active)
			}
		})
	}()
}

func (e *Engine) syncConversations(convs []model.Conversation) {
	changed := 0
	for _, c := range convs {
		if m := e.machine(c.ID); m != nil {
			for _, d := range m.Sync(c) {
				e.emit(d)
				changed++
			}
			continue
		}
		e.emit(model.ConversationLoaded{Snapshot: c})
		e.machines[c.ID] = session.New(c, e.log)
		changed++
	}
	e.log.Info("conversations resynced", zap.Int("count", len(convs)), zap.Int("changed", changed))
}

// Activate implements store.Outbound.
func (e *Engine) Activate(conversationID string) {
	e.post(func() {
		if e.active == conversationID {
			return
		}
		e.active = conversationID
		if err := e.tr.JoinRoom(e.ctx(), conversationID); err != nil {
			e.log.Warn("room join failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
		e.backfill(conversationID)
	})
}

// Deactivate implements store.Outbound.
func (e *Engine) Deactivate(conversationID string) {
	e.post(func() {
		e.reconciler.Teardown(conversationID)
		e.presence.Clear(conversationID)
		if err := e.tr.LeaveRoom(e.ctx(), conversationID); err != nil {
			e.log.Warn("room leave failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
		if e.active == conversationID {
			e.active = ""
		}
	})
}

// SendMessage implements store.Outbound.
func (e *Engine) SendMessage(conversationID string, sender model.Role, senderName, content string) (string, error) {
	var localID string
	var sendErr error
	err := e.do(context.Background(), func() {
		ctx, span := e.tracer.Start(e.ctx(), "engine.send_message",
			trace.WithAttributes(attribute.String("conversation_id", conversationID)))
		defer span.End()
		localID, sendErr = e.reconciler.Send(ctx, conversationID, sender, senderName, content)
		span.SetAttributes(attribute.String("local_id", localID))
		if sendErr != nil {
			span.RecordError(sendErr)
			span.SetStatus(codes.Error, sendErr.Error())
		}
	})
	if err != nil {
		return "", err
	}
	return localID, sendErr
}

// RetryMessage implements store.Outbound.
func (e *Engine) RetryMessage(conversationID, localID string) (string, error) {
	var newID string
	var retryErr error
	err := e.do(context.Background(), func() {
		ctx, span := e.tracer.Start(e.ctx(), "engine.retry_message",
			trace.WithAttributes(attribute.String("conversation_id", conversationID)))
		defer span.End()
		newID, retryErr = e.reconciler.Retry(ctx, conversationID, localID)
	})
	if err != nil {
		return "", err
	}
	if errors.Is(retryErr, reconcile.ErrUnknownMessage) {
		return "", fmt.Errorf("%w: %v", store.ErrMessageNotFailed, retryErr)
	}
	return newID, retryErr
}

// MarkRead implements store.Outbound.
func (e *Engine) MarkRead(conversationID string, messageIDs []string) error {
	var sendErr error
	err := e.do(context.Background(), func() {
		sendErr = e.tr.Send(e.ctx(), model.EventMessageRead, model.ReadPayload{
			ConversationID: conversationID,
			MessageIDs:     messageIDs,
		})
	})
	if err != nil {
		return err
	}
	return sendErr
}

// NotifyTyping implements store.Outbound.
func (e *Engine) NotifyTyping(conversationID string) error {
	var sendErr error
	err := e.do(context.Background(), func() {
		sendErr = e.tr.Send(e.ctx(), model.EventTypingStart, model.TypingPayload{
			ConversationID: conversationID,
			Participant:    e.self,
		})
	})
	if err != nil {
		return err
	}
	return sendErr
}

// on subscribes to a wire event, decoding its payload off the loop and
// handling it on the loop.
func on[T any](e *Engine, event string, handle func(T)) {
	e.unsubs = append(e.unsubs, e.tr.Subscribe(event, func(data json.RawMessage) {
		var p T
		if len(data) > 0 {
			if err := json.Unmarshal(data, &p); err != nil {
				e.log.Warn("malformed payload dropped", zap.String("event", event), zap.Error(err))
				return
			}
		}
		e.post(func() { handle(p) })
	}))
}

func (e *Engine) subscribe() {
	on(e, model.EventConnect, e.onConnect)
	on(e, model.EventDisconnect, e.onDisconnect)
	on(e, model.EventConnectError, e.onConnectError)

	on(e, model.EventMessage, e.reconciler.HandleMessage)
	on(e, model.EventMessageAck, e.reconciler.HandleAck)
	on(e, model.EventMessageReceipt, e.reconciler.HandleReceipt)
	on(e, model.EventStreamStart, e.reconciler.HandleStreamStart)
	on(e, model.EventStreamChunk, e.reconciler.HandleStreamChunk)
	on(e, model.EventStreamEnd, e.reconciler.HandleStreamEnd)
	on(e, model.EventStreamError, e.reconciler.HandleStreamError)

	on(e, model.EventTypingStart, e.presence.TypingStarted)
	on(e, model.EventTypingStop, e.presence.TypingStopped)
	on(e, model.EventUserConnected, e.presence.Connected)
	on(e, model.EventUserDisconnected, e.presence.Disconnected)
	on(e, model.EventShowRoom, e.presence.Roster)
	on(e, model.EventUserRoom, e.presence.Roster)

	on(e, model.EventLifecycle, e.onLifecycle)
}

func (e *Engine) onConnect(model.ConnectionPayload) {
	reconnect := e.everUp
	e.everUp = true
	e.emit(model.ConnectionChanged{Connected: true})
	if reconnect {
		e.log.Info("reconnected, resyncing", zap.String("conversation_id", e.active))
		e.resync()
	}
}

func (e *Engine) onDisconnect(p model.ConnectionPayload) {
	e.presence.ClearAll()
	e.reconciler.AbortStreams(reconcile.ReasonDisconnected)
	e.emit(model.ConnectionChanged{Reconnecting: true, Error: p.Error})
}

func (e *Engine) onConnectError(p model.ConnectionPayload) {
	e.emit(model.ConnectionChanged{Reconnecting: true, Error: p.Error})
}

func (e *Engine) onLifecycle(p model.LifecyclePayload) {
	m := e.machine(p.ConversationID)
	if m == nil {
		e.log.Debug("lifecycle event for unknown conversation",
			zap.String("conversation_id", p.ConversationID),
			zap.String("event", string(p.Type)),
		)
		return
	}
	for _, d := range m.Apply(p) {
		e.emit(d)
	}
}
