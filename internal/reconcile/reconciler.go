// Package reconcile maps optimistic messages to server-confirmed ones, tracks
// delivery receipts and assembles streamed replies.
//
// A Reconciler is confined to the engine loop. Timer callbacks are delivered
// through the configured ScheduleFunc, which must run them on the same loop.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-session/internal/model"
	"github.com/capitalize-ai/support-session/pkg/logger"
	"github.com/capitalize-ai/support-session/pkg/metrics"
)

// LocalIDPrefix marks ids generated for optimistic messages.
const LocalIDPrefix = "tmp-"

// Failure reasons recorded on failed messages.
const (
	ReasonAckTimeout   = "ack timeout"
	ReasonNotConnected = "not connected"
	ReasonTeardown     = "conversation closed"
	ReasonDisconnected = "connection lost"
)

// ErrUnknownMessage is returned by Retry for a local id that is not failed.
var ErrUnknownMessage = errors.New("no failed message with this local id")

// Sender writes a wire event.
type Sender interface {
	Send(ctx context.Context, event string, payload any) error
}

// ScheduleFunc runs fn after d on the owner's loop and returns a cancel func.
type ScheduleFunc func(d time.Duration, fn func()) (cancel func())

// Config holds the reconciliation timings.
type Config struct {
	AckTimeout         time.Duration
	OutOfOrderWindow   time.Duration
	ReceiptBufferLimit int
}

type pendingSend struct {
	conversationID string
	draft          draft
	sentAt         time.Time
	cancel         func()
}

type draft struct {
	sender     model.Role
	senderName string
	content    string
}

type failedSend struct {
	conversationID string
	draft          draft
}

type bufferedReceipt struct {
	conversationID string
	status         model.DeliveryStatus
	cancel         func()
}

// Reconciler tracks optimistic sends, receipts and streams.
type Reconciler struct {
	cfg      Config
	sender   Sender
	emit     func(model.Delta)
	schedule ScheduleFunc
	now      func() time.Time
	newID    func() string
	log      *logger.Logger

	pending   map[string]*pendingSend // by local id
	failed    map[string]failedSend   // by local id
	confirmed map[string]string       // local id -> conversation id
	known     map[string]string       // message id -> conversation id

	receipts     map[string]*bufferedReceipt // by message id
	receiptOrder []string

	streams  map[string]*stream // by message id
	finished map[string]string  // message id -> conversation id
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// WithScheduler overrides how timers are scheduled.
func WithScheduler(s ScheduleFunc) Option {
	return func(r *Reconciler) {
		r.schedule = s
	}
}

// WithIDGenerator overrides local id generation.
func WithIDGenerator(gen func() string) Option {
	return func(r *Reconciler) {
		r.newID = gen
	}
}

// New creates a reconciler that writes through sender and reports changes
// through emit.
func New(cfg Config, sender Sender, emit func(model.Delta), log *logger.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		cfg:       cfg,
		sender:    sender,
		emit:      emit,
		now:       time.Now,
		newID:     NewLocalID,
		log:       logger.OrGlobal(log).Component("reconcile"),
		pending:   make(map[string]*pendingSend),
		failed:    make(map[string]failedSend),
		confirmed: make(map[string]string),
		known:     make(map[string]string),
		receipts:  make(map[string]*bufferedReceipt),
		streams:   make(map[string]*stream),
		finished:  make(map[string]string),
		schedule: func(d time.Duration, fn func()) func() {
			timer := time.AfterFunc(d, fn)
			return func() { timer.Stop() }
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewLocalID returns a fresh local id for an optimistic message.
func NewLocalID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return LocalIDPrefix + id.String()
}

// Send appends an optimistic message and writes it to the transport. When
// the transport rejects the write the message is failed immediately; the
// local id is returned in both cases together with the transport error.
func (r *Reconciler) Send(ctx context.Context, conversationID string, sender model.Role, senderName, content string) (string, error) {
	localID := r.newID()
	d := draft{sender: sender, senderName: senderName, content: content}
	msg := r.optimistic(conversationID, localID, d)

	r.emit(model.OptimisticAppended{Message: msg})
	return localID, r.dispatch(ctx, conversationID, localID, d, msg)
}

// Retry replaces a failed message with a fresh optimistic one under a new
// local id. It never resends automatically.
func (r *Reconciler) Retry(ctx context.Context, conversationID, failedLocalID string) (string, error) {
	f, ok := r.failed[failedLocalID]
	if !ok || f.conversationID != conversationID {
		return "", fmt.Errorf("retry %s: %w", failedLocalID, ErrUnknownMessage)
	}
	delete(r.failed, failedLocalID)

	localID := r.newID()
	msg := r.optimistic(conversationID, localID, f.draft)
	r.emit(model.MessageRetried{
		ConversationID: conversationID,
		FailedLocalID:  failedLocalID,
		Message:        msg,
	})
	metrics.RecordReconciliation("retried")
	r.log.Info("message retried",
		zap.String("conversation_id", conversationID),
		zap.String("failed_local_id", failedLocalID),
		zap.String("local_id", localID),
	)
	return localID, r.dispatch(ctx, conversationID, localID, f.draft, msg)
}

func (r *Reconciler) optimistic(conversationID, localID string, d draft) model.Message {
	return model.Message{
		LocalID:        localID,
		ConversationID: conversationID,
		Sender:         d.sender,
		SenderName:     d.senderName,
		Content:        d.content,
		Timestamp:      r.now(),
		IsOptimistic:   true,
	}
}

func (r *Reconciler) dispatch(ctx context.Context, conversationID, localID string, d draft, msg model.Message) error {
	p := &pendingSend{conversationID: conversationID, draft: d, sentAt: r.now()}
	r.pending[localID] = p

	err := r.sender.Send(ctx, model.EventMessage, model.MessagePayload{
		LocalID:        localID,
		ConversationID: conversationID,
		Sender:         msg.Sender,
		SenderName:     msg.SenderName,
		Content:        msg.Content,
		Timestamp:      msg.Timestamp,
	})
	if err != nil {
		r.log.Warn("send rejected by transport",
			zap.String("conversation_id", conversationID),
			zap.String("local_id", localID),
			zap.Error(err),
		)
		r.fail(localID, ReasonNotConnected)
		return err
	}

	p.cancel = r.schedule(r.cfg.AckTimeout, func() {
		if _, still := r.pending[localID]; still {
			r.log.Warn("ack timeout",
				zap.String("conversation_id", conversationID),
				zap.String("local_id", localID),
				zap.Duration("timeout", r.cfg.AckTimeout),
			)
			r.fail(localID, ReasonAckTimeout)
		}
	})
	return nil
}

func (r *Reconciler) fail(localID, reason string) {
	p, ok := r.pending[localID]
	if !ok {
		return
	}
	delete(r.pending, localID)
	if p.cancel != nil {
		p.cancel()
	}
	r.failed[localID] = failedSend{conversationID: p.conversationID, draft: p.draft}
	r.emit(model.MessageFailed{
		ConversationID: p.conversationID,
		LocalID:        localID,
		Reason:         reason,
	})
	metrics.RecordReconciliation("failed")
}

// HandleMessage consumes an inbound message. A message carrying a pending
// local id confirms the optimistic entry; anything else is a new message.
func (r *Reconciler) HandleMessage(p model.MessagePayload) {
	if p.LocalID != "" && r.ack(p) {
		return
	}
	if p.MessageID == "" || p.ConversationID == "" {
		r.log.Warn("inbound message without id dropped",
			zap.String("conversation_id", p.ConversationID),
			zap.String("local_id", p.LocalID),
		)
		return
	}
	m := p.ToMessage()
	m.LocalID = ""
	r.emit(model.MessageReceived{Message: m})
	r.Observe(p.ConversationID, p.MessageID)
}

// HandleAck consumes a message.ack event.
func (r *Reconciler) HandleAck(p model.MessagePayload) {
	if p.LocalID == "" {
		r.log.Warn("ack without local id ignored", zap.String("message_id", p.MessageID))
		return
	}
	if !r.ack(p) {
		r.log.Debug("ack for unknown local id ignored",
			zap.String("local_id", p.LocalID),
			zap.String("message_id", p.MessageID),
		)
	}
}

// ack reports whether p was consumed as an acknowledgement of a local id.
func (r *Reconciler) ack(p model.MessagePayload) bool {
	if pending, ok := r.pending[p.LocalID]; ok {
		if p.MessageID == "" {
			r.log.Warn("ack without message id ignored", zap.String("local_id", p.LocalID))
			return true
		}
		delete(r.pending, p.LocalID)
		if pending.cancel != nil {
			pending.cancel()
		}
		r.confirmed[p.LocalID] = pending.conversationID
		r.emit(model.MessageConfirmed{
			ConversationID: pending.conversationID,
			LocalID:        p.LocalID,
			MessageID:      p.MessageID,
			Timestamp:      p.Timestamp,
			Sequence:       p.Sequence,
		})
		metrics.RecordReconciliation("confirmed")
		metrics.RecordAckLatency(r.now().Sub(pending.sentAt).Seconds())
		r.Observe(pending.conversationID, p.MessageID)
		return true
	}
	if _, ok := r.confirmed[p.LocalID]; ok {
		metrics.RecordReconciliation("duplicate")
		return true
	}
	if _, ok := r.failed[p.LocalID]; ok {
		r.log.Warn("late ack for failed message ignored",
			zap.String("local_id", p.LocalID),
			zap.String("message_id", p.MessageID),
		)
		metrics.RecordReconciliation("late")
		return true
	}
	return false
}

// ConfirmFromHistory reconciles fetched history against local sends. A
// message whose local id is still pending is treated as its ack; one whose
// send already failed is recovered, since the server stored it. The returned
// messages carry no local ids and are safe to merge by message id.
func (r *Reconciler) ConfirmFromHistory(conversationID string, msgs []model.Message) []model.Message {
	out := make([]model.Message, len(msgs))
	for i, m := range msgs {
		if m.LocalID != "" && m.ID != "" {
			if _, ok := r.pending[m.LocalID]; ok {
				r.ack(m.Payload())
			} else if f, ok := r.failed[m.LocalID]; ok && f.conversationID == conversationID {
				r.recover(conversationID, m)
			}
		}
		m.LocalID = ""
		out[i] = m
	}
	return out
}

func (r *Reconciler) recover(conversationID string, m model.Message) {
	delete(r.failed, m.LocalID)
	r.confirmed[m.LocalID] = conversationID
	r.emit(model.MessageConfirmed{
		ConversationID: conversationID,
		LocalID:        m.LocalID,
		MessageID:      m.ID,
		Timestamp:      m.Timestamp,
		Sequence:       m.Sequence,
	})
	r.log.Info("failed message found in history",
		zap.String("conversation_id", conversationID),
		zap.String("local_id", m.LocalID),
		zap.String("message_id", m.ID),
	)
	metrics.RecordReconciliation("recovered")
	r.Observe(conversationID, m.ID)
}

// HandleReceipt applies delivery flags. Receipts for messages not yet known
// are buffered for the out-of-order window.
func (r *Reconciler) HandleReceipt(p model.ReceiptPayload) {
	if p.MessageID == "" {
		return
	}
	status := model.DeliveryStatus{Delivered: p.Delivered, Read: p.Read}
	if conv, ok := r.known[p.MessageID]; ok {
		r.emit(model.ReceiptApplied{ConversationID: conv, MessageID: p.MessageID, Status: status})
		return
	}

	if b, ok := r.receipts[p.MessageID]; ok {
		b.status = b.status.Merge(status)
		return
	}
	for len(r.receipts) >= r.cfg.ReceiptBufferLimit && len(r.receiptOrder) > 0 {
		r.dropReceipt(r.receiptOrder[0], "buffer full")
	}
	b := &bufferedReceipt{conversationID: p.ConversationID, status: status}
	id := p.MessageID
	b.cancel = r.schedule(r.cfg.OutOfOrderWindow, func() {
		if _, still := r.receipts[id]; still {
			r.dropReceipt(id, "window expired")
		}
	})
	r.receipts[id] = b
	r.receiptOrder = append(r.receiptOrder, id)
	metrics.RecordOutOfOrder("receipt", "buffered")
}

func (r *Reconciler) dropReceipt(messageID, reason string) {
	r.removeReceipt(messageID)
	r.log.Warn("receipt for unknown message dropped",
		zap.String("message_id", messageID),
		zap.String("reason", reason),
	)
	metrics.RecordOutOfOrder("receipt", "dropped")
}

func (r *Reconciler) removeReceipt(messageID string) *bufferedReceipt {
	b, ok := r.receipts[messageID]
	if ok {
		delete(r.receipts, messageID)
		if b.cancel != nil {
			b.cancel()
		}
	}
	for i, id := range r.receiptOrder {
		if id == messageID {
			r.receiptOrder = append(r.receiptOrder[:i], r.receiptOrder[i+1:]...)
			break
		}
	}
	return b
}

// Observe records messages as known to the store and applies any receipts
// buffered for them.
func (r *Reconciler) Observe(conversationID string, messageIDs ...string) {
	for _, id := range messageIDs {
		if id == "" {
			continue
		}
		r.known[id] = conversationID
		if b := r.removeReceipt(id); b != nil {
			r.emit(model.ReceiptApplied{ConversationID: conversationID, MessageID: id, Status: b.status})
			metrics.RecordOutOfOrder("receipt", "applied")
		}
	}
}

// Known reports whether a message id has been observed.
func (r *Reconciler) Known(messageID string) bool {
	_, ok := r.known[messageID]
	return ok
}

// Pending returns the number of sends awaiting an ack.
func (r *Reconciler) Pending() int {
	return len(r.pending)
}

// BufferedReceipts returns the number of receipts waiting for their message.
func (r *Reconciler) BufferedReceipts() int {
	return len(r.receipts)
}

// Teardown releases everything held for a conversation: pending sends are
// failed, open streams are aborted and buffered receipts are discarded.
// Failed messages stay retryable.
func (r *Reconciler) Teardown(conversationID string) {
	for localID, p := range r.pending {
		if p.conversationID == conversationID {
			r.fail(localID, ReasonTeardown)
		}
	}
	for id, s := range r.streams {
		if s.conversationID == conversationID {
			r.abort(id, ReasonTeardown)
		}
	}
	for id, b := range r.receipts {
		if b.conversationID == conversationID {
			r.removeReceipt(id)
		}
	}
	for id, conv := range r.known {
		if conv == conversationID {
			delete(r.known, id)
		}
	}
	for id, conv := range r.finished {
		if conv == conversationID {
			delete(r.finished, id)
		}
	}
	for localID, conv := range r.confirmed {
		if conv == conversationID {
			delete(r.confirmed, localID)
		}
	}
}
