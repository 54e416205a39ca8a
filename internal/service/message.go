package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-session/internal/llm"
	"github.com/capitalize-ai/support-session/internal/model"
	"github.com/capitalize-ai/support-session/internal/store"
	"github.com/capitalize-ai/support-session/pkg/logger"
	"github.com/capitalize-ai/support-session/pkg/metrics"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
	contextMessages  = 20
	replyTimeout     = 2 * time.Minute

	systemPrompt = "You are a friendly customer support assistant. Answer briefly while the customer waits for a human agent."
)

// MessageService handles message operations.
type MessageService struct {
	conversations *ConversationService
	history       History
	events        Broadcaster
	llmClient     llm.Client
	logger        *logger.Logger
	replyDelay    time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewMessageService creates a new message service. replyDelay paces the
// simulated receipts and typing before a reply.
func NewMessageService(
	conversations *ConversationService,
	history History,
	events Broadcaster,
	llmClient llm.Client,
	replyDelay time.Duration,
	log *logger.Logger,
) *MessageService {
	ctx, cancel := context.WithCancel(context.Background())
	if llmClient == nil {
		llmClient = llm.NewEchoClient(0)
	}
	return &MessageService{
		conversations: conversations,
		history:       history,
		events:        events,
		llmClient:     llmClient,
		logger:        logger.OrGlobal(log).Component("messages"),
		replyDelay:    replyDelay,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Send stores a user message and returns the acknowledgement payload, which
// echoes the client's local id. A reply is produced in the background.
func (s *MessageService) Send(ctx context.Context, tenantID string, p model.MessagePayload) (model.MessagePayload, error) {
	if err := store.ValidateMessageContent(p.Content); err != nil {
		return model.MessagePayload{}, err
	}
	conv, err := s.conversations.Get(ctx, tenantID, p.ConversationID)
	if err != nil {
		return model.MessagePayload{}, err
	}
	if conv.Status.Terminal() {
		return model.MessagePayload{}, fmt.Errorf("conversation %s is %s: %w", conv.ID, conv.Status, ErrClosed)
	}

	msg := model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		LocalID:        p.LocalID,
		ConversationID: conv.ID,
		Sender:         model.RoleUser,
		SenderName:     p.SenderName,
		Content:        p.Content,
		Timestamp:      time.Now(),
		Status:         model.DeliveryStatus{Sent: true},
	}
	stored, err := s.history.Append(ctx, tenantID, msg)
	if err != nil {
		return model.MessagePayload{}, fmt.Errorf("failed to store message: %w", err)
	}

	ack := stored.Payload()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.respond(tenantID, conv.ID, stored.ID)
	}()
	return ack, nil
}

// respond marks the user message delivered, then answers it: the AI streams
// a reply while the conversation is queued, the assigned agent reads it and
// replies otherwise.
func (s *MessageService) respond(tenantID, conversationID, messageID string) {
	ctx, cancel := context.WithTimeout(s.ctx, replyTimeout)
	defer cancel()

	if !s.pause(ctx) {
		return
	}
	s.receipt(ctx, tenantID, conversationID, messageID, model.DeliveryStatus{Sent: true, Delivered: true})

	conv, err := s.conversations.Get(ctx, tenantID, conversationID)
	if err != nil || conv.Status.Terminal() {
		return
	}

	switch conv.Status {
	case model.StatusQueued:
		s.streamReply(ctx, tenantID, conversationID)
	case model.StatusActive, model.StatusEscalated:
		s.agentReply(ctx, tenantID, conv, messageID)
	}
}

func (s *MessageService) pause(ctx context.Context) bool {
	if s.replyDelay <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(s.replyDelay):
		return true
	}
}

func (s *MessageService) receipt(ctx context.Context, tenantID, conversationID, messageID string, st model.DeliveryStatus) {
	if err := s.history.MergeStatus(ctx, tenantID, conversationID, messageID, st); err != nil {
		s.logger.Warn("failed to store receipt", zap.String("message_id", messageID), zap.Error(err))
	}
	s.events.Broadcast(conversationID, model.EventMessageReceipt, model.ReceiptPayload{
		ConversationID: conversationID,
		MessageID:      messageID,
		Delivered:      st.Delivered || st.Read,
		Read:           st.Read,
	})
}

func (s *MessageService) prompt(ctx context.Context, tenantID, conversationID string) *llm.CompletionRequest {
	recent, err := s.history.Recent(ctx, tenantID, conversationID, contextMessages)
	if err != nil {
		s.logger.Warn("failed to load history for reply", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return &llm.CompletionRequest{
		System:   systemPrompt,
		Messages: llm.FromHistory(recent),
	}
}

// streamReply streams an AI reply chunk by chunk and stores the result.
func (s *MessageService) streamReply(ctx context.Context, tenantID, conversationID string) {
	messageID := uuid.Must(uuid.NewV7()).String()
	start := time.Now()
	s.events.Broadcast(conversationID, model.EventStreamStart, model.StreamStartPayload{
		ConversationID: conversationID,
		MessageID:      messageID,
		Sender:         model.RoleAI,
		SenderName:     "Assistant",
		Timestamp:      start,
	})

	last := -1
	resp, err := s.llmClient.CompleteStream(ctx, s.prompt(ctx, tenantID, conversationID), func(token string, index int) error {
		last = index
		s.events.Broadcast(conversationID, model.EventStreamChunk, model.StreamChunkPayload{
			ConversationID: conversationID,
			MessageID:      messageID,
			Seq:            index,
			Text:           token,
		})
		return ctx.Err()
	})
	if err != nil {
		metrics.RecordLLMStream(s.llmClient.Name(), "error", time.Since(start).Seconds())
		s.logger.Warn("reply stream failed",
			zap.String("conversation_id", conversationID),
			zap.String("provider", s.llmClient.Name()),
			zap.Error(err),
		)
		s.events.Broadcast(conversationID, model.EventStreamError, model.StreamErrorPayload{
			ConversationID: conversationID,
			MessageID:      messageID,
			Error:          "reply generation failed",
		})
		return
	}
	metrics.RecordLLMStream(s.llmClient.Name(), "success", time.Since(start).Seconds())

	end := model.StreamEndPayload{ConversationID: conversationID, MessageID: messageID}
	if last >= 0 {
		end.LastSeq = &last
	}
	s.events.Broadcast(conversationID, model.EventStreamEnd, end)

	if _, err := s.history.Append(ctx, tenantID, model.Message{
		ID:             messageID,
		ConversationID: conversationID,
		Sender:         model.RoleAI,
		SenderName:     "Assistant",
		Content:        resp.Content,
		Timestamp:      start,
		Status:         model.DeliveryStatus{Sent: true},
	}); err != nil {
		s.logger.Warn("failed to store reply", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// agentReply has the assigned agent read the message, type, and answer.
func (s *MessageService) agentReply(ctx context.Context, tenantID string, conv model.Conversation, messageID string) {
	s.receipt(ctx, tenantID, conv.ID, messageID, model.DeliveryStatus{Read: true})

	agent := model.TypingParticipant{ID: conv.AssignedAgentID, Name: conv.AssignedAgentName, Type: model.RoleAgent}
	s.events.Broadcast(conv.ID, model.EventTypingStart, model.TypingPayload{ConversationID: conv.ID, Participant: agent})

	var reply string
	resp, err := s.llmClient.CompleteStream(ctx, s.prompt(ctx, tenantID, conv.ID), func(string, int) error {
		return ctx.Err()
	})
	if err == nil {
		reply = resp.Content
	}
	_ = s.pause(ctx)
	s.events.Broadcast(conv.ID, model.EventTypingStop, model.TypingPayload{ConversationID: conv.ID, Participant: agent})
	if err != nil {
		s.logger.Warn("agent reply failed", zap.String("conversation_id", conv.ID), zap.Error(err))
		return
	}

	stored, err := s.history.Append(ctx, tenantID, model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		Sender:         model.RoleAgent,
		SenderName:     conv.AssignedAgentName,
		Content:        reply,
		Timestamp:      time.Now(),
		Status:         model.DeliveryStatus{Sent: true},
	})
	if err != nil {
		s.logger.Warn("failed to store agent reply", zap.String("conversation_id", conv.ID), zap.Error(err))
		return
	}
	s.events.Broadcast(conv.ID, model.EventMessage, stored.Payload())
}

// MarkRead records that the user read messages and tells the room.
func (s *MessageService) MarkRead(ctx context.Context, tenantID string, p model.ReadPayload) error {
	if _, err := s.conversations.Get(ctx, tenantID, p.ConversationID); err != nil {
		return err
	}
	for _, id := range p.MessageIDs {
		s.receipt(ctx, tenantID, p.ConversationID, id, model.DeliveryStatus{Read: true})
	}
	return nil
}

// List returns a page of a conversation's messages.
func (s *MessageService) List(ctx context.Context, tenantID, conversationID string, page, limit int) ([]model.MessagePayload, model.Pagination, error) {
	if _, err := s.conversations.Get(ctx, tenantID, conversationID); err != nil {
		return nil, model.Pagination{}, err
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if page < 1 {
		page = 1
	}

	msgs, total, err := s.history.Page(ctx, tenantID, conversationID, page, limit)
	if err != nil {
		return nil, model.Pagination{}, fmt.Errorf("failed to get messages: %w", err)
	}
	out := make([]model.MessagePayload, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Payload())
	}
	return out, model.Pagination{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: (total + limit - 1) / limit,
	}, nil
}

// Close cancels in-flight replies and waits for them.
func (s *MessageService) Close() {
	s.cancel()
	s.wg.Wait()
}
