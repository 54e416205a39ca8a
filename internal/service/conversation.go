// Package service implements the simulated support backend: conversations
// that queue and get an agent assigned, message history, receipts and
// streamed AI replies.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-session/internal/model"
	"github.com/capitalize-ai/support-session/internal/session"
	"github.com/capitalize-ai/support-session/pkg/logger"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	ErrClosed            = errors.New("conversation is closed")
)

// Broadcaster delivers wire events to the connections in a conversation room.
type Broadcaster interface {
	Broadcast(conversationID, event string, payload any)
}

// Agent is a simulated support agent.
type Agent struct {
	ID   string
	Name string
}

// DefaultAgents is the simulated agent pool.
var DefaultAgents = []Agent{
	{ID: "agent-ana", Name: "Ana"},
	{ID: "agent-ben", Name: "Ben"},
	{ID: "agent-chloe", Name: "Chloe"},
}

type conversation struct {
	tenantID string
	userID   string
	conv     model.Conversation
	machine  *session.Machine
	timer    *time.Timer
}

// ConversationService handles conversation operations.
type ConversationService struct {
	history    History
	events     Broadcaster
	logger     *logger.Logger
	queueDelay time.Duration
	agents     []Agent

	mu        sync.Mutex
	convs     map[string]*conversation
	nextAgent int
	closed    bool
}

// NewConversationService creates a new conversation service. Queued
// conversations get an agent after queueDelay; zero disables assignment.
func NewConversationService(history History, events Broadcaster, queueDelay time.Duration, log *logger.Logger) *ConversationService {
	return &ConversationService{
		history:    history,
		events:     events,
		logger:     logger.OrGlobal(log).Component("conversations"),
		queueDelay: queueDelay,
		agents:     DefaultAgents,
		convs:      make(map[string]*conversation),
	}
}

// Create opens a queued conversation for userID.
func (s *ConversationService) Create(ctx context.Context, tenantID, userID, chatbotID string) (model.Conversation, error) {
	now := time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return model.Conversation{}, ErrClosed
	}
	pos := s.queuedLocked(tenantID) + 1
	wait := time.Duration(pos) * s.queueDelay
	c := &conversation{
		tenantID: tenantID,
		userID:   userID,
		conv: model.Conversation{
			ID:            uuid.Must(uuid.NewV7()).String(),
			TenantID:      tenantID,
			ChatbotID:     chatbotID,
			SessionID:     userID,
			Status:        model.StatusQueued,
			QueuePosition: &pos,
			EstimatedWait: &wait,
			CreatedAt:     now,
			StatusSince:   now,
		},
	}
	c.machine = session.New(c.conv, s.logger)
	s.convs[c.conv.ID] = c
	if s.queueDelay > 0 {
		id := c.conv.ID
		c.timer = time.AfterFunc(time.Duration(pos)*s.queueDelay, func() {
			s.assign(context.Background(), tenantID, id)
		})
	}
	conv := c.conv.Clone()
	s.mu.Unlock()

	s.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("tenant_id", tenantID),
		zap.Int("queue_position", pos),
	)
	return conv, nil
}

// Ensure returns the newest open conversation of userID, creating one when
// there is none.
func (s *ConversationService) Ensure(ctx context.Context, tenantID, userID, chatbotID string) (model.Conversation, error) {
	s.mu.Lock()
	var newest *conversation
	for _, c := range s.convs {
		if c.tenantID != tenantID || c.userID != userID || c.conv.Status.Terminal() {
			continue
		}
		if newest == nil || c.conv.CreatedAt.After(newest.conv.CreatedAt) {
			newest = c
		}
	}
	if newest != nil {
		conv := newest.conv.Clone()
		s.mu.Unlock()
		return conv, nil
	}
	s.mu.Unlock()
	return s.Create(ctx, tenantID, userID, chatbotID)
}

// Get retrieves a conversation by ID.
func (s *ConversationService) Get(ctx context.Context, tenantID, conversationID string) (model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok || c.tenantID != tenantID {
		return model.Conversation{}, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return c.conv.Clone(), nil
}

// List returns a page of the tenant's conversations, newest first.
func (s *ConversationService) List(ctx context.Context, tenantID string, page, limit int) ([]model.Conversation, model.Pagination) {
	s.mu.Lock()
	var all []model.Conversation
	for _, c := range s.convs {
		if c.tenantID == tenantID {
			all = append(all, c.conv.Clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	if limit <= 0 {
		limit = defaultPageLimit
	}
	if page < 1 {
		page = 1
	}
	start, end := pageBounds(len(all), page, limit)
	return all[start:end], model.Pagination{
		Page:       page,
		Limit:      limit,
		Total:      len(all),
		TotalPages: (len(all) + limit - 1) / limit,
	}
}

// Apply runs a lifecycle event through the conversation's state machine and
// broadcasts it when accepted.
func (s *ConversationService) Apply(ctx context.Context, tenantID, conversationID string, ev model.LifecyclePayload) (model.Conversation, error) {
	ev.ConversationID = conversationID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	s.mu.Lock()
	c, ok := s.convs[conversationID]
	if !ok || c.tenantID != tenantID {
		s.mu.Unlock()
		return model.Conversation{}, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	changed, ok := s.applyLocked(c, ev)
	if !ok {
		state := c.conv.Status
		s.mu.Unlock()
		return model.Conversation{}, fmt.Errorf("%s in %s: %w", ev.Type, state, ErrInvalidTransition)
	}
	updates := []model.LifecyclePayload{ev}
	if changed.Status.Status != model.StatusQueued {
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		updates = append(updates, s.requeueLocked(tenantID)...)
	}
	conv := c.conv.Clone()
	s.mu.Unlock()

	for _, u := range updates {
		s.events.Broadcast(u.ConversationID, model.EventLifecycle, u)
	}
	return conv, nil
}

func (s *ConversationService) applyLocked(c *conversation, ev model.LifecyclePayload) (model.StatusChanged, bool) {
	for _, d := range c.machine.Apply(ev) {
		changed, ok := d.(model.StatusChanged)
		if !ok {
			continue
		}
		c.conv.Status = changed.Status.Status
		c.conv.AssignedAgentID = changed.Status.AgentID
		c.conv.AssignedAgentName = changed.Status.AgentName
		c.conv.QueuePosition = changed.Status.QueuePosition
		c.conv.EstimatedWait = changed.Status.EstimatedWait
		c.conv.Escalation = changed.Escalation
		c.conv.EndedAt = changed.EndedAt
		c.conv.StatusSince = changed.At
		return changed, true
	}
	return model.StatusChanged{}, false
}

// requeueLocked renumbers the tenant's queue and returns the QUEUE_UPDATE
// events for conversations whose position changed.
func (s *ConversationService) requeueLocked(tenantID string) []model.LifecyclePayload {
	var queued []*conversation
	for _, c := range s.convs {
		if c.tenantID == tenantID && c.conv.Status == model.StatusQueued {
			queued = append(queued, c)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		return queued[i].conv.CreatedAt.Before(queued[j].conv.CreatedAt)
	})

	var out []model.LifecyclePayload
	for i, c := range queued {
		pos := i + 1
		if c.conv.QueuePosition != nil && *c.conv.QueuePosition == pos {
			continue
		}
		wait := int((time.Duration(pos) * s.queueDelay).Seconds())
		ev := model.LifecyclePayload{
			ConversationID: c.conv.ID,
			Type:           model.LifecycleQueueUpdate,
			QueuePosition:  &pos,
			EstimatedWait:  &wait,
			Timestamp:      time.Now(),
		}
		if _, ok := s.applyLocked(c, ev); ok {
			out = append(out, ev)
		}
	}
	return out
}

func (s *ConversationService) queuedLocked(tenantID string) int {
	n := 0
	for _, c := range s.convs {
		if c.tenantID == tenantID && c.conv.Status == model.StatusQueued {
			n++
		}
	}
	return n
}

// assign hands a queued conversation to the next agent and greets the user.
func (s *ConversationService) assign(ctx context.Context, tenantID, conversationID string) {
	s.mu.Lock()
	if s.closed || len(s.agents) == 0 {
		s.mu.Unlock()
		return
	}
	agent := s.agents[s.nextAgent%len(s.agents)]
	s.nextAgent++
	s.mu.Unlock()

	if _, err := s.Apply(ctx, tenantID, conversationID, model.LifecyclePayload{
		Type:      model.LifecycleAgentAssigned,
		AgentID:   agent.ID,
		AgentName: agent.Name,
	}); err != nil {
		s.logger.Debug("agent assignment skipped", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}

	greeting := model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		Sender:         model.RoleAgent,
		SenderName:     agent.Name,
		Content:        fmt.Sprintf("Hi, I'm %s. How can I help you today?", agent.Name),
		Timestamp:      time.Now(),
		Status:         model.DeliveryStatus{Sent: true},
	}
	stored, err := s.history.Append(ctx, tenantID, greeting)
	if err != nil {
		s.logger.Warn("failed to store greeting", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	s.events.Broadcast(conversationID, model.EventMessage, stored.Payload())
}

// Roster returns the participants shown when a user joins a room.
func (s *ConversationService) Roster(ctx context.Context, tenantID, conversationID string, user model.Participant) ([]model.Participant, error) {
	conv, err := s.Get(ctx, tenantID, conversationID)
	if err != nil {
		return nil, err
	}
	out := []model.Participant{user.Online(true)}
	if conv.AssignedAgentID != "" {
		out = append(out, model.Participant{
			ID:   conv.AssignedAgentID,
			Name: conv.AssignedAgentName,
			Type: model.RoleAgent,
		}.Online(true))
	}
	return out, nil
}

// Close stops pending agent assignments.
func (s *ConversationService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, c := range s.convs {
		if c.timer != nil {
			c.timer.Stop()
		}
	}
}
