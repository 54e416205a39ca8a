// Package model defines data structures for the support session engine.
package model

import (
	"time"
)

// Status is a conversation lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusEscalated Status = "escalated"
	StatusResolved  Status = "resolved"
	StatusClosed    Status = "closed"
)

// ParseStatus maps a wire status to a Status. "ended" is accepted as resolved.
func ParseStatus(s string) (Status, bool) {
	switch s {
	case "queued":
		return StatusQueued, true
	case "active":
		return StatusActive, true
	case "escalated":
		return StatusEscalated, true
	case "resolved", "ended":
		return StatusResolved, true
	case "closed":
		return StatusClosed, true
	}
	return "", false
}

// Terminal reports whether no further lifecycle transitions are accepted
// (apart from archiving a resolved conversation).
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusClosed
}

// HasAgent reports whether a conversation in this state may carry an agent.
func (s Status) HasAgent() bool {
	return s == StatusActive || s == StatusEscalated
}

// Escalation records why and when a conversation was escalated.
type Escalation struct {
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Metrics holds per-conversation counters.
type Metrics struct {
	UserMessages   int           `json:"user_messages"`
	AIMessages     int           `json:"ai_messages"`
	AgentMessages  int           `json:"agent_messages"`
	SystemMessages int           `json:"system_messages"`
	QueueTime      time.Duration `json:"queue_time"`
	HandleTime     time.Duration `json:"handle_time"`
}

// Count increments the counter for a sender role.
func (m *Metrics) Count(role Role) {
	switch role {
	case RoleUser:
		m.UserMessages++
	case RoleAI:
		m.AIMessages++
	case RoleAgent:
		m.AgentMessages++
	case RoleSystem:
		m.SystemMessages++
	}
}

// Total returns the number of counted messages.
func (m Metrics) Total() int {
	return m.UserMessages + m.AIMessages + m.AgentMessages + m.SystemMessages
}

// Conversation is one support chat session.
type Conversation struct {
	ID                string         `json:"id"`
	TenantID          string         `json:"tenant_id"`
	ChatbotID         string         `json:"chatbot_id"`
	SessionID         string         `json:"session_id"`
	Status            Status         `json:"status"`
	AssignedAgentID   string         `json:"assigned_agent_id,omitempty"`
	AssignedAgentName string         `json:"assigned_agent_name,omitempty"`
	QueuePosition     *int           `json:"queue_position,omitempty"`
	EstimatedWait     *time.Duration `json:"estimated_wait,omitempty"`
	Escalation        *Escalation    `json:"escalation,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	StatusSince       time.Time      `json:"status_since"`
	EndedAt           *time.Time     `json:"ended_at,omitempty"`
	Messages          []Message      `json:"messages"`
	Metrics           Metrics        `json:"metrics"`
	Participants      []Participant  `json:"participants,omitempty"`
}

// DefaultQueuePosition is assumed for a queued conversation whose snapshot
// does not report its place in the queue.
const DefaultQueuePosition = 1

// MissingQueueFields reports whether a queued conversation lacks its queue
// position or estimated wait.
func (c Conversation) MissingQueueFields() bool {
	return c.Status == StatusQueued && (c.QueuePosition == nil || c.EstimatedWait == nil)
}

// Normalize enforces the status invariants: queue fields exist exactly while
// queued, and an agent exists only while active or escalated. Missing queue
// fields default to DefaultQueuePosition and a zero wait.
func (c *Conversation) Normalize() {
	if c.Status == "" {
		c.Status = StatusQueued
	}
	if c.Status != StatusQueued {
		c.QueuePosition = nil
		c.EstimatedWait = nil
	} else {
		if c.QueuePosition == nil {
			p := DefaultQueuePosition
			c.QueuePosition = &p
		}
		if c.EstimatedWait == nil {
			var w time.Duration
			c.EstimatedWait = &w
		}
	}
	if !c.Status.HasAgent() {
		c.AssignedAgentID = ""
		c.AssignedAgentName = ""
	}
}

// StatusView returns the lightweight status projection.
func (c Conversation) StatusView() ConversationStatus {
	v := ConversationStatus{
		Status:    c.Status,
		AgentID:   c.AssignedAgentID,
		AgentName: c.AssignedAgentName,
	}
	if c.QueuePosition != nil {
		p := *c.QueuePosition
		v.QueuePosition = &p
	}
	if c.EstimatedWait != nil {
		w := *c.EstimatedWait
		v.EstimatedWait = &w
	}
	return v
}

// Clone returns a deep copy safe to hand to readers.
func (c Conversation) Clone() Conversation {
	out := c
	if c.QueuePosition != nil {
		p := *c.QueuePosition
		out.QueuePosition = &p
	}
	if c.EstimatedWait != nil {
		w := *c.EstimatedWait
		out.EstimatedWait = &w
	}
	if c.Escalation != nil {
		e := *c.Escalation
		out.Escalation = &e
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		out.EndedAt = &t
	}
	out.Messages = append([]Message(nil), c.Messages...)
	out.Participants = make([]Participant, len(c.Participants))
	for i, p := range c.Participants {
		out.Participants[i] = p.Clone()
	}
	return out
}

// ConversationStatus is a read-only projection of a Conversation's lifecycle.
type ConversationStatus struct {
	Status        Status         `json:"status"`
	AgentID       string         `json:"agent_id,omitempty"`
	AgentName     string         `json:"agent_name,omitempty"`
	QueuePosition *int           `json:"queue_position,omitempty"`
	EstimatedWait *time.Duration `json:"estimated_wait,omitempty"`
}

// Equal reports whether two projections carry the same values.
func (s ConversationStatus) Equal(o ConversationStatus) bool {
	return s.Status == o.Status &&
		s.AgentID == o.AgentID &&
		s.AgentName == o.AgentName &&
		equalPtr(s.QueuePosition, o.QueuePosition) &&
		equalPtr(s.EstimatedWait, o.EstimatedWait)
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// ConversationSnapshot is the REST representation of a conversation.
type ConversationSnapshot struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenantId"`
	ChatbotID         string    `json:"chatbotId"`
	SessionID         string    `json:"sessionId"`
	Status            string    `json:"status"`
	AssignedAgentID   string    `json:"assignedAgentId,omitempty"`
	AssignedAgentName string    `json:"assignedAgentName,omitempty"`
	QueuePosition     *int      `json:"queuePosition,omitempty"`
	EstimatedWait     *int      `json:"estimatedWait,omitempty"` // seconds
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// ToConversation converts a snapshot into a Conversation as reported by the
// server; callers normalise it. An unrecognised status is treated as queued.
func (s ConversationSnapshot) ToConversation() Conversation {
	status, ok := ParseStatus(s.Status)
	if !ok {
		status = StatusQueued
	}
	c := Conversation{
		ID:                s.ID,
		TenantID:          s.TenantID,
		ChatbotID:         s.ChatbotID,
		SessionID:         s.SessionID,
		Status:            status,
		AssignedAgentID:   s.AssignedAgentID,
		AssignedAgentName: s.AssignedAgentName,
		CreatedAt:         s.CreatedAt,
		StatusSince:       s.UpdatedAt,
	}
	if s.QueuePosition != nil {
		p := *s.QueuePosition
		c.QueuePosition = &p
	}
	if s.EstimatedWait != nil {
		w := time.Duration(*s.EstimatedWait) * time.Second
		c.EstimatedWait = &w
	}
	return c
}

// Snapshot converts a Conversation into its REST representation.
func (c Conversation) Snapshot() ConversationSnapshot {
	s := ConversationSnapshot{
		ID:                c.ID,
		TenantID:          c.TenantID,
		ChatbotID:         c.ChatbotID,
		SessionID:         c.SessionID,
		Status:            string(c.Status),
		AssignedAgentID:   c.AssignedAgentID,
		AssignedAgentName: c.AssignedAgentName,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.StatusSince,
	}
	if c.QueuePosition != nil {
		p := *c.QueuePosition
		s.QueuePosition = &p
	}
	if c.EstimatedWait != nil {
		w := int(c.EstimatedWait.Seconds())
		s.EstimatedWait = &w
	}
	return s
}

// Pagination is the REST pagination envelope.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// ListConversationsResponse is the REST response for listing conversations.
type ListConversationsResponse struct {
	Success       bool                   `json:"success"`
	Error         string                 `json:"error,omitempty"`
	Conversations []ConversationSnapshot `json:"conversations"`
	Pagination    Pagination             `json:"pagination"`
}

// ListMessagesResponse is the REST response for listing messages.
type ListMessagesResponse struct {
	Success    bool             `json:"success"`
	Error      string           `json:"error,omitempty"`
	Messages   []MessagePayload `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}
