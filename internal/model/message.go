package model

import (
	"time"
)

// Role is the kind of participant that sent a message.
type Role string

const (
	RoleUser   Role = "user"
	RoleAI     Role = "ai"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAI, RoleAgent, RoleSystem:
		return true
	}
	return false
}

// DeliveryStatus tracks delivery flags. Flags only ever go from false to true.
type DeliveryStatus struct {
	Sent      bool `json:"sent"`
	Delivered bool `json:"delivered"`
	Read      bool `json:"read"`
}

// Merge combines two statuses without ever clearing a flag. Read implies
// delivered, and delivered implies sent.
func (s DeliveryStatus) Merge(o DeliveryStatus) DeliveryStatus {
	out := DeliveryStatus{
		Sent:      s.Sent || o.Sent,
		Delivered: s.Delivered || o.Delivered,
		Read:      s.Read || o.Read,
	}
	if out.Read {
		out.Delivered = true
	}
	if out.Delivered {
		out.Sent = true
	}
	return out
}

// Message is a single chat message.
type Message struct {
	// Identity: ID is server-assigned; LocalID identifies an optimistic
	// message until it is confirmed.
	ID             string `json:"id,omitempty"`
	LocalID        string `json:"local_id,omitempty"`
	ConversationID string `json:"conversation_id"`

	Sender     Role   `json:"sender"`
	SenderName string `json:"sender_name,omitempty"`
	Content    string `json:"content"`

	Timestamp time.Time `json:"timestamp"`
	Sequence  uint64    `json:"sequence,omitempty"`

	Status        DeliveryStatus `json:"status"`
	IsOptimistic  bool           `json:"is_optimistic"`
	IsStreaming   bool           `json:"is_streaming"`
	Failed        bool           `json:"failed,omitempty"`
	Incomplete    bool           `json:"incomplete,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
}

// Key returns the server id when known, otherwise the local id.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.LocalID
}

// Before reports whether m sorts before o: by timestamp, then by server sequence.
func (m Message) Before(o Message) bool {
	if !m.Timestamp.Equal(o.Timestamp) {
		return m.Timestamp.Before(o.Timestamp)
	}
	return m.Sequence < o.Sequence
}

// MessagePayload is the wire and REST representation of a message.
type MessagePayload struct {
	LocalID        string          `json:"localId,omitempty"`
	MessageID      string          `json:"messageId,omitempty"`
	ConversationID string          `json:"conversationId"`
	Sender         Role            `json:"sender"`
	SenderName     string          `json:"senderName,omitempty"`
	Content        string          `json:"content"`
	Timestamp      time.Time       `json:"timestamp"`
	Sequence       uint64          `json:"sequence,omitempty"`
	Status         *DeliveryStatus `json:"status,omitempty"`
}

// ToMessage converts a confirmed payload into a Message. Messages that come
// from the server are always at least sent.
func (p MessagePayload) ToMessage() Message {
	m := Message{
		ID:             p.MessageID,
		LocalID:        p.LocalID,
		ConversationID: p.ConversationID,
		Sender:         p.Sender,
		SenderName:     p.SenderName,
		Content:        p.Content,
		Timestamp:      p.Timestamp,
		Sequence:       p.Sequence,
		Status:         DeliveryStatus{Sent: true},
	}
	if p.Status != nil {
		m.Status = m.Status.Merge(*p.Status)
	}
	return m
}

// Payload converts a Message into its wire representation.
func (m Message) Payload() MessagePayload {
	st := m.Status
	return MessagePayload{
		LocalID:        m.LocalID,
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		Sender:         m.Sender,
		SenderName:     m.SenderName,
		Content:        m.Content,
		Timestamp:      m.Timestamp,
		Sequence:       m.Sequence,
		Status:         &st,
	}
}
