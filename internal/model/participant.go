package model

import (
	"time"
)

// Participant is someone taking part in a conversation.
type Participant struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     Role   `json:"type"`
	Avatar   string `json:"avatar,omitempty"`
	IsOnline *bool  `json:"isOnline,omitempty"`
}

// Clone returns a copy that does not share the IsOnline pointer.
func (p Participant) Clone() Participant {
	if p.IsOnline != nil {
		v := *p.IsOnline
		p.IsOnline = &v
	}
	return p
}

// Online returns a copy with IsOnline set.
func (p Participant) Online(v bool) Participant {
	p.IsOnline = &v
	return p
}

// TypingParticipant identifies a participant in a typing indicator.
type TypingParticipant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type Role   `json:"type"`
}

// TypingState is the derived typing indicator of a conversation.
type TypingState struct {
	ConversationID string              `json:"conversation_id"`
	IsTyping       bool                `json:"is_typing"`
	Participants   []TypingParticipant `json:"participants"`
	LastActivity   time.Time           `json:"last_activity"`
}
