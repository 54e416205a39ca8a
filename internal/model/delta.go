package model

import (
	"time"
)

// DeltaKind names a delta for logging, metrics and the update stream.
type DeltaKind string

const (
	KindConversationLoaded DeltaKind = "conversation_loaded"
	KindMessagesLoaded     DeltaKind = "messages_loaded"
	KindStatusChanged      DeltaKind = "status_changed"
	KindOptimistic         DeltaKind = "optimistic_appended"
	KindConfirmed          DeltaKind = "message_confirmed"
	KindFailed             DeltaKind = "message_failed"
	KindRetried            DeltaKind = "message_retried"
	KindReceived           DeltaKind = "message_received"
	KindReceipt            DeltaKind = "receipt_applied"
	KindStreamStarted      DeltaKind = "stream_started"
	KindStreamAppended     DeltaKind = "stream_appended"
	KindStreamFinished     DeltaKind = "stream_finished"
	KindStreamAborted      DeltaKind = "stream_aborted"
	KindTyping             DeltaKind = "typing_changed"
	KindParticipantJoined  DeltaKind = "participant_joined"
	KindParticipantLeft    DeltaKind = "participant_left"
	KindRoster             DeltaKind = "roster_updated"
	KindConnection         DeltaKind = "connection_changed"
	KindWarning            DeltaKind = "warning"
)

// Delta is a one-way change emitted by an upstream component and applied by
// the conversation store.
type Delta interface {
	Conversation() string
	Kind() DeltaKind
}

// ConversationLoaded installs or refreshes a conversation from a snapshot.
// Messages already held by the store are kept.
type ConversationLoaded struct {
	Snapshot Conversation
}

func (d ConversationLoaded) Conversation() string { return d.Snapshot.ID }
func (d ConversationLoaded) Kind() DeltaKind      { return KindConversationLoaded }

// MessagesLoaded merges fetched history into a conversation.
type MessagesLoaded struct {
	ConversationID string
	Messages       []Message
}

func (d MessagesLoaded) Conversation() string { return d.ConversationID }
func (d MessagesLoaded) Kind() DeltaKind      { return KindMessagesLoaded }

// StatusChanged carries the complete lifecycle projection after a transition.
type StatusChanged struct {
	ConversationID string
	Event          LifecycleType
	Status         ConversationStatus
	Escalation     *Escalation
	EndedAt        *time.Time
	At             time.Time
}

func (d StatusChanged) Conversation() string { return d.ConversationID }
func (d StatusChanged) Kind() DeltaKind      { return KindStatusChanged }

// OptimisticAppended appends a locally created message.
type OptimisticAppended struct {
	Message Message
}

func (d OptimisticAppended) Conversation() string { return d.Message.ConversationID }
func (d OptimisticAppended) Kind() DeltaKind      { return KindOptimistic }

// MessageConfirmed promotes an optimistic message in place.
type MessageConfirmed struct {
	ConversationID string
	LocalID        string
	MessageID      string
	Timestamp      time.Time
	Sequence       uint64
}

func (d MessageConfirmed) Conversation() string { return d.ConversationID }
func (d MessageConfirmed) Kind() DeltaKind      { return KindConfirmed }

// MessageFailed marks an optimistic message as permanently unsent.
type MessageFailed struct {
	ConversationID string
	LocalID        string
	Reason         string
}

func (d MessageFailed) Conversation() string { return d.ConversationID }
func (d MessageFailed) Kind() DeltaKind      { return KindFailed }

// MessageRetried replaces a failed message with a fresh optimistic one.
type MessageRetried struct {
	ConversationID string
	FailedLocalID  string
	Message        Message
}

func (d MessageRetried) Conversation() string { return d.ConversationID }
func (d MessageRetried) Kind() DeltaKind      { return KindRetried }

// MessageReceived inserts a confirmed message sent by someone else.
type MessageReceived struct {
	Message Message
}

func (d MessageReceived) Conversation() string { return d.Message.ConversationID }
func (d MessageReceived) Kind() DeltaKind      { return KindReceived }

// ReceiptApplied merges delivery flags into a confirmed message.
type ReceiptApplied struct {
	ConversationID string
	MessageID      string
	Status         DeliveryStatus
}

func (d ReceiptApplied) Conversation() string { return d.ConversationID }
func (d ReceiptApplied) Kind() DeltaKind      { return KindReceipt }

// StreamStarted inserts an empty streaming message.
type StreamStarted struct {
	Message Message
}

func (d StreamStarted) Conversation() string { return d.Message.ConversationID }
func (d StreamStarted) Kind() DeltaKind      { return KindStreamStarted }

// StreamAppended appends in-order text to a streaming message.
type StreamAppended struct {
	ConversationID string
	MessageID      string
	Text           string
}

func (d StreamAppended) Conversation() string { return d.ConversationID }
func (d StreamAppended) Kind() DeltaKind      { return KindStreamAppended }

// StreamFinished finalises a streaming message.
type StreamFinished struct {
	ConversationID string
	MessageID      string
	Incomplete     bool
}

func (d StreamFinished) Conversation() string { return d.ConversationID }
func (d StreamFinished) Kind() DeltaKind      { return KindStreamFinished }

// StreamAborted stops a streaming message, keeping its partial content.
type StreamAborted struct {
	ConversationID string
	MessageID      string
	Reason         string
}

func (d StreamAborted) Conversation() string { return d.ConversationID }
func (d StreamAborted) Kind() DeltaKind      { return KindStreamAborted }

// TypingChanged replaces the typing state of a conversation.
type TypingChanged struct {
	State TypingState
}

func (d TypingChanged) Conversation() string { return d.State.ConversationID }
func (d TypingChanged) Kind() DeltaKind      { return KindTyping }

// ParticipantJoined adds or refreshes a participant.
type ParticipantJoined struct {
	ConversationID string
	Participant    Participant
}

func (d ParticipantJoined) Conversation() string { return d.ConversationID }
func (d ParticipantJoined) Kind() DeltaKind      { return KindParticipantJoined }

// ParticipantLeft removes a participant after an explicit departure.
type ParticipantLeft struct {
	ConversationID string
	ParticipantID  string
}

func (d ParticipantLeft) Conversation() string { return d.ConversationID }
func (d ParticipantLeft) Kind() DeltaKind      { return KindParticipantLeft }

// RosterUpdated upserts a room membership snapshot. Participants missing
// from the snapshot are kept.
type RosterUpdated struct {
	ConversationID string
	Participants   []Participant
}

func (d RosterUpdated) Conversation() string { return d.ConversationID }
func (d RosterUpdated) Kind() DeltaKind      { return KindRoster }

// ConnectionChanged reports the transport state. It is not bound to a
// conversation.
type ConnectionChanged struct {
	Connected    bool
	Reconnecting bool
	Error        string
}

func (d ConnectionChanged) Conversation() string { return "" }
func (d ConnectionChanged) Kind() DeltaKind      { return KindConnection }

// Warning surfaces a non-fatal problem to the UI.
type Warning struct {
	ConversationID string
	Source         string
	Message        string
	At             time.Time
}

func (d Warning) Conversation() string { return d.ConversationID }
func (d Warning) Kind() DeltaKind      { return KindWarning }
