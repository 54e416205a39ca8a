package model

import (
	"time"
)

// Wire event names.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"

	EventAuthenticate  = "user.authenticate"
	EventAuthenticated = "user.authenticated"

	EventRoomJoin  = "room.join"
	EventRoomLeave = "room.leave"

	EventUserConnected    = "user.connected"
	EventUserDisconnected = "user.disconnected"
	EventShowRoom         = "show.room"
	EventUserRoom         = "user.room"

	EventMessage        = "message"
	EventMessageAck     = "message.ack"
	EventMessageReceipt = "message.receipt"
	EventMessageRead    = "message.read"

	EventTypingStart = "typing.start"
	EventTypingStop  = "typing.stop"

	EventStreamStart = "stream.start"
	EventStreamChunk = "stream.chunk"
	EventStreamEnd   = "stream.end"
	EventStreamError = "stream.error"

	EventLifecycle = "conversation.lifecycle"
)

// LifecycleType is the kind of lifecycle event.
type LifecycleType string

const (
	LifecycleAgentAssigned LifecycleType = "AGENT_ASSIGNED"
	LifecycleQueueUpdate   LifecycleType = "QUEUE_UPDATE"
	LifecycleEscalate      LifecycleType = "ESCALATE"
	LifecycleEnd           LifecycleType = "END"
	LifecycleArchive       LifecycleType = "ARCHIVE"
	LifecycleError         LifecycleType = "ERROR"
	LifecycleTimeout       LifecycleType = "TIMEOUT"

	// LifecycleSync marks a status adopted from a server snapshot after a
	// reconnect. It is never sent on the wire.
	LifecycleSync LifecycleType = "SYNC"
)

// AuthenticatePayload is sent before joining any room.
type AuthenticatePayload struct {
	Token     string `json:"token"`
	TenantID  string `json:"tenantId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// AuthenticatedPayload answers AuthenticatePayload.
type AuthenticatedPayload struct {
	Success bool   `json:"success"`
	UserID  string `json:"userId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ConnectionPayload accompanies the connect, disconnect and connect_error
// events synthesised by the transport.
type ConnectionPayload struct {
	UserID string `json:"userId,omitempty"`
	Error  string `json:"error,omitempty"`
}

// RoomPayload joins or leaves a conversation room.
type RoomPayload struct {
	ConversationID string `json:"conversationId"`
}

// PresencePayload announces a participant connecting or disconnecting.
type PresencePayload struct {
	ConversationID string      `json:"conversationId"`
	Participant    Participant `json:"participant"`
}

// RosterPayload is a room membership snapshot.
type RosterPayload struct {
	ConversationID string        `json:"conversationId"`
	Participants   []Participant `json:"participants"`
}

// ReceiptPayload updates delivery flags of a confirmed message.
type ReceiptPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Delivered      bool   `json:"delivered"`
	Read           bool   `json:"read"`
}

// ReadPayload marks messages as read by the local user.
type ReadPayload struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

// TypingPayload starts or stops a typing indicator.
type TypingPayload struct {
	ConversationID string            `json:"conversationId"`
	Participant    TypingParticipant `json:"participant"`
}

// StreamStartPayload opens a streamed message.
type StreamStartPayload struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	Sender         Role      `json:"sender"`
	SenderName     string    `json:"senderName,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// StreamChunkPayload carries one chunk of a streamed message.
type StreamChunkPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Seq            int    `json:"seq"`
	Text           string `json:"text"`
}

// StreamEndPayload closes a streamed message. LastSeq, when set, is the
// sequence number of the final chunk.
type StreamEndPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	LastSeq        *int   `json:"lastSeq,omitempty"`
}

// StreamErrorPayload aborts a streamed message.
type StreamErrorPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Error          string `json:"error"`
}

// LifecyclePayload is a conversation lifecycle event.
type LifecyclePayload struct {
	ConversationID string        `json:"conversationId"`
	Type           LifecycleType `json:"type"`
	AgentID        string        `json:"agentId,omitempty"`
	AgentName      string        `json:"agentName,omitempty"`
	QueuePosition  *int          `json:"queuePosition,omitempty"`
	EstimatedWait  *int          `json:"estimatedWait,omitempty"` // seconds
	Reason         string        `json:"reason,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
}
