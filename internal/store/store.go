// Package store is the conversation aggregate the UI reads from.
//
// All mutation goes through Apply, which the engine calls from its loop with
// deltas emitted by the session, reconcile and presence components. Readers
// on other goroutines get copies under a read lock. User actions are
// forwarded to the engine through the Outbound port.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-session/internal/model"
	"github.com/capitalize-ai/support-session/pkg/logger"
	"github.com/capitalize-ai/support-session/pkg/metrics"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationClosed   = errors.New("conversation is closed")
	ErrMessageNotFailed     = errors.New("message is not failed")
	ErrInvalidContent       = errors.New("invalid message content")
)

const defaultTypingThrottle = 2 * time.Second

// Update kinds for user actions that change store state without a delta.
const (
	KindSelected model.DeltaKind = "selected"
	KindRead     model.DeltaKind = "read"
)

// Outbound carries user actions from the store to the engine.
type Outbound interface {
	Activate(conversationID string)
	Deactivate(conversationID string)
	SendMessage(conversationID string, sender model.Role, senderName, content string) (string, error)
	RetryMessage(conversationID, localID string) (string, error)
	MarkRead(conversationID string, messageIDs []string) error
	NotifyTyping(conversationID string) error
}

// Summary is one row of the conversation list.
type Summary struct {
	ID           string         `json:"id"`
	Status       model.Status   `json:"status"`
	AgentName    string         `json:"agent_name,omitempty"`
	Unread       int            `json:"unread"`
	Notify       bool           `json:"notify"`
	Selected     bool           `json:"selected"`
	IsTyping     bool           `json:"is_typing"`
	LastMessage  *model.Message `json:"last_message,omitempty"`
	LastActivity time.Time      `json:"last_activity"`
	Warning      string         `json:"warning,omitempty"`
}

// Connection is the transport state shown to the user.
type Connection struct {
	Connected    bool      `json:"connected"`
	Reconnecting bool      `json:"reconnecting"`
	Warning      string    `json:"warning,omitempty"`
	WarningAt    time.Time `json:"warning_at,omitempty"`
}

type entry struct {
	conv         model.Conversation
	typing       model.TypingState
	unread       int
	notify       bool
	readSent     map[string]bool
	lastActivity time.Time
	warning      string
}

// Store holds every conversation of the session.
type Store struct {
	out Outbound
	log *logger.Logger
	now func() time.Time

	mu       sync.RWMutex
	convs    map[string]*entry
	selected string
	conn     Connection
	seq      uint64

	typingMu       sync.Mutex
	typingThrottle time.Duration
	lastTyping     map[string]time.Time

	updates *broadcaster
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithTypingThrottle sets the minimum interval between outbound typing
// notifications per conversation.
func WithTypingThrottle(d time.Duration) Option {
	return func(s *Store) {
		s.typingThrottle = d
	}
}

// New creates an empty store forwarding user actions to out.
func New(out Outbound, log *logger.Logger, opts ...Option) *Store {
	l := logger.OrGlobal(log).Component("store")
	s := &Store{
		out:            out,
		log:            l,
		now:            time.Now,
		convs:          make(map[string]*entry),
		typingThrottle: defaultTypingThrottle,
		lastTyping:     make(map[string]time.Time),
		updates:        newBroadcaster(l),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SelectConversation makes id the selected conversation. The previous one is
// torn down and the new one initialised by the engine.
func (s *Store) SelectConversation(id string) error {
	if err := ValidateConversationID(id); err != nil {
		return err
	}
	s.mu.Lock()
	e, ok := s.convs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("select %s: %w", id, ErrConversationNotFound)
	}
	prev := s.selected
	s.selected = id
	e.unread = 0
	e.notify = false
	s.updates.publish(s.nextUpdate(id, KindSelected))
	s.mu.Unlock()

	if prev == id {
		return nil
	}
	if prev != "" {
		s.out.Deactivate(prev)
	}
	s.out.Activate(id)
	return nil
}

// AppendOptimisticMessage sends a message as the local user and returns its
// local id. The message is visible immediately; if the transport rejects it
// the message is already marked failed and the error is returned alongside
// the local id.
func (s *Store) AppendOptimisticMessage(conversationID, content string, sender model.Role, senderName string) (string, error) {
	if sender == "" {
		sender = model.RoleUser
	}
	if err := ValidateSender(sender); err != nil {
		return "", err
	}
	if err := ValidateMessageContent(content); err != nil {
		return "", err
	}
	if err := s.checkWritable(conversationID); err != nil {
		return "", err
	}
	return s.out.SendMessage(conversationID, sender, senderName, content)
}

// RetryMessage resends a failed message under a new local id.
func (s *Store) RetryMessage(conversationID, localID string) (string, error) {
	if err := s.checkWritable(conversationID); err != nil {
		return "", err
	}
	s.mu.RLock()
	failed := false
	found := false
	for _, m := range s.convs[conversationID].conv.Messages {
		if m.LocalID == localID && m.ID == "" {
			found = true
			failed = m.Failed
			break
		}
	}
	s.mu.RUnlock()
	if !found || !failed {
		return "", fmt.Errorf("retry %s: %w", localID, ErrMessageNotFailed)
	}
	return s.out.RetryMessage(conversationID, localID)
}

func (s *Store) checkWritable(conversationID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.convs[conversationID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrConversationNotFound)
	}
	if e.conv.Status.Terminal() {
		return fmt.Errorf("conversation %s is %s: %w", conversationID, e.conv.Status, ErrConversationClosed)
	}
	return nil
}

// MarkRead resets the unread count and reports the unread messages of other
// participants as read.
func (s *Store) MarkRead(conversationID string) error {
	s.mu.Lock()
	e, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("mark read %s: %w", conversationID, ErrConversationNotFound)
	}
	e.unread = 0
	e.notify = false
	var ids []string
	for _, m := range e.conv.Messages {
		if m.Sender == model.RoleUser || m.ID == "" || m.Status.Read || e.readSent[m.ID] {
			continue
		}
		ids = append(ids, m.ID)
	}
	s.updates.publish(s.nextUpdate(conversationID, KindRead))
	s.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	if err := s.out.MarkRead(conversationID, ids); err != nil {
		return err
	}

	// Only ids the transport accepted count as reported.
	s.mu.Lock()
	if e, ok := s.convs[conversationID]; ok {
		for _, id := range ids {
			e.readSent[id] = true
		}
	}
	s.mu.Unlock()
	return nil
}

// NotifyTyping tells other participants that the local user is typing.
// Calls within the throttle interval are coalesced.
func (s *Store) NotifyTyping(conversationID string) error {
	if err := s.checkWritable(conversationID); err != nil {
		return err
	}
	now := s.now()
	s.typingMu.Lock()
	if last, ok := s.lastTyping[conversationID]; ok && now.Sub(last) < s.typingThrottle {
		s.typingMu.Unlock()
		return nil
	}
	s.lastTyping[conversationID] = now
	s.typingMu.Unlock()
	return s.out.NotifyTyping(conversationID)
}

// GetStatus returns the status projection of a conversation.
func (s *Store) GetStatus(id string) (model.ConversationStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.convs[id]
	if !ok {
		return model.ConversationStatus{}, false
	}
	return e.conv.StatusView(), true
}

// GetTypingState returns the typing indicator of a conversation.
func (s *Store) GetTypingState(id string) model.TypingState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.convs[id]
	if !ok {
		return model.TypingState{ConversationID: id}
	}
	st := e.typing
	st.Participants = append([]model.TypingParticipant(nil), e.typing.Participants...)
	return st
}

// Conversation returns a copy of a conversation.
func (s *Store) Conversation(id string) (model.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.convs[id]
	if !ok {
		return model.Conversation{}, false
	}
	return e.conv.Clone(), true
}

// Messages returns a copy of a conversation's ordered messages.
func (s *Store) Messages(id string) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.convs[id]
	if !ok {
		return nil
	}
	return append([]model.Message(nil), e.conv.Messages...)
}

// List returns conversation summaries, most recent activity first.
func (s *Store) List() []Summary {
	s.mu.RLock()
	out := make([]Summary, 0, len(s.convs))
	for id, e := range s.convs {
		sum := Summary{
			ID:           id,
			Status:       e.conv.Status,
			AgentName:    e.conv.AssignedAgentName,
			Unread:       e.unread,
			Notify:       e.notify,
			Selected:     id == s.selected,
			IsTyping:     e.typing.IsTyping,
			LastActivity: e.lastActivity,
			Warning:      e.warning,
		}
		if n := len(e.conv.Messages); n > 0 {
			last := e.conv.Messages[n-1]
			sum.LastMessage = &last
		}
		out = append(out, sum)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Selected returns the selected conversation id, or "".
func (s *Store) Selected() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

// Connection returns the transport state.
func (s *Store) Connection() Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// Apply applies one delta. It must only be called from the engine loop.
func (s *Store) Apply(d model.Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.apply(d) {
		return
	}
	metrics.StoreUpdates.WithLabelValues(string(d.Kind())).Inc()
	metrics.ConversationsActive.Set(float64(s.openLocked()))
	// Publishing under the lock keeps Seq order on every subscriber.
	s.updates.publish(s.nextUpdate(d.Conversation(), d.Kind()))
}

func (s *Store) nextUpdate(conversationID string, kind model.DeltaKind) Update {
	s.seq++
	return Update{Seq: s.seq, ConversationID: conversationID, Kind: kind, At: s.now()}
}

func (s *Store) openLocked() int {
	n := 0
	for _, e := range s.convs {
		if !e.conv.Status.Terminal() {
			n++
		}
	}
	return n
}

// apply reports whether the delta changed anything.
func (s *Store) apply(d model.Delta) bool {
	switch v := d.(type) {
	case model.ConversationLoaded:
		s.loadConversation(v.Snapshot)
		return true
	case model.ConnectionChanged:
		s.conn.Connected = v.Connected
		s.conn.Reconnecting = v.Reconnecting
		if v.Error != "" {
			s.conn.Warning = v.Error
			s.conn.WarningAt = s.now()
		} else if v.Connected {
			s.conn.Warning = ""
			s.conn.WarningAt = time.Time{}
		}
		return true
	case model.Warning:
		if v.ConversationID == "" {
			s.conn.Warning = v.Message
			s.conn.WarningAt = v.At
			return true
		}
	}

	e, ok := s.convs[d.Conversation()]
	if !ok {
		s.log.Debug("delta for unknown conversation dropped",
			zap.String("conversation_id", d.Conversation()),
			zap.String("kind", string(d.Kind())),
		)
		return false
	}

	switch v := d.(type) {
	case model.MessagesLoaded:
		for _, m := range v.Messages {
			s.upsert(e, m)
		}
	case model.StatusChanged:
		s.changeStatus(e, v)
	case model.OptimisticAppended:
		e.insert(v.Message)
		e.conv.Metrics.Count(v.Message.Sender)
		e.touch(v.Message.Timestamp)
	case model.MessageConfirmed:
		i := e.indexByLocal(v.LocalID)
		if i < 0 {
			return false
		}
		if j := e.indexByID(v.MessageID); j >= 0 && j != i {
			e.remove(j)
			i = e.indexByLocal(v.LocalID)
		}
		m := &e.conv.Messages[i]
		m.ID = v.MessageID
		m.IsOptimistic = false
		m.Failed = false
		m.FailureReason = ""
		m.Status = m.Status.Merge(model.DeliveryStatus{Sent: true})
		m.Sequence = v.Sequence
		if !v.Timestamp.IsZero() {
			m.Timestamp = v.Timestamp
		}
	case model.MessageFailed:
		i := e.indexByLocal(v.LocalID)
		if i < 0 {
			return false
		}
		m := &e.conv.Messages[i]
		m.Failed = true
		m.FailureReason = v.Reason
		m.Status.Sent = false
	case model.MessageRetried:
		i := e.indexByLocal(v.FailedLocalID)
		if i < 0 {
			return false
		}
		e.conv.Messages[i] = v.Message
	case model.MessageReceived:
		if s.upsert(e, v.Message) {
			s.raiseUnread(e, v.Message)
		}
	case model.ReceiptApplied:
		i := e.indexByID(v.MessageID)
		if i < 0 {
			return false
		}
		e.conv.Messages[i].Status = e.conv.Messages[i].Status.Merge(v.Status)
	case model.StreamStarted:
		if s.upsert(e, v.Message) {
			s.raiseUnread(e, v.Message)
		}
	case model.StreamAppended:
		i := e.indexByID(v.MessageID)
		if i < 0 {
			return false
		}
		e.conv.Messages[i].Content += v.Text
		e.touch(s.now())
	case model.StreamFinished:
		i := e.indexByID(v.MessageID)
		if i < 0 {
			return false
		}
		m := &e.conv.Messages[i]
		m.IsStreaming = false
		m.Incomplete = v.Incomplete
		m.Status = m.Status.Merge(model.DeliveryStatus{Sent: true})
	case model.StreamAborted:
		i := e.indexByID(v.MessageID)
		if i < 0 {
			return false
		}
		m := &e.conv.Messages[i]
		m.IsStreaming = false
		m.Incomplete = true
		m.Failed = true
		m.FailureReason = v.Reason
	case model.TypingChanged:
		e.typing = v.State
	case model.ParticipantJoined:
		e.upsertParticipant(v.Participant)
	case model.ParticipantLeft:
		e.removeParticipant(v.ParticipantID)
	case model.RosterUpdated:
		for _, p := range v.Participants {
			e.upsertParticipant(p)
		}
	case model.Warning:
		e.warning = v.Message
	default:
		s.log.Warn("unhandled delta", zap.String("kind", string(d.Kind())))
		return false
	}
	return true
}

func (s *Store) loadConversation(snap model.Conversation) {
	snap.Normalize()
	e, ok := s.convs[snap.ID]
	if !ok {
		e = &entry{readSent: make(map[string]bool)}
		s.convs[snap.ID] = e
		e.conv = snap
		e.conv.Messages = nil
		e.conv.Participants = nil
		for _, m := range snap.Messages {
			e.insert(m)
		}
		for _, p := range snap.Participants {
			e.upsertParticipant(p)
		}
		e.typing = model.TypingState{ConversationID: snap.ID}
	} else {
		messages, participants, counts := e.conv.Messages, e.conv.Participants, e.conv.Metrics
		e.conv = snap
		e.conv.Messages, e.conv.Participants, e.conv.Metrics = messages, participants, counts
		for _, m := range snap.Messages {
			e.upsertMessage(m)
		}
	}
	if e.conv.AssignedAgentID != "" {
		e.upsertParticipant(model.Participant{ID: e.conv.AssignedAgentID, Name: e.conv.AssignedAgentName, Type: model.RoleAgent})
	}
	e.touch(snap.CreatedAt)
	e.touch(snap.StatusSince)
}

func (s *Store) changeStatus(e *entry, v model.StatusChanged) {
	c := &e.conv
	prev := c.Status
	if v.Status.Status != prev {
		elapsed := v.At.Sub(c.StatusSince)
		if !c.StatusSince.IsZero() && elapsed > 0 {
			if prev == model.StatusQueued {
				c.Metrics.QueueTime += elapsed
			}
			if prev.HasAgent() {
				c.Metrics.HandleTime += elapsed
			}
		}
		c.StatusSince = v.At
	}
	c.Status = v.Status.Status
	c.AssignedAgentID = v.Status.AgentID
	c.AssignedAgentName = v.Status.AgentName
	c.QueuePosition = v.Status.QueuePosition
	c.EstimatedWait = v.Status.EstimatedWait
	if v.Escalation != nil {
		esc := *v.Escalation
		c.Escalation = &esc
	}
	if v.EndedAt != nil {
		t := *v.EndedAt
		c.EndedAt = &t
	}
	c.Normalize()
	if c.AssignedAgentID != "" {
		e.upsertParticipant(model.Participant{ID: c.AssignedAgentID, Name: c.AssignedAgentName, Type: model.RoleAgent})
	}
	e.touch(v.At)
}

// upsert inserts a confirmed message or merges it into an existing entry.
// It reports whether the message was new.
func (s *Store) upsert(e *entry, m model.Message) bool {
	e.touch(m.Timestamp)
	if e.upsertMessage(m) {
		return false
	}
	e.conv.Metrics.Count(m.Sender)
	return true
}

func (s *Store) raiseUnread(e *entry, m model.Message) {
	if m.Sender == model.RoleUser || e.conv.ID == s.selected {
		return
	}
	e.unread++
	e.notify = true
}

// upsertMessage merges m into an existing message with the same id and
// reports whether one existed; otherwise it inserts m in order.
func (e *entry) upsertMessage(m model.Message) bool {
	if m.ID != "" {
		if i := e.indexByID(m.ID); i >= 0 {
			cur := &e.conv.Messages[i]
			cur.Status = cur.Status.Merge(m.Status)
			if !cur.IsStreaming && m.Content != "" {
				cur.Content = m.Content
			}
			if cur.SenderName == "" {
				cur.SenderName = m.SenderName
			}
			return true
		}
	}
	e.insert(m)
	return false
}

// insert places m after every message that does not sort after it.
func (e *entry) insert(m model.Message) {
	msgs := e.conv.Messages
	i := len(msgs)
	for i > 0 && m.Before(msgs[i-1]) {
		i--
	}
	msgs = append(msgs, model.Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = m
	e.conv.Messages = msgs
}

func (e *entry) remove(i int) {
	e.conv.Messages = append(e.conv.Messages[:i], e.conv.Messages[i+1:]...)
}

func (e *entry) indexByLocal(localID string) int {
	if localID == "" {
		return -1
	}
	for i := len(e.conv.Messages) - 1; i >= 0; i-- {
		if e.conv.Messages[i].LocalID == localID {
			return i
		}
	}
	return -1
}

func (e *entry) indexByID(id string) int {
	if id == "" {
		return -1
	}
	for i := len(e.conv.Messages) - 1; i >= 0; i-- {
		if e.conv.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (e *entry) upsertParticipant(p model.Participant) {
	if p.ID == "" {
		return
	}
	for i, cur := range e.conv.Participants {
		if cur.ID == p.ID {
			if p.Name == "" {
				p.Name = cur.Name
			}
			if p.Type == "" {
				p.Type = cur.Type
			}
			if p.Avatar == "" {
				p.Avatar = cur.Avatar
			}
			if p.IsOnline == nil {
				p.IsOnline = cur.IsOnline
			}
			e.conv.Participants[i] = p.Clone()
			return
		}
	}
	e.conv.Participants = append(e.conv.Participants, p.Clone())
}

func (e *entry) removeParticipant(id string) {
	for i, cur := range e.conv.Participants {
		if cur.ID == id {
			e.conv.Participants = append(e.conv.Participants[:i], e.conv.Participants[i+1:]...)
			return
		}
	}
}

func (e *entry) touch(t time.Time) {
	if t.After(e.lastActivity) {
		e.lastActivity = t
	}
}
