// Package presence derives typing and online state of conversation
// participants from inbound presence events.
package presence

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-session/internal/model"
	"github.com/capitalize-ai/support-session/pkg/logger"
	"github.com/capitalize-ai/support-session/pkg/metrics"
)

// ScheduleFunc runs fn after d on the owner's event loop and returns a
// function that cancels it.
type ScheduleFunc func(d time.Duration, fn func()) (cancel func())

// Config holds the typing timings.
type Config struct {
	Expiry        time.Duration
	SweepInterval time.Duration
}

type entry struct {
	participant model.TypingParticipant
	last        time.Time
	order       uint64
}

// Tracker keeps per-conversation typing sets. It is not safe for concurrent
// use; all calls, including scheduled sweeps, must happen on one loop.
type Tracker struct {
	cfg      Config
	emit     func(model.Delta)
	schedule ScheduleFunc
	now      func() time.Time
	log      *logger.Logger

	typing      map[string]map[string]*entry
	seen        map[string]map[string]bool
	order       uint64
	cancelSweep func()
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithScheduler overrides how sweeps are scheduled.
func WithScheduler(s ScheduleFunc) Option {
	return func(t *Tracker) {
		t.schedule = s
	}
}

// New creates a tracker that reports changes through emit.
func New(cfg Config, emit func(model.Delta), log *logger.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:    cfg,
		emit:   emit,
		now:    time.Now,
		log:    logger.OrGlobal(log).Component("presence"),
		typing: make(map[string]map[string]*entry),
		seen:   make(map[string]map[string]bool),
		schedule: func(d time.Duration, fn func()) func() {
			timer := time.AfterFunc(d, fn)
			return func() { timer.Stop() }
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TypingStarted adds or refreshes a typing participant. A participant not
// seen before in the conversation is announced as joined first.
func (t *Tracker) TypingStarted(p model.TypingPayload) {
	if p.ConversationID == "" || p.Participant.ID == "" {
		return
	}
	if t.see(p.ConversationID, p.Participant.ID) {
		t.emit(model.ParticipantJoined{
			ConversationID: p.ConversationID,
			Participant: model.Participant{
				ID:   p.Participant.ID,
				Name: p.Participant.Name,
				Type: p.Participant.Type,
			}.Online(true),
		})
	}
	set, ok := t.typing[p.ConversationID]
	if !ok {
		set = make(map[string]*entry)
		t.typing[p.ConversationID] = set
	}
	e, ok := set[p.Participant.ID]
	if !ok {
		t.order++
		e = &entry{order: t.order}
		set[p.Participant.ID] = e
	}
	e.participant = p.Participant
	e.last = t.now()

	t.publish(p.ConversationID)
	t.arm()
}

// TypingStopped removes a typing participant immediately.
func (t *Tracker) TypingStopped(p model.TypingPayload) {
	if t.remove(p.ConversationID, p.Participant.ID) {
		t.publish(p.ConversationID)
	}
	t.disarmIfIdle()
}

// Connected records a participant coming online.
func (t *Tracker) Connected(p model.PresencePayload) {
	if p.ConversationID == "" || p.Participant.ID == "" {
		return
	}
	t.see(p.ConversationID, p.Participant.ID)
	t.emit(model.ParticipantJoined{
		ConversationID: p.ConversationID,
		Participant:    p.Participant.Online(true),
	})
}

// Disconnected records an explicit departure. The participant also stops typing.
func (t *Tracker) Disconnected(p model.PresencePayload) {
	if p.ConversationID == "" || p.Participant.ID == "" {
		return
	}
	if t.remove(p.ConversationID, p.Participant.ID) {
		t.publish(p.ConversationID)
	}
	t.disarmIfIdle()
	delete(t.seen[p.ConversationID], p.Participant.ID)
	t.emit(model.ParticipantLeft{
		ConversationID: p.ConversationID,
		ParticipantID:  p.Participant.ID,
	})
}

// Roster records a room membership snapshot.
func (t *Tracker) Roster(p model.RosterPayload) {
	if p.ConversationID == "" {
		return
	}
	participants := make([]model.Participant, 0, len(p.Participants))
	for _, participant := range p.Participants {
		if participant.ID == "" {
			continue
		}
		if participant.IsOnline == nil {
			participant = participant.Online(true)
		}
		t.see(p.ConversationID, participant.ID)
		participants = append(participants, participant)
	}
	t.emit(model.RosterUpdated{ConversationID: p.ConversationID, Participants: participants})
}

// Clear drops the typing state of one conversation and forgets who was seen
// in it.
func (t *Tracker) Clear(conversationID string) {
	delete(t.seen, conversationID)
	if set, ok := t.typing[conversationID]; ok {
		delete(t.typing, conversationID)
		if len(set) > 0 {
			t.publish(conversationID)
		}
	}
	t.disarmIfIdle()
}

// ClearAll drops every typing state and every seen participant, used when
// presence becomes stale.
func (t *Tracker) ClearAll() {
	ids := make([]string, 0, len(t.typing))
	for id := range t.typing {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		t.Clear(id)
	}
	t.seen = make(map[string]map[string]bool)
	t.disarmIfIdle()
}

// State returns the typing state of a conversation.
func (t *Tracker) State(conversationID string) model.TypingState {
	state := model.TypingState{ConversationID: conversationID}
	set := t.typing[conversationID]
	entries := make([]*entry, 0, len(set))
	for _, e := range set {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })
	for _, e := range entries {
		state.Participants = append(state.Participants, e.participant)
		if e.last.After(state.LastActivity) {
			state.LastActivity = e.last
		}
	}
	state.IsTyping = len(state.Participants) > 0
	return state
}

// Active reports whether any conversation has a typing participant.
func (t *Tracker) Active() bool {
	for _, set := range t.typing {
		if len(set) > 0 {
			return true
		}
	}
	return false
}

// Sweeping reports whether an expiry sweep is scheduled.
func (t *Tracker) Sweeping() bool {
	return t.cancelSweep != nil
}

func (t *Tracker) sweep() {
	t.cancelSweep = nil
	now := t.now()
	expired := 0
	for convID, set := range t.typing {
		changed := false
		for id, e := range set {
			if now.Sub(e.last) >= t.cfg.Expiry {
				delete(set, id)
				changed = true
				expired++
			}
		}
		if len(set) == 0 {
			delete(t.typing, convID)
		}
		if changed {
			t.publish(convID)
		}
	}
	if expired > 0 {
		t.log.Debug("typing entries expired", zap.Int("count", expired))
		metrics.TypingSweeps.WithLabelValues("expired").Inc()
	} else {
		metrics.TypingSweeps.WithLabelValues("idle").Inc()
	}
	t.arm()
}

// see records a participant and reports whether it was new.
func (t *Tracker) see(conversationID, participantID string) bool {
	set, ok := t.seen[conversationID]
	if !ok {
		set = make(map[string]bool)
		t.seen[conversationID] = set
	}
	if set[participantID] {
		return false
	}
	set[participantID] = true
	return true
}

func (t *Tracker) remove(conversationID, participantID string) bool {
	set, ok := t.typing[conversationID]
	if !ok {
		return false
	}
	if _, ok := set[participantID]; !ok {
		return false
	}
	delete(set, participantID)
	if len(set) == 0 {
		delete(t.typing, conversationID)
	}
	return true
}

func (t *Tracker) publish(conversationID string) {
	t.emit(model.TypingChanged{State: t.State(conversationID)})
}

// arm schedules the next sweep if something is typing and none is pending.
func (t *Tracker) arm() {
	if t.cancelSweep != nil || !t.Active() {
		return
	}
	t.cancelSweep = t.schedule(t.cfg.SweepInterval, t.sweep)
}

func (t *Tracker) disarmIfIdle() {
	if t.cancelSweep != nil && !t.Active() {
		t.cancelSweep()
		t.cancelSweep = nil
	}
}
