// Package session implements the conversation lifecycle state machine.
//
// A Machine owns the lifecycle state of one conversation. It consumes
// lifecycle events in receipt order and emits deltas for the conversation
// store; it never returns an error to the caller. Events that are not valid
// for the current state are logged and ignored.
package session

import (
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-session/internal/model"
	"github.com/capitalize-ai/support-session/pkg/logger"
	"github.com/capitalize-ai/support-session/pkg/metrics"
)

type effect func(m *Machine, ev model.LifecyclePayload, at time.Time)

type transition struct {
	to     model.Status
	effect effect
}

// transitions is the lifecycle table. Transport ERROR/TIMEOUT events are
// handled separately because they are valid in every state.
var transitions = map[model.Status]map[model.LifecycleType]transition{
	model.StatusQueued: {
		model.LifecycleAgentAssigned: {to: model.StatusActive, effect: assignAgent},
		model.LifecycleQueueUpdate:   {to: model.StatusQueued, effect: updateQueue},
	},
	model.StatusActive: {
		model.LifecycleAgentAssigned: {to: model.StatusActive, effect: assignAgent},
		model.LifecycleEscalate:      {to: model.StatusEscalated, effect: escalate},
		model.LifecycleEnd:           {to: model.StatusResolved, effect: end},
	},
	model.StatusEscalated: {
		model.LifecycleAgentAssigned: {to: model.StatusActive, effect: assignAgent},
		model.LifecycleEnd:           {to: model.StatusResolved, effect: end},
	},
	model.StatusResolved: {
		model.LifecycleArchive: {to: model.StatusClosed},
	},
}

// Machine is the lifecycle state machine of one conversation.
type Machine struct {
	conversationID string
	status         model.Status
	agentID        string
	agentName      string
	queuePosition  *int
	estimatedWait  *time.Duration
	escalation     *model.Escalation
	endedAt        *time.Time
	statusSince    time.Time

	log *logger.Logger
	now func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the time source used when events carry no timestamp.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

// New creates a machine whose initial state is the server snapshot.
func New(snapshot model.Conversation, log *logger.Logger, opts ...Option) *Machine {
	log = logger.OrGlobal(log).Component("session").With(zap.String("conversation_id", snapshot.ID))
	if snapshot.Status == "" {
		snapshot.Status = model.StatusQueued
	}
	if snapshot.MissingQueueFields() {
		log.Warn("queued snapshot missing queue fields, defaulting",
			zap.Int("queue_position", model.DefaultQueuePosition),
		)
	}
	m := &Machine{log: log, now: time.Now}
	m.adopt(snapshot)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// adopt replaces the machine state with a normalised snapshot.
func (m *Machine) adopt(snapshot model.Conversation) {
	snapshot.Normalize()
	m.conversationID = snapshot.ID
	m.status = snapshot.Status
	m.agentID = snapshot.AssignedAgentID
	m.agentName = snapshot.AssignedAgentName
	m.escalation = snapshot.Escalation
	m.endedAt = snapshot.EndedAt
	m.statusSince = snapshot.StatusSince
	m.queuePosition = nil
	m.estimatedWait = nil
	if snapshot.QueuePosition != nil {
		p := *snapshot.QueuePosition
		m.queuePosition = &p
	}
	if snapshot.EstimatedWait != nil {
		w := *snapshot.EstimatedWait
		m.estimatedWait = &w
	}
}

// State returns the current lifecycle state.
func (m *Machine) State() model.Status {
	return m.status
}

// Projection returns the current status projection.
func (m *Machine) Projection() model.ConversationStatus {
	v := model.ConversationStatus{
		Status:    m.status,
		AgentID:   m.agentID,
		AgentName: m.agentName,
	}
	if m.queuePosition != nil {
		p := *m.queuePosition
		v.QueuePosition = &p
	}
	if m.estimatedWait != nil {
		w := *m.estimatedWait
		v.EstimatedWait = &w
	}
	return v
}

// Apply consumes one lifecycle event. It returns a StatusChanged delta for an
// accepted transition, a Warning delta for transport faults, and nothing for
// events that are invalid in the current state.
func (m *Machine) Apply(ev model.LifecyclePayload) []model.Delta {
	at := ev.Timestamp
	if at.IsZero() {
		at = m.now()
	}

	switch ev.Type {
	case model.LifecycleError, model.LifecycleTimeout:
		m.log.Warn("transport fault, lifecycle state unchanged",
			zap.String("event", string(ev.Type)),
			zap.String("state", string(m.status)),
			zap.String("reason", ev.Reason),
		)
		return []model.Delta{model.Warning{
			ConversationID: m.conversationID,
			Source:         "session",
			Message:        faultMessage(ev),
			At:             at,
		}}
	}

	if ev.Type == model.LifecycleArchive && m.status == model.StatusClosed {
		m.log.Debug("archive of closed conversation ignored")
		return nil
	}

	t, ok := transitions[m.status][ev.Type]
	if !ok || (ev.Type == model.LifecycleAgentAssigned && ev.AgentID == "") {
		m.log.Warn("invalid lifecycle event ignored",
			zap.String("event", string(ev.Type)),
			zap.String("state", string(m.status)),
		)
		metrics.RecordInvalidTransition(string(m.status), string(ev.Type))
		return nil
	}

	from := m.status
	m.status = t.to
	if t.effect != nil {
		t.effect(m, ev, at)
	}
	if from != m.status {
		m.statusSince = at
	}
	m.normalize()

	m.log.Info("lifecycle transition",
		zap.String("from", string(from)),
		zap.String("to", string(m.status)),
		zap.String("event", string(ev.Type)),
	)
	metrics.RecordTransition(string(from), string(m.status), string(ev.Type))

	return []model.Delta{m.changed(ev.Type, at)}
}

// Sync reconciles the machine with a server snapshot fetched after a
// reconnect. Lifecycle events missed while offline are not replayed; the
// server state is adopted and a single SYNC StatusChanged is returned when the
// projection differs. A terminal machine never moves back to a live state.
func (m *Machine) Sync(snapshot model.Conversation) []model.Delta {
	if snapshot.Status == "" {
		snapshot.Status = model.StatusQueued
	}
	if m.status.Terminal() && !snapshot.Status.Terminal() {
		m.log.Warn("snapshot would reopen terminal conversation, ignored",
			zap.String("state", string(m.status)),
			zap.String("snapshot_state", string(snapshot.Status)),
		)
		return nil
	}
	if snapshot.MissingQueueFields() {
		m.log.Warn("queued snapshot missing queue fields, defaulting",
			zap.Int("queue_position", model.DefaultQueuePosition),
		)
	}

	before := m.Projection()
	from := m.status
	at := m.now()
	if snapshot.Escalation == nil {
		snapshot.Escalation = m.escalation
	}
	if snapshot.EndedAt == nil {
		snapshot.EndedAt = m.endedAt
	}
	if snapshot.StatusSince.IsZero() {
		snapshot.StatusSince = at
		if snapshot.Status == m.status {
			snapshot.StatusSince = m.statusSince
		}
	}
	m.adopt(snapshot)
	if m.Projection().Equal(before) {
		return nil
	}

	m.log.Info("lifecycle resynchronised",
		zap.String("from", string(from)),
		zap.String("to", string(m.status)),
	)
	metrics.RecordTransition(string(from), string(m.status), string(model.LifecycleSync))
	return []model.Delta{m.changed(model.LifecycleSync, at)}
}

func (m *Machine) changed(event model.LifecycleType, at time.Time) model.StatusChanged {
	d := model.StatusChanged{
		ConversationID: m.conversationID,
		Event:          event,
		Status:         m.Projection(),
		At:             at,
	}
	if m.escalation != nil {
		e := *m.escalation
		d.Escalation = &e
	}
	if m.endedAt != nil {
		t := *m.endedAt
		d.EndedAt = &t
	}
	return d
}

func (m *Machine) normalize() {
	if m.status != model.StatusQueued {
		m.queuePosition = nil
		m.estimatedWait = nil
	}
	if !m.status.HasAgent() {
		m.agentID = ""
		m.agentName = ""
	}
}

func assignAgent(m *Machine, ev model.LifecyclePayload, _ time.Time) {
	if m.agentID != "" && m.agentID != ev.AgentID {
		m.log.Info("agent reassigned",
			zap.String("previous_agent_id", m.agentID),
			zap.String("agent_id", ev.AgentID),
		)
	}
	m.agentID = ev.AgentID
	m.agentName = ev.AgentName
}

func updateQueue(m *Machine, ev model.LifecyclePayload, _ time.Time) {
	if ev.QueuePosition != nil {
		p := *ev.QueuePosition
		m.queuePosition = &p
	}
	if ev.EstimatedWait != nil {
		w := time.Duration(*ev.EstimatedWait) * time.Second
		m.estimatedWait = &w
	}
}

func escalate(m *Machine, ev model.LifecyclePayload, at time.Time) {
	m.escalation = &model.Escalation{Reason: ev.Reason, At: at}
}

func end(m *Machine, _ model.LifecyclePayload, at time.Time) {
	m.endedAt = &at
}

func faultMessage(ev model.LifecyclePayload) string {
	if ev.Reason != "" {
		return ev.Reason
	}
	if ev.Type == model.LifecycleTimeout {
		return "connection timed out"
	}
	return "connection error"
}
