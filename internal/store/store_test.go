package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/support-session/internal/model"
	"github.com/capitalize-ai/support-session/pkg/logger"
)

type fakeOutbound struct {
	mu          sync.Mutex
	activated   []string
	deactivated []string
	sent        []string
	retried     []string
	read        map[string][]string
	typing      int
	sendErr     error
	readErr     error
}

func (f *fakeOutbound) Activate(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activated = append(f.activated, id)
}

func (f *fakeOutbound) Deactivate(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated = append(f.deactivated, id)
}

func (f *fakeOutbound) SendMessage(conversationID string, _ model.Role, _ string, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, content)
	return "tmp-sent", f.sendErr
}

func (f *fakeOutbound) RetryMessage(_ string, localID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried = append(f.retried, localID)
	return "tmp-retry", nil
}

func (f *fakeOutbound) MarkRead(conversationID string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return f.readErr
	}
	if f.read == nil {
		f.read = make(map[string][]string)
	}
	f.read[conversationID] = append(f.read[conversationID], ids...)
	return nil
}

func (f *fakeOutbound) NotifyTyping(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return nil
}

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func intPtr(v int) *int { return &v }

func newStore(t *testing.T, convs ...model.Conversation) (*Store, *fakeOutbound, *time.Time) {
	t.Helper()
	out := &fakeOutbound{}
	now := t0
	s := New(out, logger.Nop(), WithClock(func() time.Time { return now }))
	for _, c := range convs {
		s.Apply(model.ConversationLoaded{Snapshot: c})
	}
	return s, out, &now
}

func active(id string) model.Conversation {
	return model.Conversation{ID: id, Status: model.StatusActive, AssignedAgentID: "a1", AssignedAgentName: "Ada", CreatedAt: t0}
}

func TestMarkReadRetriesAfterTransportFailure(t *testing.T) {
	s, out, _ := newStore(t, active("c1"))
	s.Apply(model.MessageReceived{Message: model.Message{ID: "m-1", ConversationID: "c1", Sender: model.RoleAgent, Content: "ping", Timestamp: t0.Add(time.Second)}})

	out.readErr = errors.New("not connected")
	require.Error(t, s.MarkRead("c1"))
	assert.Empty(t, out.read["c1"])

	out.readErr = nil
	require.NoError(t, s.MarkRead("c1"))
	require.NoError(t, s.MarkRead("c1"))
	assert.Equal(t, []string{"m-1"}, out.read["c1"], "ids rejected by the transport are reported on the next call")
}

func TestSelectConversation(t *testing.T) {
	s, out, _ := newStore(t, active("c1"), active("c2"))

	err := s.SelectConversation("nope")
	assert.ErrorIs(t, err, ErrConversationNotFound)

	require.NoError(t, s.SelectConversation("c1"))
	require.NoError(t, s.SelectConversation("c2"))
	require.NoError(t, s.SelectConversation("c2"))

	assert.Equal(t, "c2", s.Selected())
	assert.Equal(t, []string{"c1", "c2"}, out.activated)
	assert.Equal(t, []string{"c1"}, out.deactivated)
}

func TestAckReplacesOptimisticInPlace(t *testing.T) {
	s, _, _ := newStore(t, active("c1"))

	s.Apply(model.OptimisticAppended{Message: model.Message{LocalID: "tmp-1", ConversationID: "c1", Sender: model.RoleUser, Content: "hi", Timestamp: t0, IsOptimistic: true}})
	s.Apply(model.MessageReceived{Message: model.Message{ID: "m-50", ConversationID: "c1", Sender: model.RoleAgent, Content: "hello", Timestamp: t0.Add(time.Second), Status: model.DeliveryStatus{Sent: true}}})
	s.Apply(model.MessageConfirmed{ConversationID: "c1", LocalID: "tmp-1", MessageID: "m-100", Sequence: 7})

	msgs := s.Messages("c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "m-100", msgs[0].ID)
	assert.Equal(t, "tmp-1", msgs[0].LocalID)
	assert.False(t, msgs[0].IsOptimistic)
	assert.True(t, msgs[0].Status.Sent)
	assert.Equal(t, "m-50", msgs[1].ID)
}

func TestAckAfterEchoKeepsOneMessage(t *testing.T) {
	s, _, _ := newStore(t, active("c1"))

	s.Apply(model.OptimisticAppended{Message: model.Message{LocalID: "tmp-1", ConversationID: "c1", Sender: model.RoleUser, Content: "hi", Timestamp: t0, IsOptimistic: true}})
	s.Apply(model.MessageReceived{Message: model.Message{ID: "m-100", ConversationID: "c1", Sender: model.RoleUser, Content: "hi", Timestamp: t0.Add(time.Millisecond)}})
	s.Apply(model.MessageConfirmed{ConversationID: "c1", LocalID: "tmp-1", MessageID: "m-100"})

	msgs := s.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m-100", msgs[0].ID)
	assert.Equal(t, "tmp-1", msgs[0].LocalID)
}

func TestFailedThenRetryKeepsPosition(t *testing.T) {
	s, out, _ := newStore(t, active("c1"))

	s.Apply(model.OptimisticAppended{Message: model.Message{LocalID: "tmp-1", ConversationID: "c1", Sender: model.RoleUser, Content: "first", Timestamp: t0, IsOptimistic: true}})
	s.Apply(model.MessageReceived{Message: model.Message{ID: "m-2", ConversationID: "c1", Sender: model.RoleAgent, Content: "reply", Timestamp: t0.Add(time.Second)}})

	_, err := s.RetryMessage("c1", "tmp-1")
	assert.ErrorIs(t, err, ErrMessageNotFailed)

	s.Apply(model.MessageFailed{ConversationID: "c1", LocalID: "tmp-1", Reason: "ack timeout"})
	msgs := s.Messages("c1")
	assert.True(t, msgs[0].Failed)
	assert.False(t, msgs[0].Status.Sent)

	_, err = s.RetryMessage("c1", "tmp-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"tmp-1"}, out.retried)

	s.Apply(model.MessageRetried{ConversationID: "c1", FailedLocalID: "tmp-1", Message: model.Message{LocalID: "tmp-2", ConversationID: "c1", Sender: model.RoleUser, Content: "first", Timestamp: t0.Add(2 * time.Second), IsOptimistic: true}})
	msgs = s.Messages("c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "tmp-2", msgs[0].LocalID)
	assert.False(t, msgs[0].Failed)
}

func TestStatusChangeClearsQueueFields(t *testing.T) {
	wait := time.Minute
	s, _, _ := newStore(t, model.Conversation{ID: "c1", Status: model.StatusQueued, QueuePosition: intPtr(3), EstimatedWait: &wait, StatusSince: t0})

	st, ok := s.GetStatus("c1")
	require.True(t, ok)
	require.NotNil(t, st.QueuePosition)
	assert.Equal(t, 3, *st.QueuePosition)

	s.Apply(model.StatusChanged{
		ConversationID: "c1",
		Event:          model.LifecycleAgentAssigned,
		Status:         model.ConversationStatus{Status: model.StatusActive, AgentID: "a1", AgentName: "Ada", QueuePosition: intPtr(1)},
		At:             t0.Add(90 * time.Second),
	})

	st, _ = s.GetStatus("c1")
	assert.Equal(t, model.StatusActive, st.Status)
	assert.Equal(t, "a1", st.AgentID)
	assert.Nil(t, st.QueuePosition)
	assert.Nil(t, st.EstimatedWait)

	c, _ := s.Conversation("c1")
	assert.Equal(t, 90*time.Second, c.Metrics.QueueTime)
	require.Len(t, c.Participants, 1)
	assert.Equal(t, model.RoleAgent, c.Participants[0].Type)
}

func TestReceiptsAreMonotonic(t *testing.T) {
	s, _, _ := newStore(t, active("c1"))
	s.Apply(model.MessageReceived{Message: model.Message{ID: "m-1", ConversationID: "c1", Sender: model.RoleUser, Timestamp: t0, Status: model.DeliveryStatus{Sent: true}}})

	s.Apply(model.ReceiptApplied{ConversationID: "c1", MessageID: "m-1", Status: model.DeliveryStatus{Read: true}})
	s.Apply(model.ReceiptApplied{ConversationID: "c1", MessageID: "m-1", Status: model.DeliveryStatus{Delivered: true}})

	status := s.Messages("c1")[0].Status
	assert.True(t, status.Sent)
	assert.True(t, status.Delivered)
	assert.True(t, status.Read)
}

func TestUnreadAndMarkRead(t *testing.T) {
	s, out, _ := newStore(t, active("c1"), active("c2"))
	require.NoError(t, s.SelectConversation("c1"))

	s.Apply(model.MessageReceived{Message: model.Message{ID: "m-1", ConversationID: "c2", Sender: model.RoleAgent, Content: "ping", Timestamp: t0.Add(time.Second)}})
	s.Apply(model.MessageReceived{Message: model.Message{ID: "m-2", ConversationID: "c2", Sender: model.RoleUser, Content: "mine", Timestamp: t0.Add(2 * time.Second)}})
	s.Apply(model.MessageReceived{Message: model.Message{ID: "m-3", ConversationID: "c1", Sender: model.RoleAgent, Content: "here", Timestamp: t0.Add(time.Second)}})

	var c2 Summary
	for _, sum := range s.List() {
		if sum.ID == "c2" {
			c2 = sum
		}
		if sum.ID == "c1" {
			assert.Zero(t, sum.Unread, "selected conversation never accumulates unread")
		}
	}
	assert.Equal(t, 1, c2.Unread)
	assert.True(t, c2.Notify)
	require.NotNil(t, c2.LastMessage)
	assert.Equal(t, "m-2", c2.LastMessage.ID)

	require.NoError(t, s.MarkRead("c2"))
	require.NoError(t, s.MarkRead("c2"))
	assert.Equal(t, []string{"m-1"}, out.read["c2"], "read ids are reported once")
	for _, sum := range s.List() {
		if sum.ID == "c2" {
			assert.Zero(t, sum.Unread)
			assert.False(t, sum.Notify)
		}
	}
}

func TestAppendOptimisticMessageValidation(t *testing.T) {
	s, out, _ := newStore(t, active("c1"), model.Conversation{ID: "done", Status: model.StatusResolved})

	_, err := s.AppendOptimisticMessage("c1", "", model.RoleUser, "Sam")
	assert.ErrorIs(t, err, ErrInvalidContent)

	_, err = s.AppendOptimisticMessage("c1", strings.Repeat("x", MaxContentBytes+1), model.RoleUser, "Sam")
	assert.ErrorIs(t, err, ErrInvalidContent)

	_, err = s.AppendOptimisticMessage("c1", string([]byte{0xff, 0xfe}), model.RoleUser, "Sam")
	assert.ErrorIs(t, err, ErrInvalidContent)

	_, err = s.AppendOptimisticMessage("c1", "hi", "robot", "Sam")
	assert.ErrorIs(t, err, ErrInvalidContent)

	_, err = s.AppendOptimisticMessage("missing", "hi", model.RoleUser, "Sam")
	assert.ErrorIs(t, err, ErrConversationNotFound)

	_, err = s.AppendOptimisticMessage("done", "hi", model.RoleUser, "Sam")
	assert.ErrorIs(t, err, ErrConversationClosed)

	localID, err := s.AppendOptimisticMessage("c1", "hi", "", "Sam")
	require.NoError(t, err)
	assert.Equal(t, "tmp-sent", localID)
	assert.Equal(t, []string{"hi"}, out.sent)
}

func TestStreamDeltas(t *testing.T) {
	s, _, _ := newStore(t, active("c1"))

	s.Apply(model.StreamStarted{Message: model.Message{ID: "m-9", ConversationID: "c1", Sender: model.RoleAI, Timestamp: t0, IsStreaming: true}})
	s.Apply(model.StreamAppended{ConversationID: "c1", MessageID: "m-9", Text: "Hel"})
	s.Apply(model.StreamAppended{ConversationID: "c1", MessageID: "m-9", Text: "lo"})
	s.Apply(model.StreamFinished{ConversationID: "c1", MessageID: "m-9"})

	m := s.Messages("c1")[0]
	assert.Equal(t, "Hello", m.Content)
	assert.False(t, m.IsStreaming)
	assert.True(t, m.Status.Sent)
	assert.False(t, m.Incomplete)

	s.Apply(model.StreamStarted{Message: model.Message{ID: "m-10", ConversationID: "c1", Sender: model.RoleAI, Timestamp: t0.Add(time.Second), IsStreaming: true}})
	s.Apply(model.StreamAppended{ConversationID: "c1", MessageID: "m-10", Text: "Par"})
	s.Apply(model.StreamAborted{ConversationID: "c1", MessageID: "m-10", Reason: "connection lost"})

	m = s.Messages("c1")[1]
	assert.Equal(t, "Par", m.Content)
	assert.True(t, m.Incomplete)
	assert.True(t, m.Failed)
	assert.False(t, m.IsStreaming)
}

func TestConnectionChangeKeepsMessages(t *testing.T) {
	s, _, _ := newStore(t, active("c1"))
	s.Apply(model.MessageReceived{Message: model.Message{ID: "m-1", ConversationID: "c1", Sender: model.RoleAgent, Timestamp: t0}})
	s.Apply(model.TypingChanged{State: model.TypingState{ConversationID: "c1", IsTyping: true, Participants: []model.TypingParticipant{{ID: "a1"}}}})

	s.Apply(model.ConnectionChanged{Reconnecting: true, Error: "read: connection reset"})
	s.Apply(model.TypingChanged{State: model.TypingState{ConversationID: "c1"}})

	conn := s.Connection()
	assert.False(t, conn.Connected)
	assert.True(t, conn.Reconnecting)
	assert.Equal(t, "read: connection reset", conn.Warning)
	assert.Len(t, s.Messages("c1"), 1)
	assert.False(t, s.GetTypingState("c1").IsTyping)

	s.Apply(model.ConnectionChanged{Connected: true})
	conn = s.Connection()
	assert.True(t, conn.Connected)
	assert.Empty(t, conn.Warning)
}

func TestParticipantsUpsertAndLeave(t *testing.T) {
	s, _, _ := newStore(t, active("c1"))

	s.Apply(model.RosterUpdated{ConversationID: "c1", Participants: []model.Participant{(model.Participant{ID: "u1", Name: "Sam", Type: model.RoleUser}).Online(true)}})
	s.Apply(model.ParticipantJoined{ConversationID: "c1", Participant: model.Participant{ID: "u1"}})
	s.Apply(model.RosterUpdated{ConversationID: "c1", Participants: nil})

	c, _ := s.Conversation("c1")
	require.Len(t, c.Participants, 2, "agent from snapshot plus the user")
	assert.Equal(t, "Sam", c.Participants[1].Name, "missing fields are kept")

	s.Apply(model.ParticipantLeft{ConversationID: "c1", ParticipantID: "u1"})
	c, _ = s.Conversation("c1")
	assert.Len(t, c.Participants, 1)
}

func TestHistoryMergesWithoutDuplicates(t *testing.T) {
	s, _, _ := newStore(t, active("c1"))
	s.Apply(model.MessageReceived{Message: model.Message{ID: "m-2", ConversationID: "c1", Sender: model.RoleAgent, Content: "two", Timestamp: t0.Add(2 * time.Second)}})

	s.Apply(model.MessagesLoaded{ConversationID: "c1", Messages: []model.Message{
		{ID: "m-1", ConversationID: "c1", Sender: model.RoleUser, Content: "one", Timestamp: t0.Add(time.Second)},
		{ID: "m-2", ConversationID: "c1", Sender: model.RoleAgent, Content: "two", Timestamp: t0.Add(2 * time.Second), Status: model.DeliveryStatus{Sent: true, Delivered: true}},
	}})

	msgs := s.Messages("c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "m-1", msgs[0].ID)
	assert.True(t, msgs[1].Status.Delivered)

	c, _ := s.Conversation("c1")
	assert.Equal(t, 2, c.Metrics.Total())
}

func TestSubscribeDeliversOrderedUpdates(t *testing.T) {
	s, _, _ := newStore(t, active("c1"))
	ctx, cancel := context.WithCancel(context.Background())
	updates := s.Subscribe(ctx)

	s.Apply(model.MessageReceived{Message: model.Message{ID: "m-1", ConversationID: "c1", Sender: model.RoleAgent, Timestamp: t0}})
	s.Apply(model.ReceiptApplied{ConversationID: "c1", MessageID: "m-1", Status: model.DeliveryStatus{Read: true}})
	s.Apply(model.ReceiptApplied{ConversationID: "c1", MessageID: "unknown", Status: model.DeliveryStatus{Read: true}})

	first := <-updates
	second := <-updates
	assert.Equal(t, model.KindReceived, first.Kind)
	assert.Equal(t, model.KindReceipt, second.Kind)
	assert.Equal(t, first.Seq+1, second.Seq)
	select {
	case u := <-updates:
		t.Fatalf("unexpected update %+v", u)
	default:
	}

	cancel()
	select {
	case _, open := <-updates:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
}

func TestListSortedByActivity(t *testing.T) {
	s, _, _ := newStore(t, active("old"), active("new"))
	s.Apply(model.MessageReceived{Message: model.Message{ID: "m-1", ConversationID: "new", Sender: model.RoleAgent, Timestamp: t0.Add(time.Hour)}})

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].ID)
}

func TestNotifyTypingIsThrottled(t *testing.T) {
	s, out, now := newStore(t, active("c1"))

	require.NoError(t, s.NotifyTyping("c1"))
	require.NoError(t, s.NotifyTyping("c1"))
	*now = now.Add(3 * time.Second)
	require.NoError(t, s.NotifyTyping("c1"))

	assert.Equal(t, 2, out.typing)
}
