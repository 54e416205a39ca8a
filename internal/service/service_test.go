package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/support-session/internal/llm"
	"github.com/capitalize-ai/support-session/internal/model"
	"github.com/capitalize-ai/support-session/internal/store"
	"github.com/capitalize-ai/support-session/pkg/logger"
)

type event struct {
	conversationID string
	name           string
	payload        any
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) Broadcast(conversationID, name string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{conversationID: conversationID, name: name, payload: payload})
}

func (r *recorder) named(name string) []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event
	for _, e := range r.events {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.name)
	}
	return out
}

type failingLLM struct{}

func (failingLLM) Name() string { return "failing" }

func (failingLLM) CompleteStream(context.Context, *llm.CompletionRequest, llm.StreamCallback) (*llm.CompletionResponse, error) {
	return nil, errors.New("provider unavailable")
}

type fixture struct {
	events   *recorder
	history  *MemoryHistory
	convs    *ConversationService
	messages *MessageService
}

func newFixture(t *testing.T, queueDelay time.Duration, client llm.Client) *fixture {
	t.Helper()
	f := &fixture{events: &recorder{}, history: NewMemoryHistory()}
	f.convs = NewConversationService(f.history, f.events, queueDelay, logger.Nop())
	f.messages = NewMessageService(f.convs, f.history, f.events, client, 0, logger.Nop())
	t.Cleanup(func() {
		f.messages.Close()
		f.convs.Close()
	})
	return f
}

func TestCreateAssignsQueuePositions(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx := context.Background()

	a, err := f.convs.Create(ctx, "t1", "u1", "bot")
	require.NoError(t, err)
	b, err := f.convs.Create(ctx, "t1", "u2", "bot")
	require.NoError(t, err)
	other, err := f.convs.Create(ctx, "t2", "u3", "bot")
	require.NoError(t, err)

	assert.Equal(t, model.StatusQueued, a.Status)
	assert.Equal(t, 1, *a.QueuePosition)
	assert.Equal(t, 2, *b.QueuePosition)
	assert.Equal(t, 1, *other.QueuePosition)
}

func TestEnsureReusesOpenConversation(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx := context.Background()

	first, err := f.convs.Ensure(ctx, "t1", "u1", "bot")
	require.NoError(t, err)
	again, err := f.convs.Ensure(ctx, "t1", "u1", "bot")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	_, err = f.convs.Apply(ctx, "t1", first.ID, model.LifecyclePayload{Type: model.LifecycleAgentAssigned, AgentID: "a1", AgentName: "Ana"})
	require.NoError(t, err)
	_, err = f.convs.Apply(ctx, "t1", first.ID, model.LifecyclePayload{Type: model.LifecycleEnd})
	require.NoError(t, err)

	fresh, err := f.convs.Ensure(ctx, "t1", "u1", "bot")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, fresh.ID)
}

func TestApplyRejectsInvalidTransition(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx := context.Background()
	c, err := f.convs.Create(ctx, "t1", "u1", "bot")
	require.NoError(t, err)

	_, err = f.convs.Apply(ctx, "t1", c.ID, model.LifecyclePayload{Type: model.LifecycleArchive})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.convs.Apply(ctx, "t1", "missing", model.LifecyclePayload{Type: model.LifecycleEnd})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.convs.Apply(ctx, "t2", c.ID, model.LifecyclePayload{Type: model.LifecycleEnd})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, f.events.named(model.EventLifecycle))
}

func TestLeavingQueueRenumbersOthers(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx := context.Background()
	a, _ := f.convs.Create(ctx, "t1", "u1", "bot")
	b, _ := f.convs.Create(ctx, "t1", "u2", "bot")

	_, err := f.convs.Apply(ctx, "t1", a.ID, model.LifecyclePayload{Type: model.LifecycleAgentAssigned, AgentID: "a1", AgentName: "Ana"})
	require.NoError(t, err)

	got, err := f.convs.Get(ctx, "t1", b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, *got.QueuePosition)

	lifecycle := f.events.named(model.EventLifecycle)
	require.Len(t, lifecycle, 2)
	assert.Equal(t, model.LifecycleAgentAssigned, lifecycle[0].payload.(model.LifecyclePayload).Type)
	update := lifecycle[1].payload.(model.LifecyclePayload)
	assert.Equal(t, b.ID, update.ConversationID)
	assert.Equal(t, model.LifecycleQueueUpdate, update.Type)
	assert.Equal(t, 1, *update.QueuePosition)
}

func TestQueuedConversationGetsAgent(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond, nil)
	ctx := context.Background()
	c, err := f.convs.Create(ctx, "t1", "u1", "bot")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := f.convs.Get(ctx, "t1", c.ID)
		return err == nil && got.Status == model.StatusActive
	}, time.Second, 5*time.Millisecond)

	got, _ := f.convs.Get(ctx, "t1", c.ID)
	assert.Equal(t, DefaultAgents[0].ID, got.AssignedAgentID)

	require.Eventually(t, func() bool {
		return len(f.events.named(model.EventMessage)) == 1
	}, time.Second, 5*time.Millisecond)
	greeting := f.events.named(model.EventMessage)[0].payload.(model.MessagePayload)
	assert.Equal(t, model.RoleAgent, greeting.Sender)
	assert.Equal(t, "Ana", greeting.SenderName)

	roster, err := f.convs.Roster(ctx, "t1", c.ID, model.Participant{ID: "u1", Name: "Sam", Type: model.RoleUser})
	require.NoError(t, err)
	require.Len(t, roster, 2)
	assert.Equal(t, "Ana", roster[1].Name)
	assert.True(t, *roster[1].IsOnline)
}

func TestListIsNewestFirst(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx := context.Background()
	var ids []string
	for _, u := range []string{"u1", "u2", "u3"} {
		c, err := f.convs.Create(ctx, "t1", u, "bot")
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}

	page, p := f.convs.List(ctx, "t1", 1, 2)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].ID)
	assert.Equal(t, ids[1], page[1].ID)
	assert.Equal(t, model.Pagination{Page: 1, Limit: 2, Total: 3, TotalPages: 2}, p)

	page, _ = f.convs.List(ctx, "t1", 2, 2)
	require.Len(t, page, 1)
	assert.Equal(t, ids[0], page[0].ID)
}

func TestSendValidatesAndAcks(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx := context.Background()
	c, _ := f.convs.Create(ctx, "t1", "u1", "bot")

	_, err := f.messages.Send(ctx, "t1", model.MessagePayload{ConversationID: c.ID, Content: ""})
	assert.ErrorIs(t, err, store.ErrInvalidContent)

	_, err = f.messages.Send(ctx, "t1", model.MessagePayload{ConversationID: "missing", Content: "hi"})
	assert.ErrorIs(t, err, ErrNotFound)

	ack, err := f.messages.Send(ctx, "t1", model.MessagePayload{
		LocalID:        "tmp-1",
		ConversationID: c.ID,
		SenderName:     "Sam",
		Content:        "where is my parcel",
	})
	require.NoError(t, err)
	assert.Equal(t, "tmp-1", ack.LocalID)
	assert.NotEmpty(t, ack.MessageID)
	assert.Equal(t, uint64(1), ack.Sequence)
	assert.Equal(t, model.RoleUser, ack.Sender)

	listed, _, err := f.messages.List(ctx, "t1", c.ID, 1, 10)
	require.NoError(t, err)
	require.NotEmpty(t, listed)
	assert.Equal(t, "tmp-1", listed[0].LocalID)
	assert.Equal(t, ack.MessageID, listed[0].MessageID)
}

func TestQueuedSendStreamsReply(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx := context.Background()
	c, _ := f.convs.Create(ctx, "t1", "u1", "bot")

	ack, err := f.messages.Send(ctx, "t1", model.MessagePayload{ConversationID: c.ID, Content: "hello there"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.events.named(model.EventStreamEnd)) == 1
	}, time.Second, 5*time.Millisecond)

	receipts := f.events.named(model.EventMessageReceipt)
	require.NotEmpty(t, receipts)
	r := receipts[0].payload.(model.ReceiptPayload)
	assert.Equal(t, ack.MessageID, r.MessageID)
	assert.True(t, r.Delivered)
	assert.False(t, r.Read)

	start := f.events.named(model.EventStreamStart)[0].payload.(model.StreamStartPayload)
	assert.Equal(t, model.RoleAI, start.Sender)

	chunks := f.events.named(model.EventStreamChunk)
	require.Len(t, chunks, 4)
	var text string
	for i, ch := range chunks {
		p := ch.payload.(model.StreamChunkPayload)
		assert.Equal(t, i, p.Seq)
		assert.Equal(t, start.MessageID, p.MessageID)
		text += p.Text
	}
	assert.Equal(t, "You said: hello there", text)

	end := f.events.named(model.EventStreamEnd)[0].payload.(model.StreamEndPayload)
	require.NotNil(t, end.LastSeq)
	assert.Equal(t, 3, *end.LastSeq)

	require.Eventually(t, func() bool {
		msgs, total, err := f.history.Page(ctx, "t1", c.ID, 1, 10)
		return err == nil && total == 2 && msgs[1].Content == text
	}, time.Second, 5*time.Millisecond)
}

func TestStreamFailureEmitsError(t *testing.T) {
	f := newFixture(t, 0, failingLLM{})
	ctx := context.Background()
	c, _ := f.convs.Create(ctx, "t1", "u1", "bot")

	_, err := f.messages.Send(ctx, "t1", model.MessagePayload{ConversationID: c.ID, Content: "hello"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.events.named(model.EventStreamError)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, f.events.named(model.EventStreamEnd))

	_, total, err := f.history.Page(ctx, "t1", c.ID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestActiveSendGetsAgentReply(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx := context.Background()
	c, _ := f.convs.Create(ctx, "t1", "u1", "bot")
	_, err := f.convs.Apply(ctx, "t1", c.ID, model.LifecyclePayload{Type: model.LifecycleAgentAssigned, AgentID: "a1", AgentName: "Ana"})
	require.NoError(t, err)

	ack, err := f.messages.Send(ctx, "t1", model.MessagePayload{ConversationID: c.ID, Content: "refund please"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.events.named(model.EventMessage)) == 1
	}, time.Second, 5*time.Millisecond)

	reply := f.events.named(model.EventMessage)[0].payload.(model.MessagePayload)
	assert.Equal(t, model.RoleAgent, reply.Sender)
	assert.Equal(t, "Ana", reply.SenderName)
	assert.Equal(t, "You said: refund please", reply.Content)

	names := f.events.names()
	assert.Contains(t, names, model.EventTypingStart)
	assert.Contains(t, names, model.EventTypingStop)
	assert.NotContains(t, names, model.EventStreamStart)

	msgs, _, err := f.history.Page(ctx, "t1", c.ID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, ack.MessageID, msgs[0].ID)
	assert.True(t, msgs[0].Status.Read)
}

func TestSendToResolvedConversationFails(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx := context.Background()
	c, _ := f.convs.Create(ctx, "t1", "u1", "bot")
	_, _ = f.convs.Apply(ctx, "t1", c.ID, model.LifecyclePayload{Type: model.LifecycleAgentAssigned, AgentID: "a1"})
	_, err := f.convs.Apply(ctx, "t1", c.ID, model.LifecyclePayload{Type: model.LifecycleEnd})
	require.NoError(t, err)

	_, err = f.messages.Send(ctx, "t1", model.MessagePayload{ConversationID: c.ID, Content: "hello?"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMarkReadAndList(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx := context.Background()
	c, _ := f.convs.Create(ctx, "t1", "u1", "bot")

	m, err := f.history.Append(ctx, "t1", model.Message{
		ID:             "m-1",
		ConversationID: c.ID,
		Sender:         model.RoleAgent,
		Content:        "hello",
		Timestamp:      time.Now(),
		Status:         model.DeliveryStatus{Sent: true},
	})
	require.NoError(t, err)

	require.NoError(t, f.messages.MarkRead(ctx, "t1", model.ReadPayload{ConversationID: c.ID, MessageIDs: []string{m.ID}}))
	receipt := f.events.named(model.EventMessageReceipt)[0].payload.(model.ReceiptPayload)
	assert.True(t, receipt.Read)
	assert.True(t, receipt.Delivered)

	msgs, p, err := f.messages.List(ctx, "t1", c.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, &model.DeliveryStatus{Sent: true, Delivered: true, Read: true}, msgs[0].Status)
	assert.Equal(t, model.Pagination{Page: 1, Limit: defaultPageLimit, Total: 1, TotalPages: 1}, p)

	_, _, err = f.messages.List(ctx, "t2", c.ID, 1, 10)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryHistoryRecentAndPaging(t *testing.T) {
	h := NewMemoryHistory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		m, err := h.Append(ctx, "t1", model.Message{ConversationID: "c1", Content: string(rune('a' + i))})
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), m.Sequence)
	}

	recent, err := h.Recent(ctx, "t1", "c1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "d", recent[0].Content)

	page, total, err := h.Page(ctx, "t1", "c1", 3, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 1)
	assert.Equal(t, "e", page[0].Content)

	page, _, err = h.Page(ctx, "t1", "c1", 9, 2)
	require.NoError(t, err)
	assert.Empty(t, page)

	assert.ErrorIs(t, h.MergeStatus(ctx, "t1", "c1", "nope", model.DeliveryStatus{Read: true}), ErrNotFound)
}
