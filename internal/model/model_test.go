package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliveryStatusMergeIsMonotonic(t *testing.T) {
	s := DeliveryStatus{Sent: true}
	s = s.Merge(DeliveryStatus{Delivered: true})
	assert.Equal(t, DeliveryStatus{Sent: true, Delivered: true}, s)

	s = s.Merge(DeliveryStatus{})
	assert.True(t, s.Delivered, "an empty receipt must not clear flags")

	s = s.Merge(DeliveryStatus{Read: true})
	assert.Equal(t, DeliveryStatus{Sent: true, Delivered: true, Read: true}, s)

	s = s.Merge(DeliveryStatus{Delivered: false, Read: false})
	assert.True(t, s.Read)
}

func TestDeliveryStatusReadImpliesDelivered(t *testing.T) {
	s := DeliveryStatus{}.Merge(DeliveryStatus{Read: true})
	assert.True(t, s.Sent)
	assert.True(t, s.Delivered)
}

func TestParseStatus(t *testing.T) {
	s, ok := ParseStatus("ended")
	require.True(t, ok)
	assert.Equal(t, StatusResolved, s)

	_, ok = ParseStatus("paused")
	assert.False(t, ok)
}

func TestNormalizeClearsQueueAndAgent(t *testing.T) {
	pos := 3
	wait := time.Minute
	c := Conversation{
		Status:          StatusActive,
		AssignedAgentID: "a1",
		QueuePosition:   &pos,
		EstimatedWait:   &wait,
	}
	c.Normalize()
	assert.Nil(t, c.QueuePosition)
	assert.Nil(t, c.EstimatedWait)
	assert.Equal(t, "a1", c.AssignedAgentID)

	c.Status = StatusResolved
	c.Normalize()
	assert.Empty(t, c.AssignedAgentID)
}

func TestNormalizeDefaultsQueueFields(t *testing.T) {
	c := Conversation{Status: StatusQueued}
	require.True(t, c.MissingQueueFields())

	c.Normalize()
	require.NotNil(t, c.QueuePosition)
	require.NotNil(t, c.EstimatedWait)
	assert.Equal(t, DefaultQueuePosition, *c.QueuePosition)
	assert.Zero(t, *c.EstimatedWait)
	assert.False(t, c.MissingQueueFields())

	empty := Conversation{}
	empty.Normalize()
	assert.Equal(t, StatusQueued, empty.Status)
	assert.NotNil(t, empty.QueuePosition)
}

func TestSnapshotToConversation(t *testing.T) {
	pos := 3
	wait := 90
	snap := ConversationSnapshot{
		ID:              "c1",
		Status:          "queued",
		AssignedAgentID: "stale",
		QueuePosition:   &pos,
		EstimatedWait:   &wait,
	}
	c := snap.ToConversation()
	c.Normalize()
	assert.Equal(t, StatusQueued, c.Status)
	require.NotNil(t, c.QueuePosition)
	assert.Equal(t, 3, *c.QueuePosition)
	require.NotNil(t, c.EstimatedWait)
	assert.Equal(t, 90*time.Second, *c.EstimatedWait)
	assert.Empty(t, c.AssignedAgentID, "queued conversations carry no agent")
}

func TestMessageOrdering(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := Message{Timestamp: ts, Sequence: 1}
	b := Message{Timestamp: ts, Sequence: 2}
	c := Message{Timestamp: ts.Add(time.Second)}

	assert.True(t, a.Before(b))
	assert.False(t, b.Before(a))
	assert.True(t, b.Before(c))
}

func TestMessageKey(t *testing.T) {
	assert.Equal(t, "tmp-1", Message{LocalID: "tmp-1"}.Key())
	assert.Equal(t, "m-100", Message{LocalID: "tmp-1", ID: "m-100"}.Key())
}

func TestCloneDoesNotShare(t *testing.T) {
	pos := 1
	c := Conversation{
		QueuePosition: &pos,
		Messages:      []Message{{ID: "m1"}},
		Participants:  []Participant{(Participant{ID: "p1"}).Online(true)},
	}
	cp := c.Clone()
	*cp.QueuePosition = 9
	cp.Messages[0].Content = "changed"
	*cp.Participants[0].IsOnline = false

	assert.Equal(t, 1, *c.QueuePosition)
	assert.Empty(t, c.Messages[0].Content)
	assert.True(t, *c.Participants[0].IsOnline)
}

func TestConversationSnapshotRoundTrip(t *testing.T) {
	pos := 4
	wait := 90 * time.Second
	c := Conversation{ID: "c1", Status: StatusQueued, QueuePosition: &pos, EstimatedWait: &wait}

	s := c.Snapshot()
	assert.Equal(t, "queued", s.Status)
	require.NotNil(t, s.EstimatedWait)
	assert.Equal(t, 90, *s.EstimatedWait)

	back := s.ToConversation()
	require.NotNil(t, back.EstimatedWait)
	assert.Equal(t, wait, *back.EstimatedWait)
	assert.Equal(t, 4, *back.QueuePosition)
}

func TestMessagePayloadKeepsStatus(t *testing.T) {
	m := Message{ID: "m1", ConversationID: "c1", Sender: RoleAgent, Status: DeliveryStatus{Sent: true, Read: true}}
	p := m.Payload()
	require.NotNil(t, p.Status)
	assert.True(t, p.Status.Read)
	assert.Equal(t, m.ID, p.ToMessage().ID)
	assert.True(t, p.ToMessage().Status.Delivered)
}

func TestToMessageKeepsLocalID(t *testing.T) {
	p := MessagePayload{LocalID: "tmp-1", MessageID: "m1", ConversationID: "c1", Sender: RoleUser, Content: "hi"}

	m := p.ToMessage()
	assert.Equal(t, "tmp-1", m.LocalID)
	assert.Equal(t, "m1", m.ID)
	assert.True(t, m.Status.Sent)
}
